package schedule

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/varenq/legion/errors"
)

// cronParser accepts the standard 5-field form (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Planner computes next execution times. Daily schedules get Gaussian jitter
// around their configured interval so repeated firings do not land on a
// machine-regular grid.
type Planner struct {
	loc *time.Location
	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPlanner returns a planner that evaluates daily ranges in loc when a
// schedule does not name its own timezone. A nil loc means UTC.
func NewPlanner(loc *time.Location) *Planner {
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{
		loc: loc,
		now: time.Now,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Validate checks a schedule config without computing anything, so bad
// payloads are rejected at creation time rather than at the first tick.
// A once schedule whose instant already passed is invalid.
func (p *Planner) Validate(schedType Type, config json.RawMessage) error {
	switch schedType {
	case TypeOnce:
		var cfg OnceConfig
		if err := decodeConfig(schedType, config, &cfg); err != nil {
			return err
		}
		if cfg.ExecutionTime.IsZero() {
			return errors.Wrap(errors.ErrInvalidRequest, "once schedule needs an execution_time")
		}
		if !cfg.ExecutionTime.After(p.now()) {
			return errors.Wrapf(errors.ErrScheduleExpired, "execution_time %s is in the past", cfg.ExecutionTime.UTC().Format(time.RFC3339))
		}
		return nil
	case TypeCron:
		var cfg CronConfig
		if err := decodeConfig(schedType, config, &cfg); err != nil {
			return err
		}
		if _, err := cronParser.Parse(cfg.Expression); err != nil {
			return errors.Wrapf(errors.ErrInvalidRequest, "invalid cron expression %q: %v", cfg.Expression, err)
		}
		return nil
	case TypeDaily:
		var cfg DailyConfig
		if err := decodeConfig(schedType, config, &cfg); err != nil {
			return err
		}
		return validateDaily(&cfg)
	default:
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown schedule type %q", schedType)
	}
}

// Next computes the first execution instant strictly after from, in UTC.
// A once schedule whose instant is not after from returns ErrScheduleExpired.
func (p *Planner) Next(schedType Type, config json.RawMessage, from time.Time) (time.Time, error) {
	switch schedType {
	case TypeOnce:
		var cfg OnceConfig
		if err := decodeConfig(schedType, config, &cfg); err != nil {
			return time.Time{}, err
		}
		if !cfg.ExecutionTime.After(from) {
			return time.Time{}, errors.Wrapf(errors.ErrScheduleExpired, "execution_time %s already passed", cfg.ExecutionTime.UTC().Format(time.RFC3339))
		}
		return cfg.ExecutionTime.UTC(), nil

	case TypeCron:
		var cfg CronConfig
		if err := decodeConfig(schedType, config, &cfg); err != nil {
			return time.Time{}, err
		}
		sched, err := cronParser.Parse(cfg.Expression)
		if err != nil {
			return time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "invalid cron expression %q: %v", cfg.Expression, err)
		}
		return sched.Next(from.In(p.loc)).UTC(), nil

	case TypeDaily:
		var cfg DailyConfig
		if err := decodeConfig(schedType, config, &cfg); err != nil {
			return time.Time{}, err
		}
		if err := validateDaily(&cfg); err != nil {
			return time.Time{}, err
		}
		return p.nextDaily(&cfg, from)

	default:
		return time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "unknown schedule type %q", schedType)
	}
}

// nextDaily picks the next instant for a daily schedule. Inside a range the
// candidate is from plus a jittered interval; a candidate that falls past the
// range's end rolls over to the next window's start.
func (p *Planner) nextDaily(cfg *DailyConfig, from time.Time) (time.Time, error) {
	loc := p.loc
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "unknown timezone %q", cfg.Timezone)
		}
		loc = l
	}

	local := from.In(loc)
	minute := local.Hour()*60 + local.Minute()

	for _, r := range cfg.Ranges {
		if !rangeContains(r, minute) {
			continue
		}
		candidate := from.Add(p.jitter(r))
		cl := candidate.In(loc)
		if rangeContains(r, cl.Hour()*60+cl.Minute()) {
			return candidate.UTC(), nil
		}
		// Jitter pushed past the window's end.
		break
	}
	return nextWindowStart(cfg.Ranges, local).UTC(), nil
}

// jitter draws a Gaussian delay centered on the range's interval, clamped to
// keep a pathological draw from firing immediately or stalling the window.
func (p *Planner) jitter(r TimeRange) time.Duration {
	p.mu.Lock()
	draw := p.rng.NormFloat64()
	p.mu.Unlock()

	minutes := r.IntervalMinutes + draw*r.RandomNoiseMinutes
	lo := r.IntervalMinutes / 2
	if lo < 1 {
		lo = 1
	}
	hi := r.IntervalMinutes * 2
	if minutes < lo {
		minutes = lo
	}
	if minutes > hi {
		minutes = hi
	}
	return time.Duration(minutes * float64(time.Minute))
}

// rangeContains reports whether a minute-of-day falls inside r. A range whose
// end precedes its start wraps past midnight.
func rangeContains(r TimeRange, minute int) bool {
	start, err := parseClock(r.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClock(r.EndTime)
	if err != nil {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// nextWindowStart returns the earliest upcoming range start after local,
// rolling to the following day when every start already passed.
func nextWindowStart(ranges []TimeRange, local time.Time) time.Time {
	var best time.Time
	for _, r := range ranges {
		start, err := parseClock(r.StartTime)
		if err != nil {
			continue
		}
		at := time.Date(local.Year(), local.Month(), local.Day(), start/60, start%60, 0, 0, local.Location())
		if !at.After(local) {
			at = at.AddDate(0, 0, 1)
		}
		if best.IsZero() || at.Before(best) {
			best = at
		}
	}
	return best
}
