// Package schedule fires job creation requests on a timetable: a single
// instant, a cron expression, or daily time ranges with jittered intervals.
// Every firing replays the schedule's stored job_config through the job
// executor and leaves an execution audit row.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/varenq/legion/errors"
)

// Type selects how the next execution time is computed.
type Type string

const (
	// TypeOnce fires at one fixed instant, then completes.
	TypeOnce Type = "once"
	// TypeCron fires per a 5-field cron expression.
	TypeCron Type = "cron"
	// TypeDaily fires within configured time-of-day ranges at a jittered
	// interval.
	TypeDaily Type = "daily"
)

// IsValidType reports whether s names a known schedule type.
func IsValidType(s string) bool {
	switch Type(s) {
	case TypeOnce, TypeCron, TypeDaily:
		return true
	default:
		return false
	}
}

// Status is a schedule's lifecycle state. Only active schedules fire.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// IsValidStatus reports whether s names a known schedule status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusActive, StatusPaused, StatusCompleted, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the schedule can never fire again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}

// ScheduledJob is a stored timetable entry. NextExecutionAt is set exactly
// when the schedule is active; pausing or finishing the schedule nulls it.
type ScheduledJob struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// JobConfig is the full job creation payload replayed on every firing.
	JobConfig json.RawMessage `json:"job_config"`

	ScheduleType   Type            `json:"schedule_type"`
	ScheduleConfig json.RawMessage `json:"schedule_config"`

	Status          Status     `json:"status"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
	FailureCount    int        `json:"failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewScheduledJob creates an active schedule without a next execution time;
// the service computes and stamps it before persisting.
func NewScheduledJob(name, description string, jobConfig json.RawMessage, schedType Type, schedConfig json.RawMessage) *ScheduledJob {
	now := time.Now().UTC()
	return &ScheduledJob{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    description,
		JobConfig:      jobConfig,
		ScheduleType:   schedType,
		ScheduleConfig: schedConfig,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// OnceConfig fires a single time.
type OnceConfig struct {
	ExecutionTime time.Time `json:"execution_time"`
}

// CronConfig fires per a standard 5-field expression (minute, hour, day of
// month, month, day of week).
type CronConfig struct {
	Expression string `json:"expression"`
}

// TimeRange is one firing window within a daily schedule. Times are local
// "HH:MM"; a range whose end precedes its start wraps past midnight.
type TimeRange struct {
	StartTime          string  `json:"start_time"`
	EndTime            string  `json:"end_time"`
	IntervalMinutes    float64 `json:"interval_minutes"`
	RandomNoiseMinutes float64 `json:"random_noise_minutes,omitempty"`
}

// DailyConfig fires within time-of-day ranges, spacing executions by a
// jittered interval. Timezone defaults to the engine's configured location.
type DailyConfig struct {
	Timezone string      `json:"timezone,omitempty"`
	Ranges   []TimeRange `json:"ranges"`
}

// decodeConfig unmarshals a schedule config payload into out with a typed
// invalid-request error on bad JSON.
func decodeConfig(schedType Type, raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "%s schedule needs a config", schedType)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid %s schedule config: %v", schedType, err)
	}
	return nil
}

// parseClock converts "HH:MM" to minutes since local midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidRequest, "invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// validateDaily checks a daily config's ranges.
func validateDaily(cfg *DailyConfig) error {
	if len(cfg.Ranges) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "daily schedule needs at least one range")
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return errors.Wrapf(errors.ErrInvalidRequest, "unknown timezone %q", cfg.Timezone)
		}
	}
	for i, r := range cfg.Ranges {
		start, err := parseClock(r.StartTime)
		if err != nil {
			return errors.Wrapf(err, "range %d start", i+1)
		}
		end, err := parseClock(r.EndTime)
		if err != nil {
			return errors.Wrapf(err, "range %d end", i+1)
		}
		if start == end {
			return errors.Wrapf(errors.ErrInvalidRequest, "range %d start and end coincide", i+1)
		}
		if r.IntervalMinutes <= 0 {
			return errors.Wrapf(errors.ErrInvalidRequest, "range %d interval must be positive", i+1)
		}
		if r.RandomNoiseMinutes < 0 {
			return errors.Wrapf(errors.ErrInvalidRequest, "range %d noise must not be negative", i+1)
		}
	}
	return nil
}
