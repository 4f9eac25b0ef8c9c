// Package ratelimit bounds concurrent in-flight actions per external target
// key. Actions aimed at the same target (the same external account id) share
// one counting semaphore; actions aimed at different targets never contend.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/varenq/legion/errors"
)

// Limiter maintains one counting semaphore per target key, created on first
// use and swept away after sitting idle with zero permits held. The sweep
// bounds memory growth in a long-lived process that has touched many
// distinct targets.
type Limiter struct {
	maxPerTarget  int64
	idleThreshold time.Duration
	timeNow       func() time.Time // Injectable for testing
	logger        *zap.SugaredLogger

	mu      sync.Mutex
	targets map[string]*target
}

type target struct {
	sem      *semaphore.Weighted
	held     int64
	lastUsed time.Time
}

// Permit is a granted admission slot. Release returns it; releasing more
// than once is safe.
type Permit struct {
	limiter *Limiter
	target  *target
	key     string
	once    sync.Once
}

// NewLimiter creates a limiter with real time.
func NewLimiter(maxPerTarget int, idleThreshold time.Duration, log *zap.SugaredLogger) *Limiter {
	return NewLimiterWithClock(maxPerTarget, idleThreshold, log, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing
// the idle sweep without waiting out the threshold).
func NewLimiterWithClock(maxPerTarget int, idleThreshold time.Duration, log *zap.SugaredLogger, timeNow func() time.Time) *Limiter {
	if maxPerTarget < 1 {
		maxPerTarget = 1
	}
	return &Limiter{
		maxPerTarget:  int64(maxPerTarget),
		idleThreshold: idleThreshold,
		timeNow:       timeNow,
		logger:        log,
		targets:       make(map[string]*target),
	}
}

// SetMaxPerTarget retunes the permit ceiling for targets created from now
// on. Live targets keep their current semaphore until they go idle and are
// swept; a rebuilt semaphore picks up the new ceiling.
func (l *Limiter) SetMaxPerTarget(maxPerTarget int) {
	if maxPerTarget < 1 {
		maxPerTarget = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if int64(maxPerTarget) == l.maxPerTarget {
		return
	}
	l.maxPerTarget = int64(maxPerTarget)
	if l.logger != nil {
		l.logger.Infow("Retuned per-target permit ceiling",
			"max_per_target", maxPerTarget)
	}
}

// Acquire blocks until the target grants a permit, the timeout elapses, or
// ctx is cancelled. A timeout surfaces as ErrAcquireTimeout so callers can
// tell admission refusal apart from cancellation. timeout <= 0 waits as long
// as ctx allows.
func (l *Limiter) Acquire(ctx context.Context, targetKey string, timeout time.Duration) (*Permit, error) {
	tgt := l.lookup(targetKey)

	acquireCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := tgt.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "acquire interrupted for target %q", targetKey)
		}
		return nil, errors.Wrapf(errors.ErrAcquireTimeout, "target %q: no permit within %s", targetKey, timeout)
	}

	l.mu.Lock()
	tgt.held++
	tgt.lastUsed = l.timeNow()
	l.mu.Unlock()

	return &Permit{limiter: l, target: tgt, key: targetKey}, nil
}

// Release returns the permit to its target's semaphore.
func (p *Permit) Release() {
	p.once.Do(func() {
		l := p.limiter
		l.mu.Lock()
		p.target.held--
		p.target.lastUsed = l.timeNow()
		p.target.sem.Release(1)
		l.mu.Unlock()
	})
}

// lookup returns the target's semaphore, creating it on first use. Every
// touch stamps lastUsed so the sweep never removes a key mid-acquire.
func (l *Limiter) lookup(targetKey string) *target {
	l.mu.Lock()
	defer l.mu.Unlock()

	tgt, ok := l.targets[targetKey]
	if !ok {
		tgt = &target{sem: semaphore.NewWeighted(l.maxPerTarget)}
		l.targets[targetKey] = tgt
	}
	tgt.lastUsed = l.timeNow()
	return tgt
}

// Sweep removes semaphores that have been idle beyond the threshold and hold
// zero permits. Zero held permits means no waiters can be blocked on the
// semaphore (waiters only exist while every permit is taken), so removal
// never strands an Acquire. Returns the number of targets removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	removed := 0
	for key, tgt := range l.targets {
		if tgt.held == 0 && now.Sub(tgt.lastUsed) > l.idleThreshold {
			delete(l.targets, key)
			removed++
		}
	}
	if removed > 0 && l.logger != nil {
		l.logger.Debugw("Swept idle rate-limit targets",
			"removed", removed,
			"remaining", len(l.targets))
	}
	return removed
}

// SweepLoop runs Sweep on a fixed cadence until ctx is done. Run it in its
// own goroutine.
func (l *Limiter) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// TargetStats describes one target's admission state.
type TargetStats struct {
	Target    string `json:"target"`
	Max       int64  `json:"max"`
	Held      int64  `json:"held"`
	Available int64  `json:"available"`
}

// GlobalStats aggregates admission state across all live targets.
type GlobalStats struct {
	Targets      int   `json:"targets"`
	MaxPerTarget int64 `json:"max_per_target"`
	Held         int64 `json:"held"`
	Available    int64 `json:"available"`
}

// StatsForTarget returns one target's stats. The second return is false when
// the key has never been used or was swept.
func (l *Limiter) StatsForTarget(targetKey string) (TargetStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tgt, ok := l.targets[targetKey]
	if !ok {
		return TargetStats{}, false
	}
	return TargetStats{
		Target:    targetKey,
		Max:       l.maxPerTarget,
		Held:      tgt.held,
		Available: l.maxPerTarget - tgt.held,
	}, true
}

// GlobalStats returns the aggregate admission state.
func (l *Limiter) GlobalStats() GlobalStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := GlobalStats{
		Targets:      len(l.targets),
		MaxPerTarget: l.maxPerTarget,
	}
	for _, tgt := range l.targets {
		g.Held += tgt.held
	}
	g.Available = int64(g.Targets)*l.maxPerTarget - g.Held
	return g
}

// AllTargetStats returns per-target stats sorted by key for deterministic
// display.
func (l *Limiter) AllTargetStats() []TargetStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TargetStats, 0, len(l.targets))
	for key, tgt := range l.targets {
		out = append(out, TargetStats{
			Target:    key,
			Max:       l.maxPerTarget,
			Held:      tgt.held,
			Available: l.maxPerTarget - tgt.held,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
