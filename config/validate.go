package config

import (
	"time"

	"github.com/varenq/legion/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "legion.db" per defaults.go

	// Retention: 0 = pruning disabled, negative = invalid
	if c.Engine.RetentionDays < 0 {
		return errors.Newf("engine.retention_days must be >= 0, got %d", c.Engine.RetentionDays)
	}
	if c.Engine.JanitorIntervalSeconds < 0 {
		return errors.Newf("engine.janitor_interval_seconds must be >= 0, got %d", c.Engine.JanitorIntervalSeconds)
	}

	// A target semaphore with zero permits would deadlock every acquire
	if c.Limiter.MaxConcurrentPerTarget <= 0 {
		return errors.Newf("limiter.max_concurrent_per_target must be > 0, got %d", c.Limiter.MaxConcurrentPerTarget)
	}
	// Acquire timeout 0 = non-blocking try, negative = invalid
	if c.Limiter.AcquireTimeoutSeconds < 0 {
		return errors.Newf("limiter.acquire_timeout_seconds must be >= 0, got %d", c.Limiter.AcquireTimeoutSeconds)
	}
	if c.Limiter.IdleThresholdSeconds < 0 {
		return errors.Newf("limiter.idle_threshold_seconds must be >= 0, got %d", c.Limiter.IdleThresholdSeconds)
	}
	// Sweep interval 0 = sweeping disabled, negative = invalid
	if c.Limiter.SweepIntervalSeconds < 0 {
		return errors.Newf("limiter.sweep_interval_seconds must be >= 0, got %d", c.Limiter.SweepIntervalSeconds)
	}

	// Poll interval 0 = scheduler disabled, negative = invalid
	if c.Scheduler.PollIntervalSeconds < 0 {
		return errors.Newf("scheduler.poll_interval_seconds must be >= 0, got %d", c.Scheduler.PollIntervalSeconds)
	}
	if c.Scheduler.ExpiryGraceSeconds < 0 {
		return errors.Newf("scheduler.expiry_grace_seconds must be >= 0, got %d", c.Scheduler.ExpiryGraceSeconds)
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return errors.Wrapf(err, "scheduler.timezone %q is not a valid IANA zone", c.Scheduler.Timezone)
		}
	}

	switch c.Executor.Mode {
	case "", "sim", "remote":
	default:
		return errors.Newf("executor.mode must be \"sim\" or \"remote\", got %q", c.Executor.Mode)
	}
	if c.Executor.Mode == "remote" && c.Executor.BaseURL == "" {
		return errors.New("executor.base_url cannot be empty when executor.mode is \"remote\"")
	}
	if c.Executor.TimeoutSeconds < 0 {
		return errors.Newf("executor.timeout_seconds must be >= 0, got %d", c.Executor.TimeoutSeconds)
	}
	// Pacing 0 = unpaced, negative = invalid
	if c.Executor.RequestsPerSecond < 0 {
		return errors.Newf("executor.requests_per_second must be >= 0, got %f", c.Executor.RequestsPerSecond)
	}

	return nil
}
