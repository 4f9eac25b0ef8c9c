package config

import (
	"fmt"
	"time"
)

// Config represents the core legion configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures log output
type LogConfig struct {
	Theme string `mapstructure:"theme"` // Color theme: gruvbox, everforest
	JSON  bool   `mapstructure:"json"`  // Structured JSON output instead of console
}

// EngineConfig configures the job engine and its housekeeping
type EngineConfig struct {
	// Retention window for terminal jobs before the janitor prunes their
	// steps (default: 30 days). 0 disables pruning.
	RetentionDays int `mapstructure:"retention_days"`

	// Janitor cadence in seconds (default: 3600)
	JanitorIntervalSeconds int `mapstructure:"janitor_interval_seconds"`
}

// LimiterConfig configures per-target admission control
type LimiterConfig struct {
	// Maximum concurrent in-flight actions against one target key (default: 3)
	MaxConcurrentPerTarget int `mapstructure:"max_concurrent_per_target"`

	// How long Acquire waits for a permit before failing (default: 30)
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`

	// Semaphores idle longer than this are swept (default: 600)
	IdleThresholdSeconds int `mapstructure:"idle_threshold_seconds"`

	// Sweep cadence in seconds (default: 300)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// SchedulerConfig configures the schedule polling loop
type SchedulerConfig struct {
	// How often due schedules are checked (default: 30)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// Schedules overdue by more than this are reconciled instead of fired
	// (default: 2x poll interval)
	ExpiryGraceSeconds int `mapstructure:"expiry_grace_seconds"`

	// IANA timezone for daily time-range schedules (default: Local)
	Timezone string `mapstructure:"timezone"`
}

// ExecutorConfig configures the action executor bridge
type ExecutorConfig struct {
	// "sim" runs the in-process simulator; "remote" bridges to an external
	// executor service over HTTP (default: sim)
	Mode string `mapstructure:"mode"`

	// Remote executor endpoint, required when mode is "remote"
	BaseURL string `mapstructure:"base_url"`

	// Bearer token sent to the remote executor; env-only in practice
	APIKey string `mapstructure:"api_key"`

	// Per-request timeout in seconds (default: 30)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// Outbound request pacing (default: 2.0)
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// Allow remote endpoints on private/LAN addresses (default: false)
	AllowPrivateHosts bool `mapstructure:"allow_private_hosts"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "legion.db" // Fallback default
	}
	return c.Database.Path
}

// GetLogTheme returns the log theme (default: everforest)
func (c *Config) GetLogTheme() string {
	if c.Log.Theme == "" {
		return "everforest"
	}
	return c.Log.Theme
}

// JanitorInterval returns the janitor cadence as a duration.
func (c *Config) JanitorInterval() time.Duration {
	if c.Engine.JanitorIntervalSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Engine.JanitorIntervalSeconds) * time.Second
}

// Retention returns the terminal-job retention window, or 0 when pruning
// is disabled.
func (c *Config) Retention() time.Duration {
	if c.Engine.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Engine.RetentionDays) * 24 * time.Hour
}

// AcquireTimeout returns the limiter's default acquire timeout.
func (c *Config) AcquireTimeout() time.Duration {
	if c.Limiter.AcquireTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Limiter.AcquireTimeoutSeconds) * time.Second
}

// IdleThreshold returns how long a target semaphore may sit unused before
// the sweep removes it.
func (c *Config) IdleThreshold() time.Duration {
	if c.Limiter.IdleThresholdSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Limiter.IdleThresholdSeconds) * time.Second
}

// SweepInterval returns the limiter sweep cadence.
func (c *Config) SweepInterval() time.Duration {
	if c.Limiter.SweepIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Limiter.SweepIntervalSeconds) * time.Second
}

// PollInterval returns the scheduler poll cadence.
func (c *Config) PollInterval() time.Duration {
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// ExpiryGrace returns how far past due a schedule may be before the
// reconciliation sweep claims it instead of the firing path.
func (c *Config) ExpiryGrace() time.Duration {
	if c.Scheduler.ExpiryGraceSeconds <= 0 {
		return 2 * c.PollInterval()
	}
	return time.Duration(c.Scheduler.ExpiryGraceSeconds) * time.Second
}

// Location resolves the scheduler timezone, falling back to the process
// local zone on empty or invalid names.
func (c *Config) Location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ExecutorTimeout returns the per-request timeout for the remote executor.
func (c *Config) ExecutorTimeout() time.Duration {
	if c.Executor.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Executor: {Mode: %s}, Limiter: {MaxPerTarget: %d}}",
		c.Database.Path, c.Executor.Mode, c.Limiter.MaxConcurrentPerTarget)
}
