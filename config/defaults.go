package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "legion.db")

	// Log defaults
	v.SetDefault("log.theme", "everforest")
	v.SetDefault("log.json", false)

	// Engine housekeeping defaults
	v.SetDefault("engine.retention_days", 30)
	v.SetDefault("engine.janitor_interval_seconds", 3600)

	// Per-target admission control defaults
	v.SetDefault("limiter.max_concurrent_per_target", 3)
	v.SetDefault("limiter.acquire_timeout_seconds", 30)
	v.SetDefault("limiter.idle_threshold_seconds", 600)
	v.SetDefault("limiter.sweep_interval_seconds", 300)

	// Scheduler defaults
	v.SetDefault("scheduler.poll_interval_seconds", 30)
	v.SetDefault("scheduler.expiry_grace_seconds", 60)
	v.SetDefault("scheduler.timezone", "")

	// Executor defaults
	v.SetDefault("executor.mode", "sim")
	v.SetDefault("executor.timeout_seconds", 30)
	v.SetDefault("executor.requests_per_second", 2.0)
	v.SetDefault("executor.allow_private_hosts", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Database path
	v.BindEnv("database.path", "LEGION_DATABASE_PATH")

	// Remote executor endpoint and credentials
	v.BindEnv("executor.base_url", "LEGION_EXECUTOR_BASE_URL")
	v.BindEnv("executor.api_key", "LEGION_EXECUTOR_API_KEY")
}
