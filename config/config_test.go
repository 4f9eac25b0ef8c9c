package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	// Create isolated viper instance without loading user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != "legion.db" {
		t.Errorf("expected default database path 'legion.db', got %q", cfg.Database.Path)
	}

	if cfg.Limiter.MaxConcurrentPerTarget != 3 {
		t.Errorf("expected default max per target 3, got %d", cfg.Limiter.MaxConcurrentPerTarget)
	}

	if cfg.Scheduler.PollIntervalSeconds != 30 {
		t.Errorf("expected default poll interval 30, got %d", cfg.Scheduler.PollIntervalSeconds)
	}

	if cfg.Executor.Mode != "sim" {
		t.Errorf("expected default executor mode 'sim', got %q", cfg.Executor.Mode)
	}
}

func TestValidate_ZeroValues(t *testing.T) {
	// Base config with required positives filled in
	base := func() Config {
		return Config{
			Limiter: LimiterConfig{MaxConcurrentPerTarget: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero poll interval is valid (scheduler disabled)",
			mutate:  func(c *Config) { c.Scheduler.PollIntervalSeconds = 0 },
			wantErr: false,
		},
		{
			name:    "negative poll interval is invalid",
			mutate:  func(c *Config) { c.Scheduler.PollIntervalSeconds = -1 },
			wantErr: true,
		},
		{
			name:    "zero max per target is invalid",
			mutate:  func(c *Config) { c.Limiter.MaxConcurrentPerTarget = 0 },
			wantErr: true,
		},
		{
			name:    "zero acquire timeout is valid (non-blocking try)",
			mutate:  func(c *Config) { c.Limiter.AcquireTimeoutSeconds = 0 },
			wantErr: false,
		},
		{
			name:    "negative retention is invalid",
			mutate:  func(c *Config) { c.Engine.RetentionDays = -1 },
			wantErr: true,
		},
		{
			name:    "zero retention is valid (pruning disabled)",
			mutate:  func(c *Config) { c.Engine.RetentionDays = 0 },
			wantErr: false,
		},
		{
			name:    "unknown executor mode is invalid",
			mutate:  func(c *Config) { c.Executor.Mode = "carrier-pigeon" },
			wantErr: true,
		},
		{
			name:    "remote mode without base URL is invalid",
			mutate:  func(c *Config) { c.Executor.Mode = "remote" },
			wantErr: true,
		},
		{
			name: "remote mode with base URL is valid",
			mutate: func(c *Config) {
				c.Executor.Mode = "remote"
				c.Executor.BaseURL = "https://executor.example.com"
			},
			wantErr: false,
		},
		{
			name:    "bad timezone is invalid",
			mutate:  func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus_Mons" },
			wantErr: true,
		},
		{
			name:    "real timezone is valid",
			mutate:  func(c *Config) { c.Scheduler.Timezone = "Europe/Amsterdam" },
			wantErr: false,
		},
		{
			name:    "negative request rate is invalid",
			mutate:  func(c *Config) { c.Executor.RequestsPerSecond = -0.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"database.path", "legion.db"},
		{"log.theme", "everforest"},
		{"engine.retention_days", 30},
		{"limiter.max_concurrent_per_target", 3},
		{"limiter.acquire_timeout_seconds", 30},
		{"scheduler.poll_interval_seconds", 30},
		{"executor.mode", "sim"},
		{"executor.timeout_seconds", 30},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := v.Get(tt.key)
			if got != tt.expected {
				t.Errorf("default %s = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("finds legion.toml walking up", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test1", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)

		os.WriteFile(filepath.Join(tmpDir, "test1", "legion.toml"), []byte(""), DefaultFilePermissions)

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		result := findProjectConfig()
		if result == "" {
			t.Fatal("expected to find config file")
		}
		if filepath.Base(result) != "legion.toml" {
			t.Errorf("expected legion.toml, got %s", filepath.Base(result))
		}
	})

	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test2", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		result := findProjectConfig()
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Engine:    EngineConfig{RetentionDays: 7, JanitorIntervalSeconds: 120},
		Limiter:   LimiterConfig{AcquireTimeoutSeconds: 5},
		Scheduler: SchedulerConfig{PollIntervalSeconds: 10},
	}

	if got := cfg.Retention(); got != 7*24*time.Hour {
		t.Errorf("Retention() = %v, want 168h", got)
	}
	if got := cfg.JanitorInterval(); got != 2*time.Minute {
		t.Errorf("JanitorInterval() = %v, want 2m", got)
	}
	if got := cfg.AcquireTimeout(); got != 5*time.Second {
		t.Errorf("AcquireTimeout() = %v, want 5s", got)
	}
	if got := cfg.PollInterval(); got != 10*time.Second {
		t.Errorf("PollInterval() = %v, want 10s", got)
	}
	// Grace not set: falls back to 2x poll interval
	if got := cfg.ExpiryGrace(); got != 20*time.Second {
		t.Errorf("ExpiryGrace() = %v, want 20s", got)
	}

	// Zero values fall back to usable durations
	var zero Config
	if zero.JanitorInterval() <= 0 {
		t.Error("JanitorInterval() should never be <= 0")
	}
	if zero.Retention() != 0 {
		t.Error("Retention() should be 0 when disabled")
	}
	if zero.PollInterval() <= 0 {
		t.Error("PollInterval() should never be <= 0")
	}
}

func TestSetValue_Persistence(t *testing.T) {
	// Point the managed config at a throwaway home
	t.Setenv("HOME", t.TempDir())
	Reset()
	defer Reset()

	if err := SetValue("limiter.max_concurrent_per_target", 5); err != nil {
		t.Fatalf("SetValue() failed: %v", err)
	}

	values, err := ManagedValues()
	if err != nil {
		t.Fatalf("ManagedValues() failed: %v", err)
	}
	got, ok := values["limiter.max_concurrent_per_target"]
	if !ok {
		t.Fatal("expected key to be persisted")
	}
	// go-toml round-trips integers as int64
	if gotInt, ok := got.(int64); !ok || gotInt != 5 {
		t.Errorf("persisted value = %v (%T), want 5", got, got)
	}

	// Overwrite and nest another section
	if err := SetValue("limiter.max_concurrent_per_target", 7); err != nil {
		t.Fatalf("SetValue() overwrite failed: %v", err)
	}
	if err := SetValue("executor.mode", "remote"); err != nil {
		t.Fatalf("SetValue() second section failed: %v", err)
	}

	values, err = ManagedValues()
	if err != nil {
		t.Fatalf("ManagedValues() failed: %v", err)
	}
	if got := values["limiter.max_concurrent_per_target"]; got.(int64) != 7 {
		t.Errorf("overwritten value = %v, want 7", got)
	}
	if got := values["executor.mode"]; got != "remote" {
		t.Errorf("executor.mode = %v, want remote", got)
	}

	// Unset removes the key; unsetting a missing key is a no-op
	if err := UnsetValue("executor.mode"); err != nil {
		t.Fatalf("UnsetValue() failed: %v", err)
	}
	if err := UnsetValue("executor.mode"); err != nil {
		t.Fatalf("UnsetValue() on missing key failed: %v", err)
	}
	values, _ = ManagedValues()
	if _, ok := values["executor.mode"]; ok {
		t.Error("expected executor.mode to be removed")
	}
}

func TestSetValue_RejectsMalformedKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	Reset()
	defer Reset()

	if err := SetValue("", 1); err == nil {
		t.Error("expected error for empty key")
	}
	if err := SetValue("limiter..max", 1); err == nil {
		t.Error("expected error for key with empty segment")
	}
}

func TestCreateBackup_Rotation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "legion_managed.toml")

	// Backing up a nonexistent file is a no-op
	if err := createBackup(configPath); err != nil {
		t.Fatalf("createBackup() on missing file failed: %v", err)
	}

	write := func(content string) {
		if err := os.WriteFile(configPath, []byte(content), DefaultFilePermissions); err != nil {
			t.Fatal(err)
		}
	}

	write("v1")
	if err := createBackup(configPath); err != nil {
		t.Fatalf("createBackup() failed: %v", err)
	}
	write("v2")
	if err := createBackup(configPath); err != nil {
		t.Fatalf("createBackup() failed: %v", err)
	}

	back1, err := os.ReadFile(configPath + ".back1")
	if err != nil {
		t.Fatalf("expected .back1 to exist: %v", err)
	}
	if string(back1) != "v2" {
		t.Errorf(".back1 = %q, want v2", back1)
	}

	back2, err := os.ReadFile(configPath + ".back2")
	if err != nil {
		t.Fatalf("expected .back2 to exist: %v", err)
	}
	if string(back2) != "v1" {
		t.Errorf(".back2 = %q, want v1", back2)
	}
}

func TestIsBackupFile(t *testing.T) {
	if !isBackupFile("/home/x/.legion/legion_managed.toml.back1") {
		t.Error("expected .back1 to be a backup file")
	}
	if !isBackupFile("legion.toml.back3") {
		t.Error("expected .back3 to be a backup file")
	}
	if isBackupFile("/home/x/.legion/legion_managed.toml") {
		t.Error("expected plain config not to be a backup file")
	}
}
