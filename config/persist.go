package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/varenq/legion/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete oldest backup")
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// ManagedConfigPath returns the path of the CLI-managed config file in
// ~/.legion/legion_managed.toml. Values written by `legion config set`
// land here, never in hand-edited files.
func ManagedConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".legion", "legion_managed.toml")
}

// loadOrInitializeManagedConfig loads the managed config file, or creates
// an empty document if it doesn't exist.
func loadOrInitializeManagedConfig() (map[string]interface{}, string, error) {
	configPath := ManagedConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .legion directory")
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse managed config")
		}
	} else {
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveManagedConfig writes the config to the managed config file with backup
func saveManagedConfig(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write managed config")
	}

	return nil
}

// SetValue persists one dotted-path key (e.g. "limiter.max_concurrent_per_target")
// into the managed config file, creating intermediate sections as needed.
// The new value takes effect on the next Load (or immediately for processes
// running a ConfigWatcher).
func SetValue(key string, value interface{}) error {
	parts := strings.Split(key, ".")
	if len(parts) == 0 || key == "" {
		return errors.New("config key cannot be empty")
	}
	for _, p := range parts {
		if p == "" {
			return errors.Newf("malformed config key %q", key)
		}
	}

	config, configPath, err := loadOrInitializeManagedConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load managed config")
	}

	// Walk to the leaf's parent section, creating tables as needed
	section := config
	for _, part := range parts[:len(parts)-1] {
		child, ok := section[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			section[part] = child
		}
		section = child
	}
	section[parts[len(parts)-1]] = value

	if err := saveManagedConfig(config, configPath); err != nil {
		return err
	}

	// Invalidate the cached config so the next Load sees the new value
	Reset()
	return nil
}

// UnsetValue removes one dotted-path key from the managed config file.
// Missing keys are not an error.
func UnsetValue(key string) error {
	parts := strings.Split(key, ".")
	if len(parts) == 0 || key == "" {
		return errors.New("config key cannot be empty")
	}

	config, configPath, err := loadOrInitializeManagedConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load managed config")
	}

	section := config
	for _, part := range parts[:len(parts)-1] {
		child, ok := section[part].(map[string]interface{})
		if !ok {
			return nil
		}
		section = child
	}
	if _, ok := section[parts[len(parts)-1]]; !ok {
		return nil
	}
	delete(section, parts[len(parts)-1])

	if err := saveManagedConfig(config, configPath); err != nil {
		return err
	}

	Reset()
	return nil
}

// ManagedValues returns the flattened dotted-path view of the managed
// config file, for `legion config list`.
func ManagedValues() (map[string]interface{}, error) {
	config, _, err := loadOrInitializeManagedConfig()
	if err != nil {
		return nil, err
	}

	flat := make(map[string]interface{})
	flattenInto(flat, "", config)
	return flat, nil
}

func flattenInto(dst map[string]interface{}, prefix string, src map[string]interface{}) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]interface{}); ok {
			flattenInto(dst, key, child)
			continue
		}
		dst[key] = v
	}
}
