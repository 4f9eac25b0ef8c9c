package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ConfigSource identifies which cascade layer supplied a value.
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/legion/legion.toml
	SourceUser        ConfigSource = "user"        // ~/.legion/legion.toml
	SourceManaged     ConfigSource = "managed"     // ~/.legion/legion_managed.toml
	SourceProject     ConfigSource = "project"     // ./legion.toml (searched upward)
	SourceEnvironment ConfigSource = "environment" // LEGION_* env vars
)

// SettingInfo describes one effective setting and where it came from.
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"` // File path or env var name
}

// LayerInfo describes one file layer of the cascade.
type LayerInfo struct {
	Source ConfigSource `json:"source"`
	Path   string       `json:"path"`
	Exists bool         `json:"exists"`
}

// Introspection is the full picture of the active configuration: every
// cascade layer plus every effective setting with its winning source.
type Introspection struct {
	Layers   []LayerInfo   `json:"layers"`
	Settings []SettingInfo `json:"settings"`
}

// cascadeLayers returns the file layers in precedence order, lowest first.
// The project layer is present only when a legion.toml was actually found.
func cascadeLayers() []LayerInfo {
	homeDir, _ := os.UserHomeDir()
	layers := []LayerInfo{
		{Source: SourceSystem, Path: "/etc/legion/legion.toml"},
		{Source: SourceUser, Path: filepath.Join(homeDir, ".legion", "legion.toml")},
		{Source: SourceManaged, Path: ManagedConfigPath()},
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		layers = append(layers, LayerInfo{Source: SourceProject, Path: projectConfig})
	}
	for i := range layers {
		if layers[i].Path == "" {
			continue
		}
		if _, err := os.Stat(layers[i].Path); err == nil {
			layers[i].Exists = true
		}
	}
	return layers
}

// GetConfigIntrospection attributes every effective setting to its source
// by replaying the merge cascade layer by layer. A key defined in several
// layers reports the highest-precedence one, matching what Load produced.
func GetConfigIntrospection() (*Introspection, error) {
	v := GetViper()
	layers := cascadeLayers()

	type sourceInfo struct {
		source ConfigSource
		path   string
	}
	sources := make(map[string]sourceInfo)
	for _, layer := range layers {
		if !layer.Exists {
			continue
		}
		layerViper := viper.New()
		layerViper.SetConfigFile(layer.Path)
		layerViper.SetConfigType("toml")
		if err := layerViper.ReadInConfig(); err != nil {
			continue
		}
		flat := make(map[string]interface{})
		flattenInto(flat, "", layerViper.AllSettings())
		for key := range flat {
			sources[key] = sourceInfo{source: layer.Source, path: layer.Path}
		}
	}

	flat := make(map[string]interface{})
	flattenInto(flat, "", v.AllSettings())

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	intro := &Introspection{Layers: layers, Settings: make([]SettingInfo, 0, len(keys))}
	for _, key := range keys {
		info := SettingInfo{
			Key:        key,
			Value:      flat[key],
			Source:     SourceDefault,
			SourcePath: "built-in default",
		}
		if si, ok := sources[key]; ok {
			info.Source = si.source
			info.SourcePath = si.path
		}

		// Environment beats every file layer.
		envKey := "LEGION_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if envValue := os.Getenv(envKey); envValue != "" {
			info.Source = SourceEnvironment
			info.SourcePath = envKey
			info.Value = envValue
		}

		intro.Settings = append(intro.Settings, info)
	}
	return intro, nil
}
