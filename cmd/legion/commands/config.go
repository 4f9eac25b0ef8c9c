package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/varenq/legion/config"
	"github.com/varenq/legion/errors"
)

// ConfigCmd manages engine configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage configuration.

Configuration sources (in order of precedence):
1. Environment variables (LEGION_* prefix)
2. Project config (./legion.toml, searches up directories)
3. Managed config (~/.legion/legion_managed.toml, written by 'config set')
4. User config (~/.legion/legion.toml)
5. System config (/etc/legion/legion.toml)
6. Default values

'config set' writes to the managed file with rotating backups; a running
daemon picks the change up without a restart.

Examples:
  legion config show                       # Effective configuration
  legion config get limiter.max_concurrent_per_target
  legion config set limiter.max_concurrent_per_target 5
  legion config unset limiter.max_concurrent_per_target
  legion config list                       # Managed overrides only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get one configuration value",
	Long:  "Get one configuration value using dot notation (e.g., database.path, executor.mode)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration override",
	Long: `Persist a configuration override to the managed config file.

Values parse as bool, integer, or float when they look like one; anything
else is stored as a string. The previous file is kept as a rotating backup.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a managed configuration override",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed configuration overrides",
	RunE:  runConfigList,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which layer supplies each value.

Lists every layer in precedence order, then each effective setting with
the source that won the merge.`,
	RunE: runConfigWhere,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configSetCmd)
	ConfigCmd.AddCommand(configUnsetCmd)
	ConfigCmd.AddCommand(configListCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# legion configuration\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if _, err := config.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	v := config.GetViper()
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Println(config.Get(key))
	return nil
}

// parseConfigValue keeps 'config set' round-trippable: values that look
// like bools or numbers are stored typed, everything else as a string.
func parseConfigValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	if err := config.SetValue(key, parseConfigValue(raw)); err != nil {
		return err
	}
	pterm.Success.Printf("Set %s = %s\n", key, raw)
	pterm.Printf("  Written to %s\n", config.ManagedConfigPath())
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]

	if err := config.UnsetValue(key); err != nil {
		return err
	}
	pterm.Success.Printf("Unset %s\n", key)
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	values, err := config.ManagedValues()
	if err != nil {
		return err
	}
	if len(values) == 0 {
		fmt.Println("No managed overrides (everything comes from files, env, or defaults)")
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("Managed overrides in %s:\n", config.ManagedConfigPath())
	for _, k := range keys {
		fmt.Printf("  %s = %v\n", k, values[k])
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	intro, err := config.GetConfigIntrospection()
	if err != nil {
		return err
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	for i, layer := range intro.Layers {
		state := "missing"
		if layer.Exists {
			state = "loaded"
		}
		fmt.Printf("  %d. [%-7s] %s (%s)\n", i+2, strings.ToUpper(string(layer.Source)), layer.Path, state)
	}
	fmt.Printf("  %d. [ENV    ] LEGION_* environment variables\n", len(intro.Layers)+2)
	fmt.Println()

	fmt.Println("Effective settings:")
	for _, setting := range intro.Settings {
		valueStr := fmt.Sprintf("%v", setting.Value)
		if isSensitiveKey(setting.Key) && valueStr != "" {
			valueStr = "(redacted)"
		}
		if len(valueStr) > 50 {
			valueStr = valueStr[:47] + "..."
		}
		fmt.Printf("  %-45s = %-20s [%s]\n", setting.Key, valueStr, setting.Source)
	}
	return nil
}

// isSensitiveKey keeps credentials out of terminal scrollback.
func isSensitiveKey(key string) bool {
	return strings.Contains(key, "api_key") || strings.Contains(key, "password") || strings.Contains(key, "secret")
}
