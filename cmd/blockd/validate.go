package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/Elgammal1299/block-app/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the blockd configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig(), unknownKeys)
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// getValidKeys returns every key that has a default
func getValidKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  key_prefix", cfg.Storage.KeyPrefix, defaultCfg.Storage.KeyPrefix, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	_, _ = cyan.Println("  [storage.sqlite]")
	dumpField("    path", cfg.Storage.SQLite.Path, defaultCfg.Storage.SQLite.Path, yellow, green)
	dumpField("    poll_interval", cfg.Storage.SQLite.PollInterval, defaultCfg.Storage.SQLite.PollInterval, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Monitor
	_, _ = cyan.Println("\n[monitor]")
	dumpField("  host_package", cfg.Monitor.HostPackage, defaultCfg.Monitor.HostPackage, yellow, green)
	dumpField("  default_launcher", cfg.Monitor.DefaultLauncher, defaultCfg.Monitor.DefaultLauncher, yellow, green)
	dumpField("  heartbeat_interval", cfg.Monitor.HeartbeatInterval, defaultCfg.Monitor.HeartbeatInterval, yellow, green)
	dumpField("  block_pause", cfg.Monitor.BlockPause, defaultCfg.Monitor.BlockPause, yellow, green)
	dumpField("  block_throttle", cfg.Monitor.BlockThrottle, defaultCfg.Monitor.BlockThrottle, yellow, green)
	dumpField("  min_session_duration", cfg.Monitor.MinSessionDuration, defaultCfg.Monitor.MinSessionDuration, yellow, green)
	dumpField("  max_recovered_session", cfg.Monitor.MaxRecoveredSession, defaultCfg.Monitor.MaxRecoveredSession, yellow, green)
	dumpField("  liveness_interval", cfg.Monitor.LivenessInterval, defaultCfg.Monitor.LivenessInterval, yellow, green)
	dumpField("  temp_unlock_duration", cfg.Monitor.TempUnlockDuration, defaultCfg.Monitor.TempUnlockDuration, yellow, green)
	dumpField("  event_buffer", cfg.Monitor.EventBuffer, defaultCfg.Monitor.EventBuffer, yellow, green)
	_, _ = cyan.Println("  [monitor.debounce]")
	dumpField("    fast", cfg.Monitor.Debounce.Fast, defaultCfg.Monitor.Debounce.Fast, yellow, green)
	dumpField("    balanced", cfg.Monitor.Debounce.Balanced, defaultCfg.Monitor.Debounce.Balanced, yellow, green)
	dumpField("    conservative", cfg.Monitor.Debounce.Conservative, defaultCfg.Monitor.Debounce.Conservative, yellow, green)
	dumpField("    sample_interval", cfg.Monitor.Debounce.SampleInterval, defaultCfg.Monitor.Debounce.SampleInterval, yellow, green)
	dumpField("    memory_pressure_percent", cfg.Monitor.Debounce.MemoryPressurePercent, defaultCfg.Monitor.Debounce.MemoryPressurePercent, yellow, green)

	// Control
	_, _ = cyan.Println("\n[control]")
	dumpField("  enabled", cfg.Control.Enabled, defaultCfg.Control.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Control.BindAddress, defaultCfg.Control.BindAddress, yellow, green)
	dumpField("  port", cfg.Control.Port, defaultCfg.Control.Port, yellow, green)
	dumpField("  rate_limit", cfg.Control.RateLimit, defaultCfg.Control.RateLimit, yellow, green)
	dumpField("  rate_burst", cfg.Control.RateBurst, defaultCfg.Control.RateBurst, yellow, green)

	// Metrics
	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress, yellow, green)
	dumpField("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
