package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Control ControlConfig `mapstructure:"control"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig selects and configures the config store backend
type StorageConfig struct {
	Type      string       `mapstructure:"type"` // "redis" or "sqlite"
	KeyPrefix string       `mapstructure:"key_prefix"`
	Redis     RedisConfig  `mapstructure:"redis"`
	SQLite    SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// SQLiteConfig defines the embedded store settings
type SQLiteConfig struct {
	Path         string `mapstructure:"path"`
	PollInterval string `mapstructure:"poll_interval"` // how often to look for external commits
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MonitorConfig tunes the decision loop
type MonitorConfig struct {
	HostPackage         string         `mapstructure:"host_package"`
	DefaultLauncher     string         `mapstructure:"default_launcher"`
	HeartbeatInterval   string         `mapstructure:"heartbeat_interval"`
	BlockPause          string         `mapstructure:"block_pause"`
	BlockThrottle       string         `mapstructure:"block_throttle"`
	MinSessionDuration  string         `mapstructure:"min_session_duration"`
	MaxRecoveredSession string         `mapstructure:"max_recovered_session"`
	LivenessInterval    string         `mapstructure:"liveness_interval"`
	TempUnlockDuration  string         `mapstructure:"temp_unlock_duration"`
	EventBuffer         int            `mapstructure:"event_buffer"`
	Debounce            DebounceConfig `mapstructure:"debounce"`
}

// DebounceConfig defines the adaptive debounce windows
type DebounceConfig struct {
	Fast                  string  `mapstructure:"fast"`
	Balanced              string  `mapstructure:"balanced"`
	Conservative          string  `mapstructure:"conservative"`
	SampleInterval        string  `mapstructure:"sample_interval"`
	MemoryPressurePercent float64 `mapstructure:"memory_pressure_percent"`
}

// ControlConfig defines the local control API
type ControlConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	BindAddress string  `mapstructure:"bind_address"`
	Port        int     `mapstructure:"port"`
	RateLimit   float64 `mapstructure:"rate_limit"` // mutating requests per second
	RateBurst   int     `mapstructure:"rate_burst"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetEnvPrefix("BLOCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found, use defaults and environment variables
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.key_prefix", "blockapp:")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.sqlite.path", "/var/lib/blockd/blockd.db")
	v.SetDefault("storage.sqlite.poll_interval", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Monitor defaults
	v.SetDefault("monitor.host_package", "com.example.block_app")
	v.SetDefault("monitor.default_launcher", "")
	v.SetDefault("monitor.heartbeat_interval", "1s")
	v.SetDefault("monitor.block_pause", "500ms")
	v.SetDefault("monitor.block_throttle", "1500ms")
	v.SetDefault("monitor.min_session_duration", "3s")
	v.SetDefault("monitor.max_recovered_session", "15s")
	v.SetDefault("monitor.liveness_interval", "5s")
	v.SetDefault("monitor.temp_unlock_duration", "5m")
	v.SetDefault("monitor.event_buffer", 64)
	v.SetDefault("monitor.debounce.fast", "500ms")
	v.SetDefault("monitor.debounce.balanced", "800ms")
	v.SetDefault("monitor.debounce.conservative", "1200ms")
	v.SetDefault("monitor.debounce.sample_interval", "10s")
	v.SetDefault("monitor.debounce.memory_pressure_percent", 85.0)

	// Control API defaults
	v.SetDefault("control.enabled", true)
	v.SetDefault("control.bind_address", "127.0.0.1")
	v.SetDefault("control.port", 7420)
	v.SetDefault("control.rate_limit", 50.0)
	v.SetDefault("control.rate_burst", 100)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9420)
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis", "sqlite":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "sqlite" {
		if cfg.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if cfg.Monitor.HostPackage == "" {
		return fmt.Errorf("monitor.host_package is required")
	}

	// Tick intervals drive tickers and must be positive
	intervals := map[string]string{
		"monitor.heartbeat_interval":       cfg.Monitor.HeartbeatInterval,
		"monitor.liveness_interval":        cfg.Monitor.LivenessInterval,
		"monitor.debounce.sample_interval": cfg.Monitor.Debounce.SampleInterval,
	}
	if cfg.Storage.Type == "sqlite" {
		intervals["storage.sqlite.poll_interval"] = cfg.Storage.SQLite.PollInterval
	}
	for key, value := range intervals {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	durations := map[string]string{
		"monitor.block_pause":              cfg.Monitor.BlockPause,
		"monitor.block_throttle":           cfg.Monitor.BlockThrottle,
		"monitor.min_session_duration":     cfg.Monitor.MinSessionDuration,
		"monitor.max_recovered_session":    cfg.Monitor.MaxRecoveredSession,
		"monitor.temp_unlock_duration":     cfg.Monitor.TempUnlockDuration,
		"monitor.debounce.fast":            cfg.Monitor.Debounce.Fast,
		"monitor.debounce.balanced":        cfg.Monitor.Debounce.Balanced,
		"monitor.debounce.conservative":    cfg.Monitor.Debounce.Conservative,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	if cfg.Control.Enabled && (cfg.Control.Port <= 0 || cfg.Control.Port > 65535) {
		return fmt.Errorf("invalid control port: %d", cfg.Control.Port)
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
