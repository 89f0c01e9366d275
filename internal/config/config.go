package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	OpLog     OpLogConfig     `yaml:"oplog"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OpLogConfig bounds operation log retention. MaxEntries applies per entity.
type OpLogConfig struct {
	MaxEntries      int      `yaml:"max_entries"`
	MaxAge          Duration `yaml:"max_age"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// ReconnectConfig contains reconnect handling settings.
type ReconnectConfig struct {
	Workers        int      `yaml:"workers"`
	ReplayTTL      Duration `yaml:"replay_ttl"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// ArchiveConfig contains op-log archive settings. An empty path disables it.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Variables from a .env file (LIVESYNC_ENV_FILE, default ".env") are loaded
// first and never override variables already set in the environment.
func Load() (*Config, error) {
	_ = godotenv.Load(getEnv("LIVESYNC_ENV_FILE", ".env"))

	cfg := newDefaults()

	configPath := getEnv("LIVESYNC_CONFIG_PATH", "config/livesync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		OpLog: OpLogConfig{
			MaxEntries:      1000,
			MaxAge:          Duration(5 * time.Minute),
			CleanupInterval: Duration(30 * time.Second),
		},
		Reconnect: ReconnectConfig{
			Workers:        8,
			ReplayTTL:      Duration(30 * time.Second),
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("LIVESYNC_PORT", &cfg.Server.Port)
	envDuration("LIVESYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("LIVESYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("LIVESYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Auth
	if v := os.Getenv("LIVESYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("LIVESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LIVESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Operation log
	envInt("LIVESYNC_OPLOG_MAX_ENTRIES", &cfg.OpLog.MaxEntries)
	envDuration("LIVESYNC_OPLOG_MAX_AGE", &cfg.OpLog.MaxAge)
	envDuration("LIVESYNC_OPLOG_CLEANUP_INTERVAL", &cfg.OpLog.CleanupInterval)

	// Reconnect
	envInt("LIVESYNC_RECONNECT_WORKERS", &cfg.Reconnect.Workers)
	envDuration("LIVESYNC_REPLAY_TTL", &cfg.Reconnect.ReplayTTL)
	if v := os.Getenv("LIVESYNC_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Reconnect.RateLimitRPS = f
		}
	}
	envInt("LIVESYNC_RATE_LIMIT_BURST", &cfg.Reconnect.RateLimitBurst)

	// Archive
	if v := os.Getenv("LIVESYNC_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks required values and ranges.
// In dev mode (LIVESYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.OpLog.MaxEntries < 0 {
		return errors.New("oplog.max_entries must not be negative")
	}
	if c.OpLog.MaxAge < 0 || c.OpLog.CleanupInterval < 0 {
		return errors.New("oplog durations must not be negative")
	}
	if c.Reconnect.Workers < 1 {
		return errors.New("reconnect.workers must be at least 1")
	}
	if c.Reconnect.RateLimitRPS < 0 {
		return errors.New("reconnect.rate_limit_rps must not be negative")
	}
	if c.Reconnect.RateLimitRPS > 0 && c.Reconnect.RateLimitBurst < 1 {
		return errors.New("reconnect.rate_limit_burst must be at least 1 when rate limiting is enabled")
	}

	if os.Getenv("LIVESYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("LIVESYNC_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
