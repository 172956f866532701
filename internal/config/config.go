// ABOUTME: Configuration loading and parsing for routeflow
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete routeflow configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Media      MediaConfig      `yaml:"media"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the Redis cache configuration. When URI is empty the
// engine falls back to its in-memory cache.
type RedisConfig struct {
	URI string `yaml:"uri"`
}

// MediaConfig holds media storage configuration
type MediaConfig struct {
	Dir string `yaml:"dir"`
}

// SessionsConfig holds session lifecycle tuning
type SessionsConfig struct {
	Driver           string `yaml:"driver"`
	QRMaxRetries     int    `yaml:"qr_max_retries"`
	DegradeThreshold int64  `yaml:"degrade_threshold"`
	CredentialsDir   string `yaml:"credentials_dir"`

	ReconnectDelay time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
}

// DispatcherConfig holds background job tuning
type DispatcherConfig struct {
	RetentionCount int `yaml:"retention_count"`

	RetentionAge      time.Duration `yaml:"-"`
	RatingSweepEvery  time.Duration `yaml:"-"`
	RatingTimeout     time.Duration `yaml:"-"`
	ScheduleSweepSpan time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetentionAgeRaw      string `yaml:"retention_age"`
	RatingSweepEveryRaw  string `yaml:"rating_sweep_every"`
	RatingTimeoutRaw     string `yaml:"rating_timeout"`
	ScheduleSweepSpanRaw string `yaml:"schedule_sweep_span"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in the operational defaults for anything unset.
func (c *Config) applyDefaults() {
	if c.Sessions.Driver == "" {
		c.Sessions.Driver = "loopback"
	}
	if c.Sessions.QRMaxRetries == 0 {
		c.Sessions.QRMaxRetries = 3
	}
	if c.Sessions.ReconnectDelay == 0 {
		c.Sessions.ReconnectDelay = 3 * time.Second
	}
	if c.Sessions.DegradeThreshold == 0 {
		c.Sessions.DegradeThreshold = 1500
	}
	if c.Dispatcher.RatingSweepEvery == 0 {
		c.Dispatcher.RatingSweepEvery = time.Minute
	}
	if c.Dispatcher.RatingTimeout == 0 {
		c.Dispatcher.RatingTimeout = 10 * time.Minute
	}
	if c.Dispatcher.ScheduleSweepSpan == 0 {
		c.Dispatcher.ScheduleSweepSpan = 5 * time.Second
	}
	if c.Dispatcher.RetentionAge == 0 {
		c.Dispatcher.RetentionAge = 24 * time.Hour
	}
	if c.Dispatcher.RetentionCount == 0 {
		c.Dispatcher.RetentionCount = 1000
	}
	if c.Media.Dir == "" {
		c.Media.Dir = "media"
	}
	if c.Sessions.CredentialsDir == "" {
		c.Sessions.CredentialsDir = "credentials"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sessions.QRMaxRetries < 1 {
		return fmt.Errorf("sessions.qr_max_retries must be at least 1")
	}
	if c.Sessions.DegradeThreshold < 0 {
		return fmt.Errorf("sessions.degrade_threshold must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Sessions.ReconnectDelayRaw, &cfg.Sessions.ReconnectDelay, "sessions.reconnect_delay"},
		{cfg.Dispatcher.RetentionAgeRaw, &cfg.Dispatcher.RetentionAge, "dispatcher.retention_age"},
		{cfg.Dispatcher.RatingSweepEveryRaw, &cfg.Dispatcher.RatingSweepEvery, "dispatcher.rating_sweep_every"},
		{cfg.Dispatcher.RatingTimeoutRaw, &cfg.Dispatcher.RatingTimeout, "dispatcher.rating_timeout"},
		{cfg.Dispatcher.ScheduleSweepSpanRaw, &cfg.Dispatcher.ScheduleSweepSpan, "dispatcher.schedule_sweep_span"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
