// Package config loads ArguxAI settings from an optional YAML file and
// ARGUXAI_* environment variables using Viper.
//
// Environment variables override the file, and the file overrides defaults.
// Nested keys map to variables by upper-casing and replacing dots with
// underscores: detection.min_drop_percent becomes ARGUXAI_DETECTION_MIN_DROP_PERCENT.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable
const EnvPrefix = "ARGUXAI"

// Config holds application configuration
type Config struct {
	Detection   DetectionConfig   `mapstructure:"detection"`
	Storage     StorageConfig     `mapstructure:"storage"`
	AI          AIConfig          `mapstructure:"ai"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	Window      WindowConfig      `mapstructure:"window"`
	Measurement MeasurementConfig `mapstructure:"measurement"`
	Funnels     FunnelsConfig     `mapstructure:"funnels"`
}

// DetectionConfig holds anomaly detection thresholds
type DetectionConfig struct {
	// MinDropPercent is the minimum drop in percentage points
	// Default: 12.0, Range: 0-100
	MinDropPercent float64 `mapstructure:"min_drop_percent"`

	// MinSampleSize is the sessions required in the current window
	// Default: 100
	MinSampleSize int `mapstructure:"min_sample_size"`

	// SigmaThreshold is the minimum z score
	// Default: 2.0
	SigmaThreshold float64 `mapstructure:"sigma_threshold"`

	// ScanConcurrency bounds parallel step evaluation
	// Default: 4, Range: 1-64
	ScanConcurrency int `mapstructure:"scan_concurrency"`
}

// StorageConfig selects the database
type StorageConfig struct {
	// Path is the SQLite database file
	Path string `mapstructure:"path"`
	// PostgresDSN selects Postgres when non-empty
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// AIConfig configures the diagnosis provider
type AIConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WindowConfig selects how named periods resolve to time windows
type WindowConfig struct {
	// Strategy is "data_range" or "relative"
	Strategy string `mapstructure:"strategy"`
}

// MeasurementConfig selects how post-fix impact is measured
type MeasurementConfig struct {
	// Strategy is "metrics" or "simulated"
	Strategy string `mapstructure:"strategy"`
	// Window is how long after the fix to measure
	Window time.Duration `mapstructure:"window"`
}

// FunnelsConfig points at the funnel definitions file
type FunnelsConfig struct {
	File string `mapstructure:"file"`
}

// Strategy names
const (
	MeasurementMetrics   = "metrics"
	MeasurementSimulated = "simulated"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("detection.min_drop_percent", 12.0)
	v.SetDefault("detection.min_sample_size", 100)
	v.SetDefault("detection.sigma_threshold", 2.0)
	v.SetDefault("detection.scan_concurrency", 4)

	v.SetDefault("storage.path", "arguxai.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.timeout", 30*time.Second)
	v.SetDefault("ai.max_retries", 3)
	v.SetDefault("ai.requests_per_minute", 30)
	v.SetDefault("ai.max_concurrent", 3)

	v.SetDefault("http.addr", "127.0.0.1:8000")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("window.strategy", "data_range")

	v.SetDefault("measurement.strategy", MeasurementMetrics)
	v.SetDefault("measurement.window", 24*time.Hour)

	v.SetDefault("funnels.file", "")
}

// Default returns the configuration with no file and no environment overrides
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads path (if non-empty), then applies ARGUXAI_* environment
// variables, and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	d := c.Detection
	if d.MinDropPercent < 0 || d.MinDropPercent > 100 {
		return fmt.Errorf("detection.min_drop_percent must be between 0 and 100 (got %.2f)", d.MinDropPercent)
	}
	if d.MinSampleSize < 1 {
		return fmt.Errorf("detection.min_sample_size must be at least 1 (got %d)", d.MinSampleSize)
	}
	if d.SigmaThreshold < 0 {
		return fmt.Errorf("detection.sigma_threshold cannot be negative (got %.2f)", d.SigmaThreshold)
	}
	if d.ScanConcurrency < 1 || d.ScanConcurrency > 64 {
		return fmt.Errorf("detection.scan_concurrency must be between 1 and 64 (got %d)", d.ScanConcurrency)
	}

	if c.Storage.Path == "" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.path or storage.postgres_dsn must be set")
	}

	if c.AI.Timeout <= 0 {
		return fmt.Errorf("ai.timeout must be positive (got %v)", c.AI.Timeout)
	}
	if c.AI.MaxRetries < 0 || c.AI.MaxRetries > 10 {
		return fmt.Errorf("ai.max_retries must be between 0 and 10 (got %d)", c.AI.MaxRetries)
	}
	if c.AI.RequestsPerMinute < 0 {
		return fmt.Errorf("ai.requests_per_minute cannot be negative (got %d)", c.AI.RequestsPerMinute)
	}
	if c.AI.MaxConcurrent < 0 {
		return fmt.Errorf("ai.max_concurrent cannot be negative (got %d)", c.AI.MaxConcurrent)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must be set")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be 'json' or 'console' (got %q)", c.Log.Format)
	}

	switch strings.ToLower(c.Window.Strategy) {
	case "data_range", "relative":
	default:
		return fmt.Errorf("window.strategy must be 'data_range' or 'relative' (got %q)", c.Window.Strategy)
	}

	switch strings.ToLower(c.Measurement.Strategy) {
	case MeasurementMetrics, MeasurementSimulated:
	default:
		return fmt.Errorf("measurement.strategy must be 'metrics' or 'simulated' (got %q)", c.Measurement.Strategy)
	}
	if c.Measurement.Window < 0 {
		return fmt.Errorf("measurement.window cannot be negative (got %v)", c.Measurement.Window)
	}
	return nil
}

// UsesPostgres reports whether the Postgres backend is selected
func (c *Config) UsesPostgres() bool {
	return c.Storage.PostgresDSN != ""
}
