// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Server    ServerConfig    `mapstructure:"server"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SessionConfig identifies one scrape run.
type SessionConfig struct {
	Name         string   `mapstructure:"name"`
	Seeds        []string `mapstructure:"seeds"`
	ForwardLinks bool     `mapstructure:"forward_links"`
}

// ServerConfig controls the status/metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// WorkersConfig bounds the worker pool.
type WorkersConfig struct {
	Max                int `mapstructure:"max"`
	Min                int `mapstructure:"min"`
	CrashCap           int `mapstructure:"crash_cap"`
	AdjustIntervalSecs int `mapstructure:"adjust_interval_seconds"`
}

// ResourcesConfig sets the pressure thresholds for the host monitor.
type ResourcesConfig struct {
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
	MaxTempC         float64 `mapstructure:"max_temp_c"`
	ElevatedMargin   float64 `mapstructure:"elevated_margin"`
	SampleSecs       int     `mapstructure:"sample_seconds"`
}

// FetchConfig governs the plain and async HTTP tiers.
type FetchConfig struct {
	PlainTimeoutSecs int     `mapstructure:"plain_timeout_seconds"`
	AsyncTimeoutSecs int     `mapstructure:"async_timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
	DomainRPS        float64 `mapstructure:"domain_rps"`
	DomainBurst      int     `mapstructure:"domain_burst"`
	UserAgent        string  `mapstructure:"user_agent"`
}

// BrowserConfig configures the browser automation tier.
type BrowserConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSecs  int  `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs   int  `mapstructure:"settle_delay_ms"`
	GracePeriodSecs int  `mapstructure:"grace_period_seconds"`
}

// DetectorConfig tunes the content-shape heuristics.
type DetectorConfig struct {
	MinBodyBytes        int `mapstructure:"min_body_bytes"`
	ScriptDensityPct    int `mapstructure:"script_density_pct"`
	BodyLengthThreshold int `mapstructure:"body_length_threshold"`
}

// PipelineConfig tunes content extraction.
type PipelineConfig struct {
	MinTextLen int `mapstructure:"min_text_len"`
}

// QueueConfig sizes the in-memory URL frontier.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// SinkConfig points at the document collection API. An empty base URL
// selects the in-memory sink.
type SinkConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Token       string `mapstructure:"token"`
	UserID      string `mapstructure:"user_id"`
	TimeoutSecs int    `mapstructure:"timeout_seconds"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// ArchiveConfig controls the optional Postgres session archive.
type ArchiveConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment. An empty path skips the
// file and relies on defaults plus PAGESIFT_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.name", "")
	v.SetDefault("session.seeds", []string{})
	v.SetDefault("session.forward_links", false)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)

	v.SetDefault("workers.max", 4)
	v.SetDefault("workers.min", 1)
	v.SetDefault("workers.crash_cap", 5)
	v.SetDefault("workers.adjust_interval_seconds", 2)

	v.SetDefault("resources.max_memory_percent", 85.0)
	v.SetDefault("resources.max_temp_c", 80.0)
	v.SetDefault("resources.elevated_margin", 0.1)
	v.SetDefault("resources.sample_seconds", 5)

	v.SetDefault("fetch.plain_timeout_seconds", 15)
	v.SetDefault("fetch.async_timeout_seconds", 30)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.domain_rps", 2.0)
	v.SetDefault("fetch.domain_burst", 1)
	v.SetDefault("fetch.user_agent", "")

	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("browser.settle_delay_ms", 500)
	v.SetDefault("browser.grace_period_seconds", 15)

	v.SetDefault("detector.min_body_bytes", 100)
	v.SetDefault("detector.script_density_pct", 25)
	v.SetDefault("detector.body_length_threshold", 2048)

	v.SetDefault("pipeline.min_text_len", 100)

	v.SetDefault("queue.capacity", 1024)

	v.SetDefault("sink.base_url", "")
	v.SetDefault("sink.timeout_seconds", 30)
	v.SetDefault("sink.max_attempts", 4)

	v.SetDefault("archive.dsn", "")

	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Max <= 0 {
		return fmt.Errorf("workers.max must be > 0")
	}
	if c.Workers.Min <= 0 || c.Workers.Min > c.Workers.Max {
		return fmt.Errorf("workers.min must be in [1, workers.max]")
	}
	if c.Resources.MaxMemoryPercent <= 0 || c.Resources.MaxMemoryPercent > 100 {
		return fmt.Errorf("resources.max_memory_percent must be in (0, 100]")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when browser tier is enabled")
	}
	if c.Pipeline.MinTextLen <= 0 {
		return fmt.Errorf("pipeline.min_text_len must be > 0")
	}
	return nil
}

// Backoff converts the fetch backoff config into durations.
func (c Config) Backoff() (base, max time.Duration) {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}
