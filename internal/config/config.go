// Package config loads service configuration from disk and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the crawl service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Photos    PhotosConfig    `mapstructure:"photos"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig configures API-key auth for the admin surface.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig configures Postgres. An empty DSN selects the in-memory stores.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// SchedulerConfig controls the background crawl loop.
type SchedulerConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	BatchSize           int  `mapstructure:"batch_size"`
	IdleIntervalSeconds int  `mapstructure:"idle_interval_seconds"`
	PacingDelaySeconds  int  `mapstructure:"pacing_delay_seconds"`
}

// RetryConfig controls the transient-failure backoff policy.
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseDelayMs int     `mapstructure:"base_delay_ms"`
	Multiplier  float64 `mapstructure:"multiplier"`
	MaxDelayMs  int     `mapstructure:"max_delay_ms"`
}

// CrawlConfig holds cross-source crawl knobs.
type CrawlConfig struct {
	MaxResultsDefault int `mapstructure:"max_results_default"`
}

// SourcesConfig groups per-source adapter settings.
type SourcesConfig struct {
	MapSearch     MapSearchConfig     `mapstructure:"map_search"`
	CollectionAPI CollectionAPIConfig `mapstructure:"collection_api"`
	Website       WebsiteConfig       `mapstructure:"website"`
}

// MapSearchConfig configures the map-provider search adapter.
type MapSearchConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	QueriesPerSecond  float64 `mapstructure:"queries_per_second"`
	QueryRetries      int     `mapstructure:"query_retries"`
	MaxParallel       int     `mapstructure:"max_parallel"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	UserAgent         string  `mapstructure:"user_agent"`
}

// CollectionAPIConfig configures the XML collection feed adapter.
type CollectionAPIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// WebsiteConfig configures the venue-website adapter.
type WebsiteConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	PromoteThreshold int    `mapstructure:"promote_threshold"`
	HeadlessEnabled  bool   `mapstructure:"headless_enabled"`
}

// PhotosConfig selects and configures the photo mirror backend.
type PhotosConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"` // gcs, local or memory
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// EventsConfig configures entity-change event publishing.
type EventsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig selects the zap profile.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAFEDIR")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.idle_interval_seconds", 1800)
	v.SetDefault("scheduler.pacing_delay_seconds", 5)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay_ms", 900000)
	v.SetDefault("crawl.max_results_default", 20)
	v.SetDefault("sources.map_search.queries_per_second", 1.0)
	v.SetDefault("sources.map_search.query_retries", 2)
	v.SetDefault("sources.map_search.max_parallel", 1)
	v.SetDefault("sources.map_search.nav_timeout_seconds", 45)
	v.SetDefault("sources.map_search.user_agent", "cafedir-bot/0.1")
	v.SetDefault("sources.collection_api.timeout_seconds", 30)
	v.SetDefault("sources.website.user_agent", "cafedir-bot/0.1")
	v.SetDefault("sources.website.timeout_seconds", 15)
	v.SetDefault("sources.website.promote_threshold", 2048)
	v.SetDefault("sources.website.headless_enabled", false)
	v.SetDefault("photos.enabled", false)
	v.SetDefault("photos.backend", "memory")
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.topic", "cafe-changes")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Photos.Backend {
	case "", "memory":
	case "gcs":
		if c.Photos.Enabled && c.Photos.GCSBucket == "" {
			return fmt.Errorf("photos.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Photos.Enabled && c.Photos.LocalDir == "" {
			return fmt.Errorf("photos.local_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("photos.backend must be gcs, local or memory")
	}
	if c.Events.Enabled && c.Events.ProjectID == "" {
		return fmt.Errorf("events.project_id must be set when events are enabled")
	}
	return nil
}

// IdleInterval returns the loop idle interval as a duration.
func (c SchedulerConfig) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalSeconds) * time.Second
}

// PacingDelay returns the inter-target pause as a duration.
func (c SchedulerConfig) PacingDelay() time.Duration {
	return time.Duration(c.PacingDelaySeconds) * time.Second
}

// BaseDelay returns the first retry delay as a duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff ceiling as a duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}
