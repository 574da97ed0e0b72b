// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Target   TargetConfig   `mapstructure:"target"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TargetConfig points at the publication feed.
type TargetConfig struct {
	URL       string `mapstructure:"url"`
	APIPath   string `mapstructure:"api_path"`
	UserAgent string `mapstructure:"user_agent"`
}

// ScrapeConfig governs browser session and block splitting behavior.
type ScrapeConfig struct {
	Workers           int     `mapstructure:"workers"`
	QueueDepth        int     `mapstructure:"queue_depth"`
	SessionTimeoutSec int     `mapstructure:"session_timeout_seconds"`
	SettleDelaySec    int     `mapstructure:"settle_delay_seconds"`
	MaxAPIPages       int     `mapstructure:"max_api_pages"`
	MaxFallbackPages  int     `mapstructure:"max_fallback_pages"`
	BlockWindowMonths int     `mapstructure:"block_window_months"`
	BlockDelayMinSec  int     `mapstructure:"block_delay_min_seconds"`
	BlockDelayMaxSec  int     `mapstructure:"block_delay_max_seconds"`
	SessionsPerMinute float64 `mapstructure:"sessions_per_minute"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	RetryBaseSec      int     `mapstructure:"retry_base_seconds"`
	RetryMaxSec       int     `mapstructure:"retry_max_seconds"`
}

// ProxyConfig governs the proxy pool.
type ProxyConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	ProbeURL         string `mapstructure:"probe_url"`
	ProbeEverySec    int    `mapstructure:"probe_every_seconds"`
	ProvisionerURL   string `mapstructure:"provisioner_url"`
	ProvisionerKey   string `mapstructure:"provisioner_key"`
}

// SyncConfig controls the subscription sync scheduler.
type SyncConfig struct {
	CheckEverySec      int `mapstructure:"check_every_seconds"`
	SyncEveryHours     int `mapstructure:"sync_every_hours"`
	LookbackYears      int `mapstructure:"lookback_years"`
	RetentionKeepCount int `mapstructure:"retention_keep_count"`
	AlertRetentionDays int `mapstructure:"alert_retention_days"`
}

// DeliveryConfig controls callback delivery.
type DeliveryConfig struct {
	Secret            string `mapstructure:"secret"`
	PerRecordDelayMs  int    `mapstructure:"per_record_delay_ms"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_seconds"`
	PendingBatch      int    `mapstructure:"pending_batch"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig sets the bucket for diagnostic snapshots. An empty bucket
// keeps snapshots in memory.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMUNICA")
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
	v.SetDefault("target.url", "https://comunica.pje.jus.br")
	v.SetDefault("target.api_path", "/api/v1/comunicacao")
	v.SetDefault("target.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("scrape.workers", 2)
	v.SetDefault("scrape.queue_depth", 64)
	v.SetDefault("scrape.session_timeout_seconds", 300)
	v.SetDefault("scrape.settle_delay_seconds", 5)
	v.SetDefault("scrape.max_api_pages", 50)
	v.SetDefault("scrape.max_fallback_pages", 100)
	v.SetDefault("scrape.block_window_months", 12)
	v.SetDefault("scrape.block_delay_min_seconds", 5)
	v.SetDefault("scrape.block_delay_max_seconds", 10)
	v.SetDefault("scrape.sessions_per_minute", 5)
	v.SetDefault("scrape.max_attempts", 3)
	v.SetDefault("scrape.retry_base_seconds", 30)
	v.SetDefault("scrape.retry_max_seconds", 600)
	v.SetDefault("proxy.failure_threshold", 5)
	v.SetDefault("proxy.probe_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("proxy.probe_every_seconds", 600)
	v.SetDefault("sync.check_every_seconds", 60)
	v.SetDefault("sync.sync_every_hours", 24)
	v.SetDefault("sync.lookback_years", 5)
	v.SetDefault("sync.retention_keep_count", 3)
	v.SetDefault("sync.alert_retention_days", 30)
	v.SetDefault("delivery.per_record_delay_ms", 500)
	v.SetDefault("delivery.request_timeout_seconds", 30)
	v.SetDefault("delivery.pending_batch", 100)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Target.URL == "" {
		return fmt.Errorf("target.url is required")
	}
	if c.Scrape.Workers <= 0 {
		return fmt.Errorf("scrape.workers must be > 0")
	}
	if c.Scrape.BlockWindowMonths <= 0 {
		return fmt.Errorf("scrape.block_window_months must be > 0")
	}
	if c.Scrape.BlockDelayMaxSec < c.Scrape.BlockDelayMinSec {
		return fmt.Errorf("scrape.block_delay_max_seconds must be >= block_delay_min_seconds")
	}
	if c.Sync.RetentionKeepCount <= 0 {
		return fmt.Errorf("sync.retention_keep_count must be > 0")
	}
	if c.Proxy.FailureThreshold <= 0 {
		return fmt.Errorf("proxy.failure_threshold must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SessionTimeout converts the configured session budget into a duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Scrape.SessionTimeoutSec) * time.Second
}
