// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
type Config struct {
	App            AppConfig            `yaml:"app"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Broker         BrokerConfig         `yaml:"broker"`
	MarketData     MarketDataConfig     `yaml:"market_data"`
	Alerts         AlertConfig          `yaml:"alerts"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	System         SystemConfig         `yaml:"system"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Account string `yaml:"account" validate:"required"`
	DryRun  bool   `yaml:"dry_run"`
}

// ExecutionConfig bounds the coordinator and lifecycle manager. Every tunable
// of the execution path lives here; there are no hardcoded business defaults.
type ExecutionConfig struct {
	GracePeriodSeconds      int     `yaml:"grace_period_seconds" validate:"min=1,max=300"`
	IndeterminateRetryLimit int     `yaml:"indeterminate_retry_limit" validate:"min=0,max=10"`
	LockWaitMillis          int     `yaml:"lock_wait_millis" validate:"min=1,max=60000"`
	LegTimeoutSeconds       int     `yaml:"leg_timeout_seconds" validate:"min=1,max=600"`
	MinFillFraction         float64 `yaml:"min_fill_fraction" validate:"min=0,max=1"`
	MaxAttempts             int     `yaml:"max_attempts" validate:"min=1,max=10"`
	InitialBackoffMillis    int     `yaml:"initial_backoff_millis" validate:"min=1,max=60000"`
	MaxBackoffMillis        int     `yaml:"max_backoff_millis" validate:"min=1,max=600000"`
	MaxElapsedSeconds       int     `yaml:"max_elapsed_seconds" validate:"min=1,max=3600"`
	PollIntervalMillis      int     `yaml:"poll_interval_millis" validate:"min=10,max=60000"`
	WorkerPoolSize          int     `yaml:"worker_pool_size" validate:"min=1,max=1000"`
	WorkerPoolBuffer        int     `yaml:"worker_pool_buffer" validate:"min=1,max=100000"`
}

// ReconciliationConfig bounds the periodic reconciler.
type ReconciliationConfig struct {
	CronSpec               string  `yaml:"cron_spec" validate:"required"`
	ToleranceQty           float64 `yaml:"tolerance_qty" validate:"min=0"`
	LargeDriftQty          float64 `yaml:"large_drift_qty" validate:"min=0"`
	UnknownStreakLimit     int     `yaml:"unknown_streak_limit" validate:"min=1,max=100"`
	SnapshotTimeoutSeconds int     `yaml:"snapshot_timeout_seconds" validate:"min=1,max=300"`
}

// BrokerConfig selects and parameterizes the broker gateway.
type BrokerConfig struct {
	Name           string  `yaml:"name" validate:"required,oneof=paper rest"`
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	SecretKey      string  `yaml:"secret_key"`
	RateLimit      float64 `yaml:"rate_limit" validate:"min=0.1,max=1000"`
	RateBurst      int     `yaml:"rate_burst" validate:"min=1,max=1000"`
	TimeoutSeconds int     `yaml:"timeout_seconds" validate:"min=1,max=120"`
}

// MarketDataConfig configures the indicator feed and expiry calendar. An
// empty feed URL disables indicator gating (snapshots report market data
// unavailable).
type MarketDataConfig struct {
	FeedURL         string            `yaml:"feed_url"`
	StaleAgeSeconds int               `yaml:"stale_age_seconds" validate:"min=1,max=3600"`
	Expiries        map[string]string `yaml:"expiries"` // underlying -> RFC3339 expiry
}

// AlertConfig configures alert channels.
type AlertConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ServerConfig configures the query-surface/intent-ingress server.
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig locates the sqlite journal.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// Load reads, env-overrides, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides pulls secrets from the environment so they never need to
// live in the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_SECRET_KEY"); v != "" {
		c.Broker.SecretKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Alerts.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Alerts.TelegramChatID = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.App.Account == "" {
		return fmt.Errorf("app.account is required")
	}

	e := c.Execution
	if e.GracePeriodSeconds <= 0 {
		return fmt.Errorf("execution.grace_period_seconds must be positive")
	}
	if e.LockWaitMillis <= 0 {
		return fmt.Errorf("execution.lock_wait_millis must be positive")
	}
	if e.LegTimeoutSeconds <= 0 {
		return fmt.Errorf("execution.leg_timeout_seconds must be positive")
	}
	if e.MinFillFraction < 0 || e.MinFillFraction > 1 {
		return fmt.Errorf("execution.min_fill_fraction must be within [0,1]")
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("execution.max_attempts must be positive")
	}
	if e.InitialBackoffMillis <= 0 || e.MaxBackoffMillis < e.InitialBackoffMillis {
		return fmt.Errorf("execution backoff bounds are inconsistent")
	}
	if e.MaxElapsedSeconds <= 0 {
		return fmt.Errorf("execution.max_elapsed_seconds must be positive")
	}
	if e.PollIntervalMillis <= 0 {
		return fmt.Errorf("execution.poll_interval_millis must be positive")
	}
	if e.WorkerPoolSize <= 0 {
		return fmt.Errorf("execution.worker_pool_size must be positive")
	}

	r := c.Reconciliation
	if r.CronSpec == "" {
		return fmt.Errorf("reconciliation.cron_spec is required")
	}
	if r.ToleranceQty < 0 {
		return fmt.Errorf("reconciliation.tolerance_qty must be non-negative")
	}
	if r.LargeDriftQty < r.ToleranceQty {
		return fmt.Errorf("reconciliation.large_drift_qty must be >= tolerance_qty")
	}
	if r.UnknownStreakLimit <= 0 {
		return fmt.Errorf("reconciliation.unknown_streak_limit must be positive")
	}
	if r.SnapshotTimeoutSeconds <= 0 {
		return fmt.Errorf("reconciliation.snapshot_timeout_seconds must be positive")
	}

	switch c.Broker.Name {
	case "paper":
	case "rest":
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required for the rest broker")
		}
	default:
		return fmt.Errorf("broker.name must be one of: paper, rest")
	}
	if c.Broker.RateLimit <= 0 {
		return fmt.Errorf("broker.rate_limit must be positive")
	}
	if c.Broker.RateBurst <= 0 {
		return fmt.Errorf("broker.rate_burst must be positive")
	}
	if c.Broker.TimeoutSeconds <= 0 {
		return fmt.Errorf("broker.timeout_seconds must be positive")
	}

	if c.MarketData.FeedURL != "" && c.MarketData.StaleAgeSeconds <= 0 {
		return fmt.Errorf("market_data.stale_age_seconds must be positive when a feed is configured")
	}
	for underlying, raw := range c.MarketData.Expiries {
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			return fmt.Errorf("market_data.expiries[%s]: bad timestamp %q", underlying, raw)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.System.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return fmt.Errorf("system.log_level must be one of DEBUG, INFO, WARN, ERROR, FATAL")
	}

	return nil
}

// Derived durations

func (e ExecutionConfig) GracePeriod() time.Duration {
	return time.Duration(e.GracePeriodSeconds) * time.Second
}

func (e ExecutionConfig) LockWait() time.Duration {
	return time.Duration(e.LockWaitMillis) * time.Millisecond
}

func (e ExecutionConfig) LegTimeout() time.Duration {
	return time.Duration(e.LegTimeoutSeconds) * time.Second
}

func (e ExecutionConfig) InitialBackoff() time.Duration {
	return time.Duration(e.InitialBackoffMillis) * time.Millisecond
}

func (e ExecutionConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffMillis) * time.Millisecond
}

func (e ExecutionConfig) MaxElapsed() time.Duration {
	return time.Duration(e.MaxElapsedSeconds) * time.Second
}

func (e ExecutionConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMillis) * time.Millisecond
}

func (r ReconciliationConfig) SnapshotTimeout() time.Duration {
	return time.Duration(r.SnapshotTimeoutSeconds) * time.Second
}

func (m MarketDataConfig) StaleAge() time.Duration {
	return time.Duration(m.StaleAgeSeconds) * time.Second
}

// ExpiryCalendar parses the configured expiries. Validate has already
// checked the timestamps.
func (m MarketDataConfig) ExpiryCalendar() map[string]time.Time {
	out := make(map[string]time.Time, len(m.Expiries))
	for underlying, raw := range m.Expiries {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			out[underlying] = t
		}
	}
	return out
}
