package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
app:
  account: acct-1
execution:
  grace_period_seconds: 300
  indeterminate_retry_limit: 2
  lock_wait_millis: 200
  leg_timeout_seconds: 30
  min_fill_fraction: 0.5
  max_attempts: 3
  initial_backoff_millis: 100
  max_backoff_millis: 2000
  max_elapsed_seconds: 30
  poll_interval_millis: 250
  worker_pool_size: 16
  worker_pool_buffer: 256
reconciliation:
  cron_spec: "@every 5m"
  tolerance_qty: 0
  large_drift_qty: 10
  unknown_streak_limit: 3
  snapshot_timeout_seconds: 10
broker:
  name: paper
  rate_limit: 10
  rate_burst: 20
  timeout_seconds: 10
market_data:
  stale_age_seconds: 60
  expiries:
    NIFTY: "2024-09-05T15:30:00+05:30"
server:
  port: 8080
  allowed_origins: ["*"]
database:
  path: runner.db
system:
  log_level: INFO
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "acct-1", cfg.App.Account)
	assert.Equal(t, 300*time.Second, cfg.Execution.GracePeriod())
	assert.Equal(t, 200*time.Millisecond, cfg.Execution.LockWait())
	assert.Equal(t, 250*time.Millisecond, cfg.Execution.PollInterval())
	assert.Equal(t, 10*time.Second, cfg.Reconciliation.SnapshotTimeout())

	cal := cfg.MarketData.ExpiryCalendar()
	require.Contains(t, cal, "NIFTY")
	assert.Equal(t, 2024, cal["NIFTY"].Year())
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "env-key")
	t.Setenv("BROKER_SECRET_KEY", "env-secret")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Broker.APIKey)
	assert.Equal(t, "env-secret", cfg.Broker.SecretKey)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validYAML))
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(*Config){
		"missing account":        func(c *Config) { c.App.Account = "" },
		"zero lock wait":         func(c *Config) { c.Execution.LockWaitMillis = 0 },
		"bad fill fraction":      func(c *Config) { c.Execution.MinFillFraction = 1.5 },
		"backoff inversion":      func(c *Config) { c.Execution.MaxBackoffMillis = 1 },
		"drift below tolerance":  func(c *Config) { c.Reconciliation.ToleranceQty = 20 },
		"missing cron":           func(c *Config) { c.Reconciliation.CronSpec = "" },
		"unknown broker":         func(c *Config) { c.Broker.Name = "carrier-pigeon" },
		"rest without base url":  func(c *Config) { c.Broker.Name = "rest"; c.Broker.BaseURL = "" },
		"missing database path":  func(c *Config) { c.Database.Path = "" },
		"bad log level":          func(c *Config) { c.System.LogLevel = "LOUD" },
		"bad expiry timestamp":   func(c *Config) { c.MarketData.Expiries = map[string]string{"NIFTY": "tomorrow"} },
		"feed without stale age": func(c *Config) { c.MarketData.FeedURL = "ws://feed"; c.MarketData.StaleAgeSeconds = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
