package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "api"
log_level = "debug"

[storage]
driver = "memory"

[policy]
supported_lockups = [2592000]
allow_early_exit = true
early_exit_penalty_bps = 250
time_rate_per_day = "2"
amount_rate_per_unit_per_day = "0.0005"

[[policy.milestones]]
threshold_seconds = 604800
bonus = "25"

[accrual]
interval = "5m"
lock_ttl = "45s"

[settlement]
mode = "http"
endpoint = "https://payouts.example.com/transfer"
timeout = "10s"

[server]
port = 9000
rate_limit = 100
rate_window = "30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "api", cfg.Mode)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "memory", cfg.Storage.Driver)

	require.Equal(t, []int64{30 * domain.SecondsPerDay}, cfg.Policy.SupportedLockups)
	require.True(t, cfg.Policy.AllowEarlyExit)
	require.Equal(t, int64(250), cfg.Policy.EarlyExitPenaltyBps)
	require.True(t, cfg.Policy.TimeRatePerDay.Equal(decimal.NewFromInt(2)))
	require.True(t, cfg.Policy.AmountRatePerUnitPerDay.Equal(decimal.RequireFromString("0.0005")))
	require.Len(t, cfg.Policy.Milestones, 1)
	require.Equal(t, int64(7*domain.SecondsPerDay), cfg.Policy.Milestones[0].ThresholdSeconds)

	require.Equal(t, 5*time.Minute, cfg.Accrual.Interval.Duration)
	require.Equal(t, 45*time.Second, cfg.Accrual.LockTTL.Duration)

	require.Equal(t, "http", cfg.Settlement.Mode)
	require.Equal(t, 10*time.Second, cfg.Settlement.Timeout.Duration)

	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, 100, cfg.Server.RateLimit)
	require.Equal(t, 30*time.Second, cfg.Server.RateWindow.Duration)

	// Untouched sections keep their defaults.
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 10, cfg.Postgres.PoolMaxConns)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[storage]
driver = "memory"
`)

	t.Setenv("LPLEDGER_MODE", "worker")
	t.Setenv("LPLEDGER_STORAGE_DRIVER", "postgres")
	t.Setenv("LPLEDGER_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("LPLEDGER_POSTGRES_PORT", "5433")
	t.Setenv("LPLEDGER_REDIS_ENABLED", "false")
	t.Setenv("LPLEDGER_ACCRUAL_INTERVAL", "90s")
	t.Setenv("LPLEDGER_POLICY_TIME_RATE_PER_DAY", "3.5")
	t.Setenv("LPLEDGER_SERVER_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "worker", cfg.Mode)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, "hunter2", cfg.Postgres.Password)
	require.Equal(t, 5433, cfg.Postgres.Port)
	require.False(t, cfg.Redis.Enabled)
	require.Equal(t, 90*time.Second, cfg.Accrual.Interval.Duration)
	require.True(t, cfg.Policy.TimeRatePerDay.Equal(decimal.RequireFromString("3.5")))
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "turbo" },
			wantMsg: "unknown mode",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantMsg: "unknown log_level",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "sqlite" },
			wantMsg: "unknown driver",
		},
		{
			name: "postgres without host or dsn",
			mutate: func(c *Config) {
				c.Postgres.Host = ""
				c.Postgres.DSN = ""
			},
			wantMsg: "postgres: host",
		},
		{
			name: "no lockups and no custom range",
			mutate: func(c *Config) {
				c.Policy.SupportedLockups = nil
				c.Policy.AllowCustomLockup = false
			},
			wantMsg: "supported_lockups",
		},
		{
			name:    "penalty over 100 percent",
			mutate:  func(c *Config) { c.Policy.EarlyExitPenaltyBps = 10_001 },
			wantMsg: "early_exit_penalty_bps",
		},
		{
			name:    "negative time rate",
			mutate:  func(c *Config) { c.Policy.TimeRatePerDay = decimal.NewFromInt(-1) },
			wantMsg: "time_rate_per_day",
		},
		{
			name: "duplicate milestone threshold",
			mutate: func(c *Config) {
				c.Policy.Milestones = append(c.Policy.Milestones, c.Policy.Milestones[0])
			},
			wantMsg: "duplicate milestone",
		},
		{
			name: "http settlement without endpoint",
			mutate: func(c *Config) {
				c.Settlement.Mode = "http"
				c.Settlement.Endpoint = ""
			},
			wantMsg: "settlement: endpoint",
		},
		{
			name:    "archive without s3",
			mutate:  func(c *Config) { c.Archive.Enabled = true },
			wantMsg: "archive: s3",
		},
		{
			name:    "bad server port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantMsg: "server: port",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestPolicyConversion(t *testing.T) {
	cfg := Defaults()
	pol := cfg.Policy.Policy()

	require.Equal(t, cfg.Policy.SupportedLockups, pol.SupportedLockups)
	require.Equal(t, cfg.Policy.EarlyExitPenaltyBps, pol.EarlyExitPenaltyBps)
	require.Len(t, pol.Milestones, len(cfg.Policy.Milestones))
	for i, m := range pol.Milestones {
		require.Equal(t, cfg.Policy.Milestones[i].ThresholdSeconds, m.Threshold)
		require.True(t, cfg.Policy.Milestones[i].Bonus.Equal(m.Bonus))
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Settlement.APIKey = "settle-secret"
	cfg.Server.APIKey = "server-secret"
	cfg.Notify.TelegramToken = "tg-secret"

	out := RedactedConfig(&cfg)
	require.Equal(t, "***", out.Postgres.Password)
	require.Equal(t, "***", out.Redis.Password)
	require.Equal(t, "***", out.S3.SecretKey)
	require.Equal(t, "***", out.Settlement.APIKey)
	require.Equal(t, "***", out.Server.APIKey)
	require.Equal(t, "***", out.Notify.TelegramToken)

	// The original is untouched and non-secret fields survive.
	require.Equal(t, "pg-secret", cfg.Postgres.Password)
	require.Equal(t, cfg.Server.Port, out.Server.Port)

	// Mutating a redacted slice does not leak back.
	out.Server.CORSOrigins[0] = "mutated"
	require.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
