// Package config defines the top-level configuration for the incentive
// ledger and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpledger/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LPLEDGER_* environment
// variables.
type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Policy     PolicyConfig     `toml:"policy"`
	Accrual    AccrualConfig    `toml:"accrual"`
	Settlement SettlementConfig `toml:"settlement"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps everything
	// in process and is only suitable for development.
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; when
// disabled the server runs without the balance cache, rate limiter,
// distributed locks, and WebSocket event bridge.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MilestoneConfig is one lockup-tenure threshold and its one-time bonus.
type MilestoneConfig struct {
	ThresholdSeconds int64           `toml:"threshold_seconds"`
	Bonus            decimal.Decimal `toml:"bonus"`
}

// PolicyConfig holds the reward policy parameters.
type PolicyConfig struct {
	// SupportedLockups lists the lockup durations (seconds) accepted when
	// custom lockups are disabled.
	SupportedLockups  []int64 `toml:"supported_lockups"`
	AllowCustomLockup bool    `toml:"allow_custom_lockup"`
	MinLockupSeconds  int64   `toml:"min_lockup_seconds"`
	MaxLockupSeconds  int64   `toml:"max_lockup_seconds"`

	AllowEarlyExit      bool  `toml:"allow_early_exit"`
	EarlyExitPenaltyBps int64 `toml:"early_exit_penalty_bps"`

	// TimeRatePerDay is the time-based reward earned per position per day.
	TimeRatePerDay decimal.Decimal `toml:"time_rate_per_day"`
	// AmountRatePerUnitPerDay is the amount-based reward earned per principal
	// minor unit per day.
	AmountRatePerUnitPerDay decimal.Decimal `toml:"amount_rate_per_unit_per_day"`
	AccruePastMaturity      bool            `toml:"accrue_past_maturity"`

	Milestones []MilestoneConfig `toml:"milestones"`
}

// Policy converts the config into the domain policy.
func (p PolicyConfig) Policy() domain.Policy {
	milestones := make([]domain.MilestonePolicy, 0, len(p.Milestones))
	for _, m := range p.Milestones {
		milestones = append(milestones, domain.MilestonePolicy{
			Threshold: m.ThresholdSeconds,
			Bonus:     m.Bonus,
		})
	}
	return domain.Policy{
		SupportedLockups:        p.SupportedLockups,
		AllowCustomLockup:       p.AllowCustomLockup,
		MinLockup:               p.MinLockupSeconds,
		MaxLockup:               p.MaxLockupSeconds,
		AllowEarlyExit:          p.AllowEarlyExit,
		EarlyExitPenaltyBps:     p.EarlyExitPenaltyBps,
		TimeRatePerDay:          p.TimeRatePerDay,
		AmountRatePerUnitPerDay: p.AmountRatePerUnitPerDay,
		AccruePastMaturity:      p.AccruePastMaturity,
		Milestones:              milestones,
	}
}

// AccrualConfig holds the accrual poller parameters.
type AccrualConfig struct {
	Enabled     bool     `toml:"enabled"`
	Interval    duration `toml:"interval"`
	Concurrency int      `toml:"concurrency"`
	LockTTL     duration `toml:"lock_ttl"`
}

// SettlementConfig holds the claim settlement worker parameters.
type SettlementConfig struct {
	// Mode is "noop" or "http".
	Mode        string   `toml:"mode"`
	Endpoint    string   `toml:"endpoint"`
	APIKey      string   `toml:"api_key"`
	Timeout     duration `toml:"timeout"`
	Interval    duration `toml:"interval"`
	MaxAttempts int      `toml:"max_attempts"`
	// RetryBackoff is the delay before the first retry of a failed claim,
	// doubling per attempt up to RetryBackoffCap.
	RetryBackoff    duration `toml:"retry_backoff"`
	RetryBackoffCap duration `toml:"retry_backoff_cap"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{
			Driver: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "lpledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lpledger-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Policy: PolicyConfig{
			SupportedLockups: []int64{
				30 * domain.SecondsPerDay,
				90 * domain.SecondsPerDay,
				180 * domain.SecondsPerDay,
				365 * domain.SecondsPerDay,
			},
			AllowCustomLockup:       false,
			MinLockupSeconds:        domain.SecondsPerDay,
			MaxLockupSeconds:        4 * 365 * domain.SecondsPerDay,
			AllowEarlyExit:          false,
			EarlyExitPenaltyBps:     500,
			TimeRatePerDay:          decimal.NewFromInt(1),
			AmountRatePerUnitPerDay: decimal.RequireFromString("0.0001"),
			AccruePastMaturity:      false,
			Milestones: []MilestoneConfig{
				{ThresholdSeconds: 7 * domain.SecondsPerDay, Bonus: decimal.NewFromInt(10)},
				{ThresholdSeconds: 30 * domain.SecondsPerDay, Bonus: decimal.NewFromInt(50)},
				{ThresholdSeconds: 90 * domain.SecondsPerDay, Bonus: decimal.NewFromInt(200)},
			},
		},
		Accrual: AccrualConfig{
			Enabled:     true,
			Interval:    duration{time.Minute},
			Concurrency: 8,
			LockTTL:     duration{30 * time.Second},
		},
		Settlement: SettlementConfig{
			Mode:            "noop",
			Timeout:         duration{30 * time.Second},
			Interval:        duration{15 * time.Second},
			MaxAttempts:     10,
			RetryBackoff:    duration{30 * time.Second},
			RetryBackoffCap: duration{15 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"claim_failed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":    true, // HTTP API only
	"worker": true, // settlement worker + accrual poller only
	"full":   true, // everything in one process
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "memory":
		// Nothing to validate.
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, memory)", c.Storage.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Policy.
	if len(c.Policy.SupportedLockups) == 0 && !c.Policy.AllowCustomLockup {
		errs = append(errs, "policy: supported_lockups must not be empty when custom lockups are disabled")
	}
	for _, l := range c.Policy.SupportedLockups {
		if l <= 0 {
			errs = append(errs, fmt.Sprintf("policy: supported lockup %d must be positive", l))
		}
	}
	if c.Policy.AllowCustomLockup {
		if c.Policy.MinLockupSeconds <= 0 {
			errs = append(errs, "policy: min_lockup_seconds must be > 0 when custom lockups are allowed")
		}
		if c.Policy.MaxLockupSeconds < c.Policy.MinLockupSeconds {
			errs = append(errs, "policy: max_lockup_seconds must be >= min_lockup_seconds")
		}
	}
	if c.Policy.EarlyExitPenaltyBps < 0 || c.Policy.EarlyExitPenaltyBps > 10_000 {
		errs = append(errs, fmt.Sprintf("policy: early_exit_penalty_bps must be 0-10000, got %d", c.Policy.EarlyExitPenaltyBps))
	}
	if c.Policy.TimeRatePerDay.IsNegative() {
		errs = append(errs, "policy: time_rate_per_day must not be negative")
	}
	if c.Policy.AmountRatePerUnitPerDay.IsNegative() {
		errs = append(errs, "policy: amount_rate_per_unit_per_day must not be negative")
	}
	seen := make(map[int64]bool, len(c.Policy.Milestones))
	for _, m := range c.Policy.Milestones {
		if m.ThresholdSeconds <= 0 {
			errs = append(errs, fmt.Sprintf("policy: milestone threshold %d must be positive", m.ThresholdSeconds))
		}
		if m.Bonus.IsNegative() {
			errs = append(errs, fmt.Sprintf("policy: milestone %d bonus must not be negative", m.ThresholdSeconds))
		}
		if seen[m.ThresholdSeconds] {
			errs = append(errs, fmt.Sprintf("policy: duplicate milestone threshold %d", m.ThresholdSeconds))
		}
		seen[m.ThresholdSeconds] = true
	}

	// Settlement.
	switch strings.ToLower(c.Settlement.Mode) {
	case "noop":
	case "http":
		if c.Settlement.Endpoint == "" {
			errs = append(errs, "settlement: endpoint must not be empty for http mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("settlement: unknown mode %q (valid: noop, http)", c.Settlement.Mode))
	}
	if c.Settlement.MaxAttempts < 0 {
		errs = append(errs, "settlement: max_attempts must be >= 0")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: s3 must be enabled when archival is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
