package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LPLEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LPLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Driver, "LPLEDGER_STORAGE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LPLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LPLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LPLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LPLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LPLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LPLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LPLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LPLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LPLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LPLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LPLEDGER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LPLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LPLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LPLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LPLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LPLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LPLEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LPLEDGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LPLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LPLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LPLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LPLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LPLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LPLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LPLEDGER_S3_FORCE_PATH_STYLE")

	// ── Policy ──
	setBool(&cfg.Policy.AllowCustomLockup, "LPLEDGER_POLICY_ALLOW_CUSTOM_LOCKUP")
	setInt64(&cfg.Policy.MinLockupSeconds, "LPLEDGER_POLICY_MIN_LOCKUP_SECONDS")
	setInt64(&cfg.Policy.MaxLockupSeconds, "LPLEDGER_POLICY_MAX_LOCKUP_SECONDS")
	setBool(&cfg.Policy.AllowEarlyExit, "LPLEDGER_POLICY_ALLOW_EARLY_EXIT")
	setInt64(&cfg.Policy.EarlyExitPenaltyBps, "LPLEDGER_POLICY_EARLY_EXIT_PENALTY_BPS")
	setDecimal(&cfg.Policy.TimeRatePerDay, "LPLEDGER_POLICY_TIME_RATE_PER_DAY")
	setDecimal(&cfg.Policy.AmountRatePerUnitPerDay, "LPLEDGER_POLICY_AMOUNT_RATE_PER_UNIT_PER_DAY")
	setBool(&cfg.Policy.AccruePastMaturity, "LPLEDGER_POLICY_ACCRUE_PAST_MATURITY")

	// ── Accrual ──
	setBool(&cfg.Accrual.Enabled, "LPLEDGER_ACCRUAL_ENABLED")
	setDuration(&cfg.Accrual.Interval, "LPLEDGER_ACCRUAL_INTERVAL")
	setInt(&cfg.Accrual.Concurrency, "LPLEDGER_ACCRUAL_CONCURRENCY")
	setDuration(&cfg.Accrual.LockTTL, "LPLEDGER_ACCRUAL_LOCK_TTL")

	// ── Settlement ──
	setStr(&cfg.Settlement.Mode, "LPLEDGER_SETTLEMENT_MODE")
	setStr(&cfg.Settlement.Endpoint, "LPLEDGER_SETTLEMENT_ENDPOINT")
	setStr(&cfg.Settlement.APIKey, "LPLEDGER_SETTLEMENT_API_KEY")
	setDuration(&cfg.Settlement.Timeout, "LPLEDGER_SETTLEMENT_TIMEOUT")
	setDuration(&cfg.Settlement.Interval, "LPLEDGER_SETTLEMENT_INTERVAL")
	setInt(&cfg.Settlement.MaxAttempts, "LPLEDGER_SETTLEMENT_MAX_ATTEMPTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LPLEDGER_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LPLEDGER_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "LPLEDGER_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LPLEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LPLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LPLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LPLEDGER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LPLEDGER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LPLEDGER_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LPLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LPLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LPLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LPLEDGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LPLEDGER_MODE")
	setStr(&cfg.LogLevel, "LPLEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
