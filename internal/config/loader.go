package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BRACKETD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known BRACKETD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setBool(&cfg.Broker.Paper, "BRACKETD_BROKER_PAPER")
	setStr(&cfg.Broker.AccountID, "BRACKETD_BROKER_ACCOUNT_ID")
	setStr(&cfg.Broker.ApiKey, "BRACKETD_BROKER_API_KEY")
	setStr(&cfg.Broker.ApiSecret, "BRACKETD_BROKER_API_SECRET")
	setStr(&cfg.Broker.EncryptedCredsPath, "BRACKETD_BROKER_ENCRYPTED_CREDS_PATH")
	setStr(&cfg.Broker.CredsPassword, "BRACKETD_BROKER_CREDS_PASSWORD")
	setStr(&cfg.Broker.StreamURL, "BRACKETD_BROKER_STREAM_URL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BRACKETD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BRACKETD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BRACKETD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BRACKETD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BRACKETD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BRACKETD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BRACKETD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BRACKETD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BRACKETD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BRACKETD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BRACKETD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BRACKETD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BRACKETD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BRACKETD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BRACKETD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BRACKETD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BRACKETD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BRACKETD_S3_REGION")
	setStr(&cfg.S3.Bucket, "BRACKETD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BRACKETD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BRACKETD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BRACKETD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BRACKETD_S3_FORCE_PATH_STYLE")

	// ── Coverage ──
	setInt(&cfg.Coverage.PriceDecimals, "BRACKETD_COVERAGE_PRICE_DECIMALS")

	// ── Close ──
	setDuration(&cfg.Close.PollInterval, "BRACKETD_CLOSE_POLL_INTERVAL")
	setDuration(&cfg.Close.PollTimeout, "BRACKETD_CLOSE_POLL_TIMEOUT")
	setDuration(&cfg.Close.LockTTL, "BRACKETD_CLOSE_LOCK_TTL")

	// ── Batch ──
	setInt(&cfg.Batch.MaxParallel, "BRACKETD_BATCH_MAX_PARALLEL")

	// ── Monitor ──
	setDuration(&cfg.Monitor.SweepInterval, "BRACKETD_MONITOR_SWEEP_INTERVAL")
	setStr(&cfg.Monitor.ArchiveCron, "BRACKETD_MONITOR_ARCHIVE_CRON")
	setInt(&cfg.Monitor.ArchiveRetentionDays, "BRACKETD_MONITOR_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BRACKETD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BRACKETD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BRACKETD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "BRACKETD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "BRACKETD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BRACKETD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BRACKETD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BRACKETD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BRACKETD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BRACKETD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BRACKETD_MODE")
	setStr(&cfg.LogLevel, "BRACKETD_LOG_LEVEL")
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
