// Package config defines the top-level configuration for the reconciliation
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BRACKETD_* environment variables.
type Config struct {
	Broker   BrokerConfig   `toml:"broker"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Coverage CoverageConfig `toml:"coverage"`
	Close    CloseConfig    `toml:"close"`
	Batch    BatchConfig    `toml:"batch"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BrokerConfig holds broker credentials and the order-update stream endpoint.
type BrokerConfig struct {
	// Paper switches the engine to the in-memory paper gateway. No broker
	// credentials are needed in paper mode.
	Paper bool `toml:"paper"`

	// AccountID identifies the brokerage account positions belong to.
	AccountID string `toml:"account_id"`

	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
	// EncryptedCredsPath points to a credentials file produced by
	// crypto.EncryptCredentials; CredsPassword decrypts it.
	EncryptedCredsPath string `toml:"encrypted_creds_path"`
	CredsPassword      string `toml:"creds_password"`

	// StreamURL is the websocket endpoint for broker order updates. Empty
	// disables the stream; close confirmation then relies on polling alone.
	StreamURL string `toml:"stream_url"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the cold archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// CoverageConfig tunes protective-order matching.
type CoverageConfig struct {
	// PriceDecimals is the number of decimal places prices are rounded to
	// before an order price is compared against a position target.
	PriceDecimals int `toml:"price_decimals"`
}

// CloseConfig tunes the close workflow.
type CloseConfig struct {
	// PollInterval is how often the close task polls the broker for a fill.
	PollInterval duration `toml:"poll_interval"`
	// PollTimeout bounds the fill-confirmation window. Expiry is not a
	// failure; the order-update stream completes the close later.
	PollTimeout duration `toml:"poll_timeout"`
	// LockTTL is the distributed close lock expiry.
	LockTTL duration `toml:"lock_ttl"`
}

// BatchConfig tunes batch fan-out.
type BatchConfig struct {
	MaxParallel int `toml:"max_parallel"`
}

// MonitorConfig tunes the coverage sweep and the cold-archive schedule.
type MonitorConfig struct {
	SweepInterval duration `toml:"sweep_interval"`
	// ArchiveCron is a five-field cron expression; empty disables archival.
	ArchiveCron          string `toml:"archive_cron"`
	ArchiveRetentionDays int    `toml:"archive_retention_days"`
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
	ApiKey      string   `toml:"api_key"`
	// RateLimit is the per-client request budget per RateWindow; zero
	// disables rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			Paper:     true,
			AccountID: "default",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bracketd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bracketd-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Coverage: CoverageConfig{
			PriceDecimals: 1,
		},
		Close: CloseConfig{
			PollInterval: duration{250 * time.Millisecond},
			PollTimeout:  duration{30 * time.Second},
			LockTTL:      duration{2 * time.Minute},
		},
		Batch: BatchConfig{
			MaxParallel: 8,
		},
		Monitor: MonitorConfig{
			SweepInterval:        duration{1 * time.Minute},
			ArchiveCron:          "0 3 * * *",
			ArchiveRetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   0,
			RateWindow:  duration{1 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"close_failed", "orphan_close", "coverage_gap", "persistence_failure"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"monitor": true,
	"full":    true,
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

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, monitor, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker: a live gateway needs a credential source.
	if !c.Broker.Paper {
		hasRaw := c.Broker.ApiKey != "" && c.Broker.ApiSecret != ""
		hasFile := c.Broker.EncryptedCredsPath != ""
		if !hasRaw && !hasFile {
			errs = append(errs, "broker: api_key/api_secret or encrypted_creds_path must be set when paper is false")
		}
		if hasFile && c.Broker.CredsPassword == "" {
			errs = append(errs, "broker: creds_password is required when encrypted_creds_path is set")
		}
	}
	if c.Broker.AccountID == "" {
		errs = append(errs, "broker: account_id must not be empty")
	}

	// Postgres
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

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required when archival is scheduled.
	if c.Monitor.ArchiveCron != "" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when monitor.archive_cron is set")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when monitor.archive_cron is set")
		}
		if c.Monitor.ArchiveRetentionDays < 1 {
			errs = append(errs, "monitor: archive_retention_days must be >= 1 when archive_cron is set")
		}
	}

	// Coverage
	if c.Coverage.PriceDecimals < 0 || c.Coverage.PriceDecimals > 8 {
		errs = append(errs, fmt.Sprintf("coverage: price_decimals must be 0-8, got %d", c.Coverage.PriceDecimals))
	}

	// Close
	if c.Close.PollInterval.Duration <= 0 {
		errs = append(errs, "close: poll_interval must be positive")
	}
	if c.Close.PollTimeout.Duration <= 0 {
		errs = append(errs, "close: poll_timeout must be positive")
	}
	if c.Close.PollInterval.Duration >= c.Close.PollTimeout.Duration {
		errs = append(errs, "close: poll_interval must be shorter than poll_timeout")
	}
	if c.Close.LockTTL.Duration <= 0 {
		errs = append(errs, "close: lock_ttl must be positive")
	}

	// Batch
	if c.Batch.MaxParallel < 1 {
		errs = append(errs, "batch: max_parallel must be >= 1")
	}

	// Monitor
	if c.Monitor.SweepInterval.Duration <= 0 {
		errs = append(errs, "monitor: sweep_interval must be positive")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
