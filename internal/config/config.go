// Package config defines the top-level configuration for the funding-rate
// arbitrage engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUNDARB_* environment variables.
type Config struct {
	Venues    VenuesConfig    `toml:"venues"`
	Vault     VaultConfig     `toml:"vault"`
	Feed      FeedConfig      `toml:"feed"`
	Detector  DetectorConfig  `toml:"detector"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// VenueConfig holds API credentials for one exchange. Credentials may instead
// come from the encrypted vault, in which case these fields stay empty.
type VenueConfig struct {
	Enabled    bool   `toml:"enabled"`
	APIKey     string `toml:"api_key"`
	APISecret  string `toml:"api_secret"`
	Passphrase string `toml:"passphrase"` // okx and bitget only
}

// VenuesConfig holds the per-exchange connector configuration.
type VenuesConfig struct {
	Binance VenueConfig `toml:"binance"`
	Bybit   VenueConfig `toml:"bybit"`
	OKX     VenueConfig `toml:"okx"`
	Bitget  VenueConfig `toml:"bitget"`
	Gate    VenueConfig `toml:"gate"`
}

// VaultConfig points at the encrypted credential vault. When path is set,
// vault entries override any plaintext venue credentials above.
type VaultConfig struct {
	Path     string `toml:"path"`
	Password string `toml:"password"`
}

// FeedConfig holds the funding feed parameters.
type FeedConfig struct {
	Symbols []string `toml:"symbols"`
}

// DetectorConfig holds opportunity detection thresholds. Cost rates are
// fractions (0.0005 = 5 bps); zero values fall back to the built-in model.
type DetectorConfig struct {
	ThresholdAPY   float64  `toml:"threshold_apy"`
	DebounceWindow duration `toml:"debounce_window"`
	TakerFee       float64  `toml:"taker_fee"`
	Slippage       float64  `toml:"slippage"`
	PriceGap       float64  `toml:"price_gap"`
	SafetyMargin   float64  `toml:"safety_margin"`
}

// LifecycleConfig holds position lifecycle parameters.
type LifecycleConfig struct {
	ScanInterval     duration `toml:"scan_interval"`
	ExitThresholdAPY float64  `toml:"exit_threshold_apy"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Venues: VenuesConfig{
			Binance: VenueConfig{Enabled: true},
			Bybit:   VenueConfig{Enabled: true},
			OKX:     VenueConfig{Enabled: false},
			Bitget:  VenueConfig{Enabled: false},
			Gate:    VenueConfig{Enabled: false},
		},
		Feed: FeedConfig{
			Symbols: []string{"BTCUSDT", "ETHUSDT"},
		},
		Detector: DetectorConfig{
			ThresholdAPY:   800,
			DebounceWindow: duration{5 * time.Minute},
		},
		Lifecycle: LifecycleConfig{
			ScanInterval:     duration{30 * time.Second},
			ExitThresholdAPY: 0,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fundingarb",
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
			Bucket:         "fundingarb-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "10 3 * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   300,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_detected", "opportunity_expired", "exit_suggested"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"detect": true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// EnabledVenues returns the names of all enabled venues in a stable order.
func (c *Config) EnabledVenues() []string {
	var names []string
	for _, v := range []struct {
		name string
		cfg  VenueConfig
	}{
		{"binance", c.Venues.Binance},
		{"bybit", c.Venues.Bybit},
		{"okx", c.Venues.OKX},
		{"bitget", c.Venues.Bitget},
		{"gate", c.Venues.Gate},
	} {
		if v.cfg.Enabled {
			names = append(names, v.name)
		}
	}
	return names
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: detect, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venues — at least two enabled, or there is nothing to pair.
	if n := len(c.EnabledVenues()); n < 2 {
		errs = append(errs, fmt.Sprintf("venues: at least two venues must be enabled, got %d", n))
	}

	// Vault — password required when a vault path is configured.
	if c.Vault.Path != "" && c.Vault.Password == "" {
		errs = append(errs, "vault: password is required when path is set")
	}

	// Feed
	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: at least one symbol must be configured")
	}

	// Detector
	if c.Detector.ThresholdAPY <= 0 {
		errs = append(errs, "detector: threshold_apy must be > 0")
	}
	if c.Detector.DebounceWindow.Duration < 0 {
		errs = append(errs, "detector: debounce_window must not be negative")
	}

	// Lifecycle
	if c.Lifecycle.ScanInterval.Duration < 0 {
		errs = append(errs, "lifecycle: scan_interval must not be negative")
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

	// S3 / archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
