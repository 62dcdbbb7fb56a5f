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
// built-in defaults, applies FUNDARB_* environment variable overrides, and
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

// applyEnvOverrides reads well-known FUNDARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venues ──
	venues := []struct {
		prefix string
		cfg    *VenueConfig
	}{
		{"FUNDARB_VENUES_BINANCE", &cfg.Venues.Binance},
		{"FUNDARB_VENUES_BYBIT", &cfg.Venues.Bybit},
		{"FUNDARB_VENUES_OKX", &cfg.Venues.OKX},
		{"FUNDARB_VENUES_BITGET", &cfg.Venues.Bitget},
		{"FUNDARB_VENUES_GATE", &cfg.Venues.Gate},
	}
	for _, v := range venues {
		setBool(&v.cfg.Enabled, v.prefix+"_ENABLED")
		setStr(&v.cfg.APIKey, v.prefix+"_API_KEY")
		setStr(&v.cfg.APISecret, v.prefix+"_API_SECRET")
		setStr(&v.cfg.Passphrase, v.prefix+"_PASSPHRASE")
	}

	// ── Vault ──
	setStr(&cfg.Vault.Path, "FUNDARB_VAULT_PATH")
	setStr(&cfg.Vault.Password, "FUNDARB_VAULT_PASSWORD")

	// ── Feed ──
	setStringSlice(&cfg.Feed.Symbols, "FUNDARB_FEED_SYMBOLS")

	// ── Detector ──
	setFloat64(&cfg.Detector.ThresholdAPY, "FUNDARB_DETECTOR_THRESHOLD_APY")
	setDuration(&cfg.Detector.DebounceWindow, "FUNDARB_DETECTOR_DEBOUNCE_WINDOW")
	setFloat64(&cfg.Detector.TakerFee, "FUNDARB_DETECTOR_TAKER_FEE")
	setFloat64(&cfg.Detector.Slippage, "FUNDARB_DETECTOR_SLIPPAGE")
	setFloat64(&cfg.Detector.PriceGap, "FUNDARB_DETECTOR_PRICE_GAP")
	setFloat64(&cfg.Detector.SafetyMargin, "FUNDARB_DETECTOR_SAFETY_MARGIN")

	// ── Lifecycle ──
	setDuration(&cfg.Lifecycle.ScanInterval, "FUNDARB_LIFECYCLE_SCAN_INTERVAL")
	setFloat64(&cfg.Lifecycle.ExitThresholdAPY, "FUNDARB_LIFECYCLE_EXIT_THRESHOLD_APY")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUNDARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FUNDARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUNDARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUNDARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUNDARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUNDARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUNDARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUNDARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUNDARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUNDARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUNDARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUNDARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUNDARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUNDARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUNDARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUNDARB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FUNDARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUNDARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUNDARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUNDARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUNDARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUNDARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUNDARB_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FUNDARB_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "FUNDARB_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "FUNDARB_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FUNDARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FUNDARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FUNDARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FUNDARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "FUNDARB_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "FUNDARB_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUNDARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUNDARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUNDARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUNDARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUNDARB_MODE")
	setStr(&cfg.LogLevel, "FUNDARB_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
