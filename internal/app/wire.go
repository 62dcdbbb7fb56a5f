package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/q0821/fundingarb/internal/archive"
	s3blob "github.com/q0821/fundingarb/internal/blob/s3"
	"github.com/q0821/fundingarb/internal/cache/redis"
	"github.com/q0821/fundingarb/internal/config"
	"github.com/q0821/fundingarb/internal/crypto"
	"github.com/q0821/fundingarb/internal/domain"
	"github.com/q0821/fundingarb/internal/notify"
	"github.com/q0821/fundingarb/internal/store/postgres"
	"github.com/q0821/fundingarb/internal/venue"
	"github.com/q0821/fundingarb/internal/venue/binance"
	"github.com/q0821/fundingarb/internal/venue/bitget"
	"github.com/q0821/fundingarb/internal/venue/bybit"
	"github.com/q0821/fundingarb/internal/venue/gate"
	"github.com/q0821/fundingarb/internal/venue/okx"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	OpportunityStore  domain.OpportunityStore
	HistoryStore      domain.HistoryStore
	NotificationStore domain.NotificationStore
	PositionStore     domain.PositionStore
	TradeStore        domain.TradeStore
	ValidationStore   domain.ValidationStore

	// Caches
	PositionListCache domain.PositionListCache
	RateLimiter       domain.RateLimiter
	LockManager       domain.LockManager
	SignalBus         domain.SignalBus

	// Blob storage (nil unless archiving is enabled)
	BlobWriter archive.BlobWriter

	// Venue connectors keyed by exchange name.
	Connectors map[string]domain.VenueConnector

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	// Run migrations if enabled.
	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.OpportunityStore = postgres.NewOpportunityStore(pool)
	deps.HistoryStore = postgres.NewHistoryStore(pool)
	deps.NotificationStore = postgres.NewNotificationStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.ValidationStore = postgres.NewValidationStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PositionListCache = redis.NewPositionListCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (only when archiving is enabled) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Venue connectors ---
	connectors, err := buildConnectors(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Connectors = connectors
	closers = append(closers, func() {
		for _, conn := range connectors {
			_ = conn.Close()
		}
	})

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// buildConnectors constructs one connector per enabled venue. Credentials come
// from the encrypted vault when configured, falling back to the plaintext
// values in the venue sections.
func buildConnectors(cfg *config.Config, logger *slog.Logger) (map[string]domain.VenueConnector, error) {
	vaultCreds := map[string]crypto.Credential{}
	if cfg.Vault.Path != "" {
		loaded, err := crypto.LoadCredentials(crypto.VaultConfig{
			Path:     cfg.Vault.Path,
			Password: cfg.Vault.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: vault: %w", err)
		}
		vaultCreds = loaded
	}

	resolve := func(exchange string, vc config.VenueConfig) crypto.Credential {
		if cred, ok := vaultCreds[exchange]; ok {
			return cred
		}
		return crypto.Credential{
			APIKey:     vc.APIKey,
			APISecret:  vc.APISecret,
			Passphrase: vc.Passphrase,
		}
	}

	intervals := venue.NewIntervalCache()
	connectors := make(map[string]domain.VenueConnector)

	if cfg.Venues.Binance.Enabled {
		cred := resolve(domain.ExchangeBinance, cfg.Venues.Binance)
		connectors[domain.ExchangeBinance] = binance.New(cred.APIKey, cred.APISecret, intervals, logger)
	}
	if cfg.Venues.Bybit.Enabled {
		cred := resolve(domain.ExchangeBybit, cfg.Venues.Bybit)
		connectors[domain.ExchangeBybit] = bybit.New(cred.APIKey, cred.APISecret, intervals, logger)
	}
	if cfg.Venues.OKX.Enabled {
		cred := resolve(domain.ExchangeOKX, cfg.Venues.OKX)
		connectors[domain.ExchangeOKX] = okx.New(cred.APIKey, cred.APISecret, cred.Passphrase, intervals, logger)
	}
	if cfg.Venues.Bitget.Enabled {
		cred := resolve(domain.ExchangeBitget, cfg.Venues.Bitget)
		connectors[domain.ExchangeBitget] = bitget.New(cred.APIKey, cred.APISecret, cred.Passphrase, intervals, logger)
	}
	if cfg.Venues.Gate.Enabled {
		cred := resolve(domain.ExchangeGate, cfg.Venues.Gate)
		connectors[domain.ExchangeGate] = gate.New(cred.APIKey, cred.APISecret, intervals, logger)
	}

	return connectors, nil
}
