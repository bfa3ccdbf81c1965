package app

import (
	"context"
	"fmt"

	s3blob "bracketd/internal/blob/s3"
	"bracketd/internal/broker"
	"bracketd/internal/cache/redis"
	"bracketd/internal/crypto"
	"bracketd/internal/domain"
	"bracketd/internal/notify"
	"bracketd/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	OrderStore    domain.OrderStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Broker
	Gateway  domain.Gateway
	Gateways domain.GatewayResolver

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsArchive returns true for modes that run the cold-archive loop.
func (a *App) needsArchive() bool {
	if a.cfg.Monitor.ArchiveCron == "" {
		return false
	}
	switch a.cfg.Mode {
	case "monitor", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func (a *App) Wire(ctx context.Context) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      a.cfg.Postgres.DSN,
		Host:     a.cfg.Postgres.Host,
		Port:     a.cfg.Postgres.Port,
		Database: a.cfg.Postgres.Database,
		User:     a.cfg.Postgres.User,
		Password: a.cfg.Postgres.Password,
		SSLMode:  a.cfg.Postgres.SSLMode,
		MaxConns: a.cfg.Postgres.PoolMaxConns,
		MinConns: a.cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if a.cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       a.cfg.Redis.Addr,
		Password:   a.cfg.Redis.Password,
		DB:         a.cfg.Redis.DB,
		PoolSize:   a.cfg.Redis.PoolSize,
		MaxRetries: a.cfg.Redis.MaxRetries,
		TLSEnabled: a.cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Broker gateway ---
	gw, err := a.buildGateway()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Gateway = gw
	deps.Gateways = broker.NewStaticResolver(gw)

	// --- S3 blob storage (only when the archive loop will run) ---
	if a.needsArchive() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       a.cfg.S3.Endpoint,
			Region:         a.cfg.S3.Region,
			Bucket:         a.cfg.S3.Bucket,
			AccessKey:      a.cfg.S3.AccessKey,
			SecretKey:      a.cfg.S3.SecretKey,
			UseSSL:         a.cfg.S3.UseSSL,
			ForcePathStyle: a.cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.PositionStore, deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if a.cfg.Notify.TelegramToken != "" && a.cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			a.cfg.Notify.TelegramToken,
			a.cfg.Notify.TelegramChatID,
		))
	}
	if a.cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(a.cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, a.cfg.Notify.Events, a.logger)

	return deps, cleanup, nil
}

// buildGateway selects the broker gateway. Paper mode needs no credentials;
// live mode decrypts the configured credentials and hands them to the
// registered GatewayBuilder.
func (a *App) buildGateway() (domain.Gateway, error) {
	if a.cfg.Broker.Paper {
		return broker.NewPaperGateway(), nil
	}

	if a.gatewayBuilder == nil {
		return nil, fmt.Errorf("wire: broker.paper is false but no live gateway builder is registered")
	}

	creds, err := crypto.LoadCredentials(crypto.CredentialConfig{
		RawAPIKey:     a.cfg.Broker.ApiKey,
		RawAPISecret:  a.cfg.Broker.ApiSecret,
		EncryptedPath: a.cfg.Broker.EncryptedCredsPath,
		Password:      a.cfg.Broker.CredsPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: broker credentials: %w", err)
	}
	creds.AccountID = a.cfg.Broker.AccountID

	gw, err := a.gatewayBuilder(creds)
	if err != nil {
		return nil, fmt.Errorf("wire: build gateway: %w", err)
	}
	return gw, nil
}
