package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/calebmoy/perpagent/internal/blob/s3"
	"github.com/calebmoy/perpagent/internal/cache/redis"
	"github.com/calebmoy/perpagent/internal/config"
	"github.com/calebmoy/perpagent/internal/crypto"
	"github.com/calebmoy/perpagent/internal/domain"
	"github.com/calebmoy/perpagent/internal/notify"
	"github.com/calebmoy/perpagent/internal/platform/ostium"
	"github.com/calebmoy/perpagent/internal/session"
	"github.com/calebmoy/perpagent/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the application
// modes need. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AgentKeyStore domain.AgentKeyStore
	MarketStore   domain.MarketStore
	AuditStore    domain.AuditStore

	// Caches and coordination
	PriceCache  *redis.PriceCache
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Venue access
	Subgraph  *ostium.Subgraph
	PriceFeed *ostium.PriceFeed
	Sessions  *session.Pool

	// Signing
	Credentials crypto.CredentialResolver

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
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AgentKeyStore = postgres.NewAgentKeyStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

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

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient, logger)

	// --- S3 blob storage ---
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
	deps.BlobReader = s3blob.NewReader(s3Client)
	deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.PositionStore, deps.AuditStore, logger)

	// --- Venue access ---
	deps.Subgraph = ostium.NewSubgraph(cfg.Venue.SubgraphURL, cfg.Venue.SubgraphAPIKey)
	deps.PriceFeed = ostium.NewPriceFeed(cfg.Venue.PriceFeedURL)
	deps.Sessions = session.NewPool(session.Config{
		PrimaryRPC:      cfg.Venue.RPCURL,
		BackupRPC:       cfg.Venue.BackupRPCURL,
		ChainID:         cfg.Venue.ChainID,
		TradingContract: cfg.Venue.TradingContract,
		SubgraphURL:     cfg.Venue.SubgraphURL,
		SubgraphAPIKey:  cfg.Venue.SubgraphAPIKey,
		ProbeTimeout:    cfg.Trading.ProbeTimeout.Duration,
	}, logger)

	// --- Credentials ---
	deps.Credentials, err = buildCredentialResolver(cfg, deps.AgentKeyStore)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: credentials: %w", err)
	}

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
	deps.Notifier = notify.NewNotifier(deps.EventBus, senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// buildCredentialResolver assembles the agent key vault and, when an
// operator key is configured, wraps it with the operator fallback for
// non-delegated requests.
func buildCredentialResolver(cfg *config.Config, keys domain.AgentKeyStore) (crypto.CredentialResolver, error) {
	var vault *crypto.Vault
	if cfg.Vault.EncryptionKey != "" {
		v, err := crypto.NewVault(cfg.Vault.EncryptionKey, keys)
		if err != nil {
			return nil, err
		}
		vault = v
	}

	operatorKey, err := crypto.LoadOperatorKey(crypto.OperatorKeyConfig{
		RawPrivateKey:    cfg.Vault.OperatorPrivateKey,
		EncryptedKeyPath: cfg.Vault.EncryptedKeyPath,
		KeyPassword:      cfg.Vault.KeyPassword,
	})
	if err != nil {
		// No operator key configured: the vault alone must serve.
		if vault == nil {
			return nil, err
		}
		return vault, nil
	}

	var primary crypto.CredentialResolver
	if vault != nil {
		primary = vault
	}
	return crypto.NewFallbackResolver(primary, operatorKey)
}
