package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/positionrisk/internal/blob/s3"
	"github.com/alanyoungcy/positionrisk/internal/cache/redis"
	"github.com/alanyoungcy/positionrisk/internal/config"
	"github.com/alanyoungcy/positionrisk/internal/domain"
	"github.com/alanyoungcy/positionrisk/internal/metrics"
	"github.com/alanyoungcy/positionrisk/internal/notify"
	"github.com/alanyoungcy/positionrisk/internal/server/handler"
	"github.com/alanyoungcy/positionrisk/internal/store/postgres"
)

// Dependencies bundles the infrastructure the run modes build on. Every
// field except Metrics and Checks is nil when its backend is not configured.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Snapshots domain.SnapshotStore
	Decisions domain.DecisionStore
	Audit     domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	DedupStore  domain.DedupStore

	// Blob storage
	Blobs s3blob.BlobStore

	// Notifications; nil when no sender is configured.
	Notifier *notify.Notifier

	Metrics *metrics.Registry
	Checks  map[string]handler.Check
}

// needsS3 reports whether object storage must be connected.
func needsS3(cfg *config.Config) bool {
	return cfg.Persistence.Backend == "s3"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	return wire(ctx, cfg, logger, needsS3(cfg))
}

// wire is Wire with object storage forced on when blobs is set, as the
// archive command needs it whatever the snapshot backend.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, blobs bool) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- PostgreSQL (snapshots and the decision audit trail) ---
	if cfg.NeedsPostgres() {
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

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Audit = postgres.NewAuditStore(pool)
		if cfg.Persistence.AuditDecisions {
			deps.Decisions = postgres.NewDecisionStore(pool)
		}
		if cfg.Persistence.Backend == "postgres" {
			deps.Snapshots = postgres.NewSnapshotStore(pool, cfg.Persistence.Retain)
		}
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Engine.PriceTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Alert.Dedup == "redis" {
			deps.DedupStore = redis.NewDedupStore(redisClient)
		}
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if blobs {
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
		deps.Blobs = s3blob.Join(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		if cfg.Persistence.Backend == "s3" {
			deps.Snapshots = s3blob.NewSnapshotStore(deps.Blobs, cfg.Persistence.S3Prefix, cfg.Persistence.Retain)
		}
		deps.Checks["s3"] = s3Client.Health
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
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
