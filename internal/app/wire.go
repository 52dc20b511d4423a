package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/tradebot/internal/blob/s3"
	"github.com/alanyoungcy/tradebot/internal/cache/redis"
	"github.com/alanyoungcy/tradebot/internal/config"
	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/notify"
	"github.com/alanyoungcy/tradebot/internal/server/handler"
	"github.com/alanyoungcy/tradebot/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode may use. Fields for a
// disabled backend are nil.
type Dependencies struct {
	// Postgres
	DB     *postgres.Client
	Orders *postgres.OrderStore
	Fills  *postgres.FillStore
	Ledger *postgres.LedgerStore
	Audit  *postgres.AuditStore

	// Redis
	Redis   *redis.Client
	Locks   *redis.LockManager
	Limiter *redis.RateLimiter
	Prices  *redis.PriceCache
	Bus     *redis.EventBus

	// S3
	S3       *s3blob.Client
	Blobs    *s3blob.Blobs
	Archiver domain.Archiver

	Notifier *notify.Notifier
}

// HealthChecks returns a probe per connected backend.
func (d *Dependencies) HealthChecks() map[string]handler.Check {
	checks := make(map[string]handler.Check)
	if d.DB != nil {
		checks["postgres"] = d.DB.Ping
	}
	if d.Redis != nil {
		checks["redis"] = d.Redis.Ping
	}
	if d.S3 != nil {
		checks["s3"] = d.S3.Health
	}
	return checks
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

	if cfg.Postgres.Enabled {
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
		deps.DB = pgClient
		deps.Orders, deps.Fills, deps.Ledger, deps.Audit = pgClient.Stores()
	}

	if cfg.Redis.Enabled {
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

		deps.Redis = redisClient
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Locks.OnReleaseError(func(key string, err error) {
			logger.Warn("lock release failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		})
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Prices = redis.NewPriceCache(redisClient)
		deps.Bus = redis.NewEventBus(redisClient)
	}

	if cfg.S3.Enabled {
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
		deps.S3 = s3Client
		deps.Blobs = s3blob.NewBlobs(s3Client)
		// Archiving moves rows out of Postgres, so it needs both.
		if deps.DB != nil {
			deps.Archiver = s3blob.NewArchiver(deps.Blobs, deps.Orders, deps.Fills, deps.Audit)
		}
	}

	deps.Notifier = buildNotifier(cfg.Notify, deps.Bus, logger)
	return deps, cleanup, nil
}

func buildNotifier(cfg config.NotifyConfig, bus *redis.EventBus, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	n := notify.NewNotifier(senders, cfg.Events, cfg.Buffer, logger)
	// The event stream is the audit trail for the ops API, so it gets every
	// event regardless of the chat filter.
	if bus != nil && cfg.RedisStream {
		n.AddSender(notify.NewBusSender(bus, redis.EventChannel, redis.EventStream), nil)
	}
	return n
}
