package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/lpledger/internal/blob/s3"
	"github.com/alanyoungcy/lpledger/internal/cache/redis"
	"github.com/alanyoungcy/lpledger/internal/config"
	"github.com/alanyoungcy/lpledger/internal/domain"
	"github.com/alanyoungcy/lpledger/internal/ledger"
	"github.com/alanyoungcy/lpledger/internal/notify"
	"github.com/alanyoungcy/lpledger/internal/server"
	"github.com/alanyoungcy/lpledger/internal/server/handler"
	"github.com/alanyoungcy/lpledger/internal/server/ws"
	"github.com/alanyoungcy/lpledger/internal/service"
	"github.com/alanyoungcy/lpledger/internal/settlement"
	"github.com/alanyoungcy/lpledger/internal/store/memstore"
	"github.com/alanyoungcy/lpledger/internal/store/postgres"
)

// Dependencies bundles every component the application modes need to operate.
// It is constructed by Wire and torn down by the returned cleanup function.
// Optional components (redis-backed caches, the archiver, the WebSocket hub,
// the notifier) are nil when their backing service is disabled.
type Dependencies struct {
	// Stores
	Positions domain.PositionStore
	Grants    domain.GrantStore
	Rewards   domain.RewardStore
	Claims    domain.ClaimStore
	Audit     domain.AuditStore

	// Caches
	BalanceCache domain.BalanceCache
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus

	// Core ledger and services
	Ledger          *ledger.Ledger
	PositionService *service.PositionService
	RewardService   *service.RewardService
	AccrualPoller   *service.AccrualPoller
	Worker          *settlement.Worker

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HTTP + WebSocket surface
	Hub    *ws.Hub
	Server *server.Server
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

	// --- Storage ---
	switch cfg.Storage.Driver {
	case "memory":
		mem := memstore.New()
		deps.Positions = mem
		deps.Grants = mem
		deps.Rewards = mem
		deps.Claims = mem.Claims()
		deps.Audit = mem
		logger.WarnContext(ctx, "using in-memory storage; all state is lost on restart")

	case "postgres":
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
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Grants = postgres.NewGrantStore(pool)
		deps.Rewards = postgres.NewRewardStore(pool)
		deps.Claims = postgres.NewClaimStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)

	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unsupported storage driver %q", cfg.Storage.Driver)
	}

	// --- Redis (optional) ---
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

		deps.BalanceCache = redis.NewBalanceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- S3 blob storage (optional) ---
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)

		// Archiver: only when the stores expose the archival read surface.
		claimArchive, okClaims := deps.Claims.(s3blob.ClaimArchiveStore)
		auditArchive, okAudit := deps.Audit.(s3blob.AuditArchiveStore)
		if okClaims && okAudit {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, claimArchive, auditArchive)
		}
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

	// --- Core ledger and services ---
	deps.Ledger = ledger.New(
		deps.Positions,
		deps.Grants,
		deps.Rewards,
		domain.WallClock{},
		cfg.Policy.Policy(),
		logger,
	)

	deps.PositionService = service.NewPositionService(deps.Ledger, deps.SignalBus, deps.Audit, logger)
	deps.RewardService = service.NewRewardService(
		deps.Ledger,
		deps.Claims,
		deps.BalanceCache,
		deps.RateLimiter,
		deps.SignalBus,
		deps.Audit,
		logger,
	)

	if cfg.Accrual.Enabled {
		deps.AccrualPoller = service.NewAccrualPoller(
			deps.Positions,
			deps.PositionService,
			deps.LockManager,
			service.AccrualPollerConfig{
				Interval:    cfg.Accrual.Interval.Duration,
				Concurrency: cfg.Accrual.Concurrency,
				LockTTL:     cfg.Accrual.LockTTL.Duration,
			},
			logger,
		)
	}

	// --- Settlement worker ---
	var settler settlement.Settler
	switch cfg.Settlement.Mode {
	case "http":
		settler = settlement.NewHTTPSettler(
			cfg.Settlement.Endpoint,
			cfg.Settlement.APIKey,
			cfg.Settlement.Timeout.Duration,
		)
	default:
		settler = settlement.NoopSettler{}
	}

	// Keep the interface value nil when no notifier was configured so the
	// worker's nil check still works.
	var workerNotifier settlement.Notifier
	if deps.Notifier != nil {
		workerNotifier = deps.Notifier
	}
	deps.Worker = settlement.NewWorker(
		deps.Claims,
		settler,
		domain.WallClock{},
		deps.SignalBus,
		workerNotifier,
		settlement.WorkerConfig{
			Interval:        cfg.Settlement.Interval.Duration,
			MaxAttempts:     cfg.Settlement.MaxAttempts,
			RetryBackoff:    cfg.Settlement.RetryBackoff.Duration,
			RetryBackoffCap: cfg.Settlement.RetryBackoffCap.Duration,
		},
		logger,
	)

	// --- HTTP + WebSocket surface ---
	if cfg.Server.Enabled {
		if deps.SignalBus != nil {
			deps.Hub = ws.NewHub(deps.SignalBus, logger, ws.Config{
				Mode:      cfg.Mode,
				StartedAt: time.Now().UTC(),
			})
		}

		deps.Server = server.NewServer(
			server.Config{
				Port:        cfg.Server.Port,
				CORSOrigins: cfg.Server.CORSOrigins,
				APIKey:      cfg.Server.APIKey,
				RateLimit:   cfg.Server.RateLimit,
				RateWindow:  cfg.Server.RateWindow.Duration,
			},
			server.Handlers{
				Health:    handler.NewHealthHandler(logger),
				Positions: handler.NewPositionHandler(deps.PositionService, logger),
				Rewards:   handler.NewRewardHandler(deps.RewardService, logger),
			},
			deps.Hub,
			deps.RateLimiter,
			logger,
		)
	}

	return deps, cleanup, nil
}
