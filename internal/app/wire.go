package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	s3blob "github.com/alanyoungcy/spotbot/internal/blob/s3"
	"github.com/alanyoungcy/spotbot/internal/audit"
	"github.com/alanyoungcy/spotbot/internal/cache/redis"
	"github.com/alanyoungcy/spotbot/internal/capital"
	"github.com/alanyoungcy/spotbot/internal/config"
	"github.com/alanyoungcy/spotbot/internal/crypto"
	"github.com/alanyoungcy/spotbot/internal/diversify"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/executor"
	"github.com/alanyoungcy/spotbot/internal/exit"
	"github.com/alanyoungcy/spotbot/internal/indicator"
	"github.com/alanyoungcy/spotbot/internal/ledger"
	"github.com/alanyoungcy/spotbot/internal/metrics"
	"github.com/alanyoungcy/spotbot/internal/notify"
	"github.com/alanyoungcy/spotbot/internal/orchestrator"
	"github.com/alanyoungcy/spotbot/internal/platform/mexc"
	"github.com/alanyoungcy/spotbot/internal/reconcile"
	"github.com/alanyoungcy/spotbot/internal/report"
	"github.com/alanyoungcy/spotbot/internal/store/postgres"
)

// Dependencies bundles every component the run modes and the CLI utilities
// need. It is constructed by Wire and torn down by the returned cleanup
// function. Optional backends are nil when disabled.
type Dependencies struct {
	Exchange domain.Exchange
	Ledger   *ledger.FileStore

	// Optional backends
	AuditStore domain.AuditStore
	Journal    domain.PositionJournal
	Bus        *redis.EventBus
	Locker     domain.Locker
	Backups    *s3blob.Reader

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Recorder *audit.Recorder

	Guard        *diversify.Guard
	Allocator    *capital.Allocator
	Verifier     *reconcile.Verifier
	Gateway      *executor.Gateway
	Exits        *exit.Engine
	Orchestrator *orchestrator.Orchestrator
	Reporter     *report.Reporter
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
	quote := cfg.Exchange.QuoteAsset

	// --- PostgreSQL ---
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

		pool := pgClient.Pool()
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Journal = postgres.NewPositionStore(pool)
	}

	// --- Redis ---
	var cooldowns domain.CooldownStore = diversify.NewMemoryCooldowns()
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
		closers = append(closers, func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("wire: redis close failed", slog.String("error", err.Error()))
			}
		})

		cooldowns = redis.NewCooldownStore(redisClient)
		deps.Locker = redis.NewLedgerLock(redisClient)
		deps.Bus = redis.NewEventBus(redisClient)
	}

	// --- S3 ---
	var ledgerOpts []ledger.Option
	ledgerOpts = append(ledgerOpts, ledger.WithMaxBackups(cfg.Ledger.MaxBackups))
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		// Mirroring is best effort, so an unreachable bucket only warns.
		if err := s3Client.Ping(ctx); err != nil {
			logger.WarnContext(ctx, "wire: s3 bucket unreachable, backups stay local until it recovers",
				slog.String("error", err.Error()),
			)
		}
		ledgerOpts = append(ledgerOpts, ledger.WithMirror(s3blob.NewWriter(s3Client), cfg.Ledger.MirrorPrefix))
		deps.Backups = s3blob.NewReader(s3Client)
	}

	// --- Exchange ---
	auth := &crypto.HMACAuth{
		Key:        cfg.Exchange.ApiKey,
		Secret:     cfg.Exchange.ApiSecret,
		RecvWindow: cfg.Exchange.RecvWindow,
	}
	deps.Exchange = mexc.NewClient(cfg.Exchange.BaseURL, auth, logger,
		mexc.WithHTTPClient(&http.Client{Timeout: cfg.Exchange.Timeout.Duration}),
		mexc.WithRetry(cfg.Exchange.RetryAttempts, cfg.Exchange.RetryDelay.Duration),
	)

	deps.Ledger = ledger.NewFileStore(cfg.Ledger.Path, logger, ledgerOpts...)

	// --- Notifications and audit ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramAPIBase, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Metrics = metrics.New()

	var publisher domain.EventPublisher
	if deps.Bus != nil {
		publisher = deps.Bus
	}
	deps.Recorder = audit.NewRecorder(deps.AuditStore, publisher, logger)
	if deps.Journal != nil {
		deps.Recorder.SetJournal(deps.Journal)
	}

	// --- Trading components ---
	plan := ExitPlan(cfg.Exit)
	trend := indicator.New(indicator.Config{})

	deps.Guard = diversify.NewGuard(diversify.Config{
		MaxOpen:          cfg.Diversity.MaxOpen,
		Cooldown:         cfg.Diversity.Cooldown.Duration,
		DenyList:         cfg.Diversity.DenyList,
		PriorityPool:     cfg.Diversity.PriorityPool,
		QuoteAsset:       quote,
		MinQuoteVolume:   cfg.Diversity.MinQuoteVolume,
		MinPositionValue: cfg.Diversity.MinPositionValue,
	}, deps.Ledger, cooldowns, deps.Exchange, logger)
	deps.Guard.SetTrendFilter(trend, cfg.Exit.KlineInterval, cfg.Exit.KlineLimit)

	deps.Allocator = capital.NewAllocator(capital.Config{
		QuoteAsset:        quote,
		RiskRatio:         cfg.Trading.RiskRatio,
		MaxOpen:           cfg.Diversity.MaxOpen,
		MinNotional:       cfg.Trading.MinNotional,
		MaxNotional:       cfg.Trading.MaxNotional,
		DailyLossLimitPct: cfg.Trading.DailyLossLimitPct,
	}, deps.Exchange, deps.Ledger, logger)

	deps.Verifier = reconcile.NewVerifier(reconcile.Config{
		QuoteAsset:       quote,
		MaxOpen:          cfg.Diversity.MaxOpen,
		MinPositionValue: cfg.Diversity.MinPositionValue,
		Plan:             plan,
	}, deps.Ledger, deps.Exchange, deps.Notifier, deps.Recorder, logger)

	deps.Gateway = executor.NewGateway(executor.Config{
		QuoteAsset:     quote,
		VerifyAttempts: cfg.Trading.VerifyAttempts,
		VerifyDelay:    cfg.Trading.VerifyDelay.Duration,
		DedupTTL:       cfg.Trading.DedupWindow.Duration,
		Plan:           plan,
	}, deps.Exchange, deps.Ledger, deps.Guard, deps.Notifier, deps.Recorder, deps.Metrics, logger)

	deps.Exits = exit.NewEngine(exit.Config{
		PartialExits:  cfg.Trading.PartialExits,
		KlineInterval: cfg.Exit.KlineInterval,
		KlineLimit:    cfg.Exit.KlineLimit,
	}, deps.Ledger, deps.Exchange, deps.Gateway, trend, deps.Notifier, logger)

	deps.Orchestrator = orchestrator.New(orchestrator.Config{
		CycleInterval:     cfg.Trading.CycleInterval.Duration,
		ExitInterval:      cfg.Trading.ExitInterval.Duration,
		DiversityInterval: cfg.Trading.DiversityInterval.Duration,
		BackoffInitial:    cfg.Trading.BackoffInitial.Duration,
		BackoffMax:        cfg.Trading.BackoffMax.Duration,
		RestoreOrphans:    cfg.Trading.RestoreOrphans,
	}, deps.Ledger, deps.Verifier, deps.Exits, deps.Guard, deps.Allocator, deps.Gateway,
		deps.Notifier, deps.Metrics, logger)
	if deps.Locker != nil {
		deps.Orchestrator.SetLocker(deps.Locker, cfg.Redis.LockTTL.Duration)
	}

	deps.Reporter = report.NewReporter(deps.Ledger, deps.Exchange, deps.Notifier, quote, logger)

	return deps, cleanup, nil
}

// ExitPlan turns the configured thresholds and shares into the plan stamped
// on every new position.
func ExitPlan(cfg config.ExitConfig) domain.ExitPlan {
	plan := domain.ExitPlan{
		StopLossPct: cfg.StopLossPct,
		TrailingPct: cfg.TrailingPct,
		MaxHold:     cfg.MaxHold.Duration,
	}
	for i, pct := range cfg.Targets {
		share := 0.0
		if i < len(cfg.Shares) {
			share = cfg.Shares[i]
		}
		plan.Targets = append(plan.Targets, domain.TakeProfitTarget{ThresholdPct: pct, Share: share})
	}
	return plan
}
