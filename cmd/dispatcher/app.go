package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/alerts"
	"github.com/rbansal42/mailer-sub003/internal/analytics"
	awsclient "github.com/rbansal42/mailer-sub003/internal/common/aws"
	"github.com/rbansal42/mailer-sub003/internal/common/clock"
	"github.com/rbansal42/mailer-sub003/internal/common/config"
	"github.com/rbansal42/mailer-sub003/internal/common/database"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"
	"github.com/rbansal42/mailer-sub003/internal/common/observability"
	"github.com/rbansal42/mailer-sub003/internal/delivery"
	"github.com/rbansal42/mailer-sub003/internal/ledger"
	"github.com/rbansal42/mailer-sub003/internal/lock"
	"github.com/rbansal42/mailer-sub003/internal/models"
	"github.com/rbansal42/mailer-sub003/internal/retry"
	"github.com/rbansal42/mailer-sub003/internal/sequence"
	"github.com/rbansal42/mailer-sub003/internal/store"
	"github.com/rbansal42/mailer-sub003/internal/transport"

	"go.uber.org/zap"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	zapLog *zap.Logger
	log    logger.Logger
	clock  clock.Clock

	pg    *database.PostgresClient
	redis *database.RedisClient
	store *store.Postgres

	locker   lock.Locker
	ledger   *ledger.Ledger
	executor *retry.Executor
	delivery *delivery.Engine
	sequence *sequence.Engine
	reporter apperrors.Reporter
	sentry   *observability.SentryReporter
}

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func newApp(ctx context.Context, cfg *config.Config, zapLog *zap.Logger, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, zapLog: zapLog, log: log, clock: clock.New()}

	// --- Postgres ---
	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	a.pg = pg
	err = retryWithBackoff(func() error {
		return pg.Ping(ctx)
	}, 5, 2*time.Second, zapLog, "Postgres connection")
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store.NewPostgres(pg.DB)

	// --- Locks ---
	if cfg.Database.Redis.Address != "" {
		rc, err := database.NewRedis(cfg.Database.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rc
		err = retryWithBackoff(func() error {
			return rc.Ping(ctx)
		}, 5, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			a.Close()
			return nil, err
		}
		a.locker = lock.NewRedis(rc.Client)
	} else {
		zapLog.Warn("redis address not set, using in-process locks (single replica only)")
		a.locker = lock.NewMemory()
	}

	// --- Error reporting ---
	a.reporter = observability.NopReporter{}
	if cfg.Observability.SentryDSN != "" {
		sr, err := observability.NewSentryReporter(cfg.Observability.SentryDSN, cfg.App.Version, cfg.App.Environment)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init sentry: %w", err)
		}
		a.sentry = sr
		a.reporter = sr
	}

	// --- Ledger ---
	ledgerOpts := []ledger.Option{ledger.WithCache(ledger.NewCircuitCache())}
	if cfg.Alerts.Enabled {
		snsClient, err := awsclient.NewSNSClient(ctx, cfg.Alerts.Region)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init sns: %w", err)
		}
		ledgerOpts = append(ledgerOpts, ledger.WithNotifier(
			alerts.NewSNSNotifier(snsClient, cfg.Alerts.TopicARN, cfg.Observability.ServiceName, log),
		))
	}
	a.ledger = ledger.New(a.store, a.clock, ledger.Config{
		FailureThreshold: cfg.Ledger.FailureThreshold,
		Cooldown:         cfg.Ledger.Cooldown(),
	}, log, ledgerOpts...)

	// --- Delivery ---
	a.executor = retry.NewExecutor(retry.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.BaseDelay(),
		MaxDelay:    cfg.Delivery.MaxDelay(),
	}, log)

	deliveryOpts := []delivery.Option{}
	if cfg.Analytics.Enabled {
		indexer, err := newIndexer(ctx, cfg, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		deliveryOpts = append(deliveryOpts, delivery.WithIndexer(indexer))
	}
	a.delivery = delivery.NewEngine(
		a.store,
		a.ledger,
		newTransports(cfg.Delivery.Providers, log),
		a.executor,
		a.locker,
		a.clock,
		delivery.Config{
			SendTimeout:      cfg.Delivery.SendTimeout(),
			LockTTL:          cfg.Delivery.LockTTL(),
			BatchConcurrency: cfg.Delivery.BatchConcurrency,
		},
		log,
		deliveryOpts...,
	)

	// --- Sequences ---
	a.sequence = sequence.NewEngine(a.store, a.delivery, a.locker, a.clock, sequence.Config{
		Workers:   cfg.Sequence.Workers,
		BatchSize: cfg.Sequence.BatchSize,
		LockTTL:   cfg.Sequence.LockTTL(),
	}, log, sequence.WithReporter(a.reporter))

	return a, nil
}

// newTransports registers the configured providers; an empty list enables all.
func newTransports(providers []string, log logger.Logger) *transport.Registry {
	if len(providers) == 0 {
		providers = []string{string(models.ProviderSMTP), string(models.ProviderSES)}
	}
	reg := transport.NewRegistry()
	for _, p := range providers {
		switch models.Provider(p) {
		case models.ProviderSMTP:
			reg.Register(transport.NewSMTP(transport.DialSMTP, log))
		case models.ProviderSES:
			reg.Register(transport.NewSES(func(ctx context.Context, region string) (transport.SESAPI, error) {
				return awsclient.NewSESClient(ctx, region)
			}, log))
		}
	}
	return reg
}

func newIndexer(ctx context.Context, cfg *config.Config, log logger.Logger) (*analytics.Indexer, error) {
	es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
	if err != nil {
		return nil, err
	}
	indexer := analytics.NewIndexer(es.Client, cfg.Analytics.Index, log)
	if err := indexer.EnsureIndex(ctx); err != nil {
		// indexing failures never affect sends; keep going without the mapping
		log.Warn("failed to ensure analytics index", map[string]interface{}{"error": err.Error()})
	}
	return indexer, nil
}

// ping reports whether the backing stores are reachable.
func (a *app) ping(ctx context.Context) error {
	if err := a.pg.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	if a.sentry != nil {
		a.sentry.Flush(2 * time.Second)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.zapLog.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.zapLog.Error("Error closing Postgres client", zap.Error(err))
		}
	}
}

// setup loads config, builds the logger and wires the app for a command.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	zapLog, log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, zapLog, log)
}
