// Package app wires configuration into a running ledger: stores, engines,
// background jobs and the HTTP router.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/idempotency"
	"github.com/ruralpay/ledger/internal/jobs"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/sirupsen/logrus"
)

type App struct {
	Config *config.Config
	Log    *logrus.Logger

	DB    *sql.DB
	Redis *redis.Client

	Store store.Store
	Keys  idempotency.Store

	Ledger    *services.LedgerEngine
	Reversals *services.ReversalEngine
	Accounts  *services.AccountService

	dispatcher *events.Dispatcher
	scheduler  *jobs.Scheduler
}

// New connects to the configured backends and builds the engines. The
// caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	if err := a.openStores(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}

	var publisher events.Publisher = events.NewLogPublisher(log)
	if cfg.Events.Enabled && a.Redis != nil {
		publisher = events.NewRedisPublisher(a.Redis, cfg.Events.Queue)
	}
	a.dispatcher = events.NewDispatcher(publisher, cfg.Events.PublishTimeout, log)

	recorder := audit.NewRecorder(a.Store, cfg.Audit.Mandatory, log)
	a.Ledger = services.NewLedgerEngine(a.Store, a.Keys, recorder, a.dispatcher, services.LedgerOptions{
		InFlightWait: cfg.Idempotency.InFlightWait,
		PollInterval: cfg.Idempotency.PollInterval,
		Retry: services.RetryPolicy{
			Attempts:  cfg.Ledger.ConflictRetries + 1,
			BaseDelay: cfg.Ledger.RetryBaseDelay,
			MaxDelay:  cfg.Ledger.RetryMaxDelay,
		},
	}, log)
	a.Reversals = services.NewReversalEngine(a.Ledger)
	a.Accounts = services.NewAccountService(a.Store, recorder, log)

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	keyOpts := idempotency.Options{
		Retention:       cfg.Idempotency.Retention,
		InFlightTimeout: cfg.Idempotency.InFlightTimeout,
	}

	a.Redis = database.NewRedis(ctx, cfg.Redis, a.Log)

	switch cfg.Database.Driver {
	case "memory":
		a.Log.Warn("Using in-memory stores, data is lost on exit")
		a.Store = store.NewMemoryStore(cfg.Ledger.LockTimeout)
		a.Keys = idempotency.NewMemoryStore(keyOpts)
	default:
		db, err := database.Open(ctx, cfg.Database, a.Log)
		if err != nil {
			return err
		}
		a.DB = db

		if cfg.Database.AutoMigrate {
			if err := database.MigrateUp(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		a.Store = store.NewPostgresStore(db, cfg.Ledger.LockTimeout)
		a.Keys = idempotency.NewPostgresStore(db, keyOpts)
	}

	if cfg.Idempotency.CacheEnabled && a.Redis != nil {
		a.Keys = idempotency.NewCachedStore(a.Keys, a.Redis, cfg.Idempotency.Retention, a.Log)
	}
	return nil
}

// StartJobs schedules the idempotency sweeper.
func (a *App) StartJobs() error {
	a.scheduler = jobs.NewScheduler(a.Log)
	sweeper := jobs.NewIdempotencySweeper(a.Keys, a.Config.Server.ShutdownTimeout, a.Log)
	if err := a.scheduler.Add(a.Config.Idempotency.SweepSchedule, sweeper); err != nil {
		return fmt.Errorf("schedule idempotency sweep %q: %w", a.Config.Idempotency.SweepSchedule, err)
	}
	a.scheduler.Start()
	return nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return newRouter(a)
}

// Close stops background work, drains pending events and releases
// connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop jobs: %w", err))
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain events: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
