// Package app builds the component graph shared by the API, consumer and
// dispatcher binaries from one Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/config"
	"github.com/example/ride-escrow/internal/dispatch"
	"github.com/example/ride-escrow/internal/drivers"
	"github.com/example/ride-escrow/internal/eta"
	httpapi "github.com/example/ride-escrow/internal/http"
	"github.com/example/ride-escrow/internal/ingest"
	"github.com/example/ride-escrow/internal/location"
	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/matcher"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/payments"
	"github.com/example/ride-escrow/internal/queue"
	"github.com/example/ride-escrow/internal/rides"
	"github.com/example/ride-escrow/internal/storage"
	"github.com/example/ride-escrow/internal/wallet"
)

const (
	etaCacheTTL     = 5 * time.Minute
	memoryBusBuffer = 1024
	memoryQueueSize = 1024
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Store storage.Store
	Redis *redis.Client
	Fast  location.FastStore
	Bus   location.Publisher

	Ledger     *wallet.Ledger
	Drivers    *drivers.Service
	Locations  *location.Service
	Resolver   *location.Resolver
	Reconciler *location.Reconciler
	Rides      *rides.Service
	Matcher    *matcher.Service
	Payments   *payments.Service
	WS         *dispatch.WSRegistry
	Dispatcher *dispatch.Dispatcher

	// sub is set when pings stay inside this deployment (memory or Redis
	// bus) and the reconciler follows them in-process.
	sub        location.Subscriber
	memQueue   *queue.MemoryQueue
	kafkaQueue *queue.KafkaQueue
	closers    []func() error
}

// New connects the configured backends. Anything left unconfigured falls
// back to its in-memory implementation, so an empty Config runs a complete
// single-process system.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logging.OrDefault(logger)}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	var notified dispatch.NotifiedSet
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.Fast = location.NewRedisFastStore(a.Redis, cfg.FastTierTTL)
		notified = dispatch.NewRedisNotifiedSet(a.Redis, cfg.NotifiedTTL)
	} else {
		a.Fast = location.NewMemoryFastStore(cfg.FastTierTTL)
		notified = dispatch.NewMemoryNotifiedSet(cfg.NotifiedTTL)
	}
	a.openBus()

	policy := queue.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.DispatchMaxAttempts
	policy.BaseBackoff = cfg.DispatchBaseBackoff
	var jobs rides.JobQueue
	if len(cfg.KafkaBrokers) > 0 {
		a.kafkaQueue = queue.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaRideTopic, a.DispatchGroup(), policy, a.Logger.With("component", "queue"))
		a.closers = append(a.closers, a.kafkaQueue.Close)
		jobs = a.kafkaQueue
	} else {
		a.memQueue = queue.NewMemoryQueue(memoryQueueSize, policy, a.Logger.With("component", "queue"))
		jobs = a.memQueue
	}

	var err error
	a.Drivers, err = drivers.NewService(a.Store.Drivers(), a.Logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	var router eta.Router
	if cfg.OSRMEndpoint != "" {
		router = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	est, err := eta.NewEstimator(router, cfg.DefaultSpeedMps, etaCacheTTL, a.Logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	sender, err := a.sender()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Ledger = wallet.NewLedger(a.Store, a.Logger)
	a.Locations = location.NewService(a.Fast, a.Bus, a.Logger)
	a.Resolver = location.NewResolver(a.Fast, a.Store.Locations(), a.Logger)
	a.Reconciler = location.NewReconciler(a.Store.Locations(), cfg.SnapshotMinMoveM, a.Logger.With("component", "reconciler"))
	a.Rides = rides.NewService(a.Store, a.Ledger, a.Resolver, jobs, rideConfig(cfg), a.Logger)
	a.Matcher = matcher.NewService(a.Drivers, a.Store.Rides(), a.Resolver, est, cfg.NearbyLimit, a.Logger)
	a.Payments = payments.NewService(cfg.StripeAPIKey, cfg.StripeWebhookSecret, cfg.Currency, a.Ledger, a.Logger)
	a.Dispatcher = dispatch.NewDispatcher(a.Store, notified, sender, a.Logger.With("component", "dispatcher"))
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.PGDSN == "" {
		a.Logger.Warn("PG_DSN not set, using in-memory store")
		a.Store = storage.NewMemoryStore()
		a.closers = append(a.closers, a.Store.Close)
		return nil
	}
	pg, err := storage.NewPostgresStore(ctx, a.Config.PGDSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if a.Config.RunMigrations {
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return err
		}
		a.Logger.Info("migrations applied")
	}
	a.Store = pg
	a.closers = append(a.closers, pg.Close)
	return nil
}

func (a *App) openBus() {
	switch {
	case len(a.Config.KafkaBrokers) > 0:
		p := ingest.NewKafkaProducer(a.Config.KafkaBrokers, a.Config.KafkaLocationTopic)
		a.closers = append(a.closers, p.Close)
		a.Bus = p
	case a.Redis != nil:
		b := location.NewRedisBus(a.Redis, a.Config.RedisLocationChannel, a.Logger)
		a.Bus, a.sub = b, b
	default:
		b := location.NewMemoryBus(memoryBusBuffer, a.Logger)
		a.Bus, a.sub = b, b
	}
}

// sender routes notifications by push provider. Only configured channels
// are registered.
func (a *App) sender() (*dispatch.Router, error) {
	a.WS = dispatch.NewWSRegistry(a.Logger.With("component", "ws"))
	r := dispatch.NewRouter(a.WS)
	if a.Config.FCMEndpoint != "" {
		r.Register(models.PushFCM, dispatch.NewFCMSender(a.Config.FCMEndpoint, a.Config.FCMKey))
	}
	if a.Config.TelegramBotToken != "" {
		tg, err := dispatch.NewTelegramSender(a.Config.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		r.Register(models.PushTelegram, tg)
	}
	return r, nil
}

func rideConfig(cfg config.Config) rides.Config {
	return rides.Config{
		LockPercent:          cfg.LockPercent,
		PerKmRate:            decimal.NewFromFloat(cfg.PerKmRate),
		ArrivalRadiusM:       cfg.ArrivalRadiusM,
		ExtraFareThresholdKm: cfg.ExtraFareThresholdKm,
		RequireEndOTP:        cfg.RequireEndOTP,
		ClaimTTL:             cfg.ClaimTTL,
	}
}

func (a *App) DispatchGroup() string         { return a.Config.KafkaGroup + "-dispatch" }
func (a *App) ReconcileGroup() string        { return a.Config.KafkaGroup + "-reconcile" }
func (a *App) KafkaQueue() *queue.KafkaQueue { return a.kafkaQueue }

// Server returns the HTTP API bound to this App.
func (a *App) Server() *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Locations: a.Locations,
		Drivers:   a.Drivers,
		Rides:     a.Rides,
		Matcher:   a.Matcher,
		Ledger:    a.Ledger,
		Payments:  a.Payments,
		WS:        a.WS,
		Ready:     a.Ready,
		Logger:    a.Logger,
	})
}

func (a *App) Ready(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// RunBackground starts the sweeper plus whichever workers have no separate
// binary in this deployment: the reconciler when pings stay on a memory or
// Redis bus, and dispatch workers when jobs stay in memory.
func (a *App) RunBackground(ctx context.Context) {
	go a.Rides.RunSweeper(ctx, a.Config.SweepInterval)
	if a.sub != nil {
		go func() {
			if err := a.Reconciler.Run(ctx, a.sub); err != nil {
				a.Logger.Error("reconciler stopped", "err", err)
			}
		}()
	}
	if a.memQueue != nil {
		a.memQueue.Start(ctx, a.Config.DispatchWorkers, a.Dispatcher.HandleJob)
	}
}

// Wait blocks until in-process dispatch workers have drained after ctx ends.
func (a *App) Wait() {
	if a.memQueue != nil {
		a.memQueue.Wait()
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
