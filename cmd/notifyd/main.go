// Command notifyd runs the notification engine as an HTTP service.
//
// Storage, bus and engine settings come from the environment (optionally a
// .env file). On SIGINT or SIGTERM the server stops accepting requests, open
// streams are closed, pending batches are flushed and connections released.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	_ "time/tzdata"

	"github.com/dmitrymomot/notikit/pkg/config"
	"github.com/dmitrymomot/notikit/pkg/httpserver"
	"github.com/dmitrymomot/notikit/pkg/logger"
	"github.com/dmitrymomot/notikit/pkg/mongo"
	"github.com/dmitrymomot/notikit/pkg/notifications"
	"github.com/dmitrymomot/notikit/pkg/notifications/mongostore"
	"github.com/dmitrymomot/notikit/pkg/notifications/notifyhttp"
	"github.com/dmitrymomot/notikit/pkg/notifications/pgstore"
	"github.com/dmitrymomot/notikit/pkg/pg"
	"github.com/dmitrymomot/notikit/pkg/redis"
	"github.com/dmitrymomot/notikit/pkg/requestid"
)

const drainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	log := logger.New(
		logger.WithEnvironment(cfg.Env, cfg.Service),
		logger.WithLevelName(cfg.LogLevel),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	policies, err := cfg.Notify.PolicyTable()
	if err != nil {
		return err
	}
	sweeperOpts, err := cfg.Notify.SweeperOptions(log)
	if err != nil {
		return err
	}

	var (
		probes  []httpserver.Probe
		closers []func()
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	store, storeProbe, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)
	if storeProbe != nil {
		probes = append(probes, httpserver.Probe{Name: cfg.Store, Check: storeProbe})
	}

	hubOpts := cfg.Notify.HubOptions(log)
	switch cfg.Bus {
	case busRedis:
		var rcfg redis.Config
		if err := config.Load(&rcfg); err != nil {
			return err
		}
		client, err := redis.Connect(ctx, rcfg)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = client.Close() })
		probes = append(probes, httpserver.Probe{Name: busRedis, Check: redis.Healthcheck(client)})
		hubOpts = append(hubOpts, notifications.WithBroadcasterFactory(
			notifications.RedisBroadcasters(client, cfg.Notify.SubscriberBuffer, log),
		))
	default:
		hubOpts = append(hubOpts, notifications.WithBroadcasterFactory(
			notifications.MemoryBroadcasters(cfg.Notify.SubscriberBuffer),
		))
	}
	hub := notifications.NewHub(hubOpts...)

	manager := notifications.NewManager(store, append(cfg.Notify.ManagerOptions(log),
		notifications.WithPolicies(policies),
		notifications.WithPublisher(hub),
	)...)
	sweeper := notifications.NewSweeper(manager, sweeperOpts...)

	api := notifyhttp.New(manager, hub, notifyhttp.WithLogger(log))
	router := chi.NewRouter()
	router.Get("/healthz", httpserver.HealthCheckHandler(log))
	router.Get("/readyz", httpserver.HealthCheckHandler(log, probes...))
	router.Mount("/", api)

	srv := httpserver.NewFromConfig(cfg.HTTP,
		httpserver.WithLogger(log),
		httpserver.WithShutdownHook(api.Close),
	)

	log.InfoContext(ctx, "starting notification service",
		slog.String("store", cfg.Store),
		slog.String("bus", cfg.Bus),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, router) })
	g.Go(func() error { return sweeper.Run(gctx) })
	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := manager.Close(drainCtx); err != nil {
		log.ErrorContext(drainCtx, "failed to drain pending batches", logger.Error(err))
	}
	if err := hub.Close(); err != nil {
		log.ErrorContext(drainCtx, "failed to close hub", logger.Error(err))
	}

	log.Info("notification service stopped")
	return runErr
}

// openStore connects the configured storage backend and migrates it.
func openStore(ctx context.Context, kind string, log *slog.Logger) (notifications.Storage, func(context.Context) error, func(), error) {
	switch kind {
	case storePostgres:
		var cfg pg.Config
		if err := config.Load(&cfg); err != nil {
			return nil, nil, nil, err
		}
		pool, err := pg.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.Migrate(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg, log); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return pgstore.New(pool), pg.Healthcheck(pool), pool.Close, nil

	case storeMongo:
		var cfg mongo.Config
		if err := config.Load(&cfg); err != nil {
			return nil, nil, nil, err
		}
		db, err := mongo.NewWithDatabase(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		disconnect := func() { _ = db.Client().Disconnect(context.Background()) }
		store := mongostore.New(db)
		if err := store.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, nil, err
		}
		return store, mongo.Healthcheck(db.Client()), disconnect, nil

	case storeMemory:
		return notifications.NewMemoryStorage(), nil, func() {}, nil
	}
	return nil, nil, nil, errors.New("unsupported store " + kind)
}
