package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/tbx/internal/api"
	"github.com/lalithlochan/tbx/internal/auth"
	"github.com/lalithlochan/tbx/internal/catalog"
	"github.com/lalithlochan/tbx/internal/circuitbreaker"
	"github.com/lalithlochan/tbx/internal/clock"
	"github.com/lalithlochan/tbx/internal/config"
	"github.com/lalithlochan/tbx/internal/db"
	"github.com/lalithlochan/tbx/internal/notify"
	"github.com/lalithlochan/tbx/internal/observ"
	"github.com/lalithlochan/tbx/internal/redis"
	"github.com/lalithlochan/tbx/internal/storage"
	"github.com/lalithlochan/tbx/internal/tabsync"
	"github.com/lalithlochan/tbx/internal/worker"
	"github.com/lalithlochan/tbx/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("tbxd", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tbxd",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("state_backend", cfg.StateBackend),
		zap.String("sync_backend", cfg.SyncBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is required by the redis backends and used opportunistically
	// for idempotency and rate limiting otherwise.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.UsesRedis() {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("addr", cfg.RedisAddr()),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	store, closeStore, err := openStorage(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	broadcaster := openSync(cfg, redisClient, logger)

	cat, users, closeCatalog, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCatalog()

	fallback, desktop := buildFallback(cfg, logger)
	if desktop != nil {
		defer desktop.Close()
	}

	deps := notify.Deps{
		Catalog:     cat,
		Fallback:    fallback,
		Storage:     store,
		Broadcaster: broadcaster,
		Clock:       clock.Real(),
		Logger:      logger.Named("notify"),
	}

	var bw *worker.BackgroundWorker
	if cfg.WorkerEnabled {
		wcfg := worker.DefaultConfig()
		wcfg.Permission = worker.Permission(cfg.WorkerPermission)
		bw = worker.New(wcfg, web.Assets(), nil, clock.Real(), logger.Named("worker"))
		deps.Worker = bw
	}

	svc, err := notify.Open(ctx, deps, cfg.Notify())
	if err != nil {
		return fmt.Errorf("failed to open notification service: %w", err)
	}
	defer svc.Close()

	opts := api.Options{}
	var limiter *redis.RateLimiter
	if redisClient != nil {
		opts.Idempotency = redis.NewIdempotencyService(redisClient, logger)
		if cfg.RateLimit > 0 {
			limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimit,
				Window: cfg.RateLimitWindow,
			})
		}
	}
	routerCfg := api.RouterConfig{Limiter: limiter}
	if bw != nil {
		opts.Worker = bw
		routerCfg.Assets = bw
	}

	handler := api.NewHandler(logger, svc, cat, users, opts)
	router := api.NewRouter(handler, routerCfg, logger)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	if redisClient != nil {
		g.Go(func() error {
			redisClient.ReportPoolStats(gctx, 15*time.Second)
			return nil
		})
	}

	if desktop != nil {
		g.Go(func() error {
			err := desktop.Listen(gctx, func(msg notify.WorkerMessage) {
				if msg.Type == notify.MessageNotificationConfirm {
					svc.HandleMedicationConfirm(msg.MedicationID)
				}
			})
			if err != nil {
				logger.Warn("desktop notification actions unavailable", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func openStorage(cfg *config.Config, client *redis.Client, logger *zap.Logger) (notify.StateStorage, func(), error) {
	switch cfg.StateBackend {
	case config.BackendBadger:
		b, err := storage.OpenBadger(storage.BadgerConfig{Path: cfg.BadgerPath, TTL: cfg.StateTTL}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open badger: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	case config.BackendRedis:
		return redis.NewStateStore(client, "tbx:state:", cfg.StateTTL, logger), func() {}, nil
	default:
		return storage.NewMemory(), func() {}, nil
	}
}

func openSync(cfg *config.Config, client *redis.Client, logger *zap.Logger) notify.TabBroadcaster {
	if cfg.SyncBackend == config.SyncRedis {
		return redis.NewBroadcaster(client, notify.ChannelName, logger)
	}
	return tabsync.NewHub(notify.ChannelName, logger).Join()
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Catalog, *auth.Directory, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("serving the built-in demo catalog")
		return catalog.Default(), auth.Demo(), func() {}, nil
	}

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pg := db.NewCatalog(database, logger)
	users, err := pg.Users(ctx)
	if err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("failed to load users: %w", err)
	}

	return pg, auth.NewDirectory(users, auth.DefaultAdmin()), database.Close, nil
}

// buildFallback returns the presenter used when the background worker is
// unavailable: desktop notifications when enabled, then the log.
func buildFallback(cfg *config.Config, logger *zap.Logger) (notify.Presenter, *worker.DBusPresenter) {
	logPresenter := worker.NewLogPresenter(logger)
	if !cfg.DBusEnabled {
		return worker.NewChain(logger, logPresenter), nil
	}

	desktop, err := worker.NewDBusPresenter(logger)
	if err != nil {
		logger.Warn("desktop notifications unavailable", zap.Error(err))
		return worker.NewChain(logger, logPresenter), nil
	}

	protected := circuitbreaker.NewProtectedPresenter(desktop, circuitbreaker.DefaultConfig("dbus"), logger)
	return worker.NewChain(logger, protected, logPresenter), desktop
}
