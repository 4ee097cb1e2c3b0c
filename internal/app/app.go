// Package app constructs the shared components of every process once at startup.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"adsync-scheduler/internal/api"
	"adsync-scheduler/internal/config"
	"adsync-scheduler/internal/coordinator"
	"adsync-scheduler/internal/janitor"
	"adsync-scheduler/internal/models"
	"adsync-scheduler/internal/provider"
	"adsync-scheduler/internal/queue"
	"adsync-scheduler/internal/ratelimit"
	"adsync-scheduler/internal/scheduler"
	"adsync-scheduler/internal/store"
	"adsync-scheduler/internal/telemetry"
	"adsync-scheduler/internal/worker"
)

const tokenWarnWindow = 72 * time.Hour

// App holds the process-wide components. Nothing here is global; each binary builds one App and
// hands its parts to the loops it runs.
type App struct {
	Config      config.Config
	Log         *slog.Logger
	Redis       *redis.Client
	Queue       queue.Client
	History     store.History
	Health      provider.HealthChecker
	Coordinator *coordinator.Coordinator
}

// NewLogger returns the JSON logger used by the long-running processes.
func NewLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// New connects the queue and history store, retrying until STORE_CONNECT_TIMEOUT elapses.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{Config: cfg, Log: logger}

	history, err := openHistory(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.History = history

	switch cfg.QueueDriver {
	case "null":
		logger.Warn("QUEUE_DRIVER=null: jobs are recorded but never executed")
		a.Queue = queue.NewNullQueue(cfg.QueueName)
	default:
		client, err := connectRedis(ctx, cfg, logger)
		if err != nil {
			_ = history.Close()
			return nil, err
		}
		a.Redis = client
		a.Queue = queue.NewRedisQueue(client, queue.Options{
			Name:          cfg.QueueName,
			BaseDelay:     cfg.BackoffInitial,
			MaxDelay:      cfg.BackoffMax,
			Jitter:        cfg.BackoffJitter,
			LeaseDuration: cfg.JobTimeout,
			OpTimeout:     cfg.OpTimeout,
			MaxAttempts:   cfg.MaxAttempts,
		})
	}

	a.Health = provider.NewTokenHealthChecker(history, tokenWarnWindow)
	a.Coordinator = coordinator.New(history, a.Queue, a.Health, coordinator.Options{
		DailyQuota:           cfg.ManualDailyQuota,
		MaxAttempts:          cfg.MaxAttempts,
		SkipUnhealthy:        cfg.SkipUnhealthy,
		HealthTimeout:        cfg.HealthTimeout,
		OpTimeout:            cfg.OpTimeout,
		FullSyncInterval:     cfg.FullSyncInterval,
		InsightsSyncInterval: cfg.InsightsSyncInterval,
	}, logger)
	return a, nil
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.History != nil {
		_ = a.History.Close()
	}
}

func retryConnect[T any](ctx context.Context, cfg config.Config, log *slog.Logger, target string, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.StoreConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("connect failed, retrying", "target", target, "err", err, "retry_in", next)
		}),
	)
}

func openHistory(ctx context.Context, cfg config.Config, log *slog.Logger) (store.History, error) {
	if cfg.StoreDriver == "sqlite" {
		s, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	}
	pg, err := retryConnect(ctx, cfg, log, "postgres", func() (*store.Postgres, error) {
		return store.NewPostgres(ctx, cfg.PostgresDSN)
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.MigratePostgres(cfg.PostgresDSN); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return pg, nil
}

func connectRedis(ctx context.Context, cfg config.Config, log *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	_, err := retryConnect(ctx, cfg, log, "redis", func() (string, error) {
		return client.Ping(ctx).Result()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// Providers builds the connector clients from configuration.
func (a *App) Providers() provider.Registry {
	cfg := a.Config
	reg := provider.Registry{}
	if cfg.MetaConnectorURL != "" {
		reg[models.ProviderMeta] = provider.NewHTTPClient(cfg.MetaConnectorURL, cfg.ConnectorTimeout, cfg.ConnectorRate, cfg.ConnectorBurst)
	}
	if cfg.GoogleConnectorURL != "" {
		reg[models.ProviderGoogle] = provider.NewHTTPClient(cfg.GoogleConnectorURL, cfg.ConnectorTimeout, cfg.ConnectorRate, cfg.ConnectorBurst)
	}
	return reg
}

// WorkerID prefers WORKER_ID, then the hostname.
func WorkerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// WorkerPool builds WORKER_CONCURRENCY processors sharing the provider clients.
func (a *App) WorkerPool() *worker.Pool {
	cfg := a.Config
	clients := a.Providers()
	return worker.NewPool(cfg.WorkerConcurrency, WorkerID(cfg), func(id string) *worker.Processor {
		return worker.NewProcessor(a.Queue, a.History, clients, a.Health, worker.Options{
			WorkerID:     id,
			SyncTimeout:  cfg.ConnectorTimeout,
			OpTimeout:    cfg.OpTimeout,
			PollInterval: cfg.WorkerPollInterval,
		}, a.Log)
	})
}

// Janitor builds the janitor with S3 archival when a bucket is set, else a local directory when
// ARCHIVE_DIR is set.
func (a *App) Janitor(ctx context.Context) (*janitor.Janitor, error) {
	cfg := a.Config
	var archive janitor.Archiver
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := janitor.NewS3Client(ctx, janitor.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		archive = janitor.NewS3Archiver(client, cfg.ArchiveS3Bucket)
	case cfg.ArchiveDir != "":
		archive = janitor.NewDirArchiver(cfg.ArchiveDir)
	}
	return janitor.New(a.Queue, a.History, archive, janitor.Options{
		CompletedMaxAge:   cfg.CompletedMaxAge,
		CompletedKeep:     cfg.CompletedKeep,
		FailedMaxAge:      cfg.FailedMaxAge,
		FailedKeep:        cfg.FailedKeep,
		JobTimeout:        cfg.JobTimeout,
		CleanupInterval:   cfg.JanitorInterval,
		ReconcileInterval: cfg.ReconcileInterval,
	}, a.Log), nil
}

// Scheduler builds the periodic trigger source.
func (a *App) Scheduler() *scheduler.Scheduler {
	cfg := a.Config
	return scheduler.New(a.Coordinator, a.History,
		scheduler.DefaultSchedules(cfg.FullSyncInterval, cfg.InsightsSyncInterval), cfg.SchedulerTick, a.Log)
}

// APIServer builds the HTTP API. The burst limiter needs Redis and is off with the null queue.
func (a *App) APIServer() *api.Server {
	var limiter api.Limiter
	if a.Redis != nil && a.Config.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(a.Redis, a.Config.RateLimitCapacity, a.Config.RateLimitRefill, time.Hour)
	}
	return api.New(a.Coordinator, a.Queue, limiter, a.Log)
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// MetricsServer exposes /metrics on addr.
func MetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}
