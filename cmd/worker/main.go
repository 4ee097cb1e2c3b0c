package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"adsync-scheduler/internal/app"
	"adsync-scheduler/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.Env).With("service", "worker")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	j, err := a.Janitor(ctx)
	if err != nil {
		return err
	}
	pool := a.WorkerPool()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return ignoreCancel(j.Run(ctx)) })
	g.Go(func() error { return app.Serve(ctx, app.MetricsServer(cfg.MetricsAddr)) })

	logger.Info("worker started", "concurrency", pool.Size(), "job_timeout", cfg.JobTimeout,
		"backoff_initial", cfg.BackoffInitial, "max_attempts", cfg.MaxAttempts)
	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
