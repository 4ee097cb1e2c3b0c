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
	logger := app.NewLogger(cfg.Env).With("service", "scheduler")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("scheduler stopped", "err", err)
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

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Scheduler().Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return app.Serve(ctx, app.MetricsServer(cfg.MetricsAddr)) })

	logger.Info("scheduler started", "full_interval", cfg.FullSyncInterval,
		"insights_interval", cfg.InsightsSyncInterval, "tick", cfg.SchedulerTick)
	return g.Wait()
}
