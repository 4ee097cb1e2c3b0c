package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"adsync-scheduler/internal/app"
	"adsync-scheduler/internal/config"
	"adsync-scheduler/internal/models"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "syncctl",
		Short:        "Operate the ad sync scheduler",
		Long:         `syncctl inspects and drives sync history, the job queue and provider connections using the same configuration as the services.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newCleanupCmd())
	root.AddCommand(newStatsCmd())
	return root
}

func logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withApp loads configuration, builds the shared components and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger(cmd))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pairArgs(args []string) (string, models.Provider, error) {
	p, err := models.ParseProvider(args[1])
	if err != nil {
		return "", "", err
	}
	if args[0] == "" {
		return "", "", errors.New("tenant id is required")
	}
	return args[0], p, nil
}
