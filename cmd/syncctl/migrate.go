package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"adsync-scheduler/internal/config"
	"adsync-scheduler/internal/store"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Manage the Postgres schema of the sync history store. Use with 'up' or 'down'. SQLite stores migrate on open.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	cmd.PersistentFlags().IntP("num-steps", "n", 0, "Number of steps to roll back (0 = all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			if err := store.MigratePostgres(cfg.PostgresDSN); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, err := cmd.Flags().GetInt("num-steps")
			if err != nil {
				return fmt.Errorf("failed to get num-steps flag: %w", err)
			}
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			if err := store.RollbackPostgres(cfg.PostgresDSN, steps); err != nil {
				return fmt.Errorf("failed to roll back migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
			return nil
		},
	})
	return cmd
}

func postgresConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if cfg.StoreDriver != "postgres" {
		return cfg, fmt.Errorf("migrate needs STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
	}
	return cfg, nil
}
