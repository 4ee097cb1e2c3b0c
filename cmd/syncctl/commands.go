package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"adsync-scheduler/internal/app"
	"adsync-scheduler/internal/coordinator"
	"adsync-scheduler/internal/models"
)

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect TENANT PROVIDER",
		Short: "Register or update a provider connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, p, err := pairArgs(args)
			if err != nil {
				return err
			}
			connID, _ := cmd.Flags().GetString("connection-id")
			token, _ := cmd.Flags().GetString("token")
			expiresIn, _ := cmd.Flags().GetDuration("expires-in")
			inactive, _ := cmd.Flags().GetBool("inactive")
			if connID == "" {
				return errors.New("--connection-id is required")
			}
			c := models.Connection{
				TenantID:     tenantID,
				Provider:     p,
				ConnectionID: connID,
				AccessToken:  token,
				Active:       !inactive,
			}
			if expiresIn > 0 {
				exp := time.Now().UTC().Add(expiresIn)
				c.TokenExpiresAt = &exp
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.History.UpsertConnection(ctx, c); err != nil {
					return err
				}
				return printJSON(cmd, c)
			})
		},
	}
	cmd.Flags().String("connection-id", "", "Provider account or connection id")
	cmd.Flags().String("token", "", "Access token used by the connector")
	cmd.Flags().Duration("expires-in", 0, "Token lifetime from now (0 = no expiry)")
	cmd.Flags().Bool("inactive", false, "Mark the connection inactive")
	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync TENANT PROVIDER",
		Short: "Request a sync through the admission gates",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, p, err := pairArgs(args)
			if err != nil {
				return err
			}
			typ, _ := cmd.Flags().GetString("type")
			syncType, err := models.ParseSyncType(typ)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				adm, err := a.Coordinator.RequestSync(ctx, coordinator.Request{
					TenantID: tenantID,
					Provider: p,
					SyncType: syncType,
					Source:   models.SourceCLI,
				})
				if errors.Is(err, models.ErrAlreadySyncing) {
					fmt.Fprintln(cmd.OutOrStdout(), "already syncing")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, adm)
			})
		},
	}
	cmd.Flags().String("type", string(models.SyncManual), "Sync type (MANUAL, FULL, INCREMENTAL, INSIGHTS)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status TENANT PROVIDER",
		Short: "Show the sync status of a tenant's provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, p, err := pairArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Coordinator.GetStatus(ctx, tenantID, p)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TENANT PROVIDER",
		Short: "Cancel the active sync of a tenant's provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, p, err := pairArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Coordinator.Cancel(ctx, tenantID, p)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"cancelled_count": n})
			})
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one janitor pass: reap leases, fail stale syncs, purge old job records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				j, err := a.Janitor(ctx)
				if err != nil {
					return err
				}
				rec, err := j.Reconcile(ctx)
				if err != nil {
					return err
				}
				purged, err := j.CleanUp(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"reconciled": rec, "purged": purged})
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [QUEUE]",
		Short: "Show queue counters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				name := a.Queue.Name()
				if len(args) == 1 {
					name = args[0]
				}
				st, err := a.Queue.Stats(ctx, name)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"queue": name, "stats": st})
			})
		},
	}
}
