package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
)

func retryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect and replay failed webhook events",
	}
	cmd.AddCommand(retryListCmd(), retryReplayCmd(), retrySweepCmd())
	return cmd
}

func retryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending retry records",
		RunE: func(cmd *cobra.Command, args []string) error {
			dead, _ := cmd.Flags().GetBool("dead")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx := context.Background()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			recs, err := rt.Billing.ListRetries(ctx, dead, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			printRetries(recs)
			return nil
		},
	}
	cmd.Flags().Bool("dead", false, "Show dead-lettered records instead")
	cmd.Flags().IntP("limit", "n", 50, "Maximum records")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func printRetries(recs []models.WebhookRetryRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGATEWAY\tEVENT\tATTEMPTS\tNEXT\tEXPIRES\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Gateway, r.EventType, r.AttemptCount,
			r.NextAttemptAt.UTC().Format(time.RFC3339), r.ExpiresAt.UTC().Format(time.RFC3339),
			truncate(r.LastError, 60))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func retryReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [id]",
		Short: "Replay one retry record now, dead letters included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}
			ctx := context.Background()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			if err := rt.Billing.ReplayRetry(ctx, uint(id)); err != nil {
				return fmt.Errorf("replay %d: %w", id, err)
			}
			fmt.Printf("Record %d replayed and removed\n", id)
			return nil
		},
	}
}

func retrySweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep under the paymentd sweeper lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			unlocked, _ := cmd.Flags().GetBool("unlocked")
			ctx := context.Background()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			sweep := func(ctx context.Context) error {
				res, err := rt.Billing.SweepRetries(ctx, limit)
				fmt.Printf("replayed=%d rescheduled=%d dead_lettered=%d\n", res.Succeeded, res.Rescheduled, res.DeadLettered)
				return err
			}
			if unlocked {
				return sweep(ctx)
			}

			cache.SetupCache()
			if err := cache.Ping(ctx); err != nil {
				return fmt.Errorf("redis unreachable, cannot take the sweeper lock (--unlocked skips it on a single instance): %w", err)
			}
			err = jobqueue.RunSweepLocked(ctx, cache.GetClient(), sweep)
			if errors.Is(err, redsync.ErrFailed) {
				return errors.New("another sweep holds the sweeper lock, try again later")
			}
			return err
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "Maximum records")
	cmd.Flags().Bool("unlocked", false, "Skip the sweeper lock; only safe when no paymentd is running")
	return cmd
}
