package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetUint("user")
			txnID, _ := cmd.Flags().GetUint("transaction")
			action, _ := cmd.Flags().GetString("action")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := context.Background()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			entries, err := rt.Billing.ListAudit(ctx, billing.AuditFilter{
				UserID:        userID,
				TransactionID: txnID,
				Action:        action,
				Limit:         limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tGATEWAY\tACTION\tUSER\tTXN\tMETADATA")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.UTC().Format(time.RFC3339), e.Gateway, e.Action,
					optional(e.UserID), optional(e.TransactionID), e.Metadata)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Uint("user", 0, "Filter by user id")
	cmd.Flags().Uint("transaction", 0, "Filter by transaction id")
	cmd.Flags().String("action", "", "Filter by action")
	cmd.Flags().IntP("limit", "n", 50, "Maximum entries")
	return cmd
}

func optional(id *uint) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}
