package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Manage dead-lettered webhook events",
	}

	archive := &cobra.Command{
		Use:   "archive",
		Short: "Upload unarchived dead letters to object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			ctx := context.Background()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			n, err := rt.Billing.ArchiveDeadLetters(ctx, limit)
			fmt.Printf("Archived %d record(s)\n", n)
			return err
		},
	}
	archive.Flags().IntP("limit", "n", 100, "Maximum records")

	cmd.AddCommand(archive)
	return cmd
}
