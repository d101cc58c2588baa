package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}

	apikey := &cobra.Command{
		Use:   "apikey [email]",
		Short: "Issue a new API key for a user, replacing the old one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(context.Background())
			if err != nil {
				return err
			}
			user, err := rt.Repos.User.GetByEmail(args[0])
			if err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			raw, err := user.IssueAPIKey()
			if err != nil {
				return err
			}
			if err := rt.Repos.User.SetAPIKeyHash(user.ID, user.APIKeyHash); err != nil {
				return err
			}
			fmt.Printf("API key for %s (shown once):\n%s\n", user.Email, raw)
			return nil
		},
	}

	cmd.AddCommand(apikey)
	return cmd
}
