package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PayRecon/internal/pkg/bootstrap"
	"github.com/ManuelReschke/PayRecon/internal/pkg/database"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "payctl",
		Short:        "payctl - operator tool for the PayRecon billing engine",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(deadLetterCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openRuntime connects to MySQL and builds the billing runtime without
// Redis; payctl never enqueues notification jobs.
func openRuntime(ctx context.Context) (*bootstrap.Runtime, error) {
	env.SetupEnvFile()
	database.SetupDatabase()
	return bootstrap.New(ctx, database.GetDB(), nil, bootstrap.Options{})
}
