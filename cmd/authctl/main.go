// Command authctl administers the auth database: schema migrations and
// client registration.
package main

import (
	"fmt"
	"os"

	"productivity-auth/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	databaseURL string
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "authctl",
	Short:         "Administer the auth service database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if databaseURL == "" {
			databaseURL = os.Getenv("DATABASE_URL")
		}
		if databaseURL == "" {
			return &config.ConfigError{Message: "DATABASE_URL or --database-url is required"}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres connection URL (defaults to $DATABASE_URL)")
	rootCmd.AddCommand(migrateCmd, clientCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
