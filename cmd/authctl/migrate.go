package main

import (
	"errors"
	"fmt"

	"productivity-auth/internal/database"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := database.NewRepository(cmd.Context(), databaseURL, logger)
		if err != nil {
			return err
		}
		defer repo.Close()
		return database.ApplyMigrations(repo.DB(), logger)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps <= 0 {
			return errors.New("--steps must be positive")
		}

		return withMigrator(cmd, func(m *migrate.Migrate) error {
			if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("rolling back %d migrations: %w", steps, err)
			}
			logger.Info("Rolled back migrations", zap.Int("steps", steps))
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *migrate.Migrate) error {
			version, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
			return nil
		})
	},
}

func withMigrator(cmd *cobra.Command, fn func(m *migrate.Migrate) error) error {
	repo, err := database.NewRepository(cmd.Context(), databaseURL, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	m, err := database.NewMigrator(repo.DB())
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func init() {
	migrateDownCmd.Flags().Int("steps", 1, "Number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}
