package main

import (
	"errors"
	"os"

	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/spf13/cobra"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		databaseURL := os.Getenv("DATABASE_URL")
		if databaseURL == "" {
			return errors.New("DATABASE_URL environment variable is required")
		}
		if err := store.RunMigrations(databaseURL, migrationsDir); err != nil {
			return err
		}
		printf(cmd, "migrations applied from %s\n", migrationsDir)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "Directory of SQL migrations")
	rootCmd.AddCommand(migrateCmd)
}
