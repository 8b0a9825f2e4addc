package main

import (
	"fmt"

	"github.com/nimasrn/campaign-engine/internal/app"
	"github.com/nimasrn/campaign-engine/internal/config"
	"github.com/nimasrn/campaign-engine/pkg/pg"
	"github.com/spf13/cobra"
)

var migrationDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the SQL migrations to the write database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pg.Migrate(app.PostgresWrite(config.Get()), migrationDir); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
		fmt.Println("Migrations completed successfully")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationDir, "dir", "./migrations", "Directory holding the goose migrations")
}
