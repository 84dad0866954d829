package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teeplatform/validator-coordinator/internal/config"
	"github.com/teeplatform/validator-coordinator/internal/store"
)

// migrateCmd applies the embedded golang-migrate migrations against
// DATABASE_URL and exits, for operators who run schema migration as a
// separate deploy step ahead of `serve`.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	db, err := store.Connect(cfg.DatabaseURL, false)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}
