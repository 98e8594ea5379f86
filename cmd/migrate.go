package cmd

import (
	"fmt"

	"github.com/autobrain/autobrain/db"
	"github.com/autobrain/autobrain/internal/config"
	"github.com/autobrain/autobrain/internal/log"
)

// runMigrate applies pending migrations and exits. Useful for deploy
// pipelines that migrate before rolling the server.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{JSON: cfg.LogJSON})
	logger.Info("applying migrations",
		"host", cfg.PostgresHost,
		"database", cfg.PostgresDBName,
	)

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}
