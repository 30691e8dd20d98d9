package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/db"
	"github.com/lalithlochan/tbx/internal/observ"
	"github.com/lalithlochan/tbx/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger, err := observ.NewLogger("tbx-migrator", os.Getenv("ENV"), logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	version, err := db.Migrate(databaseURL, migrations.FS, logger)
	if err != nil {
		return err
	}

	logger.Info("migrations complete", zap.Uint("version", version))
	return nil
}
