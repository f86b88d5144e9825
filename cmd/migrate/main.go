package main

import (
	"context"
	"os"
	"time"

	"github.com/maneesh/edushare/internal/config"
	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.StorageBackend == config.BackendMemory {
		log.Info("memory backend selected, skipping migrations")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	tidbClient, err := storage.NewTiDBClient(ctx, cfg.GetDSN())
	if err != nil {
		log.Fatal("failed to connect to TiDB", "error", err)
	}
	defer tidbClient.Close()

	if err := tidbClient.Migrate(ctx); err != nil {
		log.Fatal("migration failed", "error", err)
	}
	log.Info("migrations applied", "database", cfg.TiDBDatabase)
}
