package main

import (
	"log"
	"os"

	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/database"
	"github.com/frostdev-ops/pma-cache-engine/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate <up|down|version> [config-file]")
	}

	command := os.Args[1]
	configPath := ""
	if len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr := logger.New(logger.Options{Level: cfg.Logging.Level, Format: "text"})

	// migrations are driven explicitly here
	cfg.Database.Migration.AutoMigrate = false
	db, err := database.Initialize(cfg.Database, logr.Logger)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		if err := database.Migrate(db.DB, logr.Logger); err != nil {
			log.Fatalf("An error occurred while migrating up: %v", err)
		}
		log.Println("Migrations applied successfully.")
	case "down":
		if err := database.MigrateDown(db.DB); err != nil {
			log.Fatalf("An error occurred while migrating down: %v", err)
		}
		log.Println("Migrations rolled back successfully.")
	case "version":
		version, dirty, err := database.MigrationVersion(db.DB)
		if err != nil {
			log.Fatalf("Failed to read migration version: %v", err)
		}
		log.Printf("Schema version %d (dirty: %t)", version, dirty)
	default:
		log.Fatalf("Unknown command: %s. Use `up`, `down` or `version`.", command)
	}
}
