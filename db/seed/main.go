// Command seed creates the relay schema and inserts demo guild configs.
package main

import (
	"github.com/joho/godotenv"

	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/pkg/database"
	"github.com/onurcolak/link-relay/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	logger.Init(environments.GetEnv("LOG_LEVEL", "info"))

	cfg := environments.Load()

	db, err := database.NewMySQLDB(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database %s: %v", cfg.Database.DBName, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("Failed to close database: %v", err)
		}
	}()

	if err := database.RunMigrations(db); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	if err := database.SeedTestData(db); err != nil {
		logger.Fatalf("Failed to seed guild configs: %v", err)
	}

	logger.Infof("Seed completed for database %s", cfg.Database.DBName)
}
