package database

import (
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/pkg/logger"
)

func NewMySQLDB(cfg environments.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName,
	)

	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Infof("Connected to MySQL database")
	return db, nil
}

func RunMigrations(db *sqlx.DB) error {
	schemas := []string{`
	CREATE TABLE IF NOT EXISTS guild_configs (
		guild_id VARCHAR(32) NOT NULL PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL DEFAULT '',
		whitelisted_role_id VARCHAR(32) NOT NULL DEFAULT '',
		webhook_url VARCHAR(512) NOT NULL DEFAULT '',
		footer_text VARCHAR(512) NOT NULL DEFAULT '',
		excluded_domains TEXT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
	`, `
	CREATE TABLE IF NOT EXISTS channel_webhooks (
		channel_id VARCHAR(32) NOT NULL PRIMARY KEY,
		guild_id VARCHAR(32) NOT NULL,
		webhook_id VARCHAR(32) NOT NULL,
		name VARCHAR(80) NOT NULL DEFAULT '',
		token VARCHAR(128) NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_channel_webhooks_guild_id (guild_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
	`}

	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	logger.Infof("Database migrations completed")

	return nil
}

// SeedTestData inserts a demo guild so a local stack can relay messages
// without any admin call.
func SeedTestData(db *sqlx.DB) error {
	var count int

	err := db.Get(&count, "SELECT COUNT(*) FROM guild_configs")
	if err != nil {
		return err
	}

	if count > 0 {
		logger.Infof("Database already has %d guild configs, skipping seed", count)
		return nil
	}

	testGuilds := []struct {
		guildID   string
		accountID string
		roleID    string
		excluded  string
	}{
		{"100000000000000001", "12345", "200000000000000001", `["github.com"]`},
		{"100000000000000002", "", "", `[]`},
	}

	for _, g := range testGuilds {
		_, err := db.Exec(
			"INSERT INTO guild_configs (guild_id, account_id, whitelisted_role_id, excluded_domains) VALUES (?, ?, ?, ?)",
			g.guildID, g.accountID, g.roleID, g.excluded,
		)
		if err != nil {
			return fmt.Errorf("failed to seed test data: %w", err)
		}
	}

	logger.Infof("Seeded %d test guild configs", len(testGuilds))
	return nil
}
