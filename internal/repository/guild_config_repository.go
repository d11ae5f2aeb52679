package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/onurcolak/link-relay/internal/domain"
)

// GuildConfigRepository handles database operations for guild settings.
type GuildConfigRepository struct {
	db *sqlx.DB
}

type guildConfigRow struct {
	domain.GuildConfig
	ExcludedDomainsJSON sql.NullString `db:"excluded_domains"`
}

func NewGuildConfigRepository(db *sqlx.DB) *GuildConfigRepository {
	return &GuildConfigRepository{db: db}
}

// Get returns nil, nil for a guild that was never configured.
func (r *GuildConfigRepository) Get(ctx context.Context, guildID string) (*domain.GuildConfig, error) {
	query := `
		SELECT guild_id, account_id, whitelisted_role_id, webhook_url, footer_text, excluded_domains, updated_at
		FROM guild_configs
		WHERE guild_id = ?
	`

	var row guildConfigRow
	if err := r.db.GetContext(ctx, &row, query, guildID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get guild config: %w", err)
	}

	return row.decode()
}

// List returns a page of guild configs ordered by guild id.
func (r *GuildConfigRepository) List(ctx context.Context, page, pageSize int) ([]domain.GuildConfig, int64, error) {
	var totalCount int64
	if err := r.db.GetContext(ctx, &totalCount, "SELECT COUNT(*) FROM guild_configs"); err != nil {
		return nil, 0, fmt.Errorf("failed to count guild configs: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT guild_id, account_id, whitelisted_role_id, webhook_url, footer_text, excluded_domains, updated_at
		FROM guild_configs
		ORDER BY guild_id
		LIMIT ? OFFSET ?
	`

	var rows []guildConfigRow
	if err := r.db.SelectContext(ctx, &rows, query, pageSize, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list guild configs: %w", err)
	}

	configs := make([]domain.GuildConfig, 0, len(rows))
	for _, row := range rows {
		cfg, err := row.decode()
		if err != nil {
			return nil, 0, err
		}
		configs = append(configs, *cfg)
	}

	return configs, totalCount, nil
}

func (row guildConfigRow) decode() (*domain.GuildConfig, error) {
	cfg := row.GuildConfig
	cfg.ExcludedDomains = []string{}
	if row.ExcludedDomainsJSON.Valid && row.ExcludedDomainsJSON.String != "" {
		if err := json.Unmarshal([]byte(row.ExcludedDomainsJSON.String), &cfg.ExcludedDomains); err != nil {
			return nil, fmt.Errorf("failed to decode excluded domains of guild %s: %w", cfg.GuildID, err)
		}
	}
	return &cfg, nil
}

func (r *GuildConfigRepository) SetAccountID(ctx context.Context, guildID, accountID string) error {
	query := `
		INSERT INTO guild_configs (guild_id, account_id) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE account_id = VALUES(account_id), updated_at = CURRENT_TIMESTAMP
	`
	return r.upsert(ctx, "account id", query, guildID, accountID)
}

func (r *GuildConfigRepository) SetWhitelistedRole(ctx context.Context, guildID, roleID string) error {
	query := `
		INSERT INTO guild_configs (guild_id, whitelisted_role_id) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE whitelisted_role_id = VALUES(whitelisted_role_id), updated_at = CURRENT_TIMESTAMP
	`
	return r.upsert(ctx, "whitelisted role", query, guildID, roleID)
}

func (r *GuildConfigRepository) SetWebhookURL(ctx context.Context, guildID, webhookURL string) error {
	query := `
		INSERT INTO guild_configs (guild_id, webhook_url) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE webhook_url = VALUES(webhook_url), updated_at = CURRENT_TIMESTAMP
	`
	return r.upsert(ctx, "webhook url", query, guildID, webhookURL)
}

func (r *GuildConfigRepository) SetFooter(ctx context.Context, guildID, footer string) error {
	query := `
		INSERT INTO guild_configs (guild_id, footer_text) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE footer_text = VALUES(footer_text), updated_at = CURRENT_TIMESTAMP
	`
	return r.upsert(ctx, "footer", query, guildID, footer)
}

func (r *GuildConfigRepository) SetExcludedDomains(ctx context.Context, guildID string, domains []string) error {
	if domains == nil {
		domains = []string{}
	}

	data, err := json.Marshal(domains)
	if err != nil {
		return fmt.Errorf("failed to encode excluded domains: %w", err)
	}

	query := `
		INSERT INTO guild_configs (guild_id, excluded_domains) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE excluded_domains = VALUES(excluded_domains), updated_at = CURRENT_TIMESTAMP
	`
	return r.upsert(ctx, "excluded domains", query, guildID, string(data))
}

func (r *GuildConfigRepository) upsert(ctx context.Context, field, query string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to set %s: %w", field, err)
	}
	return nil
}
