package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/onurcolak/link-relay/internal/domain"
)

// WebhookRepository persists the relay webhook of each channel so restarts
// reuse it instead of creating another one.
type WebhookRepository struct {
	db *sqlx.DB
}

func NewWebhookRepository(db *sqlx.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// GetByChannel returns nil, nil when the channel has no stored webhook.
func (r *WebhookRepository) GetByChannel(ctx context.Context, channelID string) (*domain.WebhookHandle, error) {
	query := `
		SELECT channel_id, webhook_id, name, token
		FROM channel_webhooks
		WHERE channel_id = ?
	`

	var handle domain.WebhookHandle
	if err := r.db.GetContext(ctx, &handle, query, channelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get channel webhook: %w", err)
	}

	return &handle, nil
}

func (r *WebhookRepository) Save(ctx context.Context, guildID string, handle domain.WebhookHandle) error {
	query := `
		INSERT INTO channel_webhooks (channel_id, guild_id, webhook_id, name, token) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE webhook_id = VALUES(webhook_id), name = VALUES(name), token = VALUES(token)
	`

	if _, err := r.db.ExecContext(ctx, query, handle.ChannelID, guildID, handle.WebhookID, handle.Name, handle.Token); err != nil {
		return fmt.Errorf("failed to save channel webhook: %w", err)
	}

	return nil
}

func (r *WebhookRepository) Delete(ctx context.Context, channelID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM channel_webhooks WHERE channel_id = ?", channelID); err != nil {
		return fmt.Errorf("failed to delete channel webhook: %w", err)
	}
	return nil
}
