package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/onurcolak/link-relay/internal/dispatch"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/discord"
	"github.com/onurcolak/link-relay/pkg/logger"
)

type webhookPlatform interface {
	CreateWebhook(ctx context.Context, channelID, name string) (domain.WebhookHandle, error)
	GetWebhook(ctx context.Context, webhookID, token string) (domain.WebhookHandle, error)
}

// WebhookStore persists channel webhooks across restarts.
type WebhookStore interface {
	GetByChannel(ctx context.Context, channelID string) (*domain.WebhookHandle, error)
	Save(ctx context.Context, guildID string, handle domain.WebhookHandle) error
	Delete(ctx context.Context, channelID string) error
}

// WebhookTable maps channels to the webhook used to relay into them. Creation
// for a channel is coalesced: simultaneous requests share one create call.
type WebhookTable struct {
	platform   webhookPlatform
	store      WebhookStore
	dispatcher Dispatcher
	name       string

	mu         sync.RWMutex
	handles    map[string]domain.WebhookHandle
	configured map[string]domain.WebhookHandle // guild webhook URL -> resolved handle

	group singleflight.Group
}

// NewWebhookTable creates the table. store may be nil.
func NewWebhookTable(platform webhookPlatform, store WebhookStore, dispatcher Dispatcher, name string) *WebhookTable {
	return &WebhookTable{
		platform:   platform,
		store:      store,
		dispatcher: dispatcher,
		name:       name,
		handles:    make(map[string]domain.WebhookHandle),
		configured: make(map[string]domain.WebhookHandle),
	}
}

// Get returns the webhook for channelID. In order it tries the table, the
// guild's configured webhook when it posts into this channel, the persisted
// handle, an existing webhook of ours found by the probe and finally a newly
// created one. Without webhook permission only the first three apply.
func (t *WebhookTable) Get(
	ctx context.Context,
	cfg *domain.GuildConfig,
	channelID string,
	caps Capabilities,
) (domain.WebhookHandle, error) {
	if handle, ok := t.cached(channelID); ok {
		return handle, nil
	}

	v, err, _ := t.group.Do(channelID, func() (any, error) {
		if handle, ok := t.cached(channelID); ok {
			return handle, nil
		}
		return t.resolve(ctx, cfg, channelID, caps)
	})
	if err != nil {
		return domain.WebhookHandle{}, err
	}

	return v.(domain.WebhookHandle), nil
}

func (t *WebhookTable) resolve(
	ctx context.Context,
	cfg *domain.GuildConfig,
	channelID string,
	caps Capabilities,
) (domain.WebhookHandle, error) {
	if cfg != nil && cfg.WebhookURL != "" {
		handle, err := t.configuredWebhook(ctx, cfg.WebhookURL)
		switch {
		case err != nil:
			logger.Warnf("Configured webhook of guild %s is unusable: %v", cfg.GuildID, err)
		case handle.ChannelID == channelID:
			t.remember(channelID, handle)
			return handle, nil
		}
	}

	if t.store != nil {
		stored, err := t.store.GetByChannel(ctx, channelID)
		if err != nil {
			logger.Warnf("Failed to read stored webhook of channel %s: %v", channelID, err)
		} else if stored != nil {
			t.remember(channelID, *stored)
			return *stored, nil
		}
	}

	if !caps.CanManageWebhooks {
		return domain.WebhookHandle{}, domain.ErrMissingPermission
	}

	for _, existing := range caps.Webhooks {
		if existing.Name == t.name && existing.Token != "" {
			existing.ChannelID = channelID
			t.persist(ctx, cfg, existing)
			t.remember(channelID, existing)
			return existing, nil
		}
	}

	var created domain.WebhookHandle
	err := t.dispatcher.Do(ctx, dispatch.DestWebhookAdmin, func(ctx context.Context) error {
		var err error
		created, err = t.platform.CreateWebhook(ctx, channelID, t.name)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return domain.WebhookHandle{}, fmt.Errorf("%w: %v", domain.ErrMissingPermission, err)
		}
		return domain.WebhookHandle{}, fmt.Errorf("failed to create webhook: %w", err)
	}
	if created.ChannelID == "" {
		created.ChannelID = channelID
	}

	t.persist(ctx, cfg, created)
	t.remember(channelID, created)

	return created, nil
}

func (t *WebhookTable) configuredWebhook(ctx context.Context, webhookURL string) (domain.WebhookHandle, error) {
	t.mu.RLock()
	handle, ok := t.configured[webhookURL]
	t.mu.RUnlock()
	if ok {
		return handle, nil
	}

	id, token, err := discord.ParseWebhookURL(webhookURL)
	if err != nil {
		return domain.WebhookHandle{}, err
	}

	err = t.dispatcher.Do(ctx, dispatch.DestWebhookAdmin, func(ctx context.Context) error {
		var err error
		handle, err = t.platform.GetWebhook(ctx, id, token)
		return err
	})
	if err != nil {
		return domain.WebhookHandle{}, err
	}

	t.mu.Lock()
	t.configured[webhookURL] = handle
	t.mu.Unlock()

	return handle, nil
}

// Evict forgets handle for channelID after the platform reported it gone.
func (t *WebhookTable) Evict(ctx context.Context, channelID string, handle domain.WebhookHandle) {
	t.mu.Lock()
	if current, ok := t.handles[channelID]; ok && current.WebhookID == handle.WebhookID {
		delete(t.handles, channelID)
	}
	for url, h := range t.configured {
		if h.WebhookID == handle.WebhookID {
			delete(t.configured, url)
		}
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Delete(ctx, channelID); err != nil {
			logger.Warnf("Failed to delete stale webhook of channel %s: %v", channelID, err)
		}
	}

	logger.Warnf("Evicted stale webhook %s of channel %s", handle.WebhookID, channelID)
}

// ForgetConfigured drops the resolved guild webhook after an admin change.
func (t *WebhookTable) ForgetConfigured(webhookURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle, ok := t.configured[webhookURL]
	if !ok {
		return
	}
	delete(t.configured, webhookURL)

	for channelID, h := range t.handles {
		if h.WebhookID == handle.WebhookID {
			delete(t.handles, channelID)
		}
	}
}

func (t *WebhookTable) cached(channelID string) (domain.WebhookHandle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	handle, ok := t.handles[channelID]
	return handle, ok
}

func (t *WebhookTable) remember(channelID string, handle domain.WebhookHandle) {
	t.mu.Lock()
	t.handles[channelID] = handle
	t.mu.Unlock()
}

func (t *WebhookTable) persist(ctx context.Context, cfg *domain.GuildConfig, handle domain.WebhookHandle) {
	if t.store == nil {
		return
	}

	guildID := ""
	if cfg != nil {
		guildID = cfg.GuildID
	}

	if err := t.store.Save(ctx, guildID, handle); err != nil {
		logger.Warnf("Failed to persist webhook of channel %s: %v", handle.ChannelID, err)
	}
}
