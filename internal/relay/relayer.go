// Package relay replaces an original chat message with its rewritten form.
//
// Edit in place is used when the bot may edit other authors' messages.
// Otherwise the rewritten text is posted through a channel webhook under the
// author's name and avatar, and only then is the original deleted. If the
// delete fails while the original is still present, the repost is removed
// again. A repost is never removed unless the original is confirmed present.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/onurcolak/link-relay/internal/dispatch"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/discord"
	"github.com/onurcolak/link-relay/pkg/logger"
)

const (
	MaxContentLength = 2000
	capabilityTTL    = 10 * time.Minute
)

var ErrContentTooLong = errors.New("rewritten message exceeds the platform length limit")

// Platform is the subset of the chat platform API the relay uses.
type Platform interface {
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	MessageExists(ctx context.Context, channelID, messageID string) (bool, error)
	CreateWebhook(ctx context.Context, channelID, name string) (domain.WebhookHandle, error)
	ListWebhooks(ctx context.Context, channelID string) ([]domain.WebhookHandle, error)
	GetWebhook(ctx context.Context, webhookID, token string) (domain.WebhookHandle, error)
	ExecuteWebhook(ctx context.Context, handle domain.WebhookHandle, msg discord.WebhookMessage) (string, error)
	DeleteWebhookMessage(ctx context.Context, handle domain.WebhookHandle, messageID string) error
	DownloadAttachment(ctx context.Context, att domain.Attachment) (discord.File, error)
}

// Replacer is implemented by platforms that can swap a message's content
// atomically. When available it is preferred over post-then-delete.
type Replacer interface {
	ReplaceMessage(ctx context.Context, msg domain.Message, content string) (string, error)
}

// Dispatcher throttles calls per destination. Implemented by dispatch.Limiter.
type Dispatcher interface {
	Do(ctx context.Context, dest string, fn func(ctx context.Context) error) error
}

type Recorder interface {
	RecordRelay(strategy, result string)
}

// Capabilities of the bot in one channel.
type Capabilities struct {
	CanEditOthers     bool
	CanManageWebhooks bool
	Webhooks          []domain.WebhookHandle
}

type Options struct {
	CanEditOthers bool
	WebhookName   string
}

type probedCapabilities struct {
	caps      Capabilities
	expiresAt time.Time
}

type Relayer struct {
	platform   Platform
	dispatcher Dispatcher
	webhooks   *WebhookTable
	recorder   Recorder
	opts       Options

	mu   sync.RWMutex
	caps map[string]probedCapabilities
}

// NewRelayer wires the relay. store and recorder may be nil.
func NewRelayer(platform Platform, dispatcher Dispatcher, store WebhookStore, recorder Recorder, opts Options) *Relayer {
	return &Relayer{
		platform:   platform,
		dispatcher: dispatcher,
		webhooks:   NewWebhookTable(platform, store, dispatcher, opts.WebhookName),
		recorder:   recorder,
		opts:       opts,
		caps:       make(map[string]probedCapabilities),
	}
}

func (r *Relayer) Webhooks() *WebhookTable {
	return r.webhooks
}

// Relay makes content the visible form of msg. On error the original message
// is still in place and unmodified, except when a failed delete leaves its
// state unknown: then the repost is kept and both may be visible.
func (r *Relayer) Relay(ctx context.Context, msg domain.Message, content string, cfg *domain.GuildConfig) (domain.RelayResult, error) {
	if utf8.RuneCountInString(content) > MaxContentLength {
		return domain.RelayResult{}, ErrContentTooLong
	}

	if replacer, ok := r.platform.(Replacer); ok {
		newID, err := replacer.ReplaceMessage(ctx, msg, content)
		r.record(domain.StrategyReplace, err)
		if err != nil {
			return domain.RelayResult{}, fmt.Errorf("replace failed: %w", err)
		}
		return domain.RelayResult{Strategy: domain.StrategyReplace, NewMessageID: newID}, nil
	}

	caps, err := r.Capabilities(ctx, msg.ChannelID)
	if err != nil {
		return domain.RelayResult{}, err
	}

	if caps.CanEditOthers {
		err := r.edit(ctx, msg, content)
		r.record(domain.StrategyEdit, err)
		if err != nil {
			return domain.RelayResult{}, err
		}
		return domain.RelayResult{Strategy: domain.StrategyEdit, NewMessageID: msg.ID}, nil
	}

	newID, err := r.repost(ctx, msg, content, cfg, caps)
	r.record(domain.StrategyWebhook, err)
	if err != nil {
		return domain.RelayResult{}, err
	}

	return domain.RelayResult{Strategy: domain.StrategyWebhook, NewMessageID: newID}, nil
}

// Capabilities probes the bot's permissions in channelID once and caches the
// answer for a while.
func (r *Relayer) Capabilities(ctx context.Context, channelID string) (Capabilities, error) {
	r.mu.RLock()
	probed, ok := r.caps[channelID]
	r.mu.RUnlock()

	if ok && time.Now().Before(probed.expiresAt) {
		return probed.caps, nil
	}

	caps := Capabilities{CanEditOthers: r.opts.CanEditOthers}

	if !caps.CanEditOthers {
		var hooks []domain.WebhookHandle
		err := r.dispatcher.Do(ctx, dispatch.DestWebhookAdmin, func(ctx context.Context) error {
			var err error
			hooks, err = r.platform.ListWebhooks(ctx, channelID)
			return err
		})

		switch {
		case err == nil:
			caps.CanManageWebhooks = true
			caps.Webhooks = hooks
		case errors.Is(err, domain.ErrPermissionDenied):
			logger.Warnf("No webhook permission in channel %s", channelID)
		default:
			return Capabilities{}, fmt.Errorf("capability probe failed: %w", err)
		}
	}

	r.mu.Lock()
	r.caps[channelID] = probedCapabilities{caps: caps, expiresAt: time.Now().Add(capabilityTTL)}
	r.mu.Unlock()

	return caps, nil
}

// ForgetChannel drops the cached capabilities of channelID.
func (r *Relayer) ForgetChannel(channelID string) {
	r.mu.Lock()
	delete(r.caps, channelID)
	r.mu.Unlock()
}

func (r *Relayer) edit(ctx context.Context, msg domain.Message, content string) error {
	err := r.dispatcher.Do(ctx, dispatch.DestEdit, func(ctx context.Context) error {
		return r.platform.EditMessage(ctx, msg.ChannelID, msg.ID, content)
	})
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return fmt.Errorf("%w: %v", domain.ErrMissingPermission, err)
		}
		return fmt.Errorf("edit failed: %w", err)
	}
	return nil
}

func (r *Relayer) repost(
	ctx context.Context,
	msg domain.Message,
	content string,
	cfg *domain.GuildConfig,
	caps Capabilities,
) (string, error) {
	handle, err := r.webhooks.Get(ctx, cfg, msg.ChannelID, caps)
	if err != nil {
		return "", err
	}

	files, err := r.downloadAttachments(ctx, msg.Attachments)
	if err != nil {
		return "", err
	}

	post := discord.WebhookMessage{
		Content:   content,
		Username:  msg.AuthorName,
		AvatarURL: msg.AuthorAvatarURL,
		Files:     files,
	}

	newID, err := r.post(ctx, handle, post)
	if errors.Is(err, domain.ErrNotFound) {
		r.webhooks.Evict(ctx, msg.ChannelID, handle)
		r.ForgetChannel(msg.ChannelID)

		if caps, err = r.Capabilities(ctx, msg.ChannelID); err != nil {
			return "", err
		}
		if handle, err = r.webhooks.Get(ctx, cfg, msg.ChannelID, caps); err != nil {
			return "", err
		}
		newID, err = r.post(ctx, handle, post)
	}
	if err != nil {
		return "", fmt.Errorf("webhook post failed: %w", err)
	}

	err = r.dispatcher.Do(ctx, dispatch.DestDelete, func(ctx context.Context) error {
		return r.platform.DeleteMessage(ctx, msg.ChannelID, msg.ID)
	})
	if err == nil {
		return newID, nil
	}

	if !errors.Is(err, domain.ErrPermissionDenied) {
		// A delete reported as failed may still have been applied.
		var exists bool
		checkErr := r.dispatcher.Do(ctx, dispatch.DestDelete, func(ctx context.Context) error {
			var err error
			exists, err = r.platform.MessageExists(ctx, msg.ChannelID, msg.ID)
			return err
		})
		if checkErr != nil {
			logger.Errorf("Message %s may be duplicated: keeping repost %s, original state unknown: %v", msg.ID, newID, checkErr)
			return "", fmt.Errorf("delete of original failed, repost %s kept: %w", newID, err)
		}
		if !exists {
			logger.Warnf("Original message %s is gone after a failed delete, keeping repost %s: %v", msg.ID, newID, err)
			return newID, nil
		}
	}

	rollbackErr := r.dispatcher.Do(ctx, dispatch.DestWebhook, func(ctx context.Context) error {
		return r.platform.DeleteWebhookMessage(ctx, handle, newID)
	})
	if rollbackErr != nil && !errors.Is(rollbackErr, domain.ErrNotFound) {
		logger.Errorf("Message %s is duplicated: repost %s could not be removed: %v", msg.ID, newID, rollbackErr)
	}

	if errors.Is(err, domain.ErrPermissionDenied) {
		return "", fmt.Errorf("%w: cannot delete original message: %v", domain.ErrMissingPermission, err)
	}
	return "", fmt.Errorf("delete of original failed, repost rolled back: %w", err)
}

func (r *Relayer) post(ctx context.Context, handle domain.WebhookHandle, msg discord.WebhookMessage) (string, error) {
	var newID string
	err := r.dispatcher.Do(ctx, dispatch.DestWebhook, func(ctx context.Context) error {
		var err error
		newID, err = r.platform.ExecuteWebhook(ctx, handle, msg)
		return err
	})
	return newID, err
}

func (r *Relayer) downloadAttachments(ctx context.Context, attachments []domain.Attachment) ([]discord.File, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	files := make([]discord.File, 0, len(attachments))
	for _, att := range attachments {
		f, err := r.platform.DownloadAttachment(ctx, att)
		if err != nil {
			return nil, fmt.Errorf("failed to carry attachment %s: %w", att.Filename, err)
		}
		files = append(files, f)
	}
	return files, nil
}

func (r *Relayer) record(strategy domain.RelayStrategy, err error) {
	if r.recorder == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.recorder.RecordRelay(string(strategy), result)
}
