// Package discord is a minimal REST client for the chat platform calls the
// relay needs: message edit/delete and webhook management/execution.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/logger"
)

var (
	ErrAttachmentTooLarge = errors.New("attachment exceeds upload limit")
	ErrInvalidWebhookURL  = errors.New("invalid webhook url")
)

type Client struct {
	httpClient    *resty.Client
	cdnClient     *resty.Client
	apiBase       string
	maxUploadSize int64
}

// File is an attachment re-uploaded with a webhook message.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type WebhookMessage struct {
	Content   string
	Username  string
	AvatarURL string
	Files     []File
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type attachmentRef struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

type executePayload struct {
	Content         string          `json:"content"`
	Username        string          `json:"username,omitempty"`
	AvatarURL       string          `json:"avatar_url,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
	Attachments     []attachmentRef `json:"attachments,omitempty"`
}

type editPayload struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type webhookResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Token     string `json:"token"`
}

type messageResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// NewClient builds the platform client. hooks run before every attempt of
// every API request, retries included.
func NewClient(cfg environments.DiscordConfig, hooks ...resty.RequestMiddleware) *Client {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Authorization", "Bot "+cfg.BotToken).
		SetHeader("Accept", "application/json").
		SetRetryResetReaders(true).
		AddRetryCondition(shouldRetry)

	for _, hook := range hooks {
		client.OnBeforeRequest(hook)
	}

	// Attachments live on the CDN; the bot token is never sent there.
	cdn := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(shouldRetry)

	return &Client{
		httpClient:    client,
		cdnClient:     cdn,
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		maxUploadSize: cfg.MaxUploadSize,
	}
}

func (c *Client) APIBase() string {
	return c.apiBase
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	var apiErr apiError

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(editPayload{Content: content, AllowedMentions: allowedMentions{Parse: []string{}}}).
		SetError(&apiErr).
		Patch(fmt.Sprintf("%s/channels/%s/messages/%s", c.apiBase, channelID, messageID))

	return c.check(ctx, "edit message", resp, err, &apiErr)
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	var apiErr apiError

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetError(&apiErr).
		Delete(fmt.Sprintf("%s/channels/%s/messages/%s", c.apiBase, channelID, messageID))

	return c.check(ctx, "delete message", resp, err, &apiErr)
}

// MessageExists reports whether the message is still in the channel.
func (c *Client) MessageExists(ctx context.Context, channelID, messageID string) (bool, error) {
	var apiErr apiError

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetError(&apiErr).
		Get(fmt.Sprintf("%s/channels/%s/messages/%s", c.apiBase, channelID, messageID))

	err = c.check(ctx, "get message", resp, err, &apiErr)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name string) (domain.WebhookHandle, error) {
	var result webhookResponse
	var apiErr apiError

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"name": name}).
		SetResult(&result).
		SetError(&apiErr).
		Post(fmt.Sprintf("%s/channels/%s/webhooks", c.apiBase, channelID))

	if err := c.check(ctx, "create webhook", resp, err, &apiErr); err != nil {
		return domain.WebhookHandle{}, err
	}

	logger.Infof("Created webhook %s in channel %s", result.ID, channelID)
	return result.handle(), nil
}

// ListWebhooks returns the channel's webhooks that carry a token, i.e. the
// ones this bot can execute.
func (c *Client) ListWebhooks(ctx context.Context, channelID string) ([]domain.WebhookHandle, error) {
	var result []webhookResponse
	var apiErr apiError

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&apiErr).
		Get(fmt.Sprintf("%s/channels/%s/webhooks", c.apiBase, channelID))

	if err := c.check(ctx, "list webhooks", resp, err, &apiErr); err != nil {
		return nil, err
	}

	handles := make([]domain.WebhookHandle, 0, len(result))
	for _, w := range result {
		if w.Token == "" {
			continue
		}
		handles = append(handles, w.handle())
	}
	return handles, nil
}

// GetWebhook resolves a webhook from its id and token, learning its channel.
func (c *Client) GetWebhook(ctx context.Context, webhookID, token string) (domain.WebhookHandle, error) {
	var result webhookResponse
	var apiErr apiError

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&apiErr).
		Get(fmt.Sprintf("%s/webhooks/%s/%s", c.apiBase, webhookID, token))

	if err := c.check(ctx, "get webhook", resp, err, &apiErr); err != nil {
		return domain.WebhookHandle{}, err
	}

	handle := result.handle()
	if handle.Token == "" {
		handle.Token = token
	}
	return handle, nil
}

// ExecuteWebhook posts msg through the webhook and waits for the created
// message id. Mentions are never parsed.
func (c *Client) ExecuteWebhook(ctx context.Context, handle domain.WebhookHandle, msg WebhookMessage) (string, error) {
	payload := executePayload{
		Content:         msg.Content,
		Username:        msg.Username,
		AvatarURL:       msg.AvatarURL,
		AllowedMentions: allowedMentions{Parse: []string{}},
	}

	var result messageResponse
	var apiErr apiError

	req := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("wait", "true").
		SetResult(&result).
		SetError(&apiErr)

	if len(msg.Files) == 0 {
		req.SetBody(payload)
	} else {
		for i, f := range msg.Files {
			payload.Attachments = append(payload.Attachments, attachmentRef{ID: i, Filename: f.Name})
		}

		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to encode webhook payload: %w", err)
		}

		req.SetMultipartFormData(map[string]string{"payload_json": string(payloadJSON)})
		for i, f := range msg.Files {
			req.SetMultipartField(fmt.Sprintf("files[%d]", i), f.Name, f.ContentType, bytes.NewReader(f.Data))
		}
	}

	resp, err := req.Post(handle.EndpointURL(c.apiBase))
	if err := c.check(ctx, "execute webhook", resp, err, &apiErr); err != nil {
		return "", err
	}

	return result.ID, nil
}

func (c *Client) DeleteWebhookMessage(ctx context.Context, handle domain.WebhookHandle, messageID string) error {
	var apiErr apiError

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetError(&apiErr).
		Delete(handle.EndpointURL(c.apiBase) + "/messages/" + messageID)

	return c.check(ctx, "delete webhook message", resp, err, &apiErr)
}

// DownloadAttachment fetches an attachment so it can be re-uploaded.
func (c *Client) DownloadAttachment(ctx context.Context, att domain.Attachment) (File, error) {
	if c.maxUploadSize > 0 && att.Size > c.maxUploadSize {
		return File{}, fmt.Errorf("%w: %s is %d bytes", ErrAttachmentTooLarge, att.Filename, att.Size)
	}

	resp, err := c.cdnClient.R().
		SetContext(ctx).
		Get(att.URL)

	if err := c.check(ctx, "download attachment", resp, err, nil); err != nil {
		return File{}, err
	}

	data := resp.Body()
	if c.maxUploadSize > 0 && int64(len(data)) > c.maxUploadSize {
		return File{}, fmt.Errorf("%w: %s is %d bytes", ErrAttachmentTooLarge, att.Filename, len(data))
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = resp.Header().Get("Content-Type")
	}

	return File{Name: att.Filename, ContentType: contentType, Data: data}, nil
}

func (c *Client) check(ctx context.Context, op string, resp *resty.Response, err error, apiErr *apiError) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, domain.ErrShuttingDown) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrTransient, op, err)
	}

	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}

	message := resp.String()
	if apiErr != nil && apiErr.Message != "" {
		message = apiErr.Message
	}

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", domain.ErrPermissionDenied, op, message)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", domain.ErrNotFound, op, message)
	case code == http.StatusTooManyRequests:
		var bodySeconds float64
		if apiErr != nil {
			bodySeconds = apiErr.RetryAfter
		}
		return &domain.RateLimitError{Destination: op, RetryAfter: retryAfter(resp, bodySeconds)}
	case code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: status %d", domain.ErrTransient, op, code)
	default:
		return fmt.Errorf("%s: unexpected status code %d: %s", op, code, message)
	}
}

func (w webhookResponse) handle() domain.WebhookHandle {
	return domain.WebhookHandle{
		ChannelID: w.ChannelID,
		WebhookID: w.ID,
		Name:      w.Name,
		Token:     w.Token,
	}
}

// ParseWebhookURL extracts id and token from
// https://discord.com/api/webhooks/{id}/{token}.
func ParseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", "", ErrInvalidWebhookURL
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "webhooks" {
			continue
		}
		id, token := parts[i+1], parts[i+2]
		if _, err := strconv.ParseUint(id, 10, 64); err != nil || token == "" {
			return "", "", ErrInvalidWebhookURL
		}
		return id, token, nil
	}
	return "", "", ErrInvalidWebhookURL
}

// shouldRetry retries server errors and failed attempts, including attempts
// cut off by the client timeout. It stops once the caller's context is done.
func shouldRetry(r *resty.Response, err error) bool {
	if err != nil {
		if errors.Is(err, domain.ErrShuttingDown) {
			return false
		}
		if r != nil && r.Request != nil {
			return r.Request.Context().Err() == nil
		}
		return !errors.Is(err, context.Canceled)
	}
	return r != nil && r.StatusCode() >= http.StatusInternalServerError
}

// retryAfter reads the cooldown in seconds from the Retry-After header or
// the retry_after body field.
func retryAfter(resp *resty.Response, bodySeconds float64) time.Duration {
	if bodySeconds > 0 {
		return time.Duration(bodySeconds * float64(time.Second))
	}
	if header := resp.Header().Get("Retry-After"); header != "" {
		if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return 0
}
