// Package notify reports pipeline failures to operators: every failure is
// logged and counted, and alerts are posted to an optional webhook.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/pkg/logger"
)

const (
	KindConfigError      = "config_error"
	KindRecoverableError = "recoverable_error"

	// At most one recoverable alert per guild in this window.
	recoverableAlertInterval = time.Minute
)

type Recorder interface {
	RecordNotification(kind string)
}

type Notifier struct {
	httpClient *resty.Client
	alertURL   string
	recorder   Recorder
	now        func() time.Time

	mu              sync.Mutex
	configNotified  map[string]time.Time
	lastRecoverable map[string]time.Time
	lastAlertSentAt time.Time
	alertsSent      int64

	wg sync.WaitGroup
}

type Status struct {
	HaltedGuilds    []string  `json:"haltedGuilds"`
	AlertsSent      int64     `json:"alertsSent"`
	LastAlertSentAt time.Time `json:"lastAlertSentAt,omitempty"`
}

type alertPayload struct {
	Alert     string `json:"alert"`
	GuildID   string `json:"guildId"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewNotifier creates a notifier. Alerts are only posted when
// cfg.WebhookURL is set. recorder may be nil.
func NewNotifier(cfg environments.AlertConfig, recorder Recorder) *Notifier {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json")

	return &Notifier{
		httpClient:      client,
		alertURL:        cfg.WebhookURL,
		recorder:        recorder,
		now:             time.Now,
		configNotified:  make(map[string]time.Time),
		lastRecoverable: make(map[string]time.Time),
	}
}

// ConfigError signals an error an operator must fix. It is reported once per
// guild until Reset is called and returns whether this call reported it.
func (n *Notifier) ConfigError(ctx context.Context, guildID string, err error) bool {
	n.mu.Lock()
	if _, done := n.configNotified[guildID]; done {
		n.mu.Unlock()
		logger.Debugf("Configuration error of guild %s already reported: %v", guildID, err)
		return false
	}
	n.configNotified[guildID] = n.now()
	n.mu.Unlock()

	logger.Errorf("Guild %s halted on configuration error: %v", guildID, err)
	n.record(KindConfigError)

	n.alert(ctx, alertPayload{
		Alert:   KindConfigError,
		GuildID: guildID,
		Error:   err.Error(),
		Message: fmt.Sprintf("Link relay halted for guild %s until its configuration is fixed", guildID),
	})

	return true
}

// RecoverableError signals a failure that left one message or link as it was.
func (n *Notifier) RecoverableError(ctx context.Context, guildID, messageID string, err error) {
	logger.Warnf("Guild %s message %s left unchanged: %v", guildID, messageID, err)
	n.record(KindRecoverableError)

	n.mu.Lock()
	last, seen := n.lastRecoverable[guildID]
	now := n.now()
	throttled := seen && now.Sub(last) < recoverableAlertInterval
	if !throttled {
		n.lastRecoverable[guildID] = now
	}
	n.mu.Unlock()

	if throttled {
		return
	}

	n.alert(ctx, alertPayload{
		Alert:     KindRecoverableError,
		GuildID:   guildID,
		MessageID: messageID,
		Error:     err.Error(),
		Message:   fmt.Sprintf("Message %s in guild %s was left unchanged", messageID, guildID),
	})
}

// Reset re-arms the configuration error report of guildID.
func (n *Notifier) Reset(guildID string) {
	n.mu.Lock()
	delete(n.configNotified, guildID)
	n.mu.Unlock()
}

func (n *Notifier) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	halted := make([]string, 0, len(n.configNotified))
	for guildID := range n.configNotified {
		halted = append(halted, guildID)
	}

	return Status{
		HaltedGuilds:    halted,
		AlertsSent:      n.alertsSent,
		LastAlertSentAt: n.lastAlertSentAt,
	}
}

// Wait blocks until pending alerts are sent or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) alert(ctx context.Context, payload alertPayload) {
	if n.alertURL == "" {
		return
	}

	payload.Timestamp = n.now().Format(time.RFC3339)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sendAlert(context.WithoutCancel(ctx), payload)
	}()
}

func (n *Notifier) sendAlert(ctx context.Context, payload alertPayload) {
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(n.alertURL)
	if err != nil {
		logger.Errorf("Failed to send alert to webhook: %v", err)
		return
	}

	if resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusNoContent {
		n.mu.Lock()
		n.lastAlertSentAt = time.Now()
		n.alertsSent++
		n.mu.Unlock()
		logger.Infof("Alert %s sent for guild %s", payload.Alert, payload.GuildID)
	} else {
		logger.Warnf("Alert webhook returned status %d", resp.StatusCode())
	}
}

func (n *Notifier) record(kind string) {
	if n.recorder != nil {
		n.recorder.RecordNotification(kind)
	}
}
