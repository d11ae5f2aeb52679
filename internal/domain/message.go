package domain

import (
	"fmt"
	"strings"
	"time"
)

// Message is an immutable snapshot of a chat message as it arrived.
// AuthorRoleIDs is captured at arrival and stays authoritative for the whole
// pipeline run, even if the member's roles change meanwhile.
type Message struct {
	ID              string       `json:"id" validate:"required"`
	GuildID         string       `json:"guildId"`
	ChannelID       string       `json:"channelId" validate:"required"`
	AuthorID        string       `json:"authorId" validate:"required"`
	AuthorName      string       `json:"authorName" validate:"required"`
	AuthorAvatarURL string       `json:"authorAvatarUrl,omitempty"`
	AuthorIsBot     bool         `json:"authorIsBot"`
	WebhookID       string       `json:"webhookId,omitempty"`
	AuthorRoleIDs   []string     `json:"authorRoleIds"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty" validate:"dive"`
	ReceivedAt      time.Time    `json:"receivedAt"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename" validate:"required"`
	URL         string `json:"url" validate:"required,url"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
}

// URLSpan is a URL found in a message, addressed by byte offsets into Content.
type URLSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	URL   string `json:"url"`
}

type SpanDecision string

const (
	DecisionExemptMessage SpanDecision = "exempt_message"
	DecisionPassThrough   SpanDecision = "pass_through"
	DecisionEligible      SpanDecision = "eligible"
)

type ClassifiedSpan struct {
	Span     URLSpan
	Decision SpanDecision
	Reason   string
}

// Replacement swaps the text of Span for With.
type Replacement struct {
	Span URLSpan
	With string
}

type CacheEntry struct {
	OriginalURL  string    `json:"originalUrl"`
	AffiliateURL string    `json:"affiliateUrl"`
	AccountID    string    `json:"accountId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// GuildConfig is a read-only snapshot of a guild's relay settings.
type GuildConfig struct {
	GuildID           string    `db:"guild_id" json:"guildId"`
	AccountID         string    `db:"account_id" json:"accountId"`
	WhitelistedRoleID string    `db:"whitelisted_role_id" json:"whitelistedRoleId,omitempty"`
	WebhookURL        string    `db:"webhook_url" json:"webhookUrl,omitempty"`
	FooterText        string    `db:"footer_text" json:"footerText,omitempty"`
	ExcludedDomains   []string  `db:"-" json:"excludedDomains"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

func (c *GuildConfig) HasAccount() bool {
	return c != nil && strings.TrimSpace(c.AccountID) != ""
}

type WebhookHandle struct {
	ChannelID string `db:"channel_id" json:"channelId"`
	WebhookID string `db:"webhook_id" json:"webhookId"`
	Name      string `db:"name" json:"name"`
	Token     string `db:"token" json:"-"`
}

func (h WebhookHandle) EndpointURL(apiBase string) string {
	return fmt.Sprintf("%s/webhooks/%s/%s", strings.TrimRight(apiBase, "/"), h.WebhookID, h.Token)
}

type Outcome string

const (
	OutcomeIgnored      Outcome = "ignored"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnconfigured Outcome = "unconfigured"
	OutcomeHalted       Outcome = "halted"
	OutcomeExempt       Outcome = "exempt"
	OutcomeNoLinks      Outcome = "no_links"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeRelayed      Outcome = "relayed"
	OutcomeConfigError  Outcome = "config_error"
	OutcomeRelayFailed  Outcome = "relay_failed"
	OutcomeAbandoned    Outcome = "abandoned"
	OutcomeFailed       Outcome = "failed"
)

type RelayStrategy string

const (
	StrategyEdit    RelayStrategy = "edit"
	StrategyWebhook RelayStrategy = "webhook"
	StrategyReplace RelayStrategy = "replace"
)

type RelayResult struct {
	Strategy     RelayStrategy `json:"strategy"`
	NewMessageID string        `json:"newMessageId,omitempty"`
}
