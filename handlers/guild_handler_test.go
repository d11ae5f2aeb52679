package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/link-relay/internal/dispatch"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/response"
	validatorpkg "github.com/onurcolak/link-relay/pkg/validator"
)

type fakeGuildStore struct {
	configs map[string]*domain.GuildConfig
}

func newFakeGuildStore() *fakeGuildStore {
	return &fakeGuildStore{configs: map[string]*domain.GuildConfig{}}
}

func (f *fakeGuildStore) config(guildID string) *domain.GuildConfig {
	cfg, ok := f.configs[guildID]
	if !ok {
		cfg = &domain.GuildConfig{GuildID: guildID, ExcludedDomains: []string{}}
		f.configs[guildID] = cfg
	}
	return cfg
}

func (f *fakeGuildStore) Get(ctx context.Context, guildID string) (*domain.GuildConfig, error) {
	cfg, ok := f.configs[guildID]
	if !ok {
		return nil, nil
	}
	copied := *cfg
	return &copied, nil
}

func (f *fakeGuildStore) List(ctx context.Context, page, pageSize int) ([]domain.GuildConfig, int64, error) {
	var out []domain.GuildConfig
	for _, cfg := range f.configs {
		out = append(out, *cfg)
	}
	return out, int64(len(out)), nil
}

func (f *fakeGuildStore) SetAccountID(ctx context.Context, guildID, accountID string) error {
	f.config(guildID).AccountID = accountID
	return nil
}

func (f *fakeGuildStore) SetWhitelistedRole(ctx context.Context, guildID, roleID string) error {
	f.config(guildID).WhitelistedRoleID = roleID
	return nil
}

func (f *fakeGuildStore) SetWebhookURL(ctx context.Context, guildID, webhookURL string) error {
	f.config(guildID).WebhookURL = webhookURL
	return nil
}

func (f *fakeGuildStore) SetFooter(ctx context.Context, guildID, footer string) error {
	f.config(guildID).FooterText = footer
	return nil
}

func (f *fakeGuildStore) SetExcludedDomains(ctx context.Context, guildID string, domains []string) error {
	f.config(guildID).ExcludedDomains = domains
	return nil
}

type fakeWebhookResolver struct {
	err          error
	destinations []string
}

func (f *fakeWebhookResolver) GetWebhook(ctx context.Context, webhookID, token string) (domain.WebhookHandle, error) {
	dest, _ := dispatch.DestinationFrom(ctx)
	f.destinations = append(f.destinations, dest)
	if f.err != nil {
		return domain.WebhookHandle{}, f.err
	}
	return domain.WebhookHandle{WebhookID: webhookID, Token: token}, nil
}

type taggingDispatcher struct{}

func (taggingDispatcher) Do(ctx context.Context, dest string, fn func(ctx context.Context) error) error {
	return fn(dispatch.WithDestination(ctx, dest))
}

type guildFixture struct {
	handler     *GuildHandler
	store       *fakeGuildStore
	webhooks    *fakeWebhookResolver
	invalidated []string
	accounts    []string
	forgotten   []string
	resumed     []string
}

func newGuildFixture() *guildFixture {
	f := &guildFixture{
		store:    newFakeGuildStore(),
		webhooks: &fakeWebhookResolver{},
	}

	f.handler = NewGuildHandler(GuildDependencies{
		Store:      f.store,
		Webhooks:   f.webhooks,
		Dispatcher: taggingDispatcher{},
		InvalidateConfig: func(guildID string) {
			f.invalidated = append(f.invalidated, guildID)
		},
		InvalidateAccount: func(accountID string) int {
			f.accounts = append(f.accounts, accountID)
			return 0
		},
		ForgetWebhook: func(webhookURL string) {
			f.forgotten = append(f.forgotten, webhookURL)
		},
		Resume: func(ctx context.Context, guildID string) error {
			f.resumed = append(f.resumed, guildID)
			return nil
		},
	})

	return f
}

func newGuildContext(method, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	e.Validator = validatorpkg.New()

	req := httptest.NewRequest(method, "/api/v1/guilds/g1", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	c := e.NewContext(req, rec)
	c.SetParamNames("guildId")
	c.SetParamValues("g1")
	return c, rec
}

func TestGetConfig_UnknownGuildReturns404(t *testing.T) {
	f := newGuildFixture()
	c, rec := newGuildContext(http.MethodGet, "")

	if err := f.handler.GetConfig(c); err != nil {
		t.Fatalf("GetConfig returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestSetAccount_RefreshesCachesAndResumes(t *testing.T) {
	f := newGuildFixture()
	f.store.config("g1").AccountID = "111"

	c, rec := newGuildContext(http.MethodPut, `{"accountId":"222"}`)
	if err := f.handler.SetAccount(c); err != nil {
		t.Fatalf("SetAccount returned error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.store.configs["g1"].AccountID != "222" {
		t.Fatalf("account was not stored")
	}
	if len(f.accounts) != 1 || f.accounts[0] != "111" {
		t.Fatalf("expected conversions of the previous account to be dropped, got %v", f.accounts)
	}
	if len(f.invalidated) != 1 || len(f.resumed) != 1 {
		t.Fatalf("expected config invalidation and resume, got %v / %v", f.invalidated, f.resumed)
	}

	var body struct {
		Success bool               `json:"success"`
		Data    domain.GuildConfig `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !body.Success || body.Data.AccountID != "222" {
		t.Fatalf("unexpected response %+v", body)
	}
}

func TestSetAccount_NonNumericReturns422(t *testing.T) {
	f := newGuildFixture()

	c, rec := newGuildContext(http.MethodPut, `{"accountId":"abc"}`)
	if err := f.handler.SetAccount(c); err != nil {
		t.Fatalf("SetAccount returned error: %v", err)
	}

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rec.Code)
	}

	var body validatorpkg.ValidationErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if _, ok := body.Details["accountId"]; !ok {
		t.Fatalf("expected accountId in details, got %v", body.Details)
	}
	if len(f.resumed) != 0 {
		t.Fatalf("invalid request must not resume the guild")
	}
}

func TestSetWebhook_RejectsUnknownWebhook(t *testing.T) {
	f := newGuildFixture()
	f.webhooks.err = domain.ErrNotFound

	c, rec := newGuildContext(http.MethodPut, `{"url":"https://discord.com/api/webhooks/123/tok"}`)
	if err := f.handler.SetWebhook(c); err != nil {
		t.Fatalf("SetWebhook returned error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}

	var body response.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body.Success || body.Error == "" {
		t.Fatalf("unexpected response %+v", body)
	}
	if _, ok := f.store.configs["g1"]; ok {
		t.Fatalf("webhook must not be stored")
	}
	if len(f.webhooks.destinations) != 1 || f.webhooks.destinations[0] != dispatch.DestWebhookAdmin {
		t.Fatalf("webhook lookup must be throttled as %s, got %v", dispatch.DestWebhookAdmin, f.webhooks.destinations)
	}
}

func TestSetWebhook_ReplacesPreviousWebhook(t *testing.T) {
	f := newGuildFixture()
	f.store.config("g1").WebhookURL = "https://discord.com/api/webhooks/1/old"

	c, rec := newGuildContext(http.MethodPut, `{"url":"https://discord.com/api/webhooks/2/new"}`)
	if err := f.handler.SetWebhook(c); err != nil {
		t.Fatalf("SetWebhook returned error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.store.configs["g1"].WebhookURL != "https://discord.com/api/webhooks/2/new" {
		t.Fatalf("webhook was not stored")
	}
	if len(f.forgotten) != 1 || f.forgotten[0] != "https://discord.com/api/webhooks/1/old" {
		t.Fatalf("expected previous webhook to be forgotten, got %v", f.forgotten)
	}
}

func TestSetExclusions_NormalizesDomains(t *testing.T) {
	f := newGuildFixture()

	c, rec := newGuildContext(http.MethodPut, `{"domains":["*.GitHub.com"," example.org "]}`)
	if err := f.handler.SetExclusions(c); err != nil {
		t.Fatalf("SetExclusions returned error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got := f.store.configs["g1"].ExcludedDomains
	if len(got) != 2 || got[0] != "github.com" || got[1] != "example.org" {
		t.Fatalf("unexpected domains %v", got)
	}
}

func TestClearFooter(t *testing.T) {
	f := newGuildFixture()
	f.store.config("g1").FooterText = "via relay"

	c, rec := newGuildContext(http.MethodDelete, "")
	if err := f.handler.ClearFooter(c); err != nil {
		t.Fatalf("ClearFooter returned error: %v", err)
	}

	if rec.Code != http.StatusOK || f.store.configs["g1"].FooterText != "" {
		t.Fatalf("footer was not cleared (status %d)", rec.Code)
	}
}

func TestListGuilds_InvalidPageSize(t *testing.T) {
	f := newGuildFixture()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/guilds?pageSize=500", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := f.handler.ListGuilds(c); err != nil {
		t.Fatalf("ListGuilds returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}
