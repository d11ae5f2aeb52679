package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/link-relay/internal/dispatch"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/internal/extractor"
	"github.com/onurcolak/link-relay/pkg/discord"
	"github.com/onurcolak/link-relay/pkg/logger"
	"github.com/onurcolak/link-relay/pkg/response"
	"github.com/onurcolak/link-relay/pkg/validator"
)

type GuildConfigStore interface {
	Get(ctx context.Context, guildID string) (*domain.GuildConfig, error)
	List(ctx context.Context, page, pageSize int) ([]domain.GuildConfig, int64, error)
	SetAccountID(ctx context.Context, guildID, accountID string) error
	SetWhitelistedRole(ctx context.Context, guildID, roleID string) error
	SetWebhookURL(ctx context.Context, guildID, webhookURL string) error
	SetFooter(ctx context.Context, guildID, footer string) error
	SetExcludedDomains(ctx context.Context, guildID string, domains []string) error
}

type WebhookResolver interface {
	GetWebhook(ctx context.Context, webhookID, token string) (domain.WebhookHandle, error)
}

// Dispatcher throttles platform calls per destination. Implemented by
// dispatch.Limiter.
type Dispatcher interface {
	Do(ctx context.Context, dest string, fn func(ctx context.Context) error) error
}

// GuildDependencies are the components an admin change has to refresh.
type GuildDependencies struct {
	Store      GuildConfigStore
	Webhooks   WebhookResolver
	Dispatcher Dispatcher

	// InvalidateConfig drops the cached config snapshot of a guild.
	InvalidateConfig func(guildID string)
	// InvalidateAccount drops cached conversions of an account.
	InvalidateAccount func(accountID string) int
	// ForgetWebhook drops a resolved guild webhook URL.
	ForgetWebhook func(webhookURL string)
	// Resume lifts a configuration halt.
	Resume func(ctx context.Context, guildID string) error
}

type GuildHandler struct {
	deps GuildDependencies
}

func NewGuildHandler(deps GuildDependencies) *GuildHandler {
	return &GuildHandler{deps: deps}
}

type SetAccountRequest struct {
	AccountID string `json:"accountId" validate:"required,numeric,max=64"`
}

type SetWhitelistRoleRequest struct {
	RoleID string `json:"roleId" validate:"required,snowflake"`
}

type SetWebhookRequest struct {
	URL string `json:"url" validate:"required,url,max=512"`
}

type SetFooterRequest struct {
	Text string `json:"text" validate:"required,max=512"`
}

type SetExclusionsRequest struct {
	Domains []string `json:"domains" validate:"max=100,dive,required,max=253"`
}

// ListGuilds godoc
// @Summary List guild configurations
// @Tags guilds
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param page query int false "Page number (default: 1)"
// @Param pageSize query int false "Page size (default: 20, max: 100)"
// @Success 200 {object} response.PaginatedResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds [get]
func (h *GuildHandler) ListGuilds(c echo.Context) error {
	page, pageSize, err := parsePaginationParams(c)
	if err != nil {
		return response.BadRequest(c, err)
	}

	configs, totalCount, err := h.deps.Store.List(c.Request().Context(), page, pageSize)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Paginated(c, configs, page, pageSize, totalCount)
}

// GetConfig godoc
// @Summary Get the relay configuration of a guild
// @Tags guilds
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/config [get]
func (h *GuildHandler) GetConfig(c echo.Context) error {
	guildID := c.Param("guildId")

	cfg, err := h.deps.Store.Get(c.Request().Context(), guildID)
	if err != nil {
		return response.InternalServerError(c, err)
	}
	if cfg == nil {
		return response.NotFound(c, fmt.Sprintf("guild %s is not configured", guildID))
	}

	return response.Ok(c, cfg)
}

// SetAccount godoc
// @Summary Set the affiliate account of a guild
// @Description Conversions cached for the previous account are dropped and a configuration halt is lifted
// @Tags guilds
// @Accept json
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Param request body SetAccountRequest true "Account"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} validator.ValidationErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/account [put]
func (h *GuildHandler) SetAccount(c echo.Context) error {
	var req SetAccountRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	return h.changeAccount(c, req.AccountID)
}

// ClearAccount godoc
// @Summary Remove the affiliate account of a guild
// @Description Messages of the guild are ignored until an account is set again
// @Tags guilds
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/account [delete]
func (h *GuildHandler) ClearAccount(c echo.Context) error {
	return h.changeAccount(c, "")
}

func (h *GuildHandler) changeAccount(c echo.Context, accountID string) error {
	ctx := c.Request().Context()
	guildID := c.Param("guildId")

	previous, err := h.deps.Store.Get(ctx, guildID)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	if err := h.deps.Store.SetAccountID(ctx, guildID, accountID); err != nil {
		return response.InternalServerError(c, err)
	}

	if previous.HasAccount() && previous.AccountID != accountID && h.deps.InvalidateAccount != nil {
		dropped := h.deps.InvalidateAccount(previous.AccountID)
		logger.Infof("Dropped %d cached conversions of account %s", dropped, previous.AccountID)
	}

	return h.applied(c, guildID, "Account updated")
}

// SetWhitelistRole godoc
// @Summary Set the whitelisted role of a guild
// @Description Messages of members holding this role are never touched
// @Tags guilds
// @Accept json
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Param request body SetWhitelistRoleRequest true "Role"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} validator.ValidationErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/whitelist-role [put]
func (h *GuildHandler) SetWhitelistRole(c echo.Context) error {
	var req SetWhitelistRoleRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	guildID := c.Param("guildId")
	if err := h.deps.Store.SetWhitelistedRole(c.Request().Context(), guildID, req.RoleID); err != nil {
		return response.InternalServerError(c, err)
	}

	return h.applied(c, guildID, "Whitelisted role updated")
}

// ClearWhitelistRole godoc
// @Summary Remove the whitelisted role of a guild
// @Tags guilds
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/whitelist-role [delete]
func (h *GuildHandler) ClearWhitelistRole(c echo.Context) error {
	guildID := c.Param("guildId")
	if err := h.deps.Store.SetWhitelistedRole(c.Request().Context(), guildID, ""); err != nil {
		return response.InternalServerError(c, err)
	}

	return h.applied(c, guildID, "Whitelisted role removed")
}

// SetWebhook godoc
// @Summary Set the webhook used to repost messages of a guild
// @Description The URL is resolved against the platform before it is stored
// @Tags guilds
// @Accept json
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Param request body SetWebhookRequest true "Webhook"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} validator.ValidationErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/webhook [put]
func (h *GuildHandler) SetWebhook(c echo.Context) error {
	var req SetWebhookRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	ctx := c.Request().Context()

	webhookID, token, err := discord.ParseWebhookURL(req.URL)
	if err != nil {
		return response.BadRequest(c, err)
	}

	err = h.deps.Dispatcher.Do(ctx, dispatch.DestWebhookAdmin, func(ctx context.Context) error {
		_, err := h.deps.Webhooks.GetWebhook(ctx, webhookID, token)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPermissionDenied) {
			return response.BadRequestWithMessage(c, "webhook does not exist or its token is invalid")
		}
		return response.InternalServerError(c, err)
	}

	return h.changeWebhook(c, req.URL, "Webhook updated")
}

// ClearWebhook godoc
// @Summary Remove the configured webhook of a guild
// @Description Reposts fall back to a webhook managed by the relay
// @Tags guilds
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/webhook [delete]
func (h *GuildHandler) ClearWebhook(c echo.Context) error {
	return h.changeWebhook(c, "", "Webhook removed")
}

func (h *GuildHandler) changeWebhook(c echo.Context, webhookURL, message string) error {
	ctx := c.Request().Context()
	guildID := c.Param("guildId")

	previous, err := h.deps.Store.Get(ctx, guildID)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	if err := h.deps.Store.SetWebhookURL(ctx, guildID, webhookURL); err != nil {
		return response.InternalServerError(c, err)
	}

	if previous != nil && previous.WebhookURL != "" && h.deps.ForgetWebhook != nil {
		h.deps.ForgetWebhook(previous.WebhookURL)
	}

	return h.applied(c, guildID, message)
}

// SetFooter godoc
// @Summary Set the footer appended to relayed messages
// @Tags guilds
// @Accept json
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Param request body SetFooterRequest true "Footer"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} validator.ValidationErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/footer [put]
func (h *GuildHandler) SetFooter(c echo.Context) error {
	var req SetFooterRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	guildID := c.Param("guildId")
	if err := h.deps.Store.SetFooter(c.Request().Context(), guildID, req.Text); err != nil {
		return response.InternalServerError(c, err)
	}

	return h.applied(c, guildID, "Footer updated")
}

// ClearFooter godoc
// @Summary Remove the footer of a guild
// @Tags guilds
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/footer [delete]
func (h *GuildHandler) ClearFooter(c echo.Context) error {
	guildID := c.Param("guildId")
	if err := h.deps.Store.SetFooter(c.Request().Context(), guildID, ""); err != nil {
		return response.InternalServerError(c, err)
	}

	return h.applied(c, guildID, "Footer removed")
}

// SetExclusions godoc
// @Summary Replace the excluded domains of a guild
// @Description Links to these domains and their subdomains are never converted
// @Tags guilds
// @Accept json
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Param request body SetExclusionsRequest true "Domains"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} validator.ValidationErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/exclusions [put]
func (h *GuildHandler) SetExclusions(c echo.Context) error {
	var req SetExclusionsRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	guildID := c.Param("guildId")
	domains := extractor.NormalizeDomains(req.Domains)
	if err := h.deps.Store.SetExcludedDomains(c.Request().Context(), guildID, domains); err != nil {
		return response.InternalServerError(c, err)
	}

	return h.applied(c, guildID, "Excluded domains updated")
}

// Resume godoc
// @Summary Resume a guild halted on a configuration error
// @Tags guilds
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Param guildId path string true "Guild ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/guilds/{guildId}/resume [post]
func (h *GuildHandler) Resume(c echo.Context) error {
	return h.applied(c, c.Param("guildId"), "Guild resumed")
}

// applied refreshes everything derived from the guild config and returns the
// new snapshot.
func (h *GuildHandler) applied(c echo.Context, guildID, message string) error {
	ctx := c.Request().Context()

	if h.deps.InvalidateConfig != nil {
		h.deps.InvalidateConfig(guildID)
	}
	if h.deps.Resume != nil {
		if err := h.deps.Resume(ctx, guildID); err != nil {
			return response.InternalServerError(c, err)
		}
	}

	cfg, err := h.deps.Store.Get(ctx, guildID)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	logger.Infof("Guild %s: %s", guildID, message)
	return response.OkWithMessage(c, message, cfg)
}

func parsePaginationParams(c echo.Context) (int, int, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)

	page := defaultPage
	if pageStr := c.QueryParam("page"); pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p <= 0 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
		page = p
	}

	pageSize := defaultPageSize
	if pageSizeStr := c.QueryParam("pageSize"); pageSizeStr != "" {
		ps, err := strconv.Atoi(pageSizeStr)
		if err != nil || ps <= 0 || ps > maxPageSize {
			return 0, 0, fmt.Errorf("pageSize must be between 1 and %d", maxPageSize)
		}
		pageSize = ps
	}

	return page, pageSize, nil
}
