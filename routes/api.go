package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"

	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/handlers"
	"github.com/onurcolak/link-relay/internal/middlewares"
)

type Handlers struct {
	Health  *handlers.HealthHandler
	Guilds  *handlers.GuildHandler
	Events  *handlers.EventsHandler
	Relay   *handlers.RelayHandler
	Metrics http.Handler
}

// RegisterRoutes registers all API routes with middleware
func RegisterRoutes(e *echo.Echo, h Handlers, cfg *environments.Config) {
	e.GET("/health", h.Health.Health)
	e.GET("/metrics", echo.WrapHandler(h.Metrics))
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	v1 := e.Group("/api/v1")

	// Message ingestion has its own key so gateways never hold admin rights
	events := v1.Group("/events", middlewares.EventsKeyAuth(cfg.Auth.EventsAPIKey))
	events.POST("/messages", h.Events.IngestMessage)

	admin := middlewares.AdminKeyAuth(cfg.Auth.AdminAPIKey)

	guilds := v1.Group("/guilds", admin)
	guilds.GET("", h.Guilds.ListGuilds)
	guilds.GET("/:guildId/config", h.Guilds.GetConfig)
	guilds.PUT("/:guildId/account", h.Guilds.SetAccount)
	guilds.DELETE("/:guildId/account", h.Guilds.ClearAccount)
	guilds.PUT("/:guildId/whitelist-role", h.Guilds.SetWhitelistRole)
	guilds.DELETE("/:guildId/whitelist-role", h.Guilds.ClearWhitelistRole)
	guilds.PUT("/:guildId/webhook", h.Guilds.SetWebhook)
	guilds.DELETE("/:guildId/webhook", h.Guilds.ClearWebhook)
	guilds.PUT("/:guildId/footer", h.Guilds.SetFooter)
	guilds.DELETE("/:guildId/footer", h.Guilds.ClearFooter)
	guilds.PUT("/:guildId/exclusions", h.Guilds.SetExclusions)
	guilds.POST("/:guildId/resume", h.Guilds.Resume)

	relay := v1.Group("/relay", admin)
	relay.GET("/stats", h.Relay.GetStats)
}
