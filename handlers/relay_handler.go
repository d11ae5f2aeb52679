package handlers

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/link-relay/internal/notify"
	"github.com/onurcolak/link-relay/pkg/response"
)

type alertStatusSource interface {
	Status() notify.Status
}

type cooldownSource interface {
	SuspendedUntil(dest string) time.Time
}

// RelayHandler reports the state of the running pipeline.
type RelayHandler struct {
	pipeline     statsSource
	notifier     alertStatusSource
	limiter      cooldownSource
	destinations []string
}

func NewRelayHandler(pipeline statsSource, notifier alertStatusSource, limiter cooldownSource, destinations []string) *RelayHandler {
	return &RelayHandler{
		pipeline:     pipeline,
		notifier:     notifier,
		limiter:      limiter,
		destinations: destinations,
	}
}

// GetStats godoc
// @Summary Get relay statistics
// @Description Returns message outcome counters, halted guilds, alert state and active rate-limit cooldowns
// @Tags relay
// @Produce json
// @Param x-relay-auth-key header string true "Admin API key"
// @Success 200 {object} response.SuccessResponse
// @Router /api/v1/relay/stats [get]
func (h *RelayHandler) GetStats(c echo.Context) error {
	data := map[string]any{
		"pipeline": h.pipeline.Stats(),
	}

	if h.notifier != nil {
		data["alerts"] = h.notifier.Status()
	}

	if h.limiter != nil {
		now := time.Now()
		cooldowns := make(map[string]string)
		for _, dest := range h.destinations {
			if until := h.limiter.SuspendedUntil(dest); until.After(now) {
				cooldowns[dest] = until.Format(time.RFC3339)
			}
		}
		data["cooldowns"] = cooldowns
	}

	return response.Ok(c, data)
}
