package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"

	"github.com/onurcolak/link-relay/internal/service"
	"github.com/onurcolak/link-relay/pkg/redis"
)

type statsSource interface {
	Stats() service.Stats
}

type dbPinger interface {
	PingContext(ctx context.Context) error
}

type cachePinger interface {
	Ping(ctx context.Context) error
}

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
)

// HealthHandler reports whether this instance can relay messages.
// MySQL and a running pipeline are required; valkey only degrades.
type HealthHandler struct {
	db           dbPinger
	cache        cachePinger
	pipeline     statsSource
	checkTimeout time.Duration
}

func NewHealthHandler(db *sqlx.DB, redisClient *redis.Client, pipeline statsSource) *HealthHandler {
	h := &HealthHandler{pipeline: pipeline, checkTimeout: 2 * time.Second}
	if db != nil {
		h.db = db
	}
	if redisClient != nil {
		h.cache = redisClient
	}
	return h
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health returns overall status and per-component statuses.
// @Summary Health check
// @Description Returns overall status with DB, Redis and pipeline state
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /health [get]
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.checkTimeout)
	defer cancel()

	overall := statusOK
	components := make(map[string]componentHealth, 3)

	database := componentHealth{Status: "up"}
	if h.db == nil {
		database = componentHealth{Status: statusDown, Error: "not configured"}
	} else if err := h.db.PingContext(ctx); err != nil {
		database = componentHealth{Status: statusDown, Error: err.Error()}
	}
	if database.Status == statusDown {
		overall = statusDown
	}
	components["database"] = database

	cache := componentHealth{Status: "disabled"}
	if h.cache != nil {
		cache.Status = "up"
		if err := h.cache.Ping(ctx); err != nil {
			cache = componentHealth{Status: statusDown, Error: err.Error()}
			if overall == statusOK {
				overall = statusDegraded
			}
		}
	}
	components["redis"] = cache

	pipeline := componentHealth{Status: "running"}
	if h.pipeline != nil && h.pipeline.Stats().ShuttingDown {
		pipeline.Status = "draining"
		overall = statusDown
	}
	components["pipeline"] = pipeline

	status := http.StatusOK
	if overall == statusDown {
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, map[string]any{
		"status":     overall,
		"timestamp":  time.Now().Format(time.RFC3339),
		"components": components,
	})
}
