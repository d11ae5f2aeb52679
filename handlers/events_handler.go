package handlers

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/response"
	"github.com/onurcolak/link-relay/pkg/validator"
)

type messageSubmitter interface {
	Submit(msg domain.Message) error
}

// EventsHandler accepts message-created events pushed by the gateway.
type EventsHandler struct {
	pipeline messageSubmitter
}

func NewEventsHandler(pipeline messageSubmitter) *EventsHandler {
	return &EventsHandler{pipeline: pipeline}
}

// IngestMessage godoc
// @Summary Submit a newly created chat message
// @Description Queues the message for link conversion; processing happens asynchronously
// @Tags events
// @Accept json
// @Produce json
// @Param x-relay-events-key header string true "Events API key"
// @Param message body domain.Message true "Message snapshot"
// @Success 202 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} validator.ValidationErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /api/v1/events/messages [post]
func (h *EventsHandler) IngestMessage(c echo.Context) error {
	var msg domain.Message
	if err := c.Bind(&msg); err != nil {
		return response.BadRequest(c, err)
	}
	if err := c.Validate(&msg); err != nil {
		return validator.HandleValidationError(c, err)
	}

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	if err := h.pipeline.Submit(msg); err != nil {
		if errors.Is(err, domain.ErrShuttingDown) {
			return response.ServiceUnavailable(c, "relay is shutting down")
		}
		return response.InternalServerError(c, err)
	}

	return response.Accepted(c, "Message queued", map[string]any{
		"eventId":   uuid.NewString(),
		"messageId": msg.ID,
	})
}
