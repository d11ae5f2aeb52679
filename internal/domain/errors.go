package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Conversion service.
	ErrUnauthorized = errors.New("conversion account unauthorized")
	ErrInvalidURL   = errors.New("url rejected by conversion service")

	// Messaging platform.
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")

	ErrTransient         = errors.New("transient failure")
	ErrMissingAccount    = errors.New("affiliate account id is not configured")
	ErrMissingPermission = errors.New("bot can neither edit messages nor manage webhooks in this channel")
	ErrShuttingDown      = errors.New("pipeline is shutting down")
)

// RateLimitError is returned when a destination rejected a call with a
// rate-limit response. RetryAfter is the cooldown it asked for.
type RateLimitError struct {
	Destination string
	RetryAfter  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %v", e.Destination, e.RetryAfter)
}

// IsConfigError reports errors an operator has to fix. They are never retried.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrMissingAccount) ||
		errors.Is(err, ErrMissingPermission)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsRateLimited(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
