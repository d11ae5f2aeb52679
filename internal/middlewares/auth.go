package middlewares

import (
	"crypto/subtle"
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/link-relay/pkg/response"
)

const (
	AdminKeyHeader  = "x-relay-auth-key"
	EventsKeyHeader = "x-relay-events-key"
)

// secureCompare compares two strings in a way that is safer against timing attacks.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AdminKeyAuth guards the administrative endpoints.
func AdminKeyAuth(apiKey string) echo.MiddlewareFunc {
	return APIKeyAuth(AdminKeyHeader, apiKey)
}

// EventsKeyAuth guards message ingestion.
func EventsKeyAuth(apiKey string) echo.MiddlewareFunc {
	return APIKeyAuth(EventsKeyHeader, apiKey)
}

// APIKeyAuth rejects requests whose header does not carry apiKey.
func APIKeyAuth(header, apiKey string) echo.MiddlewareFunc {
	// If the API key is not configured, treat this as a server-side misconfiguration.
	if apiKey == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return response.InternalServerError(
					c,
					fmt.Errorf("API key is not configured for this endpoint group"),
				)
			}
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.Request().Header.Get(header)
			if token == "" || !secureCompare(token, apiKey) {
				return response.Unauthorized(c)
			}

			return next(c)
		}
	}
}
