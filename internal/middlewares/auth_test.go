package middlewares

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/onurcolak/link-relay/pkg/response"
)

const (
	adminKey  = "admin-secret"
	eventsKey = "events-secret"
)

// newGuardedServer mounts one route per key group, like the real router.
func newGuardedServer() *echo.Echo {
	e := echo.New()
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

	e.GET("/admin", ok, AdminKeyAuth(adminKey))
	e.POST("/events", ok, EventsKeyAuth(eventsKey))
	return e
}

func TestKeyAuth_Routing(t *testing.T) {
	e := newGuardedServer()

	cases := []struct {
		name   string
		method string
		path   string
		header string
		value  string
		want   int
	}{
		{"admin key on admin route", http.MethodGet, "/admin", AdminKeyHeader, adminKey, http.StatusNoContent},
		{"missing admin key", http.MethodGet, "/admin", "", "", http.StatusUnauthorized},
		{"wrong admin key", http.MethodGet, "/admin", AdminKeyHeader, "wrong", http.StatusUnauthorized},
		{"events key on admin route", http.MethodGet, "/admin", EventsKeyHeader, eventsKey, http.StatusUnauthorized},
		{"events key on events route", http.MethodPost, "/events", EventsKeyHeader, eventsKey, http.StatusNoContent},
		{"admin header on events route", http.MethodPost, "/events", AdminKeyHeader, eventsKey, http.StatusUnauthorized},
		{"admin key value in events header", http.MethodPost, "/events", EventsKeyHeader, adminKey, http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestKeyAuth_RejectionBody(t *testing.T) {
	e := newGuardedServer()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))

	var body response.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body.Success || body.Error != "Invalid or missing API key" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestAPIKeyAuth_UnconfiguredKeyReturns500(t *testing.T) {
	e := echo.New()
	reached := false
	e.GET("/admin", func(c echo.Context) error {
		reached = true
		return c.NoContent(http.StatusNoContent)
	}, APIKeyAuth(AdminKeyHeader, ""))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	// An empty server key must not match an empty client header.
	req.Header.Set(AdminKeyHeader, "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if reached {
		t.Fatalf("handler must not run without a configured key")
	}
}
