package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			matched := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					matched = false
				}
			}
			if matched {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCollector_RecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOutcome("relayed")
	c.RecordOutcome("relayed")
	c.RecordOutcome("no_links")

	if got := counterValue(t, reg, "link_relay_messages_total", map[string]string{"outcome": "relayed"}); got != 2 {
		t.Errorf("relayed = %v, want 2", got)
	}
	if got := counterValue(t, reg, "link_relay_messages_total", map[string]string{"outcome": "no_links"}); got != 1 {
		t.Errorf("no_links = %v, want 1", got)
	}
}

func TestCollector_RecordsRateLimits(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRateLimited("platform.webhook")
	c.ObserveDispatchWait("platform.webhook", 10*time.Millisecond)

	if got := counterValue(t, reg, "link_relay_rate_limited_total", map[string]string{"destination": "platform.webhook"}); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordCacheLookup("hit")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "link_relay_cache_lookups_total") {
		t.Error("response should contain link_relay_cache_lookups_total")
	}
}
