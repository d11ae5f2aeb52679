package environments

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Server.Port)
	}
	if cfg.Converter.CacheTTL != 6*time.Hour {
		t.Errorf("expected cache TTL 6h, got %v", cfg.Converter.CacheTTL)
	}
	if cfg.Discord.CanEditOthers {
		t.Errorf("expected CanEditOthers=false by default")
	}
	if len(cfg.Link.AffiliateDomains) == 0 {
		t.Fatalf("expected default affiliate domains")
	}
}

func TestGetEnvAsList_SplitsAndTrims(t *testing.T) {
	t.Setenv("TEST_LIST", " a.com, ,b.org ,")

	got := GetEnvAsList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "a.com" || got[1] != "b.org" {
		t.Fatalf("unexpected list: %#v", got)
	}
}

func TestGetEnvAsDuration_InvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_DURATION", "soon")

	if got := GetEnvAsDuration("TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %v", got)
	}
}

func TestGetEnvAsFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.5")

	if got := GetEnvAsFloat("TEST_FLOAT", 1); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
}
