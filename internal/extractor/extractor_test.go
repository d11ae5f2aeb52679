package extractor

import (
	"testing"
)

func newTestExtractor() *Extractor {
	return New([]string{"affiliate.example", "link-to.net"})
}

func TestExtract_BareURL(t *testing.T) {
	text := "check this out https://example.com/a"

	spans := newTestExtractor().Extract(text)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	s := spans[0]
	if s.URL != "https://example.com/a" {
		t.Errorf("expected URL %q, got %q", "https://example.com/a", s.URL)
	}
	if text[s.Start:s.End] != s.URL {
		t.Errorf("span offsets do not match URL: %q", text[s.Start:s.End])
	}
}

func TestExtract_NoURLs(t *testing.T) {
	for _, text := range []string{"", "hello there", "version 1.2 is out", "mail me at bob@shop.com"} {
		if spans := newTestExtractor().Extract(text); len(spans) != 0 {
			t.Errorf("expected no spans for %q, got %#v", text, spans)
		}
	}
}

func TestExtract_MarkupWrapped(t *testing.T) {
	text := "see <https://shop.com/x> and [docs](https://docs.shop.com/y)."

	spans := newTestExtractor().Extract(text)
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %#v", spans)
	}
	if spans[0].URL != "https://shop.com/x" {
		t.Errorf("angle brackets should not be part of the span, got %q", spans[0].URL)
	}
	if spans[1].URL != "https://docs.shop.com/y" {
		t.Errorf("markdown parens should not be part of the span, got %q", spans[1].URL)
	}
	if spans[0].End > spans[1].Start {
		t.Errorf("spans must be ordered and non-overlapping: %#v", spans)
	}
}

func TestExtract_SchemelessLink(t *testing.T) {
	spans := newTestExtractor().Extract("grab it at shop.com/deal now")
	if len(spans) != 1 || spans[0].URL != "shop.com/deal" {
		t.Fatalf("expected scheme-less span, got %#v", spans)
	}
	if Normalize(spans[0].URL) != "http://shop.com/deal" {
		t.Errorf("unexpected normalized URL %q", Normalize(spans[0].URL))
	}
}

func TestExtract_SkipsAffiliateLinks(t *testing.T) {
	text := "a https://affiliate.example/aff?acc=1&u=x b https://cdn.link-to.net/123 c https://plain.org"

	spans := newTestExtractor().Extract(text)
	if len(spans) != 1 || spans[0].URL != "https://plain.org" {
		t.Fatalf("expected only the plain link, got %#v", spans)
	}
}

func TestExtract_SkipsLocalAndIPHosts(t *testing.T) {
	text := "http://localhost:8080/x http://127.0.0.1/admin http://10.0.0.1"
	if spans := newTestExtractor().Extract(text); len(spans) != 0 {
		t.Fatalf("expected no spans, got %#v", spans)
	}
}

func TestMatchesDomain(t *testing.T) {
	domains := NormalizeDomains([]string{"*.Shop.com", " other.org "})

	cases := map[string]bool{
		"shop.com":     true,
		"eu.shop.com":  true,
		"myshop.com":   false,
		"other.org":    true,
		"":             false,
		"notother.org": false,
	}
	for host, want := range cases {
		if got := MatchesDomain(host, domains); got != want {
			t.Errorf("MatchesDomain(%q) = %v, want %v", host, got, want)
		}
	}
}
