// Package extractor finds URLs in raw message text.
package extractor

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"mvdan.cc/xurls/v2"

	"github.com/onurcolak/link-relay/internal/domain"
)

// Extractor returns the URL spans of a message that are candidates for
// conversion. Links already pointing at an affiliate domain are skipped so a
// relayed message is never picked up twice.
type Extractor struct {
	pattern          *regexp.Regexp
	affiliateDomains []string
}

func New(affiliateDomains []string) *Extractor {
	return &Extractor{
		pattern:          xurls.Relaxed(),
		affiliateDomains: NormalizeDomains(affiliateDomains),
	}
}

// Extract returns spans in text order. Matches never overlap.
func (e *Extractor) Extract(text string) []domain.URLSpan {
	if text == "" || !strings.Contains(text, ".") {
		return nil
	}

	var spans []domain.URLSpan
	for _, loc := range e.pattern.FindAllStringIndex(text, -1) {
		raw := text[loc[0]:loc[1]]

		// Relaxed matching also picks up e-mail addresses.
		if !hasScheme(raw) && strings.Contains(raw, "@") {
			continue
		}

		host := Host(raw)
		if !IsLinkHost(host) {
			continue
		}
		if MatchesDomain(host, e.affiliateDomains) {
			continue
		}

		spans = append(spans, domain.URLSpan{Start: loc[0], End: loc[1], URL: raw})
	}

	return spans
}

// IsAffiliate reports whether rawURL already points at an affiliate domain.
func (e *Extractor) IsAffiliate(rawURL string) bool {
	return MatchesDomain(Host(rawURL), e.affiliateDomains)
}

// Normalize prefixes scheme-less links with http:// so they can be handed to
// the conversion service.
func Normalize(raw string) string {
	if hasScheme(raw) {
		return raw
	}
	return "http://" + raw
}

// Host returns the lower-cased hostname of raw, or "" when it cannot be parsed.
func Host(raw string) string {
	parsed, err := url.Parse(Normalize(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(parsed.Hostname(), "."))
}

// IsLinkHost rejects hosts that are not public links: empty, localhost and IP
// literals.
func IsLinkHost(host string) bool {
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.Contains(host, ".")
}

// MatchesDomain reports whether host equals one of domains or is a subdomain
// of it.
func MatchesDomain(host string, domains []string) bool {
	if host == "" {
		return false
	}
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func hasScheme(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// NormalizeDomains lower-cases domains and strips wildcard prefixes.
func NormalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "*.")))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
