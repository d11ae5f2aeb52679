// Package eligibility decides which links of a message may be converted.
package eligibility

import (
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/internal/extractor"
)

// Classifier tags every span of a message as exempt, pass-through or eligible.
type Classifier struct {
	affiliateDomains []string
	excludedDomains  []string
}

func NewClassifier(affiliateDomains, excludedDomains []string) *Classifier {
	return &Classifier{
		affiliateDomains: extractor.NormalizeDomains(affiliateDomains),
		excludedDomains:  extractor.NormalizeDomains(excludedDomains),
	}
}

// Classify evaluates, in order: author exemption (whole message), affiliate or
// excluded host (pass-through), otherwise eligible.
func (c *Classifier) Classify(
	msg *domain.Message,
	spans []domain.URLSpan,
	cfg *domain.GuildConfig,
) []domain.ClassifiedSpan {
	out := make([]domain.ClassifiedSpan, 0, len(spans))

	if cfg != nil && IsExempt(msg.AuthorRoleIDs, cfg.WhitelistedRoleID) {
		for _, span := range spans {
			out = append(out, domain.ClassifiedSpan{
				Span:     span,
				Decision: domain.DecisionExemptMessage,
				Reason:   "author holds whitelisted role",
			})
		}
		return out
	}

	var guildExcluded []string
	if cfg != nil {
		guildExcluded = extractor.NormalizeDomains(cfg.ExcludedDomains)
	}

	for _, span := range spans {
		host := extractor.Host(span.URL)

		switch {
		case extractor.MatchesDomain(host, c.affiliateDomains):
			out = append(out, passThrough(span, "already an affiliate link"))
		case isExcluded(host, c.excludedDomains) || isExcluded(host, guildExcluded):
			out = append(out, passThrough(span, "excluded domain"))
		default:
			out = append(out, domain.ClassifiedSpan{Span: span, Decision: domain.DecisionEligible})
		}
	}

	return out
}

// Eligible returns the spans tagged eligible, keeping their order.
func Eligible(classified []domain.ClassifiedSpan) []domain.URLSpan {
	var spans []domain.URLSpan
	for _, cs := range classified {
		if cs.Decision == domain.DecisionEligible {
			spans = append(spans, cs.Span)
		}
	}
	return spans
}

func passThrough(span domain.URLSpan, reason string) domain.ClassifiedSpan {
	return domain.ClassifiedSpan{Span: span, Decision: domain.DecisionPassThrough, Reason: reason}
}

// isExcluded matches the host itself and its parents, then falls back to
// comparing registrable domains so "www.shop.co.uk" also excludes
// "eu.shop.co.uk".
func isExcluded(host string, excluded []string) bool {
	if len(excluded) == 0 || host == "" {
		return false
	}
	if extractor.MatchesDomain(host, excluded) {
		return true
	}

	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return false
	}
	for _, d := range excluded {
		excludedSite, err := publicsuffix.EffectiveTLDPlusOne(d)
		if err != nil {
			continue
		}
		if strings.EqualFold(excludedSite, site) {
			return true
		}
	}
	return false
}
