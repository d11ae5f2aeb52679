package service

import (
	"sort"

	"github.com/onurcolak/link-relay/internal/domain"
)

// Rewrite substitutes every replacement into content. Replacements are
// applied right to left so earlier offsets stay valid; ones that fall outside
// content or overlap a later one are skipped. Text outside the spans is
// returned byte for byte.
func Rewrite(content string, replacements []domain.Replacement) string {
	if len(replacements) == 0 {
		return content
	}

	ordered := append([]domain.Replacement(nil), replacements...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Span.Start > ordered[j].Span.Start
	})

	out := content
	limit := len(content)

	for _, r := range ordered {
		if r.Span.Start < 0 || r.Span.End > limit || r.Span.Start >= r.Span.End {
			continue
		}
		out = out[:r.Span.Start] + r.With + out[r.Span.End:]
		limit = r.Span.Start
	}

	return out
}

// WithFooter appends the guild footer on its own line.
func WithFooter(content, footer string) string {
	if footer == "" {
		return content
	}
	return content + "\n" + footer
}
