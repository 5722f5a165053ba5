package dispatcher

import (
	"strings"

	"newsbot/internal/news"
)

// Filter is an optional keyword filter over title and summary.
// Matching is case-insensitive substring. Exclude wins over Include; a
// non-empty Include requires at least one match. The zero Filter allows
// everything.
type Filter struct {
	Include []string
	Exclude []string
}

func (f Filter) normalized() Filter {
	return Filter{Include: normKeywords(f.Include), Exclude: normKeywords(f.Exclude)}
}

func (f Filter) IsZero() bool { return len(f.Include) == 0 && len(f.Exclude) == 0 }

// Allow expects a normalized filter.
func (f Filter) Allow(it news.Item) bool {
	if f.IsZero() {
		return true
	}
	hay := strings.ToLower(it.Title + "\n" + it.Summary)
	for _, kw := range f.Exclude {
		if strings.Contains(hay, kw) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, kw := range f.Include {
		if strings.Contains(hay, kw) {
			return true
		}
	}
	return false
}

func normKeywords(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, kw := range in {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
