package secrets

import (
	"sort"
	"strings"
)

// Span is a byte range [Start, End) of a string.
type Span struct {
	Start int
	End   int
}

// Redact replaces every span of content with replacement. Overlapping and
// adjacent spans are merged first so each sensitive run is replaced once.
func Redact(content string, spans []Span, replacement string) string {
	merged := mergeSpans(spans, len(content))
	if len(merged) == 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, s := range merged {
		b.WriteString(content[last:s.Start])
		b.WriteString(replacement)
		last = s.End
	}
	b.WriteString(content[last:])
	return b.String()
}

// mergeSpans drops out-of-range spans, sorts the rest by start and merges
// overlapping or adjacent ones.
func mergeSpans(spans []Span, limit int) []Span {
	valid := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.Start >= 0 && s.End <= limit && s.Start < s.End {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Start < valid[j].Start })

	merged := []Span{valid[0]}
	for _, curr := range valid[1:] {
		last := &merged[len(merged)-1]
		if curr.Start <= last.End {
			if curr.End > last.End {
				last.End = curr.End
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}
