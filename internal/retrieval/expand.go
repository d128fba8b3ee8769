package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const expansionPrompt = `Rewrite the search query below into %d alternative phrasings that a
knowledge base might use for the same information need. Use synonyms and
related terms. Return one phrasing per line with no numbering and no other text.

Query: %s`

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])?\s*`)

// expand asks the LLM for up to level related phrasings of query. A
// failing or missing provider yields no expansions; retrieval then
// proceeds with the base query alone.
func (e *Engine) expand(ctx context.Context, query string, level int) []string {
	if level <= 0 || e.llm == nil {
		return nil
	}
	level = min(level, maxExpansionLevel)

	ctx, span := tracer.Start(ctx, "Engine.expand")
	defer span.End()

	out, err := e.llm.Complete(ctx, fmt.Sprintf(expansionPrompt, level, query))
	if err != nil {
		e.logger.Warn("query expansion failed", zap.Error(err))
		return nil
	}
	return parseExpansions(out, query, level)
}

// parseExpansions extracts distinct non-empty lines, stripping list
// markers, and drops lines equal to the original query.
func parseExpansions(text, query string, limit int) []string {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = listMarker.ReplaceAllString(line, "")
		line = strings.Trim(line, `"'`)
		line = strings.TrimSpace(line)
		key := strings.ToLower(line)
		if line == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}
