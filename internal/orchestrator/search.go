package orchestrator

import (
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
)

// SanitizeSearch builds the outward payload for a direct retrieval call
// that did not pass through Handle. query is scanned so categories found
// only in the request still raise the risk level.
func SanitizeSearch(s *sanitize.Sanitizer, query string, resp *retrieval.AdvancedResponse) *sanitize.Payload {
	data := map[string]any{
		"documents":  resp.Documents,
		"categories": resp.Categories,
		"confidence": resp.Confidence,
		"hybridUsed": resp.HybridUsed,
		"rerank":     resp.RerankStrategy,
	}
	if len(resp.ExpandedQueries) > 0 {
		data["expandedQueries"] = resp.ExpandedQueries
	}
	if resp.Personalized {
		data["personalized"] = true
	}
	return s.Sanitize(sanitize.RawPayload{
		Summary: resp.Response.Response,
		Message: resp.Response.Response,
		Data:    data,
	}, s.DetectQuery(query))
}
