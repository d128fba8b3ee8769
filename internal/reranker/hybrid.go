package reranker

import (
	"context"
	"strings"
)

// DefaultKeywordWeight is the share of the blended score taken by term
// overlap.
const DefaultKeywordWeight = 0.3

// HybridReranker blends vector similarity with query term overlap:
// (1-w)*score + w*overlap.
type HybridReranker struct {
	weight float64
}

// NewHybridReranker creates a HybridReranker. Weights outside (0, 1] fall
// back to DefaultKeywordWeight.
func NewHybridReranker(keywordWeight float64) *HybridReranker {
	if keywordWeight <= 0 || keywordWeight > 1 {
		keywordWeight = DefaultKeywordWeight
	}
	return &HybridReranker{weight: keywordWeight}
}

// Rerank implements Reranker. A query without usable terms keeps the
// original order.
func (r *HybridReranker) Rerank(ctx context.Context, query Query, docs []Document, topK int) ([]ScoredDocument, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	queryTokens := Tokenize(query.Text)

	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		score := doc.Score
		if len(queryTokens) > 0 {
			score = Blend(doc.Score, TermOverlap(queryTokens, Tokenize(doc.Content)), r.weight)
		}
		scored[i] = ScoredDocument{Document: doc, RerankerScore: score, OriginalRank: i}
	}
	return sortAndLimit(scored, topK), nil
}

// Name implements Reranker.
func (r *HybridReranker) Name() string { return StrategyHybrid }

// Blend combines a similarity and an overlap ratio.
func Blend(similarity, overlap, weight float64) float64 {
	return (1-weight)*similarity + weight*overlap
}

// Tokenize splits text into lowercase terms longer than two characters,
// dropping common English stopwords.
func Tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isAlphanumeric(r)
	})

	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if len(token) > 2 && !isStopword(token) {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"about": true, "any": true, "all": true, "our": true, "your": true, "some": true,
	"show": true, "tell": true, "find": true, "give": true, "please": true, "there": true,
}

func isStopword(token string) bool {
	return stopwords[token]
}

// TermOverlap returns the fraction of distinct query terms found in the
// document terms, in [0, 1].
func TermOverlap(queryTokens, docTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	docSet := make(map[string]struct{}, len(docTokens))
	for _, t := range docTokens {
		docSet[t] = struct{}{}
	}

	seen := make(map[string]struct{}, len(queryTokens))
	matches := 0
	for _, t := range queryTokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := docSet[t]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(seen))
}
