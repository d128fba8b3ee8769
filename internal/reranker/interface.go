// Package reranker reorders retrieved documents with a secondary scoring
// pass. Every strategy returns documents sorted non-increasing by
// RerankerScore.
package reranker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNilContext is returned when a nil context is passed to Rerank.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrUnknownStrategy is returned by New for unsupported strategy names.
	ErrUnknownStrategy = errors.New("unknown rerank strategy")
)

// Strategy names.
const (
	StrategyScore    = "score"
	StrategySemantic = "semantic"
	StrategyHybrid   = "hybrid"
)

// Document is a retrieved document awaiting reranking.
type Document struct {
	ID      string
	Content string
	// Score is the similarity reported by the search.
	Score float64
	// Embedding is the stored document vector; only the semantic strategy
	// reads it.
	Embedding []float32
}

// ScoredDocument is a document with its reranking score.
type ScoredDocument struct {
	Document
	RerankerScore float64
	OriginalRank  int
}

// Query is what documents are reranked against.
type Query struct {
	Text   string
	Vector []float32
}

// Reranker reorders documents for a query. Results are sorted by
// RerankerScore descending and limited to topK; topK <= 0 keeps all.
type Reranker interface {
	Rerank(ctx context.Context, query Query, docs []Document, topK int) ([]ScoredDocument, error)
	Name() string
}

// New returns the reranker for strategy. keywordWeight only applies to the
// hybrid strategy.
func New(strategy string, keywordWeight float64) (Reranker, error) {
	switch strings.ToLower(strategy) {
	case StrategyScore, "":
		return NewScoreReranker(), nil
	case StrategySemantic:
		return NewSemanticReranker(), nil
	case StrategyHybrid:
		return NewHybridReranker(keywordWeight), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// sortAndLimit orders by RerankerScore desc, breaking ties by original rank.
func sortAndLimit(scored []ScoredDocument, topK int) []ScoredDocument {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].RerankerScore != scored[j].RerankerScore {
			return scored[i].RerankerScore > scored[j].RerankerScore
		}
		return scored[i].OriginalRank < scored[j].OriginalRank
	})
	if topK > 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}

// ScoreReranker orders by the raw search similarity.
type ScoreReranker struct{}

// NewScoreReranker creates a ScoreReranker.
func NewScoreReranker() *ScoreReranker {
	return &ScoreReranker{}
}

// Rerank implements Reranker.
func (r *ScoreReranker) Rerank(ctx context.Context, _ Query, docs []Document, topK int) ([]ScoredDocument, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		scored[i] = ScoredDocument{Document: doc, RerankerScore: doc.Score, OriginalRank: i}
	}
	return sortAndLimit(scored, topK), nil
}

// Name implements Reranker.
func (r *ScoreReranker) Name() string { return StrategyScore }
