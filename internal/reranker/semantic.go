package reranker

import (
	"context"
	"math"
)

// Rocchio weights for the optimized query vector.
const (
	rocchioAlpha = 1.0
	rocchioBeta  = 0.75
	rocchioGamma = 0.15
	// feedbackDocs is how many top documents count as relevant feedback.
	feedbackDocs = 3
)

// SemanticReranker rescores documents against a Rocchio-optimized query
// vector: the query moved toward the centroid of the top documents and away
// from the centroid of the rest. Documents without embeddings keep their
// search score.
type SemanticReranker struct{}

// NewSemanticReranker creates a SemanticReranker.
func NewSemanticReranker() *SemanticReranker {
	return &SemanticReranker{}
}

// Rerank implements Reranker. Without a query vector it degrades to score
// ordering.
func (r *SemanticReranker) Rerank(ctx context.Context, query Query, docs []Document, topK int) ([]ScoredDocument, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	optimized := OptimizeQuery(query.Vector, docs)

	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		score := doc.Score
		if optimized != nil && len(doc.Embedding) == len(optimized) {
			score = math.Max(0, Cosine(optimized, doc.Embedding))
		}
		scored[i] = ScoredDocument{Document: doc, RerankerScore: score, OriginalRank: i}
	}
	return sortAndLimit(scored, topK), nil
}

// Name implements Reranker.
func (r *SemanticReranker) Name() string { return StrategySemantic }

// OptimizeQuery applies one Rocchio feedback round. docs are taken in their
// current order; the first feedbackDocs with matching dimensions are
// relevant, the remainder non-relevant. Returns nil when query is empty.
func OptimizeQuery(query []float32, docs []Document) []float32 {
	if len(query) == 0 {
		return nil
	}
	dims := len(query)
	relevant := make([]float64, dims)
	other := make([]float64, dims)
	var nRel, nOther int

	for _, doc := range docs {
		if len(doc.Embedding) != dims {
			continue
		}
		target := other
		if nRel < feedbackDocs {
			target = relevant
			nRel++
		} else {
			nOther++
		}
		for i, v := range doc.Embedding {
			target[i] += float64(v)
		}
	}

	out := make([]float32, dims)
	for i, q := range query {
		v := rocchioAlpha * float64(q)
		if nRel > 0 {
			v += rocchioBeta * relevant[i] / float64(nRel)
		}
		if nOther > 0 {
			v -= rocchioGamma * other[i] / float64(nOther)
		}
		out[i] = float32(v)
	}
	return out
}

// Cosine returns the cosine similarity of a and b, 0 for mismatched or
// zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
