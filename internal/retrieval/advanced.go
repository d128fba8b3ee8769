package retrieval

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragorch/internal/reranker"
)

// PerformAdvancedRAG runs the advanced path: the conversation window is
// folded into the query, expanded phrasings are searched alongside it and
// the union is reranked before context assembly.
func (e *Engine) PerformAdvancedRAG(ctx context.Context, req AdvancedRequest) (resp *AdvancedResponse, err error) {
	ctx, span := tracer.Start(ctx, "Engine.PerformAdvancedRAG")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	base := strings.TrimSpace(req.Query)
	if base == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	strategy := req.RerankStrategy
	if strategy == "" {
		strategy = e.config.RerankStrategy
	}
	rr, err := reranker.New(strategy, e.config.KeywordWeight)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	search := e.normalize(req.Request)
	search.Query = base

	window := Window(req.History, e.config.ConversationWindow)
	effective := FoldWindow(base, window)

	level := req.ExpansionLevel
	if level < 0 {
		level = e.config.ExpansionLevel
	}
	expanded := e.expand(ctx, base, level)

	queries := append([]string{effective}, expanded...)
	vectors, err := e.embedAll(ctx, queries)
	if err != nil {
		return nil, err
	}

	personalized := len(req.Context) > 0
	if personalized {
		filters := make(map[string]string, len(search.Filters)+len(req.Context))
		maps.Copy(filters, search.Filters)
		maps.Copy(filters, req.Context)
		search.Filters = filters
	}

	hybrid := e.hybridEnabled(search)
	docs, err := e.collectAll(ctx, search, queries, vectors, hybrid)
	if err != nil {
		return nil, err
	}

	docs, err = e.rerank(ctx, rr, effective, vectors[0], docs)
	if err != nil {
		return nil, err
	}

	budget := req.ContextBudget
	if budget <= 0 {
		budget = e.config.ContextBudget
	}
	assembled := assembleContext(docs, budget)

	resp = &AdvancedResponse{
		Response: Response{
			Query:      base,
			Documents:  docs,
			HybridUsed: hybrid,
			Categories: categories(docs),
			Confidence: Confidence(docs),
		},
		ExpandedQueries:  expanded,
		RerankStrategy:   rr.Name(),
		Context:          assembled.text,
		ContextTruncated: assembled.truncated,
		Window:           window,
		Personalized:     personalized,
	}

	if personalized {
		broad := search
		broad.Filters = req.Filters
		broadDocs, err := e.collectAll(ctx, broad, queries, vectors, hybrid)
		if err != nil {
			return nil, err
		}
		resp.BroadCount = len(broadDocs)
	}

	resp.Response.Response, resp.Generated = e.answer(ctx, base, docs, assembled)

	span.SetAttributes(
		attribute.Int("retrieval.documents", len(docs)),
		attribute.Int("retrieval.expansions", len(expanded)),
		attribute.String("retrieval.rerank", rr.Name()),
	)
	e.logger.Debug("advanced rag completed",
		zap.Int("documents", len(docs)),
		zap.Int("expansions", len(expanded)),
		zap.String("rerank", rr.Name()),
		zap.Int("window", len(window)),
		zap.Float64("confidence", resp.Confidence))
	return resp, nil
}

// embedAll embeds queries in parallel. Only the first query is required;
// a failed expansion is logged and left nil.
func (e *Engine) embedAll(ctx context.Context, queries []string) ([][]float32, error) {
	vectors := make([][]float32, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expansionConcurrency)

	for i, q := range queries {
		g.Go(func() error {
			v, err := e.embed(gctx, q)
			if err != nil {
				if i == 0 {
					return err
				}
				e.logger.Warn("skipping expanded query", zap.Int("index", i), zap.Error(err))
				return nil
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// collectAll unions the hits of every query, keeping the best score per
// vector ID.
func (e *Engine) collectAll(ctx context.Context, req Request, queries []string, vectors [][]float32, hybrid bool) ([]Document, error) {
	byID := map[string]int{}
	var docs []Document
	for i, v := range vectors {
		if v == nil {
			continue
		}
		hits, err := e.collect(ctx, req, queries[i], v, hybrid)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			e.logger.Warn("expanded query search failed", zap.Int("index", i), zap.Error(err))
			continue
		}
		for _, h := range hits {
			if at, ok := byID[h.VectorID]; ok {
				if h.Similarity > docs[at].Similarity {
					docs[at] = h
				}
				continue
			}
			byID[h.VectorID] = len(docs)
			docs = append(docs, h)
		}
	}
	sortDocuments(docs)
	return docs, nil
}

// rerank applies rr and makes its score the active similarity. Every
// document survives; a non-positive score is floored so the order stays
// non-increasing and confidence stays above zero.
func (e *Engine) rerank(ctx context.Context, rr reranker.Reranker, text string, vector []float32, docs []Document) ([]Document, error) {
	if len(docs) == 0 {
		return docs, nil
	}

	var embs map[string][]float32
	if rr.Name() == reranker.StrategySemantic {
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.VectorID
		}
		var err error
		if embs, err = e.store.Embeddings(ctx, ids); err != nil {
			return nil, fmt.Errorf("%w: loading embeddings: %v", ErrRetrievalFailed, err)
		}
	}

	in := make([]reranker.Document, len(docs))
	for i, d := range docs {
		in[i] = reranker.Document{ID: d.VectorID, Content: d.Content, Score: d.Similarity, Embedding: embs[d.VectorID]}
	}
	scored, err := rr.Rerank(ctx, reranker.Query{Text: text, Vector: vector}, in, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: rerank: %v", ErrRetrievalFailed, err)
	}

	out := make([]Document, 0, len(scored))
	for _, s := range scored {
		d := docs[s.OriginalRank]
		d.Similarity = clampSimilarity(s.RerankerScore)
		out = append(out, d)
	}
	return out, nil
}
