// Package retrieval answers information requests from the vector store.
//
// PerformRAG embeds the query, searches one or many entity types and
// optionally blends keyword overlap into the ranking. PerformAdvancedRAG adds
// LLM query expansion, reranking strategies, personalization filters,
// conversation windows and bounded context assembly.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/embeddings"
	"github.com/fyrsmithlabs/ragorch/internal/llm"
	"github.com/fyrsmithlabs/ragorch/internal/reranker"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

var tracer = otel.Tracer("ragorch.retrieval")

// Store is the part of the vector store retrieval reads from.
type Store interface {
	Search(ctx context.Context, queryVector []float32, params vectorstore.SearchParams) ([]vectorstore.SearchResult, error)
	SearchContent(ctx context.Context, text, entityType string, limit int) ([]vectorstore.SearchResult, error)
	Embeddings(ctx context.Context, vectorIDs []string) (map[string][]float32, error)
}

// Config holds engine defaults.
type Config struct {
	EntityTypes        []string
	DefaultLimit       int
	HybridEnabled      bool
	KeywordWeight      float64
	ContextBudget      int
	ConversationWindow int
	ExpansionLevel     int
	RerankStrategy     string
	GenerateAnswers    bool
}

// ConfigFrom converts the retrieval config section.
func ConfigFrom(c config.RetrievalConfig) Config {
	return Config{
		EntityTypes:        c.EntityTypes,
		DefaultLimit:       c.DefaultLimit,
		HybridEnabled:      c.HybridEnabled,
		KeywordWeight:      c.KeywordWeight,
		ContextBudget:      c.ContextBudget,
		ConversationWindow: c.ConversationWindow,
		ExpansionLevel:     c.ExpansionLevel,
		RerankStrategy:     c.RerankStrategy,
		GenerateAnswers:    c.GenerateAnswers,
	}
}

func (c *Config) applyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.KeywordWeight <= 0 || c.KeywordWeight > 1 {
		c.KeywordWeight = DefaultKeywordWeight
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = DefaultContextBudget
	}
	if c.ConversationWindow <= 0 {
		c.ConversationWindow = DefaultConversationWindow
	}
	if c.ExpansionLevel < 0 {
		c.ExpansionLevel = 0
	}
	if c.RerankStrategy == "" {
		c.RerankStrategy = reranker.StrategyScore
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLLM sets the provider used for query expansion and answers.
func WithLLM(p llm.Provider) Option {
	return func(e *Engine) { e.llm = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine performs standard and advanced retrieval. It holds no per-request
// state and is safe for concurrent use.
type Engine struct {
	store    Store
	embedder embeddings.Provider
	llm      llm.Provider
	config   Config
	logger   *zap.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(store Store, embedder embeddings.Provider, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		store:    store,
		embedder: embedder,
		config:   cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// PerformRAG runs the standard retrieval path.
func (e *Engine) PerformRAG(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, span := tracer.Start(ctx, "Engine.PerformRAG")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	req = e.normalize(req)

	vector, err := e.embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	hybrid := e.hybridEnabled(req)
	docs, err := e.collect(ctx, req, req.Query, vector, hybrid)
	if err != nil {
		return nil, err
	}
	sortDocuments(docs)

	resp = &Response{
		Query:      req.Query,
		Documents:  docs,
		HybridUsed: hybrid,
		Categories: categories(docs),
		Confidence: Confidence(docs),
	}
	resp.Response, resp.Generated = e.answer(ctx, req.Query, docs, assembleContext(docs, e.config.ContextBudget))

	span.SetAttributes(
		attribute.Int("retrieval.documents", len(docs)),
		attribute.Bool("retrieval.hybrid", hybrid),
	)
	e.logger.Debug("rag completed",
		zap.Int("documents", len(docs)),
		zap.Bool("hybrid", hybrid),
		zap.Float64("confidence", resp.Confidence))
	return resp, nil
}

func (e *Engine) normalize(req Request) Request {
	if len(req.EntityTypes) == 0 {
		req.EntityTypes = e.config.EntityTypes
	}
	if req.Limit <= 0 {
		req.Limit = e.config.DefaultLimit
	}
	return req
}

func (e *Engine) hybridEnabled(req Request) bool {
	if req.Hybrid != nil {
		return *req.Hybrid
	}
	return e.config.HybridEnabled
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrRetrievalFailed, err)
	}
	return res.Embedding, nil
}

// collect runs the vector search and, for hybrid, merges lexical candidates
// and blends keyword overlap into every score. Vector hits are never
// dropped by the hybrid pass, whatever the keyword weight, so the hybrid ID
// set contains the vector-only ID set. Lexical extras scoring zero are
// dropped.
func (e *Engine) collect(ctx context.Context, req Request, text string, vector []float32, hybrid bool) ([]Document, error) {
	results, err := e.store.Search(ctx, vector, vectorstore.SearchParams{
		EntityTypes: req.EntityTypes,
		Limit:       req.Limit,
		Threshold:   req.Threshold,
		Filters:     req.Filters,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", ErrRetrievalFailed, err)
	}

	docs := make([]Document, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Similarity <= 0 {
			continue
		}
		seen[r.VectorID] = true
		docs = append(docs, documentFrom(r, r.Similarity))
	}
	if !hybrid {
		return docs, nil
	}

	extra, err := e.lexicalCandidates(ctx, req, text, vector, seen)
	if err != nil {
		return nil, err
	}
	vectorHits := len(docs)
	docs = append(docs, extra...)

	queryTokens := reranker.Tokenize(text)
	kept := docs[:0]
	for i, d := range docs {
		d.KeywordScore = reranker.TermOverlap(queryTokens, reranker.Tokenize(d.Content))
		blended := reranker.Blend(d.VectorSimilarity, d.KeywordScore, e.config.KeywordWeight)
		switch {
		case i < vectorHits:
			d.Similarity = clampSimilarity(blended)
		case blended > 0:
			d.Similarity = min(blended, 1)
		default:
			continue
		}
		kept = append(kept, d)
	}
	return kept, nil
}

// minSimilarity is the floor for a document that must stay in the result
// set even though its blended or reranked score reached zero.
const minSimilarity = 1e-6

func clampSimilarity(s float64) float64 {
	return min(max(s, minSimilarity), 1)
}

// lexicalCandidates returns full-text hits not already in seen, scored by
// cosine similarity against their stored embeddings.
func (e *Engine) lexicalCandidates(ctx context.Context, req Request, text string, vector []float32, seen map[string]bool) ([]Document, error) {
	types := req.EntityTypes
	if len(types) == 0 {
		types = []string{""}
	}

	var candidates []vectorstore.SearchResult
	for _, t := range types {
		hits, err := e.store.SearchContent(ctx, text, t, req.Limit)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword search: %v", ErrRetrievalFailed, err)
		}
		for _, h := range hits {
			if seen[h.VectorID] || !h.Metadata.Matches(req.Filters) {
				continue
			}
			seen[h.VectorID] = true
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.VectorID
	}
	vectors, err := e.store.Embeddings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: loading embeddings: %v", ErrRetrievalFailed, err)
	}

	docs := make([]Document, 0, len(candidates))
	for _, c := range candidates {
		cos := reranker.Cosine(vector, vectors[c.VectorID])
		if cos < 0 {
			cos = 0
		}
		docs = append(docs, documentFrom(c, cos))
	}
	return docs, nil
}

func documentFrom(r vectorstore.SearchResult, vectorSimilarity float64) Document {
	return Document{
		VectorID:         r.VectorID,
		EntityType:       r.EntityType,
		EntityID:         r.EntityID,
		Content:          r.Content,
		Similarity:       vectorSimilarity,
		VectorSimilarity: vectorSimilarity,
		Metadata:         r.Metadata,
	}
}

func sortDocuments(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Similarity != docs[j].Similarity {
			return docs[i].Similarity > docs[j].Similarity
		}
		return docs[i].VectorID < docs[j].VectorID
	})
}

// Confidence is the arithmetic mean of the documents' similarity, 0 when
// there are none.
func Confidence(docs []Document) float64 {
	if len(docs) == 0 {
		return 0
	}
	var sum float64
	for _, d := range docs {
		sum += d.Similarity
	}
	return sum / float64(len(docs))
}

func categories(docs []Document) []string {
	var out []string
	seen := map[string]bool{}
	for _, d := range docs {
		if !seen[d.EntityType] {
			seen[d.EntityType] = true
			out = append(out, d.EntityType)
		}
	}
	return out
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
