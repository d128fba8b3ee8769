package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/embeddings"
	"github.com/fyrsmithlabs/ragorch/internal/llm"
	"github.com/fyrsmithlabs/ragorch/internal/reranker"
	"github.com/fyrsmithlabs/ragorch/internal/storage"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

const testDims = 256

var catalogFixture = []vectorstore.Entity{
	{Type: "product", ID: "p-1", Content: "Orion carbon road bike with electronic shifting",
		Metadata: vectorstore.MetadataOf("category", "cycling", "price", "8999.00", "brand", "Orion")},
	{Type: "product", ID: "p-2", Content: "Orion aluminium gravel bike for long rides",
		Metadata: vectorstore.MetadataOf("category", "cycling", "price", "2499.00", "brand", "Orion")},
	{Type: "product", ID: "p-3", Content: "Trail running shoes with aggressive grip",
		Metadata: vectorstore.MetadataOf("category", "running", "price", "149.00", "brand", "Stride")},
	{Type: "product", ID: "p-4", Content: "Cycling helmet with rear light for road bike commuting",
		Metadata: vectorstore.MetadataOf("category", "cycling", "price", "119.00", "brand", "Halo")},
	{Type: "customer", ID: "c-1", Content: "Alice Martin, road bike enthusiast and club cyclist",
		Metadata: vectorstore.MetadataOf("tier", "gold", "relationshipSummary", "owns p-1; placed o-1")},
	{Type: "order", ID: "o-1", Content: "Order for an Orion road bike and a cycling helmet shipped to Alice",
		Metadata: vectorstore.MetadataOf("status", "shipped", "relationshipSummary", "customer c-1; items p-1, p-4")},
	{Type: "article", ID: "a-1", Content: "How to choose running shoes for trail races",
		Metadata: vectorstore.MetadataOf("category", "running")},
}

type fixture struct {
	store    *vectorstore.Engine
	embedder embeddings.Provider
}

func newFixture(t *testing.T, entities ...vectorstore.Entity) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default().VectorStore
	cfg.DataDir = storage.MemoryDSN
	cfg.VectorSize = testDims
	store, err := vectorstore.Open(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedder := embeddings.NewHashProvider(testDims)
	if len(entities) == 0 {
		entities = catalogFixture
	}
	items := make([]vectorstore.Indexable, len(entities))
	for i, e := range entities {
		items[i] = e
	}
	_, err = vectorstore.NewIndexer(store, embedder, 4, nil).Index(ctx, items...)
	require.NoError(t, err)

	return &fixture{store: store, embedder: embedder}
}

func (f *fixture) engine(cfg Config, opts ...Option) *Engine {
	return NewEngine(f.store, f.embedder, cfg, opts...)
}

func docIDs(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.EntityType + "/" + d.EntityID
	}
	sort.Strings(out)
	return out
}

func assertConfidenceIsMean(t *testing.T, docs []Document, confidence float64) {
	t.Helper()
	if len(docs) == 0 {
		assert.Zero(t, confidence)
		return
	}
	var sum float64
	for _, d := range docs {
		sum += d.Similarity
	}
	assert.InDelta(t, sum/float64(len(docs)), confidence, 5e-3)
	assert.Greater(t, confidence, 0.0)
	assert.LessOrEqual(t, confidence, 1.0)
}

func assertNonIncreasing(t *testing.T, docs []Document) {
	t.Helper()
	for i := 1; i < len(docs); i++ {
		assert.GreaterOrEqual(t, docs[i-1].Similarity+1e-6, docs[i].Similarity, "position %d", i)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestPerformRAG_RanksAndSummarizes(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{})

	resp, err := e.PerformRAG(context.Background(), Request{Query: "Orion road bike", EntityTypes: []string{"product"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Documents)

	assert.Equal(t, "p-1", resp.Documents[0].EntityID)
	assert.False(t, resp.HybridUsed)
	assert.Equal(t, []string{"product"}, resp.Categories)
	assert.Contains(t, resp.Response, "relevant")
	assert.False(t, resp.Generated)
	assertNonIncreasing(t, resp.Documents)
	assertConfidenceIsMean(t, resp.Documents, resp.Confidence)
	for _, d := range resp.Documents {
		assert.Greater(t, d.Similarity, 0.0)
	}
}

func TestPerformRAG_HybridIsSuperset(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{})
	queries := []string{"road bike helmet", "running shoes", "Alice order shipped", "gravel"}

	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			vectorOnly, err := e.PerformRAG(context.Background(), Request{Query: q, Limit: 3, Hybrid: boolPtr(false)})
			require.NoError(t, err)
			hybrid, err := e.PerformRAG(context.Background(), Request{Query: q, Limit: 3, Hybrid: boolPtr(true)})
			require.NoError(t, err)

			assert.True(t, hybrid.HybridUsed)
			assert.Subset(t, docIDs(hybrid.Documents), docIDs(vectorOnly.Documents))
			assertNonIncreasing(t, hybrid.Documents)
			assertConfidenceIsMean(t, hybrid.Documents, hybrid.Confidence)
		})
	}
}

func TestPerformRAG_HybridKeepsVectorHitsAtFullKeywordWeight(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{KeywordWeight: 1})
	require.InDelta(t, 1.0, e.Config().KeywordWeight, 1e-9)

	for _, q := range []string{"carbon road bicycle", "trail footwear", "electronic shifting"} {
		t.Run(q, func(t *testing.T) {
			vectorOnly, err := e.PerformRAG(context.Background(), Request{Query: q, Hybrid: boolPtr(false)})
			require.NoError(t, err)
			hybrid, err := e.PerformRAG(context.Background(), Request{Query: q, Hybrid: boolPtr(true)})
			require.NoError(t, err)

			assert.Subset(t, docIDs(hybrid.Documents), docIDs(vectorOnly.Documents))
			assertNonIncreasing(t, hybrid.Documents)
			assertConfidenceIsMean(t, hybrid.Documents, hybrid.Confidence)
			for _, d := range hybrid.Documents {
				assert.Greater(t, d.Similarity, 0.0)
			}
		})
	}
}

func TestPerformRAG_HybridDefaultFromConfig(t *testing.T) {
	f := newFixture(t)
	resp, err := f.engine(Config{HybridEnabled: true}).PerformRAG(context.Background(), Request{Query: "helmet"})
	require.NoError(t, err)
	assert.True(t, resp.HybridUsed)
}

func TestPerformRAG_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine(Config{}).PerformRAG(context.Background(), Request{Query: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type failingEmbedder struct{}

func (failingEmbedder) GenerateEmbedding(context.Context, string) (*embeddings.Result, error) {
	return nil, embeddings.ErrProviderUnavailable
}
func (failingEmbedder) IsAvailable(context.Context) bool { return false }
func (failingEmbedder) Name() string                     { return "down" }

type failingStore struct{ Store }

func (failingStore) Search(context.Context, []float32, vectorstore.SearchParams) ([]vectorstore.SearchResult, error) {
	return nil, errors.New("index unreachable")
}

func TestPerformRAG_FailuresAreRetrievalErrors(t *testing.T) {
	f := newFixture(t)

	_, err := NewEngine(f.store, failingEmbedder{}, Config{}).PerformRAG(context.Background(), Request{Query: "bike"})
	require.ErrorIs(t, err, ErrRetrievalFailed)
	assert.Contains(t, err.Error(), "embedding query")

	_, err = NewEngine(failingStore{f.store}, f.embedder, Config{}).PerformRAG(context.Background(), Request{Query: "bike"})
	require.ErrorIs(t, err, ErrRetrievalFailed)
	assert.Contains(t, err.Error(), "index unreachable")

	_, err = NewEngine(failingStore{f.store}, f.embedder, Config{}).PerformAdvancedRAG(context.Background(), AdvancedRequest{Request: Request{Query: "bike"}})
	assert.ErrorIs(t, err, ErrRetrievalFailed)
}

func TestPerformRAG_GeneratesAnswerWhenEnabled(t *testing.T) {
	f := newFixture(t)
	provider := llm.NewScripted("The Orion road bike costs 8999.00.")
	e := f.engine(Config{GenerateAnswers: true}, WithLLM(provider))

	resp, err := e.PerformRAG(context.Background(), Request{Query: "price of the Orion road bike"})
	require.NoError(t, err)
	assert.True(t, resp.Generated)
	assert.Equal(t, "The Orion road bike costs 8999.00.", resp.Response)
	require.Equal(t, 1, provider.Calls())
	assert.Contains(t, provider.Prompts()[0], "[product/p-1]")
}

func TestPerformRAG_AnswerFailureFallsBackToSummary(t *testing.T) {
	f := newFixture(t)
	provider := llm.NewScripted().Enqueue(llm.Reply{Err: llm.ErrProviderUnavailable})
	e := f.engine(Config{GenerateAnswers: true}, WithLLM(provider))

	resp, err := e.PerformRAG(context.Background(), Request{Query: "road bike"})
	require.NoError(t, err)
	assert.False(t, resp.Generated)
	assert.True(t, strings.HasPrefix(resp.Response, "Found "))
}

func TestPerformAdvancedRAG_ExpansionNeverShrinks(t *testing.T) {
	f := newFixture(t)
	provider := llm.NewScripted("1. cycling helmet\n2. trail running shoes\n3. extra line ignored")
	e := f.engine(Config{}, WithLLM(provider))
	ctx := context.Background()

	base, err := e.PerformAdvancedRAG(ctx, AdvancedRequest{Request: Request{Query: "road bike", Limit: 2}})
	require.NoError(t, err)
	assert.Empty(t, base.ExpandedQueries)
	assert.Zero(t, provider.Calls())

	expanded, err := e.PerformAdvancedRAG(ctx, AdvancedRequest{Request: Request{Query: "road bike", Limit: 2}, ExpansionLevel: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"cycling helmet", "trail running shoes"}, expanded.ExpandedQueries)
	assert.Equal(t, 1, provider.Calls())

	assert.Subset(t, docIDs(expanded.Documents), docIDs(base.Documents))
	assert.GreaterOrEqual(t, len(expanded.Categories), len(base.Categories))
	assertNonIncreasing(t, expanded.Documents)
	assertConfidenceIsMean(t, expanded.Documents, expanded.Confidence)
}

func TestPerformAdvancedRAG_ExpansionFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	provider := llm.NewScripted().Enqueue(llm.Reply{Err: llm.ErrProviderUnavailable})
	e := f.engine(Config{}, WithLLM(provider))

	resp, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{Request: Request{Query: "road bike"}, ExpansionLevel: 3})
	require.NoError(t, err)
	assert.Empty(t, resp.ExpandedQueries)
	assert.NotEmpty(t, resp.Documents)
}

func TestPerformAdvancedRAG_RerankStrategies(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{})

	for _, strategy := range []string{reranker.StrategyScore, reranker.StrategySemantic, reranker.StrategyHybrid} {
		t.Run(strategy, func(t *testing.T) {
			resp, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{
				Request:        Request{Query: "road bike for commuting", EntityTypes: []string{"product", "order"}},
				RerankStrategy: strategy,
			})
			require.NoError(t, err)
			require.NotEmpty(t, resp.Documents)
			assert.Equal(t, strategy, resp.RerankStrategy)
			assertNonIncreasing(t, resp.Documents)
			assertConfidenceIsMean(t, resp.Documents, resp.Confidence)

			if strategy == reranker.StrategySemantic {
				changed := false
				for _, d := range resp.Documents {
					if diff := d.Similarity - d.VectorSimilarity; diff > 1e-6 || diff < -1e-6 {
						changed = true
					}
				}
				assert.True(t, changed, "semantic rerank must rescore at least one document")
			}
		})
	}

	_, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{Request: Request{Query: "bike"}, RerankStrategy: "llm"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPerformAdvancedRAG_RerankKeepsEveryDocument(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{KeywordWeight: 1})
	req := Request{Query: "carbon road bicycle", EntityTypes: []string{"product", "customer", "order"}}

	baseline, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{Request: req, RerankStrategy: reranker.StrategyScore})
	require.NoError(t, err)
	require.NotEmpty(t, baseline.Documents)

	for _, strategy := range []string{reranker.StrategySemantic, reranker.StrategyHybrid} {
		t.Run(strategy, func(t *testing.T) {
			resp, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{Request: req, RerankStrategy: strategy})
			require.NoError(t, err)
			assert.Equal(t, docIDs(baseline.Documents), docIDs(resp.Documents))
			assertNonIncreasing(t, resp.Documents)
			assertConfidenceIsMean(t, resp.Documents, resp.Confidence)
		})
	}
}

func TestPerformAdvancedRAG_ContextualFilters(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{})

	resp, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{
		Request: Request{Query: "cycling gear road bike shoes", EntityTypes: []string{"product"}, Hybrid: boolPtr(true)},
		Context: map[string]string{"category": "cycling"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Documents)
	assert.True(t, resp.Personalized)
	assert.LessOrEqual(t, len(resp.Documents), resp.BroadCount)
	for _, d := range resp.Documents {
		assert.Equal(t, "cycling", d.Metadata.GetString("category"), d.EntityID)
	}
}

func TestPerformAdvancedRAG_CrossEntityAggregation(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{})

	resp, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{
		Request: Request{Query: "Alice Orion road bike order", EntityTypes: []string{"customer", "order", "product"}},
	})
	require.NoError(t, err)
	assert.Subset(t, resp.Categories, []string{"customer", "order", "product"})

	var summaries []string
	for _, d := range resp.Documents {
		if s := d.Metadata.GetString("relationshipSummary"); s != "" {
			summaries = append(summaries, s)
		}
	}
	assert.ElementsMatch(t, []string{"owns p-1; placed o-1", "customer c-1; items p-1, p-4"}, summaries)
	assert.Contains(t, resp.Context, "related: customer c-1; items p-1, p-4")
}

func TestPerformAdvancedRAG_ContextBudget(t *testing.T) {
	filler := strings.Repeat("scenic coastal travel itinerary with ferries and mountain trains ", 16)
	var entities []vectorstore.Entity
	for i := 0; i < 40; i++ {
		entities = append(entities, vectorstore.Entity{Type: "travel", ID: fmt.Sprintf("t-%02d", i), Content: fmt.Sprintf("Trip %d: %s", i, filler)})
	}
	f := newFixture(t, entities...)
	e := f.engine(Config{})

	resp, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{Request: Request{Query: "travel itinerary", Limit: 40}})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 40)
	assert.True(t, resp.ContextTruncated)
	assert.LessOrEqual(t, len(resp.Context), DefaultContextBudget)
	assert.NotEmpty(t, resp.Context)

	small, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{Request: Request{Query: "travel itinerary", Limit: 40}, ContextBudget: 100})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(small.Context), 100)
	assert.NotEmpty(t, small.Context)
}

func TestPerformAdvancedRAG_ConversationWindow(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Config{})

	history := []Turn{
		{User: "tell me about running shoes", Assistant: "Stride trail running shoes have aggressive grip."},
		{User: "what about bikes?", Assistant: "The Orion carbon road bike has electronic shifting."},
		{User: "and the gravel one?", Assistant: "The Orion aluminium gravel bike suits long rides."},
	}
	resp, err := e.PerformAdvancedRAG(context.Background(), AdvancedRequest{
		Request: Request{Query: "how much does it cost?", EntityTypes: []string{"product"}},
		History: history,
	})
	require.NoError(t, err)
	assert.Equal(t, history[1:], resp.Window)
	require.NotEmpty(t, resp.Documents)
	assert.Equal(t, "cycling", resp.Documents[0].Metadata.GetString("category"))
}
