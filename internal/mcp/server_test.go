package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/actions"
	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/embeddings"
	"github.com/fyrsmithlabs/ragorch/internal/gates"
	"github.com/fyrsmithlabs/ragorch/internal/intent"
	"github.com/fyrsmithlabs/ragorch/internal/llm"
	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
	"github.com/fyrsmithlabs/ragorch/internal/storage"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

const (
	testDims = 64
	testCard = "4111-1111-1111-1111"
)

type testEnv struct {
	server   *Server
	session  *mcp.ClientSession
	provider *llm.Scripted
	audit    *audit.MemoryStore
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return setupTestEnvWithMetrics(t, nil)
}

func setupTestEnvWithMetrics(t *testing.T, metrics *Metrics) *testEnv {
	t.Helper()
	ctx := context.Background()

	vcfg := config.Default().VectorStore
	vcfg.DataDir = storage.MemoryDSN
	vcfg.VectorSize = testDims
	store, err := vectorstore.Open(ctx, vcfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedder := embeddings.NewHashProvider(testDims)
	_, err = vectorstore.NewIndexer(store, embedder, 2, nil).Index(ctx,
		vectorstore.Entity{Type: "product", ID: "p-1", Content: "Carbon road bike with electronic shifting"},
		vectorstore.Entity{Type: "customer", ID: "c-1", Content: "Road bike order paid with card " + testCard},
	)
	require.NoError(t, err)

	gateSet, err := gates.New(config.Default().Gates, nil, zap.NewNop())
	require.NoError(t, err)
	registry, err := actions.NewRegistry(nil, actions.Builtins(store)...)
	require.NoError(t, err)

	provider := llm.NewScripted()
	auditStore := audit.NewMemoryStore()
	sanitizer := sanitize.New(config.Default().Sanitizer, nil, nil)
	engine := retrieval.NewEngine(store, embedder, retrieval.Config{})

	orch, err := orchestrator.New(orchestrator.Deps{
		Security:   gateSet.Security,
		Access:     gateSet.Access,
		Compliance: gateSet.Compliance,
		Extractor:  intent.NewExtractor(provider, intent.WithActions(registry.Names()...)),
		Retriever:  engine,
		Actions:    registry,
		Sanitizer:  sanitizer,
		Audit:      auditStore,
	})
	require.NoError(t, err)

	server, err := NewServer(&Config{Name: "ragorch-test", Version: "test", Metrics: metrics}, orch, engine, sanitizer)
	require.NoError(t, err)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := server.mcp.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return &testEnv{server: server, session: cs, provider: provider, audit: auditStore}
}

func (e *testEnv) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func decode[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	return out
}

func TestNewServer(t *testing.T) {
	sanitizer := sanitize.New(config.Default().Sanitizer, nil, nil)
	engine := retrieval.NewEngine(nil, nil, retrieval.Config{})

	t.Run("requires orchestrator", func(t *testing.T) {
		_, err := NewServer(nil, nil, engine, sanitizer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "orchestrator is required")
	})

	t.Run("requires searcher", func(t *testing.T) {
		_, err := NewServer(nil, &orchestrator.Orchestrator{}, nil, sanitizer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "searcher is required")
	})

	t.Run("requires sanitizer", func(t *testing.T) {
		_, err := NewServer(nil, &orchestrator.Orchestrator{}, engine, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sanitizer is required")
	})

	t.Run("registers every tool", func(t *testing.T) {
		s, err := NewServer(nil, &orchestrator.Orchestrator{}, engine, sanitizer)
		require.NoError(t, err)
		names := make([]string, 0)
		for _, tool := range s.Tools().List() {
			names = append(names, tool.Name)
		}
		assert.Equal(t, []string{"intent_history", "orchestrate", "rag_search", "tool_search"}, names)
	})
}

func TestServer_ListTools(t *testing.T) {
	env := setupTestEnv(t)

	res, err := env.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
		assert.NotNil(t, tool.InputSchema, "tool %s has no input schema", tool.Name)
	}
	for _, want := range []string{"orchestrate", "rag_search", "intent_history", "tool_search"} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestOrchestrateTool(t *testing.T) {
	t.Run("returns the sanitized result and audits it", func(t *testing.T) {
		env := setupTestEnv(t)
		env.provider.Enqueue(llm.Reply{Text: `{"intents":[{"type":"INFORMATION","intent":"order_lookup","query":"road bike order","vectorSpace":"customer","confidence":0.9}]}`})

		res := env.call(t, "orchestrate", map[string]any{
			"query":   "what did I pay for my road bike order",
			"user_id": "u-1",
		})
		require.False(t, res.IsError, textOf(t, res))

		text := textOf(t, res)
		assert.NotContains(t, text, testCard)

		out := decode[orchestrator.PublicResult](t, res)
		assert.Equal(t, orchestrator.TypeInformationProvided, out.Type)
		assert.True(t, out.Success)
		require.NotNil(t, out.Payload)
		assert.Contains(t, out.Payload.Sanitization.DetectedTypes, string(sanitize.CategoryCreditCard))

		entries, err := env.audit.List(context.Background(), "u-1", 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("empty user is audited as anonymous", func(t *testing.T) {
		env := setupTestEnv(t)
		env.provider.Enqueue(llm.Reply{Text: `{"intents":[]}`})

		res := env.call(t, "orchestrate", map[string]any{"query": "hello there"})
		require.False(t, res.IsError, textOf(t, res))

		out := decode[orchestrator.PublicResult](t, res)
		assert.Equal(t, orchestrator.TypeOutOfScope, out.Type)

		entries, err := env.audit.List(context.Background(), orchestrator.AnonymousUser, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("blank query is a tool error", func(t *testing.T) {
		env := setupTestEnv(t)
		res := env.call(t, "orchestrate", map[string]any{"query": "   ", "user_id": "u-1"})
		assert.True(t, res.IsError)
		assert.Contains(t, textOf(t, res), "query is required")
		assert.Zero(t, env.provider.Calls())
	})
}

func TestRAGSearchTool(t *testing.T) {
	env := setupTestEnv(t)

	t.Run("redacts retrieved content", func(t *testing.T) {
		res := env.call(t, "rag_search", map[string]any{
			"query":           "road bike order",
			"entity_types":    []string{"customer"},
			"expansion_level": 0,
		})
		require.False(t, res.IsError, textOf(t, res))
		assert.NotContains(t, textOf(t, res), testCard)

		payload := decode[sanitize.Payload](t, res)
		assert.True(t, payload.Sanitization.HasSensitiveData)
		assert.Equal(t, sanitize.RiskHigh, payload.Sanitization.RiskLevel)
		require.NotNil(t, payload.Warning)
	})

	t.Run("unknown rerank strategy is a tool error", func(t *testing.T) {
		res := env.call(t, "rag_search", map[string]any{
			"query":           "road bike",
			"rerank_strategy": "alphabetical",
		})
		assert.True(t, res.IsError)
	})
}

func TestIntentHistoryTool(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.audit.Record(ctx, &audit.IntentHistory{
		UserID:          "u-7",
		RedactedQuery:   "charge [REDACTED]",
		ExecutionStatus: orchestrator.StatusCompleted,
		Success:         true,
	}, "charge "+testCard))

	t.Run("lists entries without the raw query", func(t *testing.T) {
		res := env.call(t, "intent_history", map[string]any{"user_id": "u-7", "limit": 10})
		require.False(t, res.IsError, textOf(t, res))
		assert.NotContains(t, textOf(t, res), testCard)

		out := decode[intentHistoryOutput](t, res)
		assert.Equal(t, "u-7", out.UserID)
		require.Equal(t, 1, out.Count)
		assert.Equal(t, "charge [REDACTED]", out.Entries[0].RedactedQuery)
	})

	t.Run("unknown user has no entries", func(t *testing.T) {
		res := env.call(t, "intent_history", map[string]any{"user_id": "nobody"})
		require.False(t, res.IsError)
		out := decode[intentHistoryOutput](t, res)
		assert.Equal(t, 0, out.Count)
		assert.NotNil(t, out.Entries)
	})

	t.Run("rejects out of range limit", func(t *testing.T) {
		res := env.call(t, "intent_history", map[string]any{"user_id": "u-7", "limit": 5000})
		assert.True(t, res.IsError)
		assert.Contains(t, textOf(t, res), "invalid limit")
	})

	t.Run("requires user_id", func(t *testing.T) {
		res := env.call(t, "intent_history", map[string]any{"user_id": ""})
		assert.True(t, res.IsError)
	})
}

func TestToolSearchTool(t *testing.T) {
	env := setupTestEnv(t)

	res := env.call(t, "tool_search", map[string]any{"query": "history"})
	require.False(t, res.IsError, textOf(t, res))
	out := decode[toolSearchOutput](t, res)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "intent_history", out.Results[0].Tool.Name)

	res = env.call(t, "tool_search", map[string]any{"query": "search", "category": string(CategoryRetrieval)})
	require.False(t, res.IsError)
	out = decode[toolSearchOutput](t, res)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "rag_search", out.Results[0].Tool.Name)
}
