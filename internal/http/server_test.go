package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/embeddings"
	"github.com/fyrsmithlabs/ragorch/internal/logging"
	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
	"github.com/fyrsmithlabs/ragorch/internal/storage"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

const testDims = 64

type fakeOrchestrator struct {
	mu        sync.Mutex
	requests  []orchestrator.Request
	requestID string
	history   []audit.IntentHistory
	limit     int
	err       error
	// result, when set, replaces the default successful result.
	result *orchestrator.Result
}

func (f *fakeOrchestrator) Handle(ctx context.Context, req orchestrator.Request) *orchestrator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.requestID = logging.RequestIDFromContext(ctx)
	if f.result != nil {
		return f.result
	}
	return &orchestrator.Result{
		Type:    orchestrator.TypeInformationProvided,
		Success: true,
		Message: "raw message with 4111-1111-1111-1111",
		SanitizedPayload: &sanitize.Payload{
			SafeSummary: "Here is what I found.",
			Message:     "raw message with [REDACTED]",
		},
		Metadata: map[string]any{"requestId": f.requestID},
	}
}

func (f *fakeOrchestrator) History(_ context.Context, userID string, limit int) ([]audit.IntentHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []audit.IntentHistory
	for _, h := range f.history {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

type testServer struct {
	server *Server
	orch   *fakeOrchestrator
	store  *vectorstore.Engine
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	return setupTestServerWithMetrics(t, nil)
}

func setupTestServerWithMetrics(t *testing.T, metrics *Metrics) *testServer {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default().VectorStore
	cfg.DataDir = storage.MemoryDSN
	cfg.VectorSize = testDims
	store, err := vectorstore.Open(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedder := embeddings.NewHashProvider(testDims)
	orch := &fakeOrchestrator{}
	server, err := NewServer(Deps{
		Orchestrator: orch,
		Searcher:     retrieval.NewEngine(store, embedder, retrieval.Config{}),
		Indexer:      vectorstore.NewIndexer(store, embedder, 2, nil),
		Store:        store,
		Sanitizer:    sanitize.New(config.Default().Sanitizer, nil, nil),
		Metrics:      metrics,
	}, zap.NewNop(), &Config{Host: "localhost", Port: 9090, Version: "test"})
	require.NoError(t, err)
	return &testServer{server: server, orch: orch, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(Deps{Orchestrator: &fakeOrchestrator{}, Searcher: retrieval.NewEngine(nil, nil, retrieval.Config{}),
			Indexer: &vectorstore.Indexer{}, Store: &vectorstore.Engine{}, Sanitizer: &sanitize.Sanitizer{}}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when orchestrator is nil", func(t *testing.T) {
		_, err := NewServer(Deps{}, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "orchestrator cannot be nil")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		ts := setupTestServer(t)
		server, err := NewServer(ts.server.deps, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
		assert.Equal(t, "1M", server.config.BodyLimit)
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodPut, "/api/v1/vectors/product/p-1", PutVectorRequest{Content: "road bike"})

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ragorch_vectorstore_operations_total")
}

func TestHandleOrchestrate(t *testing.T) {
	t.Run("returns only the sanitized view", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/orchestrate", OrchestrateRequest{
			Query:   "find my order",
			UserID:  "u-1",
			History: []retrieval.Turn{{User: "hi", Assistant: "hello"}},
		})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "4111-1111-1111-1111")

		var resp OrchestrateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, orchestrator.TypeInformationProvided, resp.Type)
		assert.True(t, resp.Success)
		require.NotNil(t, resp.Payload)
		assert.Equal(t, "raw message with [REDACTED]", resp.Payload.Message)

		require.Len(t, ts.orch.requests, 1)
		assert.Equal(t, "u-1", ts.orch.requests[0].UserID)
		assert.Len(t, ts.orch.requests[0].History, 1)
	})

	t.Run("propagates the echo request id", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/orchestrate", OrchestrateRequest{Query: "q", UserID: "u-1"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, ts.orch.requestID)
		assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), ts.orch.requestID)
	})

	t.Run("user id from header", func(t *testing.T) {
		ts := setupTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrate", strings.NewReader(`{"query":"q"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(HeaderUserID, "u-9")
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "u-9", ts.orch.requests[0].UserID)
	})

	t.Run("rejects empty query", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/orchestrate", OrchestrateRequest{UserID: "u-1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, ts.orch.requests)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		ts := setupTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrate", strings.NewReader("{invalid"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleHistory(t *testing.T) {
	ts := setupTestServer(t)
	ts.orch.history = []audit.IntentHistory{
		{ID: "h-2", UserID: "u-1", CreatedAt: time.Unix(20, 0), RedactedQuery: "second", EncryptedQuery: []byte("sealed"), ExecutionStatus: "COMPLETED"},
		{ID: "h-1", UserID: "u-1", CreatedAt: time.Unix(10, 0), RedactedQuery: "first", ExecutionStatus: "COMPLETED"},
		{ID: "h-3", UserID: "u-2", RedactedQuery: "other"},
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/history/u-1?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sealed")

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "u-1", resp.UserID)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "h-2", resp.Entries[0].ID)
	assert.Equal(t, 5, ts.orch.limit)

	rec = ts.do(t, http.MethodGet, "/api/v1/history/nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries":[]`)

	rec = ts.do(t, http.MethodGet, "/api/v1/history/u-1?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.orch.err = errors.New("database is locked")
	rec = ts.do(t, http.MethodGet, "/api/v1/history/u-1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")
}

func TestHandleVectors(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	metadata := vectorstore.MetadataOf("brand", "Orion", "price", "8999.00")
	rec := ts.do(t, http.MethodPut, "/api/v1/vectors/product/p-1", PutVectorRequest{
		Content:  "Orion carbon road bike",
		Metadata: metadata,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var put PutVectorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &put))
	assert.NotEmpty(t, put.VectorID)
	assert.Equal(t, "product", put.EntityType)

	// Upserting the same entity keeps the vector identity.
	rec = ts.do(t, http.MethodPut, "/api/v1/vectors/product/p-1", PutVectorRequest{Content: "Orion carbon road bike, 2025"})
	require.Equal(t, http.StatusOK, rec.Code)
	var again PutVectorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, put.VectorID, again.VectorID)

	n, err := ts.store.Count(ctx, "product")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec = ts.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.Vectors["product"])
	assert.Equal(t, 1, status.Total)

	for _, want := range []bool{true, false} {
		rec = ts.do(t, http.MethodDelete, "/api/v1/vectors/product/p-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var del DeleteVectorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &del))
		assert.Equal(t, want, del.Removed)
	}
}

func TestHandleSearch(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodPut, "/api/v1/vectors/customer/c-1", PutVectorRequest{Content: "Jane Doe road bike owner jane.doe@example.com"})
	ts.do(t, http.MethodPut, "/api/v1/vectors/product/p-1", PutVectorRequest{Content: "Orion carbon road bike"})

	rec := ts.do(t, http.MethodPost, "/api/v1/search", map[string]any{"query": "road bike"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "jane.doe@example.com")

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Payload)
	assert.NotEmpty(t, resp.Payload.Data["documents"])
	assert.Contains(t, resp.Payload.Sanitization.DetectedTypes, string(sanitize.CategoryEmail))

	rec = ts.do(t, http.MethodPost, "/api/v1/search", map[string]any{"query": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/search", map[string]any{"query": "bike", "rerankStrategy": "astrology"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerStartAndShutdown(t *testing.T) {
	ts := setupTestServer(t)
	ts.server.config.Port = 0

	done := make(chan error, 1)
	go func() { done <- ts.server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.server.Shutdown(ctx))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}
