package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

// stubProvider returns a fixed vector or error and counts calls.
type stubProvider struct {
	name  string
	vec   []float32
	err   error
	calls atomic.Int64
}

func (s *stubProvider) GenerateEmbedding(_ context.Context, text string) (*Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &Result{Embedding: append([]float32(nil), s.vec...), Model: s.name + "-model", Dimensions: len(s.vec), Provider: s.name}, nil
}

func (s *stubProvider) IsAvailable(context.Context) bool { return s.err == nil }
func (s *stubProvider) Name() string                     { return s.name }

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(64)
	a, err := p.GenerateEmbedding(context.Background(), "Travel to Lisbon")
	require.NoError(t, err)
	b, err := p.GenerateEmbedding(context.Background(), "travel to lisbon")
	require.NoError(t, err)

	assert.Equal(t, a.Embedding, b.Embedding)
	assert.Equal(t, 64, a.Dimensions)
	assert.Equal(t, "hash", a.Provider)

	var norm float64
	for _, v := range a.Embedding {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestHashProvider_SimilarTextIsCloser(t *testing.T) {
	p := NewHashProvider(256)
	ctx := context.Background()
	q, _ := p.GenerateEmbedding(ctx, "mountain bike")
	near, _ := p.GenerateEmbedding(ctx, "carbon mountain bike with disc brakes")
	far, _ := p.GenerateEmbedding(ctx, "invoice payment overdue")

	assert.Greater(t, dot(q.Embedding, near.Embedding), dot(q.Embedding, far.Embedding))
}

func TestHashProvider_EmptyInput(t *testing.T) {
	_, err := NewHashProvider(8).GenerateEmbedding(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	res, err := NewHashProvider(8).GenerateEmbedding(context.Background(), "!!!")
	require.NoError(t, err, "punctuation-only text still embeds")
	assert.Len(t, res.Embedding, 8)
}

func TestFailover_PrimaryHealthy(t *testing.T) {
	primary := &stubProvider{name: "primary", vec: []float32{1, 0}}
	fallback := &stubProvider{name: "fallback", vec: []float32{0, 1}}
	f := NewFailover(primary, fallback)

	res, err := f.GenerateEmbedding(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Provider)
	assert.Equal(t, int64(0), fallback.calls.Load())
}

func TestFailover_FallsBackOnceAndRetriesPrimaryNextCall(t *testing.T) {
	primary := &stubProvider{name: "primary", vec: []float32{1, 0}, err: errors.New("down")}
	fallback := &stubProvider{name: "fallback", vec: []float32{0, 1}}
	tel := telemetry.NewTestTelemetry()
	metrics := NewMetricsWithMeter(tel.Meter("test"), nil)
	f := NewFailover(primary, fallback, WithFailoverMetrics(metrics))

	res, err := f.GenerateEmbedding(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Provider)
	assert.Equal(t, []float32{0, 1}, res.Embedding)
	assert.Equal(t, int64(1), primary.calls.Load(), "primary attempted exactly once")
	assert.Equal(t, int64(1), fallback.calls.Load())

	// Primary recovers: the next call goes straight to it.
	primary.err = nil
	res, err = f.GenerateEmbedding(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Provider)
	assert.Equal(t, int64(2), primary.calls.Load())
	assert.Equal(t, int64(1), fallback.calls.Load())

	assert.Equal(t, int64(1), tel.CounterValue(t, "ragorch.embedding.cache_misses_total", attribute.String("provider", "fallback")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "ragorch.embedding.cache_misses_total", attribute.String("provider", "primary")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "ragorch.embedding.fallbacks_total"))
}

func TestFailover_BothFail(t *testing.T) {
	f := NewFailover(
		&stubProvider{name: "a", err: errors.New("a down")},
		&stubProvider{name: "b", err: errors.New("b down")},
	)
	_, err := f.GenerateEmbedding(context.Background(), "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "a down")
	assert.Contains(t, err.Error(), "b down")
}

func TestFailover_EmptyInputNotRedirected(t *testing.T) {
	primary := &stubProvider{name: "a", err: ErrEmptyInput}
	fallback := &stubProvider{name: "b", vec: []float32{1}}
	_, err := NewFailover(primary, fallback).GenerateEmbedding(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, int64(0), fallback.calls.Load())
}

func TestCache_IdenticalTextServedOnce(t *testing.T) {
	inner := &stubProvider{name: "inner", vec: []float32{0.6, 0.8}}
	c := NewCache(inner, CacheConfig{Size: 16, TTL: time.Minute})

	first, err := c.GenerateEmbedding(context.Background(), "same text")
	require.NoError(t, err)
	second, err := c.GenerateEmbedding(context.Background(), "same text")
	require.NoError(t, err)

	assert.Equal(t, first.Embedding, second.Embedding)
	assert.True(t, second.Cached)
	assert.Equal(t, int64(1), inner.calls.Load())
	assert.Equal(t, CacheStats{Hits: 1, Misses: 1, Size: 1}, c.Stats())

	// Mutating a returned vector must not corrupt the cache.
	second.Embedding[0] = 99
	third, _ := c.GenerateEmbedding(context.Background(), "same text")
	assert.Equal(t, float32(0.6), third.Embedding[0])
}

func TestCache_ConcurrentCountersAccurate(t *testing.T) {
	inner := &stubProvider{name: "inner", vec: []float32{1}}
	c := NewCache(inner, CacheConfig{Size: 16, TTL: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GenerateEmbedding(context.Background(), "hot")
		}()
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, int64(50), stats.Hits+stats.Misses)
}

func TestCache_PurgeAndErrors(t *testing.T) {
	inner := &stubProvider{name: "inner", err: errors.New("boom")}
	c := NewCache(inner, CacheConfig{})
	_, err := c.GenerateEmbedding(context.Background(), "x")
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len(), "errors are not cached")

	inner.err = nil
	inner.vec = []float32{1}
	_, err = c.GenerateEmbedding(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, CacheStats{}, c.Stats())
}

func TestTEIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			var req teiRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.Truncate)
			if req.Inputs == "fail" {
				http.Error(w, "model overloaded", http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode([][]float32{{0.1, 0.2, 0.3}})
		}
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "bge"}, nil)
	require.NoError(t, err)
	assert.True(t, p.IsAvailable(context.Background()))

	res, err := p.GenerateEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, res.Embedding)
	assert.Equal(t, "tei", res.Provider)
	assert.Equal(t, 3, res.Dimensions)

	_, err = p.GenerateEmbedding(context.Background(), "fail")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestNewTEIProvider_RequiresURL(t *testing.T) {
	_, err := NewTEIProvider(TEIConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type fakeLangchainEmbedder struct {
	vec []float32
	err error
}

func (f fakeLangchainEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return [][]float32{f.vec}, f.err
}

func (f fakeLangchainEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

func TestOpenAIProvider(t *testing.T) {
	p := newOpenAIProvider(fakeLangchainEmbedder{vec: []float32{1, 2}}, "m", nil)
	res, err := p.GenerateEmbedding(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "m", res.Model)

	p = newOpenAIProvider(fakeLangchainEmbedder{err: errors.New("401")}, "m", nil)
	_, err = p.GenerateEmbedding(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestFromConfig_HashWithCache(t *testing.T) {
	cfg := config.Default().Embeddings
	p, err := FromConfig(cfg, nil)
	require.NoError(t, err)

	_, ok := p.(*Cache)
	require.True(t, ok)
	res, err := p.GenerateEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, res.Embedding, cfg.Dimensions)
	assert.NoError(t, Close(p))
}

func TestFromConfig_UnknownProvider(t *testing.T) {
	cfg := config.Default().Embeddings
	cfg.Provider = "nope"
	_, err := FromConfig(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEmbeddingFunc(t *testing.T) {
	fn := EmbeddingFunc(&stubProvider{name: "s", vec: []float32{3}})
	vec, err := fn(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, vec)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
