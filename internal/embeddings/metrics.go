package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragorch/internal/embeddings"

// Metrics holds embedding instruments. A nil *Metrics records nothing.
type Metrics struct {
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	fallbacks   metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return NewMetricsWithMeter(otel.Meter(instrumentationName), logger)
}

// NewMetricsWithMeter creates instruments on meter.
func NewMetricsWithMeter(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"ragorch.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of embedding generation by provider and model"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"ragorch.embedding.errors_total",
		metric.WithDescription("Embedding generation errors by provider"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.cacheHits, err = meter.Int64Counter(
		"ragorch.embedding.cache_hits_total",
		metric.WithDescription("Embedding requests served from the content-addressed cache"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create cache hits counter", zap.Error(err))
	}

	m.cacheMisses, err = meter.Int64Counter(
		"ragorch.embedding.cache_misses_total",
		metric.WithDescription("Embedding requests that reached a provider, by the provider that served them"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create cache misses counter", zap.Error(err))
	}

	m.fallbacks, err = meter.Int64Counter(
		"ragorch.embedding.fallbacks_total",
		metric.WithDescription("Requests redirected from the primary to the fallback provider"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create fallbacks counter", zap.Error(err))
	}

	return m
}

// RecordGeneration records one provider call.
func (m *Metrics) RecordGeneration(ctx context.Context, provider, model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordCacheHit counts a cache hit.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1)
}

// RecordCacheMiss counts a request served by provider.
func (m *Metrics) RecordCacheMiss(ctx context.Context, provider string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordFallback counts a redirect from primary to fallback.
func (m *Metrics) RecordFallback(ctx context.Context, from, to string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
