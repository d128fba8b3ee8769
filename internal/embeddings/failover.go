package embeddings

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Failover tries the primary provider once and, on any error, the fallback
// once. No state carries across calls: every call starts at the primary,
// so recovery is automatic once the primary is healthy again.
type Failover struct {
	primary  Provider
	fallback Provider
	logger   *zap.Logger
	metrics  *Metrics
}

// FailoverOption configures a Failover.
type FailoverOption func(*Failover)

// WithFailoverLogger sets the logger.
func WithFailoverLogger(l *zap.Logger) FailoverOption {
	return func(f *Failover) { f.logger = l }
}

// WithFailoverMetrics sets the metrics sink.
func WithFailoverMetrics(m *Metrics) FailoverOption {
	return func(f *Failover) { f.metrics = m }
}

// NewFailover wraps primary with fallback.
func NewFailover(primary, fallback Provider, opts ...FailoverOption) *Failover {
	f := &Failover{primary: primary, fallback: fallback, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GenerateEmbedding implements Provider.
func (f *Failover) GenerateEmbedding(ctx context.Context, text string) (*Result, error) {
	res, err := f.primary.GenerateEmbedding(ctx, text)
	if err == nil {
		f.served(ctx, res, f.primary)
		return res, nil
	}
	if errors.Is(err, ErrEmptyInput) {
		return nil, err
	}

	f.logger.Warn("primary embedding provider failed, using fallback",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.fallback.Name()),
		zap.Error(err),
	)
	f.metrics.RecordFallback(ctx, f.primary.Name(), f.fallback.Name())

	res, fbErr := f.fallback.GenerateEmbedding(ctx, text)
	if fbErr != nil {
		return nil, fmt.Errorf("%w: primary %s: %v; fallback %s: %v",
			ErrProviderUnavailable, f.primary.Name(), err, f.fallback.Name(), fbErr)
	}
	f.served(ctx, res, f.fallback)
	return res, nil
}

func (f *Failover) served(ctx context.Context, res *Result, p Provider) {
	res.Provider = p.Name()
	res.missRecorded = true
	f.metrics.RecordCacheMiss(ctx, p.Name())
}

// IsAvailable reports whether either provider is available.
func (f *Failover) IsAvailable(ctx context.Context) bool {
	return f.primary.IsAvailable(ctx) || f.fallback.IsAvailable(ctx)
}

// Name returns the composite name.
func (f *Failover) Name() string {
	return f.primary.Name() + "+" + f.fallback.Name()
}
