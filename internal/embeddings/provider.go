// Package embeddings turns text into vectors through pluggable providers.
//
// Providers are composed as decorators: a Cache in front of a Failover in
// front of concrete backends (fastembed, TEI, OpenAI-compatible, hash).
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates a provider returned an error or bad output.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrProviderUnavailable indicates no provider could serve the request.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
)

// Result is a single generated embedding.
type Result struct {
	Embedding      []float32
	Model          string
	Dimensions     int
	ProcessingTime time.Duration
	// Provider names the provider that actually served the request.
	Provider string
	Cached   bool

	missRecorded bool
}

// Provider generates embeddings.
type Provider interface {
	GenerateEmbedding(ctx context.Context, text string) (*Result, error)
	IsAvailable(ctx context.Context) bool
	Name() string
}

// Closer is implemented by providers holding native resources.
type Closer interface {
	Close() error
}

// ProviderConfig describes one concrete provider.
type ProviderConfig struct {
	Provider   string // fastembed, tei, openai, hash
	Model      string
	BaseURL    string
	APIKey     string
	CacheDir   string
	Dimensions int
}

// NewProvider creates a concrete provider.
func NewProvider(cfg ProviderConfig, metrics *Metrics) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "hash", "":
		p = NewHashProvider(cfg.Dimensions)
	case "fastembed":
		var fe *FastEmbedProvider
		if fe, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir}, metrics); err == nil {
			p = fe
		}
	case "tei":
		var tei *TEIProvider
		if tei, err = NewTEIProvider(TEIConfig{BaseURL: cfg.BaseURL, Model: cfg.Model}, metrics); err == nil {
			p = tei
		}
	case "openai":
		var oa *OpenAIProvider
		if oa, err = NewOpenAIProvider(OpenAIConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, APIKey: cfg.APIKey}, metrics); err == nil {
			p = oa
		}
	default:
		err = fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FromConfig builds the full provider chain described by cfg: primary,
// optional fallback and the content-addressed cache.
func FromConfig(cfg config.EmbeddingsConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics(logger)

	primary, err := NewProvider(ProviderConfig{
		Provider:   cfg.Provider,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey.Value(),
		CacheDir:   cfg.CacheDir,
		Dimensions: cfg.Dimensions,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("creating primary provider: %w", err)
	}

	var chain Provider = primary
	if cfg.Fallback != "" {
		fallback, err := NewProvider(ProviderConfig{
			Provider:   cfg.Fallback,
			Model:      cfg.FallbackModel,
			BaseURL:    cfg.FallbackBaseURL,
			APIKey:     cfg.APIKey.Value(),
			CacheDir:   cfg.CacheDir,
			Dimensions: cfg.Dimensions,
		}, metrics)
		if err != nil {
			return nil, fmt.Errorf("creating fallback provider: %w", err)
		}
		chain = NewFailover(primary, fallback, WithFailoverLogger(logger), WithFailoverMetrics(metrics))
	}

	return NewCache(chain, CacheConfig{
		Size:    cfg.CacheSize,
		TTL:     cfg.CacheTTL.Duration(),
		Metrics: metrics,
	}), nil
}

// EmbeddingFunc adapts p to the func(ctx, text) shape used by embedded
// vector databases.
func EmbeddingFunc(p Provider) func(ctx context.Context, text string) ([]float32, error) {
	return func(ctx context.Context, text string) ([]float32, error) {
		res, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		return res.Embedding, nil
	}
}

// Close releases native resources of p and any wrapped providers.
func Close(p Provider) error {
	var errs []error
	switch v := p.(type) {
	case *Cache:
		errs = append(errs, Close(v.provider))
	case *Failover:
		errs = append(errs, Close(v.primary), Close(v.fallback))
	case Closer:
		errs = append(errs, v.Close())
	}
	return errors.Join(errs...)
}
