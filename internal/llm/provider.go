// Package llm provides text completion providers used for intent
// extraction, query expansion and grounded answer generation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/config"
)

var (
	// ErrProviderUnavailable indicates the provider could not serve a
	// completion after all retries.
	ErrProviderUnavailable = errors.New("llm provider unavailable")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid llm configuration")

	// ErrEmptyResponse indicates the provider answered without content.
	ErrEmptyResponse = errors.New("empty llm response")
)

const (
	defaultMaxTokens   = 1024
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 2
	defaultRateLimit   = 5.0
	defaultBurst       = 1
	defaultBaseBackoff = time.Second
)

// Provider completes a prompt into text.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// FromConfig creates the provider selected by cfg.Provider.
func FromConfig(cfg config.LLMConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Provider) {
	case "anthropic", "":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:     cfg.APIKey.Value(),
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout.Duration(),
			RateLimit:  cfg.RateLimit,
			MaxRetries: cfg.MaxRetries,
		}, logger)
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.APIKey.Value(),
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// retryableError marks transport failures, rate limiting and server errors.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
