package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIProvider completes prompts through langchaingo. Works against any
// OpenAI-compatible server.
type OpenAIProvider struct {
	model  llms.Model
	name   string
	tokens int
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: openai API key is required", ErrInvalidConfig)
		}
		// Local servers ignore the token but langchaingo requires one.
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating OpenAI client: %v", ErrInvalidConfig, err)
	}
	return NewModelProvider(model, "openai"), nil
}

// NewModelProvider wraps any langchaingo model.
func NewModelProvider(model llms.Model, name string) *OpenAIProvider {
	return &OpenAIProvider{model: model, name: name, tokens: defaultMaxTokens}
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt,
		llms.WithMaxTokens(p.tokens),
		llms.WithTemperature(0),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }
