package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

// OpenAIProvider embeds through langchaingo's OpenAI client. Works against
// any OpenAI-compatible server (vLLM, Ollama, LocalAI).
type OpenAIProvider struct {
	embedder embeddings.Embedder
	model    string
	metrics  *Metrics
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg OpenAIConfig, metrics *Metrics) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for local servers.
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating OpenAI client: %v", ErrInvalidConfig, err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("%w: creating embedder: %v", ErrInvalidConfig, err)
	}
	return newOpenAIProvider(embedder, cfg.Model, metrics), nil
}

func newOpenAIProvider(embedder embeddings.Embedder, model string, metrics *Metrics) *OpenAIProvider {
	return &OpenAIProvider{embedder: embedder, model: model, metrics: metrics}
}

// GenerateEmbedding implements Provider.
func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.Name(), p.model, time.Since(start), err)
	}()

	if text == "" {
		return nil, ErrEmptyInput
	}
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrEmbeddingFailed)
	}
	return &Result{
		Embedding:      vec,
		Model:          p.model,
		Dimensions:     len(vec),
		ProcessingTime: time.Since(start),
		Provider:       p.Name(),
	}, nil
}

// IsAvailable reports whether a client was configured. Remote health is
// only discovered by calling it.
func (p *OpenAIProvider) IsAvailable(context.Context) bool {
	return p.embedder != nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }
