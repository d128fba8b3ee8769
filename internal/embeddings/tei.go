package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TEIConfig configures a HuggingFace Text Embeddings Inference service.
type TEIConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// TEIProvider calls the TEI /embed endpoint.
type TEIProvider struct {
	config  TEIConfig
	client  *http.Client
	metrics *Metrics
}

type teiRequest struct {
	Inputs   string `json:"inputs"`
	Truncate bool   `json:"truncate"`
}

// NewTEIProvider creates a TEI provider.
func NewTEIProvider(cfg TEIConfig, metrics *Metrics) (*TEIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TEIProvider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
	}, nil
}

// GenerateEmbedding implements Provider.
func (s *TEIProvider) GenerateEmbedding(ctx context.Context, text string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordGeneration(ctx, s.Name(), s.config.Model, time.Since(start), err)
	}()

	if text == "" {
		return nil, ErrEmptyInput
	}

	body, err := json.Marshal(teiRequest{Inputs: text, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
	}

	return &Result{
		Embedding:      vectors[0],
		Model:          s.config.Model,
		Dimensions:     len(vectors[0]),
		ProcessingTime: time.Since(start),
		Provider:       s.Name(),
	}, nil
}

// IsAvailable checks the TEI health endpoint.
func (s *TEIProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Name implements Provider.
func (s *TEIProvider) Name() string { return "tei" }
