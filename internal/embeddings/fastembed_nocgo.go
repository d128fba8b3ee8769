//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned by binaries built without CGO.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the tei or hash provider)")

// FastEmbedConfig configures the local ONNX provider.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// FastEmbedProvider is unavailable without CGO.
type FastEmbedProvider struct{}

// NewFastEmbedProvider always fails without CGO.
func NewFastEmbedProvider(FastEmbedConfig, *Metrics) (*FastEmbedProvider, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbedProvider) GenerateEmbedding(context.Context, string) (*Result, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbedProvider) EmbedPassages(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbedProvider) IsAvailable(context.Context) bool { return false }
func (p *FastEmbedProvider) Name() string                     { return "fastembed" }
func (p *FastEmbedProvider) Dimension() int                   { return 0 }
func (p *FastEmbedProvider) Close() error                     { return nil }
