package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"
)

const hashModel = "feature-hash-v1"

// HashProvider is a deterministic bag-of-words embedder using the hashing
// trick over word unigrams and character trigrams. It needs no model files
// or network and is the default for offline use and tests.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a hash provider producing dims-sized vectors.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 384
	}
	return &HashProvider{dims: dims}
}

// GenerateEmbedding implements Provider.
func (h *HashProvider) GenerateEmbedding(_ context.Context, text string) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	vec := make([]float32, h.dims)
	tokens := Tokenize(text)
	for _, tok := range tokens {
		h.add(vec, "w:"+tok, 1.0)
		padded := "^" + tok + "$"
		for i := 0; i+3 <= len(padded); i++ {
			h.add(vec, "c:"+padded[i:i+3], 0.35)
		}
	}
	if len(tokens) == 0 {
		h.add(vec, "raw:"+text, 1.0)
	}
	normalize(vec)

	return &Result{
		Embedding:      vec,
		Model:          hashModel,
		Dimensions:     h.dims,
		ProcessingTime: time.Since(start),
		Provider:       h.Name(),
	}, nil
}

func (h *HashProvider) add(vec []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

// IsAvailable always returns true.
func (h *HashProvider) IsAvailable(context.Context) bool { return true }

// Name implements Provider.
func (h *HashProvider) Name() string { return "hash" }

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}
