package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheConfig bounds the embedding cache.
type CacheConfig struct {
	Size    int
	TTL     time.Duration
	Metrics *Metrics
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Cache is a content-addressed embedding cache: identical text returns the
// identical vector without invoking the wrapped provider.
type Cache struct {
	provider Provider
	entries  *expirable.LRU[string, Result]
	metrics  *Metrics
	hits     atomic.Int64
	misses   atomic.Int64
}

// NewCache wraps provider with a bounded, expiring cache.
func NewCache(provider Provider, cfg CacheConfig) *Cache {
	size := cfg.Size
	if size <= 0 {
		size = 4096
	}
	return &Cache{
		provider: provider,
		entries:  expirable.NewLRU[string, Result](size, nil, cfg.TTL),
		metrics:  cfg.Metrics,
	}
}

// CacheKey returns the content address of text.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// GenerateEmbedding implements Provider.
func (c *Cache) GenerateEmbedding(ctx context.Context, text string) (*Result, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	key := CacheKey(text)

	if cached, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		c.metrics.RecordCacheHit(ctx)
		res := cached
		res.Embedding = append([]float32(nil), cached.Embedding...)
		res.Cached = true
		res.ProcessingTime = 0
		return &res, nil
	}

	start := time.Now()
	res, err := c.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	c.misses.Add(1)
	if !res.missRecorded {
		c.metrics.RecordCacheMiss(ctx, res.Provider)
	}
	if res.ProcessingTime == 0 {
		res.ProcessingTime = time.Since(start)
	}

	stored := *res
	stored.Embedding = append([]float32(nil), res.Embedding...)
	c.entries.Add(key, stored)
	return res, nil
}

// IsAvailable delegates to the wrapped provider.
func (c *Cache) IsAvailable(ctx context.Context) bool {
	return c.provider.IsAvailable(ctx)
}

// Name delegates to the wrapped provider.
func (c *Cache) Name() string {
	return c.provider.Name()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops all entries and resets counters.
func (c *Cache) Purge() {
	c.entries.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: c.entries.Len()}
}
