package vectorstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SearchCacheStats is a snapshot of cache counters.
type SearchCacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

type searchCacheEntry struct {
	generation uint64
	results    []SearchResult
}

// SearchCache memoizes searches keyed by (embedding signature, params).
// Every write bumps the generation, which invalidates all older entries
// without walking the LRU.
type SearchCache struct {
	lru        *expirable.LRU[string, searchCacheEntry]
	generation atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// NewSearchCache returns a cache holding up to size entries for ttl.
// A size <= 0 returns nil, which disables caching.
func NewSearchCache(size int, ttl time.Duration) *SearchCache {
	if size <= 0 {
		return nil
	}
	return &SearchCache{lru: expirable.NewLRU[string, searchCacheEntry](size, nil, ttl)}
}

// Get returns cached results. Every call counts as exactly one hit or miss.
func (c *SearchCache) Get(key string) ([]SearchResult, bool) {
	if c == nil {
		return nil, false
	}
	e, ok := c.lru.Get(key)
	if !ok || e.generation != c.generation.Load() {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return cloneResults(e.results), true
}

// Put stores results computed at generation gen. Results computed before
// a concurrent write are dropped.
func (c *SearchCache) Put(key string, gen uint64, results []SearchResult) {
	if c == nil || gen != c.generation.Load() {
		return
	}
	c.lru.Add(key, searchCacheEntry{generation: gen, results: cloneResults(results)})
}

// Generation returns the current generation.
func (c *SearchCache) Generation() uint64 {
	if c == nil {
		return 0
	}
	return c.generation.Load()
}

// Invalidate makes every cached entry stale.
func (c *SearchCache) Invalidate() {
	if c == nil {
		return
	}
	c.generation.Add(1)
}

// Purge drops all entries and resets the counters.
func (c *SearchCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns the current counters.
func (c *SearchCache) Stats() SearchCacheStats {
	if c == nil {
		return SearchCacheStats{}
	}
	return SearchCacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: c.lru.Len()}
}

// searchCacheKey hashes the query vector and normalized params.
func searchCacheKey(vector []float32, p SearchParams) string {
	h := sha256.New()
	var buf [4]byte
	for _, f := range vector {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		h.Write(buf[:])
	}

	types := append([]string(nil), p.EntityTypes...)
	sort.Strings(types)
	for _, t := range types {
		h.Write([]byte{0})
		h.Write([]byte(t))
	}
	h.Write([]byte{1})
	h.Write([]byte(strconv.Itoa(p.Limit)))
	h.Write([]byte{1})
	h.Write([]byte(strconv.FormatFloat(p.Threshold, 'g', -1, 64)))

	keys := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{2})
		h.Write([]byte(k))
		h.Write([]byte{3})
		h.Write([]byte(p.Filters[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cloneResults(in []SearchResult) []SearchResult {
	if in == nil {
		return nil
	}
	out := make([]SearchResult, len(in))
	for i, r := range in {
		r.Metadata = r.Metadata.Clone()
		out[i] = r
	}
	return out
}
