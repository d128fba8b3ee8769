package vectorstore

import (
	"context"
	"fmt"
	"regexp"
)

// Reserved metadata keys written next to caller metadata in the index.
const (
	keyEntityType = "_entity_type"
	keyEntityID   = "_entity_id"
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// IndexRecord is what the engine hands to a backend.
type IndexRecord struct {
	ID         string
	EntityType string
	EntityID   string
	Content    string
	Embedding  []float32
	Metadata   map[string]string
}

// IndexQuery narrows a backend search.
type IndexQuery struct {
	// EntityType restricts hits to one type when set.
	EntityType string
	Limit      int
	// Filters are pushed down as exact-match metadata conditions.
	Filters map[string]string
}

// RawResult is a backend hit before hydration from the catalog.
type RawResult struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Index is a pluggable nearest-neighbour backend. Scores are cosine
// similarities, highest first.
type Index interface {
	Upsert(ctx context.Context, rec IndexRecord) error
	Delete(ctx context.Context, ids ...string) error
	DeleteByEntityType(ctx context.Context, entityType string) error
	Reset(ctx context.Context) error
	Search(ctx context.Context, vector []float32, q IndexQuery) ([]RawResult, error)
	Count(ctx context.Context) (int, error)
	Name() string
	Close() error
}

// ValidateCollectionName validates a collection name.
// Pattern: ^[a-z0-9_]{1,64}$
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

func indexMetadata(rec IndexRecord) map[string]string {
	md := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		md[k] = v
	}
	md[keyEntityType] = rec.EntityType
	md[keyEntityID] = rec.EntityID
	return md
}

func queryFilters(q IndexQuery) map[string]string {
	if q.EntityType == "" && len(q.Filters) == 0 {
		return nil
	}
	where := make(map[string]string, len(q.Filters)+1)
	for k, v := range q.Filters {
		where[k] = v
	}
	if q.EntityType != "" {
		where[keyEntityType] = q.EntityType
	}
	return where
}
