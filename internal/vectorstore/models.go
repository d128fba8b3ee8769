package vectorstore

import (
	"fmt"
	"strings"
	"time"
)

// VectorRecord is the live vector for one (EntityType, EntityID) identity.
// VectorID is regenerated on every store.
type VectorRecord struct {
	VectorID   string    `json:"vectorId"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Metadata   *Metadata `json:"metadata"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SearchableEntity is the query-side projection of a VectorRecord. It is
// created on first store, updated in place afterwards and removed with the
// vector.
type SearchableEntity struct {
	EntityType        string    `json:"entityType"`
	EntityID          string    `json:"entityId"`
	VectorID          string    `json:"vectorId"`
	SearchableContent string    `json:"searchableContent"`
	MetadataJSON      string    `json:"metadataJson"`
	CreatedAt         time.Time `json:"createdAt"`
	VectorUpdatedAt   time.Time `json:"vectorUpdatedAt"`
}

// StoreRequest is one element of a batch store.
type StoreRequest struct {
	EntityType string
	EntityID   string
	Content    string
	Embedding  []float32
	Metadata   *Metadata
}

// SearchResult is a hydrated hit.
type SearchResult struct {
	VectorID   string    `json:"vectorId"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"`
	Metadata   *Metadata `json:"metadata"`
}

// SearchParams narrows a vector search.
type SearchParams struct {
	// EntityTypes limits the search; empty searches every type.
	EntityTypes []string
	Limit       int
	// Threshold drops hits with a lower similarity.
	Threshold float64
	// Filters must equal the text form of the hit's metadata values.
	Filters map[string]string
}

func validateIdentity(entityType, entityID string) error {
	if strings.TrimSpace(entityType) == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	if strings.TrimSpace(entityID) == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if len(entityType) > 128 || len(entityID) > 512 {
		return fmt.Errorf("%w: identity too long", ErrInvalidInput)
	}
	return nil
}

func identityKey(entityType, entityID string) string {
	return entityType + "\x00" + entityID
}
