package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragorch/internal/embeddings"
)

// Indexable is implemented by business entities that want to be searchable.
// Persistence layers call Indexer.Index on create/update and Indexer.Remove
// on delete.
type Indexable interface {
	EntityType() string
	EntityID() string
	SearchableContent() string
	IndexMetadata() *Metadata
}

// Entity is a plain Indexable.
type Entity struct {
	Type     string    `json:"entityType"`
	ID       string    `json:"entityId"`
	Content  string    `json:"content"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

func (e Entity) EntityType() string        { return e.Type }
func (e Entity) EntityID() string          { return e.ID }
func (e Entity) SearchableContent() string { return e.Content }
func (e Entity) IndexMetadata() *Metadata  { return e.Metadata }

// Indexer embeds Indexable entities and stores them.
type Indexer struct {
	store       *Engine
	embedder    embeddings.Provider
	concurrency int
	logger      *zap.Logger
}

// NewIndexer returns an Indexer that embeds with embedder. concurrency
// bounds parallel embedding calls; values below 1 mean 4.
func NewIndexer(store *Engine, embedder embeddings.Provider, concurrency int, logger *zap.Logger) *Indexer {
	if concurrency < 1 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{store: store, embedder: embedder, concurrency: concurrency, logger: logger}
}

// Index embeds and stores items in parallel and returns their vector IDs
// in input order. Entities with empty content or nil metadata still get a
// valid record.
func (ix *Indexer) Index(ctx context.Context, items ...Indexable) ([]string, error) {
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("%w: item %d is nil", ErrInvalidInput, i)
		}
	}

	ids := make([]string, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)

	for i, item := range items {
		g.Go(func() error {
			id, err := ix.indexOne(gctx, item)
			if err != nil {
				return fmt.Errorf("indexing %s/%s: %w", item.EntityType(), item.EntityID(), err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ix.logger.Debug("indexed entities", zap.Int("count", len(items)))
	return ids, nil
}

func (ix *Indexer) indexOne(ctx context.Context, item Indexable) (string, error) {
	content := strings.TrimSpace(item.SearchableContent())
	embedText := content
	if embedText == "" {
		embedText = item.EntityType() + " " + item.EntityID()
	}

	md := item.IndexMetadata()
	if md == nil {
		md = NewMetadata()
	}

	res, err := ix.embedder.GenerateEmbedding(ctx, embedText)
	if err != nil {
		return "", err
	}
	return ix.store.StoreVector(ctx, item.EntityType(), item.EntityID(), content, res.Embedding, md)
}

// Remove deletes the entity's vector. Removing an unknown entity is not an
// error.
func (ix *Indexer) Remove(ctx context.Context, item Indexable) (bool, error) {
	return ix.store.RemoveVector(ctx, item.EntityType(), item.EntityID())
}
