package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("ragorch.vectorstore.chromem")

var errPrecomputedOnly = errors.New("chromem index stores precomputed embeddings only")

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the
	// index in memory.
	Path string

	// Compress enables gzip compression for persisted documents.
	Compress bool

	// Collection is the collection holding every entity type.
	// Default: "ragorch_vectors"
	Collection string
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "ragorch_vectors"
	}
}

// ChromemIndex implements Index with chromem-go. All entity types share one
// collection and are told apart by the reserved _entity_type metadata key.
type ChromemIndex struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu   sync.RWMutex
	coll *chromem.Collection
}

// NewChromemIndex opens or creates the collection described by config.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := ValidateCollectionName(config.Collection); err != nil {
		return nil, err
	}

	var (
		db  *chromem.DB
		err error
	)
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	idx := &ChromemIndex{db: db, config: config, logger: logger}
	if idx.coll, err = idx.openCollection(); err != nil {
		return nil, err
	}

	logger.Info("chromem index initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
		zap.String("collection", config.Collection),
		zap.Int("documents", idx.coll.Count()),
	)
	return idx, nil
}

func (s *ChromemIndex) openCollection() (*chromem.Collection, error) {
	coll, err := s.db.GetOrCreateCollection(s.config.Collection, nil, precomputedEmbedding)
	if err != nil {
		return nil, fmt.Errorf("%w: opening collection %s: %v", ErrIndexFailed, s.config.Collection, err)
	}
	return coll, nil
}

func precomputedEmbedding(context.Context, string) ([]float32, error) {
	return nil, errPrecomputedOnly
}

func (s *ChromemIndex) collection() *chromem.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coll
}

// Name implements Index.
func (s *ChromemIndex) Name() string { return "chromem" }

// Upsert implements Index.
func (s *ChromemIndex) Upsert(ctx context.Context, rec IndexRecord) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("entity_type", rec.EntityType))

	content := rec.Content
	if content == "" {
		// chromem rejects documents without content even when the
		// embedding is supplied.
		content = rec.EntityType + " " + rec.EntityID
	}

	embedding := make([]float32, len(rec.Embedding))
	copy(embedding, rec.Embedding)

	err := s.collection().AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Metadata:  indexMetadata(rec),
		Embedding: embedding,
		Content:   content,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: adding document %s: %v", ErrIndexFailed, rec.ID, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete implements Index. Unknown ids are ignored.
func (s *ChromemIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Delete")
	defer span.End()
	span.SetAttributes(attribute.Int("id_count", len(ids)))

	if err := s.collection().Delete(ctx, nil, nil, ids...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting documents: %v", ErrIndexFailed, err)
	}
	return nil
}

// DeleteByEntityType implements Index.
func (s *ChromemIndex) DeleteByEntityType(ctx context.Context, entityType string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.DeleteByEntityType")
	defer span.End()
	span.SetAttributes(attribute.String("entity_type", entityType))

	if err := s.collection().Delete(ctx, map[string]string{keyEntityType: entityType}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting entity type %s: %v", ErrIndexFailed, entityType, err)
	}
	return nil
}

// Reset drops and recreates the collection.
func (s *ChromemIndex) Reset(ctx context.Context) error {
	_, span := chromemTracer.Start(ctx, "ChromemIndex.Reset")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(s.config.Collection); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting collection: %v", ErrIndexFailed, err)
	}
	coll, err := s.openCollection()
	if err != nil {
		return err
	}
	s.coll = coll
	return nil
}

// Search implements Index.
func (s *ChromemIndex) Search(ctx context.Context, vector []float32, q IndexQuery) ([]RawResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_type", q.EntityType),
		attribute.Int("k", q.Limit),
	)

	if q.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidInput, q.Limit)
	}

	coll := s.collection()

	// chromem requires nResults <= document count.
	k := q.Limit
	docCount := coll.Count()
	if docCount == 0 {
		return nil, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := coll.QueryEmbedding(ctx, vector, k, queryFilters(q), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying collection: %v", ErrIndexFailed, err)
	}

	out := make([]RawResult, 0, len(results))
	for _, r := range results {
		out = append(out, RawResult{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Count implements Index.
func (s *ChromemIndex) Count(context.Context) (int, error) {
	return s.collection().Count(), nil
}

// Close implements Index. chromem persists on every write.
func (s *ChromemIndex) Close() error { return nil }
