// Package vectorstore stores one embedding per (entity type, entity id)
// and searches them.
//
// The Engine coordinates three stores: a SQLite Catalog that is the system
// of record for vector records and their searchable-entity projection, a
// pluggable nearest-neighbour Index (chromem or Qdrant) and a bleve
// TextIndex for full-text search. Writes to one identity are serialized;
// writes to different identities run in parallel.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/storage"
)

var tracer = otel.Tracer("ragorch.vectorstore")

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 1000
	batchConcurrency   = 8
)

// Config tunes the engine.
type Config struct {
	// VectorSize, when positive, is enforced on every stored and query vector.
	VectorSize int

	// SimilarityThreshold applies when a search does not set its own.
	SimilarityThreshold float64

	SearchCacheSize int
	SearchCacheTTL  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine is the vector store.
type Engine struct {
	catalog *Catalog
	index   Index
	text    *TextIndex
	cache   *SearchCache
	locks   *identityLocks
	config  Config
	logger  *zap.Logger
}

// NewEngine wires a catalog and an index and reconciles the index with the
// catalog. The engine owns both and closes them in Close.
func NewEngine(ctx context.Context, catalog *Catalog, index Index, cfg Config, opts ...Option) (*Engine, error) {
	if catalog == nil || index == nil {
		return nil, fmt.Errorf("%w: catalog and index are required", ErrInvalidConfig)
	}
	if cfg.VectorSize < 0 {
		return nil, fmt.Errorf("%w: vector size cannot be negative", ErrInvalidConfig)
	}

	text, err := NewTextIndex()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		catalog: catalog,
		index:   index,
		text:    text,
		cache:   NewSearchCache(cfg.SearchCacheSize, cfg.SearchCacheTTL),
		locks:   newIdentityLocks(),
		config:  cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.Rebuild(ctx, false); err != nil {
		text.Close()
		return nil, err
	}
	return e, nil
}

// Open builds an engine from application config. A data_dir of ":memory:"
// keeps the catalog and the chromem index in memory.
func Open(ctx context.Context, cfg config.VectorStoreConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	inMemory := cfg.DataDir == storage.MemoryDSN
	dataDir := cfg.DataDir
	if !inMemory {
		var err error
		if dataDir, err = config.ExpandPath(cfg.DataDir); err != nil {
			return nil, err
		}
	}

	catalogPath := storage.MemoryDSN
	if !inMemory {
		catalogPath = filepath.Join(dataDir, "catalog.db")
	}
	catalog, err := OpenCatalog(ctx, catalogPath)
	if err != nil {
		return nil, err
	}

	var index Index
	switch cfg.Backend {
	case "qdrant":
		index, err = NewQdrantIndex(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantTLS,
			Collection: cfg.Collection,
			VectorSize: uint64(cfg.VectorSize),
		}, logger)
	case "chromem", "":
		chromemCfg := ChromemConfig{Collection: cfg.Collection}
		if !inMemory {
			chromemCfg.Path = filepath.Join(dataDir, "chromem")
		}
		index, err = NewChromemIndex(chromemCfg, logger)
	default:
		err = fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		catalog.Close()
		return nil, err
	}

	e, err := NewEngine(ctx, catalog, index, Config{
		VectorSize:          cfg.VectorSize,
		SimilarityThreshold: cfg.SimilarityThreshold,
		SearchCacheSize:     cfg.SearchCacheSize,
		SearchCacheTTL:      cfg.SearchCacheTTL.Duration(),
	}, WithLogger(logger))
	if err != nil {
		index.Close()
		catalog.Close()
		return nil, err
	}
	return e, nil
}

// Rebuild reloads the text index from the catalog. The vector index is
// re-populated when force is set or when its size disagrees with the
// catalog.
func (e *Engine) Rebuild(ctx context.Context, force bool) error {
	ctx, span := tracer.Start(ctx, "Engine.Rebuild")
	defer span.End()

	if err := e.text.Reset(); err != nil {
		return err
	}

	catalogCount, err := e.catalog.Count(ctx, "")
	if err != nil {
		return err
	}
	indexCount, err := e.index.Count(ctx)
	if err != nil {
		return err
	}
	reindex := force || indexCount != catalogCount
	if reindex {
		e.logger.Info("re-populating vector index from catalog",
			zap.String("backend", e.index.Name()),
			zap.Int("catalog_count", catalogCount),
			zap.Int("index_count", indexCount),
		)
		if err := e.index.Reset(ctx); err != nil {
			return err
		}
	}

	err = e.catalog.Each(ctx, func(rec *VectorRecord) error {
		if reindex {
			if err := e.index.Upsert(ctx, toIndexRecord(rec)); err != nil {
				return err
			}
		}
		return e.text.Index(rec.VectorID, rec.EntityType, rec.EntityID, rec.Content)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("rebuilding indexes: %w", err)
	}

	e.cache.Invalidate()
	e.refreshEntityGauge(ctx)
	span.SetAttributes(attribute.Int("records", catalogCount), attribute.Bool("reindexed", reindex))
	return nil
}

// Close releases the index, text index and catalog.
func (e *Engine) Close() error {
	return errors.Join(e.index.Close(), e.text.Close(), e.catalog.Close())
}

func (e *Engine) validateVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: embedding is empty", ErrInvalidInput)
	}
	if e.config.VectorSize > 0 && len(v) != e.config.VectorSize {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), e.config.VectorSize)
	}
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("%w: embedding contains non-finite values", ErrInvalidInput)
		}
	}
	return nil
}

func toIndexRecord(rec *VectorRecord) IndexRecord {
	return IndexRecord{
		ID:         rec.VectorID,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Content:    rec.Content,
		Embedding:  rec.Embedding,
		Metadata:   rec.Metadata.StringMap(),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "success")
}

// StoreVector upserts the vector for (entityType, entityID) and returns the
// new vector ID. Any previous record for the identity is replaced.
func (e *Engine) StoreVector(ctx context.Context, entityType, entityID, content string, embedding []float32, metadata *Metadata) (id string, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Engine.StoreVector")
	defer func() {
		endSpan(span, err)
		span.End()
		recordOperation("store", start, err)
	}()
	span.SetAttributes(attribute.String("entity_type", entityType))

	if err := validateIdentity(entityType, entityID); err != nil {
		return "", err
	}
	if err := e.validateVector(embedding); err != nil {
		return "", err
	}
	if err := metadata.Validate(); err != nil {
		return "", err
	}

	unlock := e.locks.Lock(identityKey(entityType, entityID))
	defer unlock()

	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	rec := &VectorRecord{
		VectorID:   uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Content:    content,
		Embedding:  emb,
		Metadata:   metadata.Clone(),
	}

	// Index first so a committed catalog row always has an index entry.
	if err := e.index.Upsert(ctx, toIndexRecord(rec)); err != nil {
		return "", err
	}
	prevID, err := e.catalog.Upsert(ctx, rec)
	if err != nil {
		if derr := e.index.Delete(ctx, rec.VectorID); derr != nil {
			e.logger.Warn("failed to roll back index entry",
				zap.String("vector_id", rec.VectorID), zap.Error(derr))
		}
		return "", err
	}

	if prevID != "" {
		if err := e.index.Delete(ctx, prevID); err != nil {
			// Stale index entries are filtered during hydration.
			e.logger.Warn("failed to delete superseded index entry",
				zap.String("vector_id", prevID), zap.Error(err))
		}
		if err := e.text.Delete(prevID); err != nil {
			e.logger.Warn("failed to delete superseded text entry",
				zap.String("vector_id", prevID), zap.Error(err))
		}
	} else {
		SearchableEntities.WithLabelValues(entityType).Inc()
	}
	if err := e.text.Index(rec.VectorID, entityType, entityID, content); err != nil {
		e.logger.Warn("failed to update text index",
			zap.String("vector_id", rec.VectorID), zap.Error(err))
	}
	e.cache.Invalidate()

	e.logger.Debug("stored vector",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("vector_id", rec.VectorID),
		zap.Bool("replaced", prevID != ""),
	)
	return rec.VectorID, nil
}

// BatchStoreVectors validates every request, then stores them in parallel.
// The returned IDs are in request order.
func (e *Engine) BatchStoreVectors(ctx context.Context, reqs []StoreRequest) ([]string, error) {
	for i, r := range reqs {
		if err := validateIdentity(r.EntityType, r.EntityID); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		if err := e.validateVector(r.Embedding); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		if err := r.Metadata.Validate(); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}

	ids := make([]string, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, r := range reqs {
		g.Go(func() error {
			id, err := e.StoreVector(gctx, r.EntityType, r.EntityID, r.Content, r.Embedding, r.Metadata)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetVector returns the live record for an identity.
func (e *Engine) GetVector(ctx context.Context, entityType, entityID string) (*VectorRecord, error) {
	if err := validateIdentity(entityType, entityID); err != nil {
		return nil, err
	}
	rec, err := e.catalog.Get(ctx, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", entityType, entityID, err)
	}
	return rec, nil
}

// GetVectorByID returns the record currently holding vectorID. Superseded
// IDs are not found.
func (e *Engine) GetVectorByID(ctx context.Context, vectorID string) (*VectorRecord, error) {
	rec, err := e.catalog.GetByVectorID(ctx, vectorID)
	if err != nil {
		return nil, fmt.Errorf("getting vector %s: %w", vectorID, err)
	}
	return rec, nil
}

// VectorExists reports whether an identity has a live record.
func (e *Engine) VectorExists(ctx context.Context, entityType, entityID string) (bool, error) {
	_, err := e.GetVector(ctx, entityType, entityID)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// RemoveVector deletes the record and projection for an identity. It
// returns false without error when nothing was stored.
func (e *Engine) RemoveVector(ctx context.Context, entityType, entityID string) (removed bool, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Engine.RemoveVector")
	defer func() {
		endSpan(span, err)
		span.End()
		recordOperation("remove", start, err)
	}()

	if err := validateIdentity(entityType, entityID); err != nil {
		return false, err
	}

	unlock := e.locks.Lock(identityKey(entityType, entityID))
	defer unlock()

	vectorID, found, err := e.catalog.Delete(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if err := e.index.Delete(ctx, vectorID); err != nil {
		e.logger.Warn("failed to delete index entry",
			zap.String("vector_id", vectorID), zap.Error(err))
	}
	if err := e.text.Delete(vectorID); err != nil {
		e.logger.Warn("failed to delete text entry",
			zap.String("vector_id", vectorID), zap.Error(err))
	}
	SearchableEntities.WithLabelValues(entityType).Dec()
	e.cache.Invalidate()
	return true, nil
}

// ClearVectorsByEntityType removes every record of a type and returns how
// many were removed.
func (e *Engine) ClearVectorsByEntityType(ctx context.Context, entityType string) (n int, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Engine.ClearVectorsByEntityType")
	defer func() {
		endSpan(span, err)
		span.End()
		recordOperation("clear_type", start, err)
	}()

	if entityType == "" {
		return 0, fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}

	ids, err := e.catalog.DeleteByEntityType(ctx, entityType)
	if err != nil {
		return 0, err
	}
	e.cache.Invalidate()

	if err := e.index.DeleteByEntityType(ctx, entityType); err != nil {
		return len(ids), err
	}
	if err := e.text.Delete(ids...); err != nil {
		return len(ids), err
	}
	e.refreshEntityGauge(ctx)

	e.logger.Info("cleared vectors",
		zap.String("entity_type", entityType), zap.Int("count", len(ids)))
	return len(ids), nil
}

// ClearAllVectors removes every record and returns how many were removed.
func (e *Engine) ClearAllVectors(ctx context.Context) (n int, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Engine.ClearAllVectors")
	defer func() {
		endSpan(span, err)
		span.End()
		recordOperation("clear_all", start, err)
	}()

	ids, err := e.catalog.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	e.cache.Invalidate()

	if err := e.index.Reset(ctx); err != nil {
		return len(ids), err
	}
	if err := e.text.Reset(); err != nil {
		return len(ids), err
	}
	SearchableEntities.Reset()

	e.logger.Info("cleared all vectors", zap.Int("count", len(ids)))
	return len(ids), nil
}

// SearchByEntityType returns up to limit hits of one type whose similarity
// is at least threshold.
func (e *Engine) SearchByEntityType(ctx context.Context, queryVector []float32, entityType string, limit int, threshold float64) ([]SearchResult, error) {
	if entityType == "" {
		return nil, fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	return e.Search(ctx, queryVector, SearchParams{
		EntityTypes: []string{entityType},
		Limit:       limit,
		Threshold:   threshold,
	})
}

// Search runs a vector search across params.EntityTypes (all types when
// empty). A zero threshold falls back to the configured one. Results are
// sorted by similarity, highest first.
func (e *Engine) Search(ctx context.Context, queryVector []float32, params SearchParams) (results []SearchResult, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Engine.Search")
	defer func() {
		endSpan(span, err)
		span.End()
		recordOperation("search", start, err)
	}()

	if err := e.validateVector(queryVector); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = defaultSearchLimit
	}
	if params.Limit > maxSearchLimit {
		params.Limit = maxSearchLimit
	}
	if params.Threshold == 0 {
		params.Threshold = e.config.SimilarityThreshold
	}
	span.SetAttributes(
		attribute.StringSlice("entity_types", params.EntityTypes),
		attribute.Int("limit", params.Limit),
	)

	key := searchCacheKey(queryVector, params)
	gen := e.cache.Generation()
	if cached, ok := e.cache.Get(key); ok {
		recordCacheLookup(true)
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached, nil
	}
	if e.cache != nil {
		recordCacheLookup(false)
	}

	types := params.EntityTypes
	if len(types) == 0 {
		types = []string{""}
	}

	var raws []RawResult
	for _, t := range types {
		rs, err := e.index.Search(ctx, queryVector, IndexQuery{
			EntityType: t,
			Limit:      params.Limit,
			Filters:    params.Filters,
		})
		if err != nil {
			return nil, err
		}
		raws = append(raws, rs...)
	}

	results, err = e.hydrate(ctx, raws, func(raw RawResult, rec *VectorRecord) (float64, bool) {
		if raw.Score < params.Threshold {
			return 0, false
		}
		return raw.Score, rec.Metadata.Matches(params.Filters)
	})
	if err != nil {
		return nil, err
	}
	if len(results) > params.Limit {
		results = results[:params.Limit]
	}

	e.cache.Put(key, gen, results)
	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// SearchContent runs a full-text search over searchable content. Similarity
// is the text score scaled so the best hit is 1.
func (e *Engine) SearchContent(ctx context.Context, text, entityType string, limit int) (results []SearchResult, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Engine.SearchContent")
	defer func() {
		endSpan(span, err)
		span.End()
		recordOperation("search_content", start, err)
	}()

	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	hits, err := e.text.Search(text, entityType, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	maxScore := hits[0].Score
	raws := make([]RawResult, len(hits))
	for i, h := range hits {
		score := 1.0
		if maxScore > 0 {
			score = h.Score / maxScore
		}
		raws[i] = RawResult{ID: h.ID, Score: score}
	}

	return e.hydrate(ctx, raws, func(raw RawResult, rec *VectorRecord) (float64, bool) {
		return raw.Score, entityType == "" || rec.EntityType == entityType
	})
}

// hydrate loads catalog records for raw hits, drops stale or rejected ones,
// de-duplicates by vector ID and sorts by similarity then vector ID.
func (e *Engine) hydrate(ctx context.Context, raws []RawResult, keep func(RawResult, *VectorRecord) (float64, bool)) ([]SearchResult, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(raws))
	for _, r := range raws {
		ids = append(ids, r.ID)
	}
	recs, err := e.catalog.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(raws))
	out := make([]SearchResult, 0, len(raws))
	for _, raw := range raws {
		rec, ok := recs[raw.ID]
		if !ok || seen[raw.ID] {
			continue
		}
		sim, ok := keep(raw, rec)
		if !ok {
			continue
		}
		seen[raw.ID] = true
		out = append(out, SearchResult{
			VectorID:   rec.VectorID,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Content:    rec.Content,
			Similarity: sim,
			Metadata:   rec.Metadata,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].VectorID < out[j].VectorID
	})
	return out, nil
}

// GetSearchableEntity returns the projection row for an identity.
func (e *Engine) GetSearchableEntity(ctx context.Context, entityType, entityID string) (*SearchableEntity, error) {
	return e.catalog.Entity(ctx, entityType, entityID)
}

// ListSearchableEntities lists projection rows, oldest first. An empty
// entityType lists all.
func (e *Engine) ListSearchableEntities(ctx context.Context, entityType string) ([]SearchableEntity, error) {
	return e.catalog.Entities(ctx, entityType)
}

// Count returns the number of live records of a type, or of all types
// when entityType is empty.
func (e *Engine) Count(ctx context.Context, entityType string) (int, error) {
	return e.catalog.Count(ctx, entityType)
}

// CountByEntityType returns the number of stored vectors per entity type.
func (e *Engine) CountByEntityType(ctx context.Context) (map[string]int, error) {
	return e.catalog.CountByEntityType(ctx)
}

// Embeddings returns stored embeddings keyed by vector ID.
func (e *Engine) Embeddings(ctx context.Context, vectorIDs []string) (map[string][]float32, error) {
	recs, err := e.catalog.GetMany(ctx, vectorIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(recs))
	for id, rec := range recs {
		out[id] = rec.Embedding
	}
	return out, nil
}

// CacheStats returns search cache counters.
func (e *Engine) CacheStats() SearchCacheStats {
	return e.cache.Stats()
}

// Backend names the vector index in use.
func (e *Engine) Backend() string {
	return e.index.Name()
}

func (e *Engine) refreshEntityGauge(ctx context.Context) {
	counts, err := e.catalog.CountByEntityType(ctx)
	if err != nil {
		e.logger.Debug("failed to refresh entity gauge", zap.Error(err))
		return
	}
	UpdateEntityGauge(counts)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrVectorNotFound)
}
