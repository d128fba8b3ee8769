package vectorstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragorch/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const catalogComponent = "vectorstore"

// Catalog is the system of record for vector records and their
// searchable-entity projection. Both live in one SQLite database and are
// always written in the same transaction.
type Catalog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenCatalog opens (and migrates) the catalog at path. Use
// storage.MemoryDSN for an in-memory catalog.
func OpenCatalog(ctx context.Context, path string) (*Catalog, error) {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, path, catalogComponent, migrations)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	return &Catalog{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

const recordColumns = `vector_id, entity_type, entity_id, content, embedding, metadata_json, created_at, updated_at`

// Upsert writes rec and its projection, replacing any live record with the
// same identity. It fills rec.CreatedAt and rec.UpdatedAt and returns the
// vector ID that was replaced, if any.
//
// UpdatedAt always advances past the replaced record's timestamp, even
// when the clock does not.
func (c *Catalog) Upsert(ctx context.Context, rec *VectorRecord) (string, error) {
	metadataJSON, err := rec.Metadata.MarshalJSON()
	if err != nil {
		return "", err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		prevID      string
		prevCreated int64
		prevUpdated int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT vector_id, created_at, updated_at FROM vector_records WHERE entity_type = ? AND entity_id = ?`,
		rec.EntityType, rec.EntityID,
	).Scan(&prevID, &prevCreated, &prevUpdated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("reading current record: %w", err)
	}

	ts := c.now().UnixNano()
	created := ts
	if prevID != "" {
		if ts <= prevUpdated {
			ts = prevUpdated + 1
		}
		created = prevCreated
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vector_records (vector_id, entity_type, entity_id, content, embedding, dimensions, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			vector_id     = excluded.vector_id,
			content       = excluded.content,
			embedding     = excluded.embedding,
			dimensions    = excluded.dimensions,
			metadata_json = excluded.metadata_json,
			updated_at    = excluded.updated_at`,
		rec.VectorID, rec.EntityType, rec.EntityID, rec.Content,
		encodeEmbedding(rec.Embedding), len(rec.Embedding), string(metadataJSON), created, ts,
	)
	if err != nil {
		return "", fmt.Errorf("writing vector record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO searchable_entities (entity_type, entity_id, vector_id, searchable_content, metadata_json, created_at, vector_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			vector_id          = excluded.vector_id,
			searchable_content = excluded.searchable_content,
			metadata_json      = excluded.metadata_json,
			vector_updated_at  = excluded.vector_updated_at`,
		rec.EntityType, rec.EntityID, rec.VectorID, rec.Content, string(metadataJSON), created, ts,
	)
	if err != nil {
		return "", fmt.Errorf("writing searchable entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing upsert: %w", err)
	}

	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(ts)
	return prevID, nil
}

// Get returns the live record for an identity.
func (c *Catalog) Get(ctx context.Context, entityType, entityID string) (*VectorRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM vector_records WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)
	return scanRecord(row)
}

// GetByVectorID returns the record currently holding vectorID.
func (c *Catalog) GetByVectorID(ctx context.Context, vectorID string) (*VectorRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM vector_records WHERE vector_id = ?`, vectorID)
	return scanRecord(row)
}

// GetMany returns the live records for ids keyed by vector ID. Stale ids
// are absent from the result.
func (c *Catalog) GetMany(ctx context.Context, ids []string) (map[string]*VectorRecord, error) {
	out := make(map[string]*VectorRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM vector_records WHERE vector_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.VectorID] = rec
	}
	return out, rows.Err()
}

// Each calls fn for every live record.
func (c *Catalog) Each(ctx context.Context, fn func(*VectorRecord) error) error {
	rows, err := c.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM vector_records ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	// Collect first; the single connection cannot serve fn's queries
	// while rows is open.
	var recs []*VectorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a record and its projection. found is false when the
// identity had no live record.
func (c *Catalog) Delete(ctx context.Context, entityType, entityID string) (vectorID string, found bool, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`DELETE FROM vector_records WHERE entity_type = ? AND entity_id = ? RETURNING vector_id`,
		entityType, entityID,
	).Scan(&vectorID)
	if errors.Is(err, sql.ErrNoRows) {
		// Clear any orphaned projection as well.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM searchable_entities WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
			return "", false, fmt.Errorf("deleting searchable entity: %w", err)
		}
		return "", false, tx.Commit()
	}
	if err != nil {
		return "", false, fmt.Errorf("deleting vector record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM searchable_entities WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
		return "", false, fmt.Errorf("deleting searchable entity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("committing delete: %w", err)
	}
	return vectorID, true, nil
}

// DeleteByEntityType removes every record of a type and returns their
// vector IDs.
func (c *Catalog) DeleteByEntityType(ctx context.Context, entityType string) ([]string, error) {
	return c.deleteWhere(ctx, "WHERE entity_type = ?", entityType)
}

// DeleteAll removes every record and returns their vector IDs.
func (c *Catalog) DeleteAll(ctx context.Context) ([]string, error) {
	return c.deleteWhere(ctx, "")
}

func (c *Catalog) deleteWhere(ctx context.Context, where string, args ...any) ([]string, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `DELETE FROM vector_records `+where+` RETURNING vector_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("deleting vector records: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM searchable_entities `+where, args...); err != nil {
		return nil, fmt.Errorf("deleting searchable entities: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}
	return ids, nil
}

// Entity returns the projection row for an identity.
func (c *Catalog) Entity(ctx context.Context, entityType, entityID string) (*SearchableEntity, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, vector_id, searchable_content, metadata_json, created_at, vector_updated_at
		FROM searchable_entities WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrVectorNotFound, entityType, entityID)
	}
	return e, err
}

// Entities lists projection rows, oldest first. An empty entityType lists
// every type.
func (c *Catalog) Entities(ctx context.Context, entityType string) ([]SearchableEntity, error) {
	query := `SELECT entity_type, entity_id, vector_id, searchable_content, metadata_json, created_at, vector_updated_at
		FROM searchable_entities`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at, entity_type, entity_id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing searchable entities: %w", err)
	}
	defer rows.Close()

	var out []SearchableEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count returns the number of live records. An empty entityType counts
// every type.
func (c *Catalog) Count(ctx context.Context, entityType string) (int, error) {
	query := `SELECT COUNT(*) FROM vector_records`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	var n int
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// CountByEntityType returns live record counts per type.
func (c *Catalog) CountByEntityType(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT entity_type, COUNT(*) FROM vector_records GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*VectorRecord, error) {
	var (
		rec          VectorRecord
		blob         []byte
		metadataJSON string
		created      int64
		updated      int64
	)
	err := s.Scan(&rec.VectorID, &rec.EntityType, &rec.EntityID, &rec.Content, &blob, &metadataJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVectorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning vector record: %w", err)
	}

	emb, err := decodeEmbedding(blob)
	if err != nil {
		return nil, err
	}
	md, err := ParseMetadata(metadataJSON)
	if err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", rec.VectorID, err)
	}
	rec.Embedding = emb
	rec.Metadata = md
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

func scanEntity(s scanner) (*SearchableEntity, error) {
	var (
		e       SearchableEntity
		created int64
		updated int64
	)
	if err := s.Scan(&e.EntityType, &e.EntityID, &e.VectorID, &e.SearchableContent, &e.MetadataJSON, &created, &updated); err != nil {
		return nil, err
	}
	e.CreatedAt = fromNanos(created)
	e.VectorUpdatedAt = fromNanos(updated)
	return &e, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// encodeEmbedding packs float32 values little-endian.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding blob has %d bytes", ErrInvalidInput, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
