// Package audit persists one append-only IntentHistory row per
// orchestration call in SQLite.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	component    = "audit"
	defaultLimit = 50
	maxLimit     = 1000
)

var (
	// ErrInvalidRecord indicates a history row missing required fields.
	ErrInvalidRecord = errors.New("invalid intent history record")

	// ErrNoKey indicates decryption was requested without a key.
	ErrNoKey = errors.New("audit encryption key not configured")

	// ErrDecrypt indicates an encrypted query could not be opened.
	ErrDecrypt = errors.New("decrypting query failed")
)

// IntentHistory is one audited orchestration call. It is never updated
// after it is written.
type IntentHistory struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	CreatedAt          time.Time `json:"createdAt"`
	RedactedQuery      string    `json:"redactedQuery"`
	EncryptedQuery     []byte    `json:"-"`
	SensitiveDataTypes []string  `json:"sensitiveDataTypes"`
	HasSensitiveData   bool      `json:"hasSensitiveData"`
	IntentCount        int       `json:"intentCount"`
	IntentsJSON        string    `json:"intentsJson"`
	ResultJSON         string    `json:"resultJson"`
	ExecutionStatus    string    `json:"executionStatus"`
	Success            bool      `json:"success"`
}

// Encrypted reports whether the raw query was stored.
func (h IntentHistory) Encrypted() bool { return len(h.EncryptedQuery) > 0 }

// Store records and lists intent history.
type Store interface {
	// Record appends h. rawQuery is sealed into EncryptedQuery when the
	// store has a key and discarded otherwise.
	Record(ctx context.Context, h *IntentHistory, rawQuery string) error
	// List returns up to limit rows of userID, newest first.
	List(ctx context.Context, userID string, limit int) ([]IntentHistory, error)
	Close() error
}

// SQLiteStore is the SQLite Store.
type SQLiteStore struct {
	db     *sql.DB
	cipher *queryCipher
	logger *zap.Logger

	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// Open opens the audit database described by cfg. Use storage.MemoryDSN
// as the path for an in-memory store.
func Open(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.Path
	if path != storage.MemoryDSN {
		expanded, err := config.ExpandPath(path)
		if err != nil {
			return nil, err
		}
		path = expanded
	}

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(ctx, path, component, migrations)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if cfg.EncryptionKey.IsSet() {
		if s.cipher, err = newQueryCipher(ctx, db, cfg.EncryptionKey.Value()); err != nil {
			db.Close()
			return nil, err
		}
	}
	logger.Debug("audit log opened",
		zap.String("path", path),
		zap.Bool("encrypted", s.cipher != nil))
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record implements Store. Missing IDs and timestamps are filled in;
// timestamps are made strictly increasing so newest-first order is stable.
func (s *SQLiteStore) Record(ctx context.Context, h *IntentHistory, rawQuery string) error {
	if h == nil || h.UserID == "" || h.ExecutionStatus == "" {
		return fmt.Errorf("%w: user id and execution status are required", ErrInvalidRecord)
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.CreatedAt = s.stamp(h.CreatedAt)
	if h.IntentsJSON == "" {
		h.IntentsJSON = "[]"
	}
	if h.ResultJSON == "" {
		h.ResultJSON = "{}"
	}

	h.EncryptedQuery = nil
	if s.cipher != nil && rawQuery != "" {
		sealed, err := s.cipher.seal(h.ID, rawQuery)
		if err != nil {
			return err
		}
		h.EncryptedQuery = sealed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intent_history (id, user_id, created_at, redacted_query, encrypted_query,
			sensitive_data_types, has_sensitive_data, intent_count, intents_json, result_json,
			execution_status, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.UserID, h.CreatedAt.UnixNano(), h.RedactedQuery, h.EncryptedQuery,
		strings.Join(h.SensitiveDataTypes, ","), h.HasSensitiveData, h.IntentCount,
		h.IntentsJSON, h.ResultJSON, h.ExecutionStatus, h.Success,
	)
	if err != nil {
		return fmt.Errorf("recording intent history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) stamp(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.IsZero() {
		t = s.now()
	}
	ns := t.UnixNano()
	if ns <= s.last {
		ns = s.last + 1
	}
	s.last = ns
	return time.Unix(0, ns).UTC()
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, userID string, limit int) ([]IntentHistory, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, created_at, redacted_query, encrypted_query, sensitive_data_types,
			has_sensitive_data, intent_count, intents_json, result_json, execution_status, success
		FROM intent_history
		WHERE user_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing intent history: %w", err)
	}
	defer rows.Close()

	var out []IntentHistory
	for rows.Next() {
		var (
			h       IntentHistory
			created int64
			types   string
		)
		if err := rows.Scan(&h.ID, &h.UserID, &created, &h.RedactedQuery, &h.EncryptedQuery, &types,
			&h.HasSensitiveData, &h.IntentCount, &h.IntentsJSON, &h.ResultJSON, &h.ExecutionStatus, &h.Success); err != nil {
			return nil, fmt.Errorf("scanning intent history: %w", err)
		}
		h.CreatedAt = time.Unix(0, created).UTC()
		if types != "" {
			h.SensitiveDataTypes = strings.Split(types, ",")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DecryptQuery opens the raw query of h.
func (s *SQLiteStore) DecryptQuery(h IntentHistory) (string, error) {
	if s.cipher == nil {
		return "", ErrNoKey
	}
	if !h.Encrypted() {
		return "", fmt.Errorf("%w: record %s has no encrypted query", ErrDecrypt, h.ID)
	}
	return s.cipher.open(h.ID, h.EncryptedQuery)
}

// Count returns the number of rows, optionally for one user.
func (s *SQLiteStore) Count(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM intent_history`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting intent history: %w", err)
	}
	return n, nil
}

// MemoryStore is an in-process Store for tests and embedding.
type MemoryStore struct {
	mu   sync.Mutex
	rows []IntentHistory
	last int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Record implements Store. The raw query is discarded.
func (m *MemoryStore) Record(_ context.Context, h *IntentHistory, _ string) error {
	if h == nil || h.UserID == "" || h.ExecutionStatus == "" {
		return fmt.Errorf("%w: user id and execution status are required", ErrInvalidRecord)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	if ns := h.CreatedAt.UnixNano(); ns <= m.last {
		h.CreatedAt = time.Unix(0, m.last+1)
	}
	m.last = h.CreatedAt.UnixNano()
	h.EncryptedQuery = nil
	m.rows = append(m.rows, *h)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, userID string, limit int) ([]IntentHistory, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []IntentHistory
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].UserID == userID {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

// All returns every row in insertion order.
func (m *MemoryStore) All() []IntentHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]IntentHistory(nil), m.rows...)
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
