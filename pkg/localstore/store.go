package localstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"tether/pkg/protocol"
)

// Store is the LocalStore contract: atomic per-key get/set. A Set may be
// lost on an immediate crash; callers treat stored values as a cache.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
}

// SQLiteStore implements Store over the kv table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a Store backed by db. The schema must already
// be applied (see OpenDB).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &protocol.StorageError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return &protocol.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Memory is an in-process Store. It is useful for tests and for running
// without a state database. FailWith makes every call return err, which
// is how tests simulate a broken disk.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
	fail error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// FailWith makes subsequent calls fail with err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, false, &protocol.StorageError{Op: "get", Key: key, Err: m.fail}
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return &protocol.StorageError{Op: "set", Key: key, Err: m.fail}
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}
