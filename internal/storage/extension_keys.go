package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// ExtensionKeyStore remembers the idempotency key of an extension that has
// not been confirmed yet, so a rerun after a lost response reuses it
type ExtensionKeyStore struct {
	db  *DB
	now func() time.Time
}

// NewExtensionKeyStore creates a new key store
func NewExtensionKeyStore(db *DB) *ExtensionKeyStore {
	return &ExtensionKeyStore{db: db, now: time.Now}
}

// Get returns the outstanding key for a session and duration
func (s *ExtensionKeyStore) Get(ctx context.Context, sessionID string, minutes int) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key FROM extension_keys WHERE session_id = ? AND minutes = ?`,
		sessionID, minutes).Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get extension key: %w", err)
	}
	return key, nil
}

// Put stores the key for a session and duration
func (s *ExtensionKeyStore) Put(ctx context.Context, sessionID string, minutes int, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extension_keys (session_id, minutes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, minutes) DO UPDATE SET
			idempotency_key = excluded.idempotency_key,
			created_at = excluded.created_at
	`, sessionID, minutes, key, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save extension key: %w", err)
	}
	return nil
}

// Delete forgets the key once the extension is settled
func (s *ExtensionKeyStore) Delete(ctx context.Context, sessionID string, minutes int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM extension_keys WHERE session_id = ? AND minutes = ?`,
		sessionID, minutes)
	if err != nil {
		return fmt.Errorf("failed to delete extension key: %w", err)
	}
	return nil
}

type keyID struct {
	sessionID string
	minutes   int
}

// MemoryKeyStore keeps extension keys for the life of the process
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[keyID]string
}

// NewMemoryKeyStore creates an empty in-memory key store
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[keyID]string)}
}

// Get implements the key store contract
func (s *MemoryKeyStore) Get(_ context.Context, sessionID string, minutes int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID{sessionID, minutes}]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}

// Put implements the key store contract
func (s *MemoryKeyStore) Put(_ context.Context, sessionID string, minutes int, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID{sessionID, minutes}] = key
	return nil
}

// Delete implements the key store contract
func (s *MemoryKeyStore) Delete(_ context.Context, sessionID string, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID{sessionID, minutes})
	return nil
}
