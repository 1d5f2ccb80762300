package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gpu-rental/rentalctl/pkg/models"
)

// AttemptStore handles start attempt persistence
type AttemptStore struct {
	db *DB
}

// NewAttemptStore creates a new attempt store
func NewAttemptStore(db *DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Save inserts or replaces an attempt
func (s *AttemptStore) Save(ctx context.Context, a *models.StartAttempt) error {
	query := `
		INSERT INTO start_attempts (
			id, wallet, node_id, status,
			tx_hash, rental_id, session_id, error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tx_hash = excluded.tx_hash,
			rental_id = excluded.rental_id,
			session_id = excluded.session_id,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	var rentalID sql.NullString
	if a.RentalID != nil {
		rentalID = sql.NullString{String: a.RentalID.String(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		a.ID, strings.ToLower(a.Wallet), a.NodeID, a.Status,
		nullString(a.TxHash), rentalID, nullString(a.SessionID), nullString(a.Error),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save start attempt: %w", err)
	}
	return nil
}

// Latest returns the most recent attempt for wallet and node
func (s *AttemptStore) Latest(ctx context.Context, wallet, nodeID string) (*models.StartAttempt, error) {
	query := `
		SELECT
			id, wallet, node_id, status,
			tx_hash, rental_id, session_id, error,
			created_at, updated_at
		FROM start_attempts
		WHERE wallet = ? AND node_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`

	a := &models.StartAttempt{}
	var txHash, rentalID, sessionID, errorStr sql.NullString

	err := s.db.QueryRowContext(ctx, query, strings.ToLower(wallet), nodeID).Scan(
		&a.ID, &a.Wallet, &a.NodeID, &a.Status,
		&txHash, &rentalID, &sessionID, &errorStr,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get start attempt: %w", err)
	}

	a.TxHash = txHash.String
	a.SessionID = sessionID.String
	a.Error = errorStr.String
	if rentalID.Valid {
		id, err := models.ParseWei(rentalID.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt rental id for attempt %s: %w", a.ID, err)
		}
		a.RentalID = id
	}
	return a, nil
}

// Prune deletes finished attempts last updated before cutoff
func (s *AttemptStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM start_attempts WHERE status IN (?, ?, ?) AND updated_at < ?`,
		models.AttemptComplete, models.AttemptChainError, models.AttemptAbandoned, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune start attempts: %w", err)
	}
	return result.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// MemoryAttemptStore keeps attempts for the life of the process
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]models.StartAttempt
}

// NewMemoryAttemptStore creates an empty in-memory store
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]models.StartAttempt)}
}

// Save implements the attempt store contract
func (s *MemoryAttemptStore) Save(_ context.Context, a *models.StartAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Wallet = strings.ToLower(cp.Wallet)
	if cp.RentalID != nil {
		cp.RentalID = models.NewWei(cp.RentalID.Big())
	}
	s.attempts[cp.ID] = cp
	return nil
}

// Latest implements the attempt store contract
func (s *MemoryAttemptStore) Latest(_ context.Context, wallet, nodeID string) (*models.StartAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.StartAttempt
	for _, a := range s.attempts {
		if a.Wallet != strings.ToLower(wallet) || a.NodeID != nodeID {
			continue
		}
		if latest == nil || a.UpdatedAt.After(latest.UpdatedAt) {
			cp := a
			latest = &cp
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}
