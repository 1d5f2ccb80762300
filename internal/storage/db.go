package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// single writer; the CLI and the watcher may share the file
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Open creates the database and runs migrations
func Open(ctx context.Context, dbPath string) (*DB, error) {
	db, err := New(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationStartAttempts,
		migrationExtensionKeys,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationStartAttempts = `
CREATE TABLE IF NOT EXISTS start_attempts (
	id TEXT PRIMARY KEY,
	wallet TEXT NOT NULL,
	node_id TEXT NOT NULL,
	status TEXT NOT NULL,

	-- Chain results
	tx_hash TEXT,
	rental_id TEXT,

	-- Hub results
	session_id TEXT,

	error TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const migrationExtensionKeys = `
CREATE TABLE IF NOT EXISTS extension_keys (
	session_id TEXT NOT NULL,
	minutes INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL,
	created_at DATETIME NOT NULL,

	PRIMARY KEY (session_id, minutes)
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_start_attempts_wallet_node ON start_attempts(wallet, node_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_start_attempts_status ON start_attempts(status);
`
