package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced to callers of the sync core.
var (
	ErrDuplicatePending = errors.New("this modification is already pending or processing")
	ErrItemNotFound     = errors.New("queue item not found")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrAlreadyResolved  = errors.New("conflict is already resolved")
)

// DB owns the three durable tables of the sync core: queue items, conflicts
// and sync batches. All mutations go through transactional conditional
// updates so horizontally scaled workers never double-process an item.
type DB struct {
	db *sql.DB
}

func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_id TEXT NOT NULL,
            organization_id TEXT NOT NULL,
            modification_id TEXT NOT NULL,
            operation TEXT NOT NULL,
            payload TEXT NOT NULL,
            baseline TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 3,
            next_attempt_at DATETIME NOT NULL,
            last_error TEXT,
            local_version INTEGER NOT NULL DEFAULT 0,
            skip_conflict_check BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            processed_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS conflicts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            queue_item_id INTEGER NOT NULL,
            modification_id TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            organization_id TEXT NOT NULL,
            local_version INTEGER NOT NULL,
            remote_version INTEGER NOT NULL,
            conflict_fields TEXT NOT NULL,
            local_data TEXT NOT NULL,
            remote_data TEXT NOT NULL,
            detection_strategy TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'unresolved',
            resolution TEXT,
            merged_data TEXT,
            resolved_by TEXT,
            resolved_at DATETIME,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_batches (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            batch_id TEXT UNIQUE NOT NULL,
            organization_id TEXT NOT NULL,
            triggered_by TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'running',
            records_total INTEGER NOT NULL DEFAULT 0,
            records_processed INTEGER NOT NULL DEFAULT 0,
            records_inserted INTEGER NOT NULL DEFAULT 0,
            records_updated INTEGER NOT NULL DEFAULT 0,
            records_deleted INTEGER NOT NULL DEFAULT 0,
            records_skipped INTEGER NOT NULL DEFAULT 0,
            records_errored INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            started_at DATETIME NOT NULL,
            completed_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_items(organization_id, status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entity_order ON queue_items(entity_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_org_status ON conflicts(organization_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_org ON sync_batches(organization_id, started_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// ExecContext is exposed for tests that need to seed raw rows.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

// QueryRowContext is exposed for tests that inspect raw rows.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}
