package database

import (
	"context"
	"fmt"
	"time"

	"assetsync/internal/models"
)

const batchColumns = `id, batch_id, organization_id, triggered_by, status,
              records_total, records_processed, records_inserted, records_updated,
              records_deleted, records_skipped, records_errored, last_error, started_at, completed_at`

// CreateBatch opens a new sync log entry in running state.
func (db *DB) CreateBatch(ctx context.Context, batch *models.SyncBatch) error {
	now := time.Now().UTC()
	batch.Status = models.BatchStatusRunning
	batch.StartedAt = now

	result, err := db.db.ExecContext(ctx,
		`INSERT INTO sync_batches (batch_id, organization_id, triggered_by, status, started_at)
         VALUES (?, ?, ?, ?, ?)`,
		batch.BatchID, batch.OrganizationID, batch.TriggeredBy, batch.Status, batch.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync batch: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	batch.ID = id
	return nil
}

// AddBatchTotal bumps records_total as successive claims add items to a run.
func (db *DB) AddBatchTotal(ctx context.Context, id int64, n int) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE sync_batches SET records_total = records_total + ? WHERE id = ? AND status = 'running'`,
		n, id,
	)
	if err != nil {
		return fmt.Errorf("failed to add batch total: %w", err)
	}
	return nil
}

// UpdateBatchCounters writes the worker's running counters to the open batch.
func (db *DB) UpdateBatchCounters(ctx context.Context, id int64, c models.BatchCounters) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE sync_batches SET records_processed = ?, records_inserted = ?, records_updated = ?,
                records_deleted = ?, records_skipped = ?, records_errored = ?
         WHERE id = ? AND status = 'running'`,
		c.Processed, c.Inserted, c.Updated, c.Deleted, c.Skipped, c.Errored, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}
	return nil
}

// CloseBatch finalizes a running batch. Closed batches are immutable: every
// batch mutation guards on status = 'running'.
func (db *DB) CloseBatch(ctx context.Context, id int64, status string, lastError *string) error {
	now := time.Now().UTC()
	_, err := db.db.ExecContext(ctx,
		`UPDATE sync_batches SET status = ?, last_error = ?, completed_at = ? WHERE id = ? AND status = 'running'`,
		status, lastError, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}
	return nil
}

// ListBatches returns the sync log for an organization, newest first.
func (db *DB) ListBatches(ctx context.Context, organizationID string, limit, offset int) ([]models.SyncBatch, error) {
	rows, err := db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM sync_batches WHERE organization_id = ?
         ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, batchColumns),
		organizationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []models.SyncBatch
	for rows.Next() {
		var b models.SyncBatch
		err := rows.Scan(
			&b.ID, &b.BatchID, &b.OrganizationID, &b.TriggeredBy, &b.Status,
			&b.RecordsTotal, &b.RecordsProcessed, &b.RecordsInserted, &b.RecordsUpdated,
			&b.RecordsDeleted, &b.RecordsSkipped, &b.RecordsErrored, &b.LastError,
			&b.StartedAt, &b.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// GetBatch loads one batch by row id.
func (db *DB) GetBatch(ctx context.Context, id int64) (*models.SyncBatch, error) {
	row := db.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM sync_batches WHERE id = ?`, batchColumns), id)

	var b models.SyncBatch
	err := row.Scan(
		&b.ID, &b.BatchID, &b.OrganizationID, &b.TriggeredBy, &b.Status,
		&b.RecordsTotal, &b.RecordsProcessed, &b.RecordsInserted, &b.RecordsUpdated,
		&b.RecordsDeleted, &b.RecordsSkipped, &b.RecordsErrored, &b.LastError,
		&b.StartedAt, &b.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &b, nil
}
