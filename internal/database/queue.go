package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"assetsync/internal/models"
)

const queueColumns = `id, entity_id, organization_id, modification_id, operation, payload, baseline,
              status, retry_count, max_retries, next_attempt_at, last_error, local_version,
              skip_conflict_check, created_at, processed_at`

// EnqueueItem persists a new pending mutation. Enqueue is at-least-once from
// the CRUD layer's point of view, so a retried enqueue carrying an already
// queued modification_id fails with ErrDuplicatePending instead of creating a
// second item. Distinct modifications for the same entity queue up behind each
// other in FIFO order, unless coalesce is set and both the newest queued
// mutation and the new one are updates still sitting in pending: then the
// queued item absorbs the new payload, baseline and local version in place
// (last-write-wins at the queue level).
func (db *DB) EnqueueItem(ctx context.Context, item *models.QueueItem, coalesce bool) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	var dupID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM queue_items
         WHERE modification_id = ? AND status IN ('pending', 'processing') LIMIT 1`,
		item.ModificationID,
	).Scan(&dupID)
	if err == nil {
		return ErrDuplicatePending
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check duplicate modification: %w", err)
	}

	if coalesce && item.Operation == models.OpUpdate {
		var existingID int64
		var existingOp string
		err = tx.QueryRowContext(ctx,
			`SELECT id, operation FROM queue_items
             WHERE entity_id = ? AND organization_id = ? AND status = 'pending'
             ORDER BY created_at DESC, id DESC LIMIT 1`,
			item.EntityID, item.OrganizationID,
		).Scan(&existingID, &existingOp)
		switch {
		case err == nil && existingOp == models.OpUpdate:
			_, err = tx.ExecContext(ctx,
				`UPDATE queue_items SET payload = ?, baseline = ?, local_version = ?, modification_id = ?
                 WHERE id = ? AND status = 'pending'`,
				item.Payload, item.Baseline, item.LocalVersion, item.ModificationID, existingID,
			)
			if err != nil {
				return fmt.Errorf("failed to coalesce queue item: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit coalesce: %w", err)
			}
			item.ID = existingID
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check coalesce candidate: %w", err)
		}
	}

	now := time.Now().UTC()
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = now
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = 3
	}
	item.Status = models.QueueStatusPending
	item.CreatedAt = now

	result, err := tx.ExecContext(ctx,
		`INSERT INTO queue_items (entity_id, organization_id, modification_id, operation, payload, baseline,
                                  status, retry_count, max_retries, next_attempt_at, local_version,
                                  skip_conflict_check, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.EntityID, item.OrganizationID, item.ModificationID, item.Operation, item.Payload, item.Baseline,
		item.Status, item.RetryCount, item.MaxRetries, item.NextAttemptAt, item.LocalVersion,
		item.SkipConflictCheck, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}

	item.ID = id
	return nil
}

// ClaimBatch atomically selects up to maxSize due pending items and moves them
// to processing. For each entity only the oldest pending item is eligible, and
// entities that already hold a processing item are skipped entirely. This
// gives FIFO per entity and at most one in-flight item per entity, and makes
// every batch free of intra-batch entity collisions.
func (db *DB) ClaimBatch(ctx context.Context, organizationID string, maxSize int) ([]models.QueueItem, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx,
		`SELECT q.id FROM queue_items q
         WHERE q.organization_id = ? AND q.status = 'pending' AND q.next_attempt_at <= ?
           AND NOT EXISTS (
               SELECT 1 FROM queue_items p
               WHERE p.entity_id = q.entity_id AND p.organization_id = q.organization_id
                 AND p.status = 'processing')
           AND NOT EXISTS (
               SELECT 1 FROM queue_items e
               WHERE e.entity_id = q.entity_id AND e.organization_id = q.organization_id
                 AND e.status = 'pending'
                 AND (e.created_at < q.created_at OR (e.created_at = q.created_at AND e.id < q.id)))
         ORDER BY q.created_at, q.id
         LIMIT ?`,
		organizationID, now, maxSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable items: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimable ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	// The status guard keeps a concurrently claimed row out of this batch.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE queue_items SET status = 'processing' WHERE id IN (%s) AND status = 'pending'`, placeholders),
		args...,
	); err != nil {
		return nil, fmt.Errorf("failed to claim items: %w", err)
	}

	itemRows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM queue_items WHERE id IN (%s) AND status = 'processing' ORDER BY created_at, id`,
			queueColumns, placeholders),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed items: %w", err)
	}
	items, err := scanQueueItems(itemRows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return items, nil
}

// MarkCompleted finishes a processing item successfully.
func (db *DB) MarkCompleted(ctx context.Context, id int64) error {
	return db.finishItem(ctx, id, models.QueueStatusCompleted, nil)
}

// MarkConflicted parks a processing item until its conflict is resolved.
func (db *DB) MarkConflicted(ctx context.Context, id int64) error {
	msg := "concurrent remote change detected"
	return db.finishItem(ctx, id, models.QueueStatusConflicted, &msg)
}

// MarkFailed terminally fails a processing item. No further retries happen;
// the row stays visible with its last error for operator attention.
func (db *DB) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return db.finishItem(ctx, id, models.QueueStatusFailed, &errMsg)
}

func (db *DB) finishItem(ctx context.Context, id int64, status string, errMsg *string) error {
	now := time.Now().UTC()
	result, err := db.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, last_error = ?, processed_at = ? WHERE id = ? AND status = 'processing'`,
		status, errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item %s: %w", status, err)
	}
	return requireRow(result)
}

// MarkRetry returns a processing item to pending with an incremented retry
// count and a backoff target computed by the caller.
func (db *DB) MarkRetry(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) error {
	result, err := db.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending', last_error = ?, retry_count = retry_count + 1, next_attempt_at = ?
         WHERE id = ? AND status = 'processing'`,
		errMsg, nextAttemptAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item for retry: %w", err)
	}
	return requireRow(result)
}

// ReturnToPending hands a claimed item back untouched. Used when the rate
// limiter times out or an auth failure aborts the rest of a run: neither is
// the item's fault, so retry_count stays put.
func (db *DB) ReturnToPending(ctx context.Context, id int64) error {
	result, err := db.db.ExecContext(ctx,
		`UPDATE queue_items SET status = 'pending' WHERE id = ? AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to return item to pending: %w", err)
	}
	return requireRow(result)
}

// GetQueueItem loads one item by id.
func (db *DB) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	row := db.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM queue_items WHERE id = ?`, queueColumns), id)

	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// QueueStatus returns item counts by status for dashboards. Read-only, no
// locks taken.
func (db *DB) QueueStatus(ctx context.Context, organizationID string) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE organization_id = ? GROUP BY status`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue status: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// OrganizationsWithDueWork lists organizations holding at least one claimable
// item. The scheduler uses it to decide which runs to fire.
func (db *DB) OrganizationsWithDueWork(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT DISTINCT organization_id FROM queue_items WHERE status = 'pending' AND next_attempt_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations with due work: %w", err)
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	err := row.Scan(
		&item.ID, &item.EntityID, &item.OrganizationID, &item.ModificationID, &item.Operation,
		&item.Payload, &item.Baseline, &item.Status, &item.RetryCount, &item.MaxRetries,
		&item.NextAttemptAt, &item.LastError, &item.LocalVersion, &item.SkipConflictCheck,
		&item.CreatedAt, &item.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]models.QueueItem, error) {
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
