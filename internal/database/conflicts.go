package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"assetsync/internal/models"
)

const conflictColumns = `id, queue_item_id, modification_id, entity_id, organization_id,
              local_version, remote_version, conflict_fields, local_data, remote_data,
              detection_strategy, status, resolution, merged_data, resolved_by, resolved_at, created_at`

// CreateConflict persists a detected conflict awaiting resolution.
func (db *DB) CreateConflict(ctx context.Context, conflict *models.Conflict) error {
	now := time.Now().UTC()
	conflict.Status = models.ConflictStatusUnresolved
	conflict.CreatedAt = now

	result, err := db.db.ExecContext(ctx,
		`INSERT INTO conflicts (queue_item_id, modification_id, entity_id, organization_id,
                                local_version, remote_version, conflict_fields, local_data, remote_data,
                                detection_strategy, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conflict.QueueItemID, conflict.ModificationID, conflict.EntityID, conflict.OrganizationID,
		conflict.LocalVersion, conflict.RemoteVersion, conflict.ConflictFields, conflict.LocalData,
		conflict.RemoteData, conflict.DetectionStrategy, conflict.Status, conflict.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	conflict.ID = id
	return nil
}

// GetConflict loads one conflict by id.
func (db *DB) GetConflict(ctx context.Context, id int64) (*models.Conflict, error) {
	row := db.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM conflicts WHERE id = ?`, conflictColumns), id)

	conflict, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

// ListConflicts returns conflicts for an organization, newest first. An empty
// status returns all statuses.
func (db *DB) ListConflicts(ctx context.Context, organizationID, status string, limit, offset int) ([]models.Conflict, error) {
	query := fmt.Sprintf(`SELECT %s FROM conflicts WHERE organization_id = ?`, conflictColumns)
	args := []any{organizationID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, *conflict)
	}
	return conflicts, rows.Err()
}

// ResolveConflict stamps a terminal resolution on an unresolved conflict.
// The WHERE guard makes resolution idempotent-safe: a second call finds no
// unresolved row and fails with ErrAlreadyResolved.
func (db *DB) ResolveConflict(ctx context.Context, id int64, status, resolution string, mergedData *string, resolvedBy string) error {
	now := time.Now().UTC()
	result, err := db.db.ExecContext(ctx,
		`UPDATE conflicts SET status = ?, resolution = ?, merged_data = ?, resolved_by = ?, resolved_at = ?
         WHERE id = ? AND status = 'unresolved'`,
		status, resolution, mergedData, resolvedBy, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, err := db.GetConflict(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var conflict models.Conflict
	err := row.Scan(
		&conflict.ID, &conflict.QueueItemID, &conflict.ModificationID, &conflict.EntityID,
		&conflict.OrganizationID, &conflict.LocalVersion, &conflict.RemoteVersion,
		&conflict.ConflictFields, &conflict.LocalData, &conflict.RemoteData,
		&conflict.DetectionStrategy, &conflict.Status, &conflict.Resolution, &conflict.MergedData,
		&conflict.ResolvedBy, &conflict.ResolvedAt, &conflict.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conflict, nil
}
