package models

import "time"

// Batch statuses.
const (
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
)

// Batch triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// SyncBatch is one worker run: created at batch start, counters updated as
// items complete, closed at batch end. Closed rows are never mutated again.
type SyncBatch struct {
	ID               int64      `json:"id"`
	BatchID          string     `json:"batch_id"`
	OrganizationID   string     `json:"organization_id"`
	TriggeredBy      string     `json:"triggered_by"`
	Status           string     `json:"status"`
	RecordsTotal     int        `json:"records_total"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsInserted  int        `json:"records_inserted"`
	RecordsUpdated   int        `json:"records_updated"`
	RecordsDeleted   int        `json:"records_deleted"`
	RecordsSkipped   int        `json:"records_skipped"`
	RecordsErrored   int        `json:"records_errored"`
	LastError        *string    `json:"last_error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// BatchCounters aggregates per-item outcomes applied to a running batch.
type BatchCounters struct {
	Processed int
	Inserted  int
	Updated   int
	Deleted   int
	Skipped   int
	Errored   int
}
