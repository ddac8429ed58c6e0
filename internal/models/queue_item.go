package models

import "time"

// Queue item statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
	QueueStatusConflicted = "conflicted"
)

// Queue operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// QueueItem represents one pending or completed mutation destined for the
// remote system. Payload and Baseline are JSON snapshots captured at enqueue
// time; the worker sends exactly what was requested even if the local record
// changes again before processing.
type QueueItem struct {
	ID                int64      `json:"id"`
	EntityID          string     `json:"entity_id"`
	OrganizationID    string     `json:"organization_id"`
	ModificationID    string     `json:"modification_id"`
	Operation         string     `json:"operation"`
	Payload           string     `json:"payload"`
	Baseline          string     `json:"baseline,omitempty"`
	Status            string     `json:"status"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	NextAttemptAt     time.Time  `json:"next_attempt_at"`
	LastError         *string    `json:"last_error,omitempty"`
	LocalVersion      int64      `json:"local_version"`
	SkipConflictCheck bool       `json:"skip_conflict_check"`
	CreatedAt         time.Time  `json:"created_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
}

// Terminal reports whether the item can no longer change state on its own.
func (q *QueueItem) Terminal() bool {
	switch q.Status {
	case QueueStatusCompleted, QueueStatusFailed, QueueStatusConflicted:
		return true
	}
	return false
}

// RetriesExhausted reports whether another transient failure would be final.
func (q *QueueItem) RetriesExhausted() bool {
	return q.RetryCount >= q.MaxRetries
}
