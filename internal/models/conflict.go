package models

import "time"

// Conflict statuses.
const (
	ConflictStatusUnresolved     = "unresolved"
	ConflictStatusAutoResolved   = "auto_resolved"
	ConflictStatusManualResolved = "manual_resolved"
)

// Resolution choices.
const (
	ResolutionUseLocal  = "use_local"
	ResolutionUseRemote = "use_remote"
	ResolutionMerge     = "merge"
)

// ConflictFieldDeleted marks a conflict raised because the remote record was
// deleted out-of-band while a local update was queued.
const ConflictFieldDeleted = "__deleted__"

// Conflict records a detected divergence between a queued local mutation and
// the current remote state for one entity. Once resolved it is terminal; the
// resolved payload travels back through the queue as a new QueueItem.
type Conflict struct {
	ID                int64      `json:"id"`
	QueueItemID       int64      `json:"queue_item_id"`
	ModificationID    string     `json:"modification_id"`
	EntityID          string     `json:"entity_id"`
	OrganizationID    string     `json:"organization_id"`
	LocalVersion      int64      `json:"local_version"`
	RemoteVersion     int64      `json:"remote_version"`
	ConflictFields    string     `json:"conflict_fields"` // JSON array of field names
	LocalData         string     `json:"local_data"`      // JSON, differing fields (local side)
	RemoteData        string     `json:"remote_data"`     // JSON, differing fields (remote side)
	DetectionStrategy string     `json:"detection_strategy"`
	Status            string     `json:"status"`
	Resolution        *string    `json:"resolution,omitempty"`
	MergedData        *string    `json:"merged_data,omitempty"`
	ResolvedBy        *string    `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
