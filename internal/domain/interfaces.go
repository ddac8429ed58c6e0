package domain

import (
	"context"

	"assetsync/internal/models"
	"assetsync/internal/remote"
)

// RemoteClient performs single calls against the remote asset-management API.
// Every call returns a tagged result; transport errors never cross this
// boundary as raw Go errors.
type RemoteClient interface {
	Create(ctx context.Context, entityID string, payload map[string]any) remote.Result
	Update(ctx context.Context, entityID string, payload map[string]any) remote.Result
	Delete(ctx context.Context, entityID string) remote.Result
	GetCurrentVersion(ctx context.Context, entityID string) (remote.Record, remote.Result)
}

// LocalStore is the slice of the CRUD layer's record storage the sync core
// needs: applying a remote snapshot on a use_remote resolution. The CRUD
// layer injects its implementation; NopLocalStore suits read-only deployments.
type LocalStore interface {
	ApplyRemoteSnapshot(ctx context.Context, organizationID, entityID string, fields map[string]any, remoteVersion int64) error
}

// NopLocalStore discards snapshots. Used when no CRUD collaborator is wired.
type NopLocalStore struct{}

func (NopLocalStore) ApplyRemoteSnapshot(ctx context.Context, organizationID, entityID string, fields map[string]any, remoteVersion int64) error {
	return nil
}

// EventPublisher is the Status Broadcaster surface the worker and services
// publish through. Implementations must never block or fail the caller.
type EventPublisher interface {
	PublishJSON(organizationID, eventType string, payload any)
}

// ConflictDetector decides whether a queued mutation collides with a
// concurrent remote change. Read-only with respect to the queue.
type ConflictDetector interface {
	Detect(ctx context.Context, item *models.QueueItem) (*models.Conflict, error)
}

// RunLock provides mutual exclusion for sync runs, keyed by organization.
type RunLock interface {
	Acquire(ctx context.Context, organizationID string) (bool, error)
	Release(ctx context.Context, organizationID string) error
}
