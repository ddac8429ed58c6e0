package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"assetsync/internal/database"
	"assetsync/internal/domain"
	"assetsync/internal/events"
	"assetsync/internal/metrics"
	"assetsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Validation errors returned synchronously to the enqueue caller.
var (
	ErrInvalidOperation   = errors.New("operation must be create, update or delete")
	ErrMissingEntity      = errors.New("entity_id is required")
	ErrMissingOrg         = errors.New("organization_id is required")
	ErrEmptyPayload       = errors.New("payload is required for create and update")
	ErrInvalidResolution  = errors.New("resolution must be use_local, use_remote or merge")
	ErrMergedDataRequired = errors.New("merge resolution requires merged_data")
)

// EnqueueRequest is a local modification the CRUD layer wants pushed to the
// remote system.
type EnqueueRequest struct {
	EntityID       string         `json:"entity_id"`
	OrganizationID string         `json:"organization_id"`
	ModificationID string         `json:"modification_id"`
	Operation      string         `json:"operation"`
	Payload        map[string]any `json:"payload"`
	Baseline       map[string]any `json:"baseline"`
	LocalVersion   int64          `json:"local_version"`
	MaxRetries     int            `json:"max_retries"`
}

// ResolveRequest settles one detected conflict.
type ResolveRequest struct {
	ConflictID int64
	Resolution string
	MergedData map[string]any
	ResolvedBy string
	Auto       bool
}

// SyncService is the surface collaborators use: enqueue mutations, inspect
// queue and conflict state, resolve conflicts. It owns the coalescing policy
// and keeps resolution on the single write path through the queue.
type SyncService struct {
	db         *database.DB
	localStore domain.LocalStore
	publisher  domain.EventPublisher
	coalesce   bool
	maxRetries int
	logger     zerolog.Logger
}

func NewSyncService(db *database.DB, localStore domain.LocalStore, publisher domain.EventPublisher,
	coalesce bool, maxRetries int, logger zerolog.Logger) *SyncService {

	if localStore == nil {
		localStore = domain.NopLocalStore{}
	}
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &SyncService{
		db:         db,
		localStore: localStore,
		publisher:  publisher,
		coalesce:   coalesce,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "sync_service").Logger(),
	}
}

// Enqueue persists a new pending mutation. This is the only sync-core call
// that propagates failure synchronously, so the CRUD layer can warn its user
// that the sync may be delayed.
func (s *SyncService) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueItem, error) {
	if err := validateEnqueue(req); err != nil {
		return nil, err
	}
	if req.ModificationID == "" {
		req.ModificationID = uuid.NewString()
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	baseline := []byte("")
	if req.Baseline != nil {
		if baseline, err = json.Marshal(req.Baseline); err != nil {
			return nil, fmt.Errorf("encode baseline: %w", err)
		}
	}

	item := &models.QueueItem{
		EntityID:       req.EntityID,
		OrganizationID: req.OrganizationID,
		ModificationID: req.ModificationID,
		Operation:      req.Operation,
		Payload:        string(payload),
		Baseline:       string(baseline),
		LocalVersion:   req.LocalVersion,
		MaxRetries:     req.MaxRetries,
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = s.maxRetries
	}

	if err := s.db.EnqueueItem(ctx, item, s.coalesce); err != nil {
		return nil, err
	}

	s.publishQueueUpdate(ctx, req.OrganizationID)
	return item, nil
}

// Resolve settles a conflict. Non-discard resolutions re-enqueue through the
// normal queue path; resolution never writes to the remote system directly.
func (s *SyncService) Resolve(ctx context.Context, req ResolveRequest) (*models.QueueItem, error) {
	conflict, err := s.db.GetConflict(ctx, req.ConflictID)
	if err != nil {
		return nil, err
	}

	var mergedJSON *string
	switch req.Resolution {
	case models.ResolutionUseLocal, models.ResolutionUseRemote:
	case models.ResolutionMerge:
		if req.MergedData == nil {
			return nil, ErrMergedDataRequired
		}
		raw, err := json.Marshal(req.MergedData)
		if err != nil {
			return nil, fmt.Errorf("encode merged data: %w", err)
		}
		str := string(raw)
		mergedJSON = &str
	default:
		return nil, ErrInvalidResolution
	}

	status := models.ConflictStatusManualResolved
	if req.Auto {
		status = models.ConflictStatusAutoResolved
	}

	// The guarded update is the idempotency gate: a concurrent or repeated
	// resolve loses here, before any re-enqueue happens.
	if err := s.db.ResolveConflict(ctx, conflict.ID, status, req.Resolution, mergedJSON, req.ResolvedBy); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("conflict_id", conflict.ID).
		Str("resolution", req.Resolution).
		Str("resolved_by", req.ResolvedBy).
		Msg("conflict resolved")

	switch req.Resolution {
	case models.ResolutionUseLocal:
		return s.requeueLocal(ctx, conflict)
	case models.ResolutionMerge:
		return s.requeueMerged(ctx, conflict, *mergedJSON)
	default:
		return nil, s.applyRemote(ctx, conflict)
	}
}

// requeueLocal pushes the original payload back through the pipeline with
// conflict checks disabled: the human has asserted intent for this
// modification.
func (s *SyncService) requeueLocal(ctx context.Context, conflict *models.Conflict) (*models.QueueItem, error) {
	original, err := s.db.GetQueueItem(ctx, conflict.QueueItemID)
	if err != nil {
		return nil, err
	}

	item := &models.QueueItem{
		EntityID:          conflict.EntityID,
		OrganizationID:    conflict.OrganizationID,
		ModificationID:    conflict.ModificationID,
		Operation:         original.Operation,
		Payload:           original.Payload,
		Baseline:          original.Baseline,
		LocalVersion:      conflict.RemoteVersion,
		MaxRetries:        original.MaxRetries,
		SkipConflictCheck: true,
	}
	if err := s.db.EnqueueItem(ctx, item, false); err != nil {
		return nil, err
	}

	s.publishQueueUpdate(ctx, conflict.OrganizationID)
	return item, nil
}

func (s *SyncService) requeueMerged(ctx context.Context, conflict *models.Conflict, mergedPayload string) (*models.QueueItem, error) {
	original, err := s.db.GetQueueItem(ctx, conflict.QueueItemID)
	if err != nil {
		return nil, err
	}

	item := &models.QueueItem{
		EntityID:       conflict.EntityID,
		OrganizationID: conflict.OrganizationID,
		ModificationID: uuid.NewString(),
		Operation:      original.Operation,
		Payload:        mergedPayload,
		Baseline:       conflict.RemoteData,
		LocalVersion:   conflict.RemoteVersion,
		MaxRetries:     original.MaxRetries,
	}
	if err := s.db.EnqueueItem(ctx, item, false); err != nil {
		return nil, err
	}

	s.publishQueueUpdate(ctx, conflict.OrganizationID)
	return item, nil
}

// applyRemote discards the local mutation and refreshes the local record from
// the remote snapshot captured at detection time.
func (s *SyncService) applyRemote(ctx context.Context, conflict *models.Conflict) error {
	fields := map[string]any{}
	if conflict.RemoteData != "" {
		if err := json.Unmarshal([]byte(conflict.RemoteData), &fields); err != nil {
			return fmt.Errorf("decode remote snapshot: %w", err)
		}
	}
	if err := s.localStore.ApplyRemoteSnapshot(ctx, conflict.OrganizationID, conflict.EntityID, fields, conflict.RemoteVersion); err != nil {
		return fmt.Errorf("apply remote snapshot: %w", err)
	}
	return nil
}

// QueueStatus returns aggregate item counts by status for dashboards.
func (s *SyncService) QueueStatus(ctx context.Context, organizationID string) (map[string]int, error) {
	counts, err := s.db.QueueStatus(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		metrics.SetQueueDepth(organizationID, status, n)
	}
	return counts, nil
}

// ListConflicts pages through conflicts for an organization.
func (s *SyncService) ListConflicts(ctx context.Context, organizationID, status string, limit, offset int) ([]models.Conflict, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListConflicts(ctx, organizationID, status, limit, offset)
}

// ListBatches pages through the sync log for an organization.
func (s *SyncService) ListBatches(ctx context.Context, organizationID string, limit, offset int) ([]models.SyncBatch, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListBatches(ctx, organizationID, limit, offset)
}

func (s *SyncService) publishQueueUpdate(ctx context.Context, organizationID string) {
	counts, err := s.db.QueueStatus(ctx, organizationID)
	if err != nil {
		s.logger.Debug().Err(err).Msg("queue status for event")
		return
	}
	s.publisher.PublishJSON(organizationID, events.EventQueueUpdate, map[string]any{
		"counts": counts,
	})
}

func validateEnqueue(req EnqueueRequest) error {
	if req.EntityID == "" {
		return ErrMissingEntity
	}
	if req.OrganizationID == "" {
		return ErrMissingOrg
	}
	switch req.Operation {
	case models.OpCreate, models.OpUpdate, models.OpDelete:
	default:
		return ErrInvalidOperation
	}
	if req.Operation != models.OpDelete && len(req.Payload) == 0 {
		return ErrEmptyPayload
	}
	return nil
}
