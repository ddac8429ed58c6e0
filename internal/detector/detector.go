package detector

import (
	"context"
	"encoding/json"
	"fmt"

	"assetsync/internal/domain"
	"assetsync/internal/models"
	"assetsync/internal/remote"

	"github.com/rs/zerolog"
)

// RemoteError carries the tagged result of a failed remote read so the worker
// can apply its usual error taxonomy instead of guessing from an error string.
type RemoteError struct {
	Result remote.Result
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote version fetch: %s: %s", e.Result.Outcome, e.Result.Reason)
}

// Detector runs the version-mismatch strategy before every remote write.
// It is read-only with respect to the queue: it only produces a Conflict for
// the worker to persist.
type Detector struct {
	client   domain.RemoteClient
	strategy DiffStrategy
	logger   zerolog.Logger
}

func New(client domain.RemoteClient, strategy DiffStrategy, logger zerolog.Logger) *Detector {
	if strategy == nil {
		strategy = FieldEquality{}
	}
	return &Detector{
		client:   client,
		strategy: strategy,
		logger:   logger.With().Str("component", "conflict_detector").Logger(),
	}
}

// Detect decides whether a concurrent remote change collides with the queued
// mutation. Creates and human-asserted re-enqueues are never checked.
func (d *Detector) Detect(ctx context.Context, item *models.QueueItem) (*models.Conflict, error) {
	if item.Operation == models.OpCreate || item.SkipConflictCheck {
		return nil, nil
	}

	record, res := d.client.GetCurrentVersion(ctx, item.EntityID)
	if !res.OK() {
		return nil, &RemoteError{Result: res}
	}

	if record.Deleted {
		if item.Operation == models.OpDelete {
			// Already gone remotely; the delete is a no-op, not a conflict.
			return nil, nil
		}
		return d.buildConflict(item, record, []string{models.ConflictFieldDeleted})
	}

	if record.Version <= item.LocalVersion {
		return nil, nil
	}

	intended, baseline, err := decodeSnapshots(item)
	if err != nil {
		return nil, fmt.Errorf("decode queue item snapshots: %w", err)
	}

	if item.Operation == models.OpDelete {
		// A delete stakes a claim on the whole record as last observed, so
		// any newer remote version means someone still edits it.
		fields := d.strategy.Diff(deleteScope(baseline, record.Fields), baseline, record.Fields)
		if len(fields) == 0 {
			fields = []string{"__version__"}
		}
		return d.buildConflict(item, record, fields)
	}

	fields := d.strategy.Diff(intended, baseline, record.Fields)
	if len(fields) == 0 {
		// Someone touched an unrelated field; the write can proceed.
		d.logger.Debug().
			Str("entity_id", item.EntityID).
			Int64("local_version", item.LocalVersion).
			Int64("remote_version", record.Version).
			Msg("remote version newer but mutated fields untouched")
		return nil, nil
	}

	return d.buildConflict(item, record, fields)
}

func (d *Detector) buildConflict(item *models.QueueItem, record remote.Record, fields []string) (*models.Conflict, error) {
	intended, _, err := decodeSnapshots(item)
	if err != nil {
		return nil, fmt.Errorf("decode queue item snapshots: %w", err)
	}

	localData := pick(intended, fields)
	remoteData := pick(record.Fields, fields)

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode conflict fields: %w", err)
	}
	localJSON, err := json.Marshal(localData)
	if err != nil {
		return nil, fmt.Errorf("encode local data: %w", err)
	}
	remoteJSON, err := json.Marshal(remoteData)
	if err != nil {
		return nil, fmt.Errorf("encode remote data: %w", err)
	}

	return &models.Conflict{
		QueueItemID:       item.ID,
		ModificationID:    item.ModificationID,
		EntityID:          item.EntityID,
		OrganizationID:    item.OrganizationID,
		LocalVersion:      item.LocalVersion,
		RemoteVersion:     record.Version,
		ConflictFields:    string(fieldsJSON),
		LocalData:         string(localJSON),
		RemoteData:        string(remoteJSON),
		DetectionStrategy: d.strategy.Name(),
	}, nil
}

func decodeSnapshots(item *models.QueueItem) (intended, baseline map[string]any, err error) {
	intended = map[string]any{}
	baseline = map[string]any{}
	if item.Payload != "" {
		if err := json.Unmarshal([]byte(item.Payload), &intended); err != nil {
			return nil, nil, fmt.Errorf("payload: %w", err)
		}
	}
	if item.Baseline != "" {
		if err := json.Unmarshal([]byte(item.Baseline), &baseline); err != nil {
			return nil, nil, fmt.Errorf("baseline: %w", err)
		}
	}
	return intended, baseline, nil
}

// deleteScope widens the diff to every field either side knows about, since
// a delete implicitly touches the whole record. Fields only the remote holds
// get a nil expectation so a remotely added field registers as a divergence.
func deleteScope(baseline, remote map[string]any) map[string]any {
	scope := make(map[string]any, len(baseline)+len(remote))
	for k := range remote {
		scope[k] = nil
	}
	for k, v := range baseline {
		scope[k] = v
	}
	return scope
}

func pick(src map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := src[f]; ok {
			out[f] = v
		}
	}
	return out
}
