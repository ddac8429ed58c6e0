package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"assetsync/internal/database"
	"assetsync/internal/detector"
	"assetsync/internal/domain"
	"assetsync/internal/events"
	"assetsync/internal/metrics"
	"assetsync/internal/models"
	"assetsync/internal/ratelimit"
	"assetsync/internal/remote"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSyncAlreadyRunning signals that a run for the organization is in
// progress; the new trigger coalesces into a no-op.
var ErrSyncAlreadyRunning = errors.New("sync run already in progress for organization")

// Worker drains the write queue against the rate-limited remote API. One run
// per organization at a time; different organizations run in parallel.
type Worker struct {
	db        *database.DB
	remote    domain.RemoteClient
	detector  domain.ConflictDetector
	limiter   *ratelimit.Limiter
	lock      domain.RunLock
	events    domain.EventPublisher
	retry     RetryPolicy
	batchSize int
	poolSize  int
	lockTTL   time.Duration
	logger    zerolog.Logger
}

type Options struct {
	Retry     RetryPolicy
	BatchSize int
	PoolSize  int
	LockTTL   time.Duration
}

func New(db *database.DB, remoteClient domain.RemoteClient, det domain.ConflictDetector,
	limiter *ratelimit.Limiter, lock domain.RunLock, publisher domain.EventPublisher,
	opts Options, logger zerolog.Logger) *Worker {

	opts.Retry = opts.Retry.withDefaults()
	if opts.BatchSize == 0 {
		opts.BatchSize = 50
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 4
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = 10 * time.Minute
	}

	return &Worker{
		db:        db,
		remote:    remoteClient,
		detector:  det,
		limiter:   limiter,
		lock:      lock,
		events:    publisher,
		retry:     opts.Retry,
		batchSize: opts.BatchSize,
		poolSize:  opts.PoolSize,
		lockTTL:   opts.LockTTL,
		logger:    logger.With().Str("component", "sync_worker").Logger(),
	}
}

// Run executes one full sync run for the organization: claim, process, log,
// repeat until the queue has no claimable work or the context is cancelled.
// Returns ErrSyncAlreadyRunning when the run-lock is held.
func (w *Worker) Run(ctx context.Context, organizationID, triggeredBy string) (*models.SyncBatch, error) {
	acquired, err := w.lock.Acquire(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrSyncAlreadyRunning
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.lock.Release(releaseCtx, organizationID); err != nil {
			w.logger.Error().Err(err).Str("organization_id", organizationID).Msg("release run lock")
		}
	}()

	return w.runLocked(ctx, organizationID, triggeredBy)
}

// TriggerAsync starts a run in the background, holding the run-lock from the
// moment of the trigger so callers learn synchronously whether a run was
// already in progress.
func (w *Worker) TriggerAsync(ctx context.Context, organizationID, triggeredBy string) error {
	acquired, err := w.lock.Acquire(ctx, organizationID)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrSyncAlreadyRunning
	}

	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), w.lockTTL)
		defer cancel()
		defer func() {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := w.lock.Release(releaseCtx, organizationID); err != nil {
				w.logger.Error().Err(err).Str("organization_id", organizationID).Msg("release run lock")
			}
		}()

		if _, err := w.runLocked(runCtx, organizationID, triggeredBy); err != nil {
			w.logger.Error().Err(err).Str("organization_id", organizationID).Msg("background sync run failed")
		}
	}()

	return nil
}

type runState struct {
	mu          sync.Mutex
	counters    models.BatchCounters
	authAborted atomic.Bool
}

func (w *Worker) runLocked(ctx context.Context, organizationID, triggeredBy string) (*models.SyncBatch, error) {
	batch := &models.SyncBatch{
		BatchID:        uuid.NewString(),
		OrganizationID: organizationID,
		TriggeredBy:    triggeredBy,
	}
	if err := w.db.CreateBatch(ctx, batch); err != nil {
		// The batch could not start; this is the only case where the run
		// itself counts as failed.
		return nil, err
	}

	logger := w.logger.With().
		Str("organization_id", organizationID).
		Str("batch_id", batch.BatchID).
		Str("triggered_by", triggeredBy).
		Logger()
	logger.Info().Msg("sync run started")

	state := &runState{}
	seen := make(map[int64]bool)

	for {
		if ctx.Err() != nil || state.authAborted.Load() {
			break
		}

		items, err := w.db.ClaimBatch(ctx, organizationID, w.batchSize)
		if err != nil {
			logger.Error().Err(err).Msg("claim batch failed")
			msg := err.Error()
			_ = w.db.CloseBatch(ctx, batch.ID, models.BatchStatusFailed, &msg)
			metrics.IncBatch(models.BatchStatusFailed)
			return batch, err
		}
		if len(items) == 0 {
			break
		}

		newItems := 0
		for i := range items {
			if !seen[items[i].ID] {
				seen[items[i].ID] = true
				newItems++
			}
		}
		if newItems > 0 {
			if err := w.db.AddBatchTotal(ctx, batch.ID, newItems); err != nil {
				logger.Error().Err(err).Msg("update batch total")
			}
			batch.RecordsTotal += newItems
		}

		state.mu.Lock()
		before := state.counters.Processed
		state.mu.Unlock()

		w.processWave(ctx, items, batch, state, logger)

		state.mu.Lock()
		progressed := state.counters.Processed > before
		state.mu.Unlock()
		if !progressed {
			// Every claimed item went back to pending, typically because the
			// rate limiter is starved. Claiming again would spin.
			break
		}
	}

	state.mu.Lock()
	counters := state.counters
	state.mu.Unlock()

	if err := w.db.CloseBatch(ctx, batch.ID, models.BatchStatusCompleted, nil); err != nil {
		logger.Error().Err(err).Msg("close batch")
	}
	batch.Status = models.BatchStatusCompleted
	batch.RecordsProcessed = counters.Processed
	batch.RecordsInserted = counters.Inserted
	batch.RecordsUpdated = counters.Updated
	batch.RecordsDeleted = counters.Deleted
	batch.RecordsSkipped = counters.Skipped
	batch.RecordsErrored = counters.Errored
	metrics.IncBatch(models.BatchStatusCompleted)

	w.events.PublishJSON(organizationID, events.EventSyncComplete, map[string]any{
		"batch_id":          batch.BatchID,
		"records_total":     batch.RecordsTotal,
		"records_processed": counters.Processed,
		"records_errored":   counters.Errored,
		"records_skipped":   counters.Skipped,
	})

	logger.Info().
		Int("records_total", batch.RecordsTotal).
		Int("records_processed", counters.Processed).
		Int("records_errored", counters.Errored).
		Msg("sync run finished")

	return batch, nil
}

// processWave runs one claimed batch through the bounded worker pool. Claim
// semantics guarantee the items target distinct entities, so concurrent
// processing cannot reorder writes within an entity.
func (w *Worker) processWave(ctx context.Context, items []models.QueueItem, batch *models.SyncBatch, state *runState, logger zerolog.Logger) {
	sem := make(chan struct{}, w.poolSize)
	var wg sync.WaitGroup

	for i := range items {
		item := items[i]

		if ctx.Err() != nil || state.authAborted.Load() {
			w.returnItem(item.ID, logger)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.processItem(ctx, &item, batch, state, logger)
		}()
	}

	wg.Wait()
}

func (w *Worker) processItem(ctx context.Context, item *models.QueueItem, batch *models.SyncBatch, state *runState, logger zerolog.Logger) {
	if state.authAborted.Load() {
		w.returnItem(item.ID, logger)
		return
	}

	if err := w.limiter.Acquire(ctx, item.OrganizationID); err != nil {
		// Limiter pressure or shutdown; either way the item is blameless.
		if !errors.Is(err, ratelimit.ErrAcquireTimeout) && ctx.Err() == nil {
			logger.Error().Err(err).Int64("item_id", item.ID).Msg("rate limiter acquire")
		}
		w.returnItem(item.ID, logger)
		return
	}

	conflict, err := w.detector.Detect(ctx, item)
	if err != nil {
		var remoteErr *detector.RemoteError
		if errors.As(err, &remoteErr) {
			w.recordFailure(ctx, item, remoteErr.Result, batch, state, logger)
			return
		}
		w.retryOrFail(ctx, item, err.Error(), batch, state, logger)
		return
	}
	if conflict != nil {
		w.recordConflict(ctx, item, conflict, batch, state, logger)
		return
	}

	res := w.callRemote(ctx, item)
	if res.OK() {
		w.recordSuccess(ctx, item, batch, state, logger)
		return
	}
	w.recordFailure(ctx, item, res, batch, state, logger)
}

func (w *Worker) callRemote(ctx context.Context, item *models.QueueItem) remote.Result {
	payload := map[string]any{}
	if item.Payload != "" {
		// Payload was validated at enqueue; a decode failure here is permanent.
		if err := decodeJSON(item.Payload, &payload); err != nil {
			return remote.Result{Outcome: remote.OutcomePermanent, Reason: "malformed payload: " + err.Error()}
		}
	}

	switch item.Operation {
	case models.OpCreate:
		return w.remote.Create(ctx, item.EntityID, payload)
	case models.OpUpdate:
		return w.remote.Update(ctx, item.EntityID, payload)
	case models.OpDelete:
		return w.remote.Delete(ctx, item.EntityID)
	default:
		return remote.Result{Outcome: remote.OutcomePermanent, Reason: "unknown operation: " + item.Operation}
	}
}

func decodeJSON(raw string, dst any) error {
	return json.Unmarshal([]byte(raw), dst)
}

func (w *Worker) recordSuccess(ctx context.Context, item *models.QueueItem, batch *models.SyncBatch, state *runState, logger zerolog.Logger) {
	if err := w.db.MarkCompleted(ctx, item.ID); err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark completed")
	}
	metrics.IncItemProcessed("completed")

	state.mu.Lock()
	state.counters.Processed++
	switch item.Operation {
	case models.OpCreate:
		state.counters.Inserted++
	case models.OpUpdate:
		state.counters.Updated++
	case models.OpDelete:
		state.counters.Deleted++
	}
	w.flushProgress(ctx, batch, state, logger)
	state.mu.Unlock()
}

func (w *Worker) recordConflict(ctx context.Context, item *models.QueueItem, conflict *models.Conflict, batch *models.SyncBatch, state *runState, logger zerolog.Logger) {
	if err := w.db.CreateConflict(ctx, conflict); err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("persist conflict")
		w.retryOrFail(ctx, item, "persist conflict: "+err.Error(), batch, state, logger)
		return
	}
	if err := w.db.MarkConflicted(ctx, item.ID); err != nil {
		logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark conflicted")
	}
	metrics.IncItemProcessed("conflicted")
	metrics.IncConflictDetected()

	logger.Warn().
		Int64("item_id", item.ID).
		Str("entity_id", item.EntityID).
		Int64("local_version", conflict.LocalVersion).
		Int64("remote_version", conflict.RemoteVersion).
		Msg("conflict detected, remote write skipped")

	state.mu.Lock()
	state.counters.Processed++
	state.counters.Skipped++
	w.flushProgress(ctx, batch, state, logger)
	state.mu.Unlock()

	w.events.PublishJSON(item.OrganizationID, events.EventConflictDetected, map[string]any{
		"conflict_id":     conflict.ID,
		"entity_id":       conflict.EntityID,
		"modification_id": conflict.ModificationID,
		"local_version":   conflict.LocalVersion,
		"remote_version":  conflict.RemoteVersion,
	})
}

func (w *Worker) recordFailure(ctx context.Context, item *models.QueueItem, res remote.Result, batch *models.SyncBatch, state *runState, logger zerolog.Logger) {
	switch res.Outcome {
	case remote.OutcomeAuth:
		// Every remaining item for this organization would fail the same way.
		state.authAborted.Store(true)
		w.returnItem(item.ID, logger)
		logger.Error().
			Str("reason", res.Reason).
			Str("entity_id", item.EntityID).
			Msg("remote authentication failed, aborting rest of run")
		return

	case remote.OutcomeTransient:
		w.retryOrFail(ctx, item, res.Reason, batch, state, logger)
		return

	default: // permanent
		if err := w.db.MarkFailed(ctx, item.ID, res.Reason); err != nil {
			logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark failed")
		}
		metrics.IncItemProcessed("failed")
		logger.Warn().Int64("item_id", item.ID).Str("reason", res.Reason).Msg("permanent remote failure, retries exhausted immediately")

		state.mu.Lock()
		state.counters.Processed++
		state.counters.Errored++
		w.flushProgress(ctx, batch, state, logger)
		state.mu.Unlock()
	}
}

// retryOrFail schedules a backoff retry for a transient failure, or fails the
// item terminally once retries are exhausted.
func (w *Worker) retryOrFail(ctx context.Context, item *models.QueueItem, reason string, batch *models.SyncBatch, state *runState, logger zerolog.Logger) {
	if item.RetriesExhausted() {
		if err := w.db.MarkFailed(ctx, item.ID, reason); err != nil {
			logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark failed")
		}
		metrics.IncItemProcessed("failed")
		logger.Warn().Int64("item_id", item.ID).Int("retry_count", item.RetryCount).Str("reason", reason).Msg("retries exhausted")
	} else {
		nextAttempt := time.Now().UTC().Add(w.retry.NextDelay(item.RetryCount + 1))
		if err := w.db.MarkRetry(ctx, item.ID, reason, nextAttempt); err != nil {
			logger.Error().Err(err).Int64("item_id", item.ID).Msg("mark retry")
		}
		metrics.IncItemProcessed("retried")
		logger.Info().Int64("item_id", item.ID).Time("next_attempt_at", nextAttempt).Str("reason", reason).Msg("transient failure, retry scheduled")
	}

	state.mu.Lock()
	state.counters.Processed++
	state.counters.Errored++
	w.flushProgress(ctx, batch, state, logger)
	state.mu.Unlock()
}

func (w *Worker) returnItem(id int64, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.db.ReturnToPending(ctx, id); err != nil {
		logger.Error().Err(err).Int64("item_id", id).Msg("return item to pending")
	}
}

// flushProgress persists counters and emits a progress event. Caller holds
// state.mu.
func (w *Worker) flushProgress(ctx context.Context, batch *models.SyncBatch, state *runState, logger zerolog.Logger) {
	if err := w.db.UpdateBatchCounters(ctx, batch.ID, state.counters); err != nil {
		logger.Error().Err(err).Msg("update batch counters")
	}

	w.events.PublishJSON(batch.OrganizationID, events.EventSyncProgress, map[string]any{
		"batch_id":  batch.BatchID,
		"processed": state.counters.Processed,
		"total":     batch.RecordsTotal,
	})
}
