package database

import (
	"context"
	"testing"

	"assetsync/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBatch(org string) *models.SyncBatch {
	return &models.SyncBatch{
		BatchID:        uuid.NewString(),
		OrganizationID: org,
		TriggeredBy:    models.TriggerManual,
	}
}

func TestBatchLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	batch := newBatch("org-1")
	require.NoError(t, db.CreateBatch(ctx, batch))
	assert.NotZero(t, batch.ID)
	assert.Equal(t, models.BatchStatusRunning, batch.Status)

	require.NoError(t, db.AddBatchTotal(ctx, batch.ID, 10))
	require.NoError(t, db.AddBatchTotal(ctx, batch.ID, 5))

	require.NoError(t, db.UpdateBatchCounters(ctx, batch.ID, models.BatchCounters{
		Processed: 15,
		Updated:   12,
		Skipped:   2,
		Errored:   1,
	}))

	require.NoError(t, db.CloseBatch(ctx, batch.ID, models.BatchStatusCompleted, nil))

	loaded, err := db.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, loaded.Status)
	assert.Equal(t, 15, loaded.RecordsTotal)
	assert.Equal(t, 15, loaded.RecordsProcessed)
	assert.Equal(t, 12, loaded.RecordsUpdated)
	assert.Equal(t, 2, loaded.RecordsSkipped)
	assert.Equal(t, 1, loaded.RecordsErrored)
	assert.NotNil(t, loaded.CompletedAt)
}

func TestClosedBatchIsImmutable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	batch := newBatch("org-1")
	require.NoError(t, db.CreateBatch(ctx, batch))
	require.NoError(t, db.CloseBatch(ctx, batch.ID, models.BatchStatusCompleted, nil))

	// Mutations against a closed batch silently hit zero rows.
	require.NoError(t, db.AddBatchTotal(ctx, batch.ID, 100))
	require.NoError(t, db.UpdateBatchCounters(ctx, batch.ID, models.BatchCounters{Processed: 100}))
	msg := "late failure"
	require.NoError(t, db.CloseBatch(ctx, batch.ID, models.BatchStatusFailed, &msg))

	loaded, err := db.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, loaded.Status)
	assert.Equal(t, 0, loaded.RecordsTotal)
	assert.Equal(t, 0, loaded.RecordsProcessed)
	assert.Nil(t, loaded.LastError)
}

func TestListBatches(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := newBatch("org-1")
	require.NoError(t, db.CreateBatch(ctx, first))
	second := newBatch("org-1")
	require.NoError(t, db.CreateBatch(ctx, second))
	other := newBatch("org-2")
	require.NoError(t, db.CreateBatch(ctx, other))

	batches, err := db.ListBatches(ctx, "org-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	// Newest first.
	assert.Equal(t, second.BatchID, batches[0].BatchID)

	paged, err := db.ListBatches(ctx, "org-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, first.BatchID, paged[0].BatchID)
}
