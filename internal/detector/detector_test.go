package detector

import (
	"context"
	"testing"

	"assetsync/internal/models"
	"assetsync/internal/remote"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	record remote.Record
	result remote.Result
}

func (s *stubClient) Create(ctx context.Context, entityID string, payload map[string]any) remote.Result {
	return remote.Result{}
}

func (s *stubClient) Update(ctx context.Context, entityID string, payload map[string]any) remote.Result {
	return remote.Result{}
}

func (s *stubClient) Delete(ctx context.Context, entityID string) remote.Result {
	return remote.Result{}
}

func (s *stubClient) GetCurrentVersion(ctx context.Context, entityID string) (remote.Record, remote.Result) {
	return s.record, s.result
}

func newDetector(record remote.Record) *Detector {
	return New(&stubClient{record: record}, nil, zerolog.Nop())
}

func updateItem(localVersion int64, payload, baseline string) *models.QueueItem {
	return &models.QueueItem{
		ID:             1,
		EntityID:       "asset-1",
		OrganizationID: "org-1",
		ModificationID: "mod-1",
		Operation:      models.OpUpdate,
		Payload:        payload,
		Baseline:       baseline,
		LocalVersion:   localVersion,
	}
}

func TestDetectSkipsCreates(t *testing.T) {
	d := newDetector(remote.Record{Version: 99})
	item := updateItem(1, `{"name":"drill"}`, "")
	item.Operation = models.OpCreate

	conflict, err := d.Detect(context.Background(), item)
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestDetectSkipsWhenFlagged(t *testing.T) {
	d := newDetector(remote.Record{Version: 99, Fields: map[string]any{"name": "other"}})
	item := updateItem(1, `{"name":"drill"}`, "")
	item.SkipConflictCheck = true

	conflict, err := d.Detect(context.Background(), item)
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestDetectRemoteNotNewer(t *testing.T) {
	d := newDetector(remote.Record{Version: 3, Fields: map[string]any{"name": "other"}})

	conflict, err := d.Detect(context.Background(), updateItem(3, `{"name":"drill"}`, ""))
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestDetectConflictOnTouchedField(t *testing.T) {
	d := newDetector(remote.Record{
		Version: 5,
		Fields:  map[string]any{"name": "hammer", "location": "warehouse"},
	})

	item := updateItem(3, `{"name":"drill v2"}`, `{"name":"drill"}`)
	conflict, err := d.Detect(context.Background(), item)
	require.NoError(t, err)
	require.NotNil(t, conflict)

	assert.Equal(t, int64(3), conflict.LocalVersion)
	assert.Equal(t, int64(5), conflict.RemoteVersion)
	assert.Equal(t, `["name"]`, conflict.ConflictFields)
	assert.Equal(t, `{"name":"drill v2"}`, conflict.LocalData)
	assert.Equal(t, `{"name":"hammer"}`, conflict.RemoteData)
	assert.Equal(t, "version_mismatch", conflict.DetectionStrategy)
}

func TestDetectNoConflictOnUnrelatedField(t *testing.T) {
	// Remote bumped the version by changing location; the queued mutation only
	// touches name and the remote name still matches the baseline.
	d := newDetector(remote.Record{
		Version: 5,
		Fields:  map[string]any{"name": "drill", "location": "warehouse B"},
	})

	item := updateItem(3, `{"name":"drill v2"}`, `{"name":"drill"}`)
	conflict, err := d.Detect(context.Background(), item)
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestDetectNoBaselineFallsBackToIntended(t *testing.T) {
	// Without a baseline the intended value stands in: a remote record that
	// already holds the payload value is not a conflict.
	d := newDetector(remote.Record{Version: 5, Fields: map[string]any{"name": "drill v2"}})

	conflict, err := d.Detect(context.Background(), updateItem(3, `{"name":"drill v2"}`, ""))
	require.NoError(t, err)
	assert.Nil(t, conflict)

	d = newDetector(remote.Record{Version: 5, Fields: map[string]any{"name": "hammer"}})
	conflict, err = d.Detect(context.Background(), updateItem(3, `{"name":"drill v2"}`, ""))
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, `["name"]`, conflict.ConflictFields)
}

func TestDetectRemoteDeleted(t *testing.T) {
	d := newDetector(remote.Record{Deleted: true})

	conflict, err := d.Detect(context.Background(), updateItem(3, `{"name":"drill"}`, ""))
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, `["`+models.ConflictFieldDeleted+`"]`, conflict.ConflictFields)
	assert.Equal(t, int64(0), conflict.RemoteVersion)
}

func TestDetectDeleteOfDeletedIsNoop(t *testing.T) {
	d := newDetector(remote.Record{Deleted: true})

	item := updateItem(3, "", "")
	item.Operation = models.OpDelete
	conflict, err := d.Detect(context.Background(), item)
	require.NoError(t, err)
	assert.Nil(t, conflict)
}

func TestDetectDeleteAgainstNewerRemote(t *testing.T) {
	d := newDetector(remote.Record{Version: 7, Fields: map[string]any{"name": "drill", "status": "active"}})

	item := updateItem(3, "", `{"name":"drill"}`)
	item.Operation = models.OpDelete
	conflict, err := d.Detect(context.Background(), item)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	// The remote gained a field the delete never saw.
	assert.Equal(t, `["status"]`, conflict.ConflictFields)
}

func TestDetectDeleteVersionOnlyChange(t *testing.T) {
	d := newDetector(remote.Record{Version: 7, Fields: map[string]any{"name": "drill"}})

	item := updateItem(3, "", `{"name":"drill"}`)
	item.Operation = models.OpDelete
	conflict, err := d.Detect(context.Background(), item)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, `["__version__"]`, conflict.ConflictFields)
}

func TestDetectRemoteReadFailure(t *testing.T) {
	client := &stubClient{result: remote.Result{Outcome: remote.OutcomeTransient, Reason: "status 503"}}
	d := New(client, nil, zerolog.Nop())

	_, err := d.Detect(context.Background(), updateItem(3, `{"name":"drill"}`, ""))
	require.Error(t, err)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, remote.OutcomeTransient, remoteErr.Result.Outcome)
}

func TestFieldEqualityNumericNormalization(t *testing.T) {
	diff := FieldEquality{}.Diff(
		map[string]any{"quantity": 5},
		map[string]any{"quantity": 5},
		map[string]any{"quantity": float64(5)},
	)
	assert.Empty(t, diff)
}

func TestFieldEqualityMissingRemoteField(t *testing.T) {
	diff := FieldEquality{}.Diff(
		map[string]any{"location": "warehouse"},
		map[string]any{"location": "warehouse"},
		map[string]any{},
	)
	assert.Equal(t, []string{"location"}, diff)
}
