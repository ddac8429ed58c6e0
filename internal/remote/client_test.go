package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"assetsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.RemoteConfig{
		BaseURL:    srv.URL,
		APIKey:     "secret",
		EntityPath: "assets",
	}, zerolog.Nop())
}

func TestCreateSuccess(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"asset-1","version":1}`))
	})

	res := client.Create(context.Background(), "asset-1", map[string]any{"name": "drill"})
	require.True(t, res.OK())
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/assets", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "drill", gotBody["name"])
	assert.Equal(t, int64(1), res.Version)
}

func TestUpdateHitsRecordURL(t *testing.T) {
	var gotMethod, gotPath string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"sys_version":4}`))
	})

	res := client.Update(context.Background(), "asset-1", map[string]any{"name": "drill"})
	require.True(t, res.OK())
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/assets/asset-1", gotPath)
	assert.Equal(t, int64(4), res.Version)
}

func TestDeleteSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	res := client.Delete(context.Background(), "asset-1")
	assert.True(t, res.OK())
}

func TestDeleteOfMissingRecordSucceeds(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	// Deleting a record that is already gone reaches the intended end state.
	res := client.Delete(context.Background(), "asset-1")
	assert.True(t, res.OK())

	// Updates still treat 404 as a permanent failure.
	res = client.Update(context.Background(), "asset-1", map[string]any{"a": 1})
	assert.Equal(t, OutcomePermanent, res.Outcome)
}

func TestClassifyOutcomes(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{http.StatusOK, OutcomeSuccess},
		{http.StatusUnauthorized, OutcomeAuth},
		{http.StatusForbidden, OutcomeAuth},
		{http.StatusTooManyRequests, OutcomeTransient},
		{http.StatusInternalServerError, OutcomeTransient},
		{http.StatusServiceUnavailable, OutcomeTransient},
		{http.StatusBadRequest, OutcomePermanent},
		{http.StatusUnprocessableEntity, OutcomePermanent},
	}

	for _, tt := range tests {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		res := client.Update(context.Background(), "asset-1", map[string]any{"a": 1})
		assert.Equal(t, tt.want, res.Outcome, "status %d", tt.status)
		if tt.want != OutcomeSuccess {
			assert.NotEmpty(t, res.Reason)
		}
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	client := NewHTTPClient(config.RemoteConfig{
		BaseURL:    "http://127.0.0.1:1",
		EntityPath: "assets",
	}, zerolog.Nop())

	res := client.Update(context.Background(), "asset-1", map[string]any{"a": 1})
	assert.Equal(t, OutcomeTransient, res.Outcome)
}

func TestGetCurrentVersion(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets/asset-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":7,"name":"hammer"}`))
	})

	record, res := client.GetCurrentVersion(context.Background(), "asset-1")
	require.True(t, res.OK())
	assert.Equal(t, int64(7), record.Version)
	assert.Equal(t, "hammer", record.Fields["name"])
	assert.False(t, record.Deleted)
}

func TestGetCurrentVersionDeleted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	record, res := client.GetCurrentVersion(context.Background(), "asset-1")
	require.True(t, res.OK())
	assert.True(t, record.Deleted)
}

func TestGetCurrentVersionAuthFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, res := client.GetCurrentVersion(context.Background(), "asset-1")
	assert.Equal(t, OutcomeAuth, res.Outcome)
}

func TestEntityIDEscaping(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	})

	res := client.Delete(context.Background(), "asset/1 a")
	require.True(t, res.OK())
	assert.Equal(t, "/assets/asset%2F1%20a", gotPath)
}
