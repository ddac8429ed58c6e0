package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"assetsync/internal/events"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSServer(t *testing.T) (*Hub, *events.Broadcaster, string) {
	t.Helper()

	hub := NewHub(zerolog.Nop())
	broadcaster := events.NewBroadcaster(nil, zerolog.Nop())
	hub.Attach(broadcaster)
	t.Cleanup(hub.Close)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleSubscribe))
	t.Cleanup(server.Close)

	return hub, broadcaster, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubStreamsOrganizationEvents(t *testing.T) {
	_, broadcaster, wsURL := newWSServer(t)
	conn := dialWS(t, wsURL+"?organization_id=org-1")

	// Let the reader register before publishing.
	time.Sleep(50 * time.Millisecond)

	broadcaster.PublishJSON("org-2", events.EventSyncProgress, map[string]int{"processed": 9})
	broadcaster.PublishJSON("org-1", events.EventSyncProgress, map[string]int{"processed": 4})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(data, &event))
	// The org-2 event never reaches this subscriber.
	assert.Equal(t, "org-1", event.OrganizationID)
	assert.Equal(t, events.EventSyncProgress, event.Type)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, 4, payload["processed"])
}

func TestHubRequiresOrganization(t *testing.T) {
	_, _, wsURL := newWSServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubRejectsSubscribersAfterClose(t *testing.T) {
	hub, _, wsURL := newWSServer(t)
	hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?organization_id=org-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The connection is dropped instead of registered.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	hub.mu.RLock()
	remaining := len(hub.clients)
	hub.mu.RUnlock()
	assert.Zero(t, remaining)
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub, _, wsURL := newWSServer(t)
	conn := dialWS(t, wsURL+"?organization_id=org-1")

	time.Sleep(50 * time.Millisecond)
	hub.mu.RLock()
	registered := len(hub.clients["org-1"])
	hub.mu.RUnlock()
	require.Equal(t, 1, registered)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		remaining := len(hub.clients["org-1"])
		hub.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never unregistered")
}
