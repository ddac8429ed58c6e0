package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"assetsync/internal/events"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one websocket subscriber, scoped to a single organization.
type wsClient struct {
	id             string
	organizationID string
	conn           *websocket.Conn
	send           chan []byte
}

// Hub fans broadcaster events out to websocket subscribers per organization.
// Sends are non-blocking: a slow consumer loses events rather than stalling
// the worker's publish path.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*wsClient // organizationID -> clientID -> client
	closed  bool
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[string]*wsClient),
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Attach subscribes the hub to every broadcaster event.
func (h *Hub) Attach(broadcaster *events.Broadcaster) {
	if broadcaster == nil {
		return
	}
	broadcaster.Subscribe("", h.handleEvent)
}

func (h *Hub) handleEvent(event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Debug().Err(err).Msg("encode ws event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients[event.OrganizationID] {
		select {
		case client.send <- data:
		default:
			// Drop rather than block; the client catches up via queries.
		}
	}
}

// HandleSubscribe upgrades the connection and streams events for the
// requested organization until the client goes away.
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	org := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if org == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:             uuid.NewString(),
		organizationID: org,
		conn:           conn,
		send:           make(chan []byte, 64),
	}

	if !h.register(client) {
		conn.Close()
		return
	}
	h.logger.Info().Str("client_id", client.id).Str("organization_id", org).Msg("ws subscriber connected")

	go h.writePump(client)
	h.readPump(client)
}

// register reports false when the hub is already closed, so a connection
// racing shutdown does not linger unreachable in the registry.
func (h *Hub) register(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.clients[client.organizationID] == nil {
		h.clients[client.organizationID] = make(map[string]*wsClient)
	}
	h.clients[client.organizationID][client.id] = client
	return true
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if orgClients, ok := h.clients[client.organizationID]; ok {
		if _, ok := orgClients[client.id]; ok {
			delete(orgClients, client.id)
			close(client.send)
			if len(orgClients) == 0 {
				delete(h.clients, client.organizationID)
			}
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	for data := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	client.conn.Close()
}

// readPump drains control frames and detects disconnects.
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
		h.logger.Info().Str("client_id", client.id).Msg("ws subscriber disconnected")
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, orgClients := range h.clients {
		for _, client := range orgClients {
			close(client.send)
			client.conn.Close()
		}
	}
	h.clients = make(map[string]map[string]*wsClient)
}
