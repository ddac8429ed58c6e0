package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event types published by the sync core.
const (
	EventQueueUpdate      = "queue_update"
	EventSyncProgress     = "sync_progress"
	EventSyncComplete     = "sync_complete"
	EventConflictDetected = "conflict_detected"
)

// Event is one broadcaster message, scoped to an organization.
type Event struct {
	Type           string          `json:"type"`
	OrganizationID string          `json:"organization_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Handler reacts to an event. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(event *Event)

// Broadcaster fans sync events out to in-process subscribers and, when a
// redis client is configured, mirrors them to a per-organization pub/sub
// channel for other worker instances. Publication is strictly fire-and-forget:
// no failure here ever reaches queue or worker state.
type Broadcaster struct {
	subscribers map[string][]Handler
	mu          sync.RWMutex
	redis       *redis.Client
	logger      zerolog.Logger
}

func NewBroadcaster(redisClient *redis.Client, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string][]Handler),
		redis:       redisClient,
		logger:      logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Subscribe registers a handler for a given event type. An empty eventType
// subscribes to everything.
func (b *Broadcaster) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// PublishJSON serializes the payload and delivers the event to subscribers
// and the redis mirror. Errors are swallowed after a debug log entry.
func (b *Broadcaster) PublishJSON(organizationID, eventType string, payload any) {
	if b == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Debug().Err(err).Str("event_type", eventType).Msg("encode event payload")
		return
	}

	event := &Event{
		Type:           eventType,
		OrganizationID: organizationID,
		Payload:        raw,
		CreatedAt:      time.Now().UTC(),
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[eventType]...)
	handlers = append(handlers, b.subscribers[""]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}

	b.mirrorToRedis(event)
}

func (b *Broadcaster) mirrorToRedis(event *Event) {
	if b.redis == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Debug().Err(err).Msg("encode event envelope")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	channel := "assetsync:events:" + event.OrganizationID
	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Debug().Err(err).Str("channel", channel).Msg("redis event mirror failed")
	}
}
