package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestBroadcasterDeliversToSubscribers(t *testing.T) {
	b := NewBroadcaster(nil, zerolog.Nop())

	var received *Event
	var typed, wildcard int

	b.Subscribe(EventQueueUpdate, func(event *Event) {
		received = event
		typed++
	})
	b.Subscribe("", func(event *Event) { wildcard++ })

	b.PublishJSON("org-1", EventQueueUpdate, map[string]int{"pending": 3})

	if typed != 1 || wildcard != 1 {
		t.Fatalf("expected 1 typed and 1 wildcard delivery, got %d and %d", typed, wildcard)
	}
	if received.Type != EventQueueUpdate || received.OrganizationID != "org-1" {
		t.Fatalf("unexpected event: %+v", received)
	}

	var decoded map[string]int
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded["pending"] != 3 {
		t.Fatalf("expected pending=3, got %d", decoded["pending"])
	}
}

func TestBroadcasterOtherTypeNotDelivered(t *testing.T) {
	b := NewBroadcaster(nil, zerolog.Nop())

	var calls int
	b.Subscribe(EventSyncComplete, func(event *Event) { calls++ })

	b.PublishJSON("org-1", EventQueueUpdate, nil)

	if calls != 0 {
		t.Fatalf("expected no deliveries for other event type, got %d", calls)
	}
}

func TestBroadcasterNoSubscribers(t *testing.T) {
	b := NewBroadcaster(nil, zerolog.Nop())
	// Must not panic or block.
	b.PublishJSON("org-1", EventSyncProgress, map[string]int{"processed": 1})
}

func TestBroadcasterUnencodablePayload(t *testing.T) {
	b := NewBroadcaster(nil, zerolog.Nop())

	var calls int
	b.Subscribe("", func(event *Event) { calls++ })

	b.PublishJSON("org-1", EventQueueUpdate, func() {})

	if calls != 0 {
		t.Fatalf("expected drop on encode failure, got %d deliveries", calls)
	}
}

func TestBroadcasterRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "assetsync:events:org-1")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b := NewBroadcaster(client, zerolog.Nop())
	b.PublishJSON("org-1", EventSyncComplete, map[string]int{"records_total": 7})

	select {
	case msg := <-sub.Channel():
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			t.Fatalf("decode mirrored event: %v", err)
		}
		if event.Type != EventSyncComplete || event.OrganizationID != "org-1" {
			t.Fatalf("unexpected mirrored event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mirrored event never arrived")
	}
}
