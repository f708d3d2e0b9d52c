package main

import (
	"testing"
	"time"
)

func TestEventBusDeliversTypedPayloads(t *testing.T) {
	eb := NewEventBus(8)
	ch, unsubscribe := eb.Subscribe()
	defer unsubscribe()

	eb.Publish(Event{
		Type: EventChunkCompleted,
		Chunk: &ChunkPayload{
			SessionID: "s1",
			ChunkID:   "c1",
			CarrierID: 4,
			Attempts:  1,
		},
	})

	select {
	case event := <-ch:
		if event.Type != EventChunkCompleted {
			t.Fatalf("got event type %s, want %s", event.Type, EventChunkCompleted)
		}
		if event.Chunk == nil {
			t.Fatal("chunk payload missing")
		}
		if event.Chunk.ChunkID != "c1" || event.Chunk.CarrierID != 4 {
			t.Fatalf("unexpected payload: %+v", event.Chunk)
		}
		if event.Progress != nil || event.Session != nil || event.Carrier != nil {
			t.Fatal("non-chunk payload fields set on a chunk event")
		}
		if event.Timestamp.IsZero() {
			t.Fatal("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	eb := NewEventBus(8)
	ch, unsubscribe := eb.Subscribe()

	if eb.SubscriberCount() != 1 {
		t.Fatalf("subscriber count %d, want 1", eb.SubscriberCount())
	}

	unsubscribe()
	unsubscribe() // Second call must be a no-op, not a double close

	if eb.SubscriberCount() != 0 {
		t.Fatalf("subscriber count %d after unsubscribe, want 0", eb.SubscriberCount())
	}

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
}

func TestEventBusDropsWhenSubscriberFull(t *testing.T) {
	eb := NewEventBus(1)
	ch, unsubscribe := eb.Subscribe()
	defer unsubscribe()

	// First event fills the buffer; the rest must drop without blocking
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			eb.Publish(Event{Type: EventProgress, Progress: &ProgressPayload{SessionID: "s"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// Exactly one event should be buffered
	<-ch
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %v buffered past channel capacity", e.Type)
	default:
	}
}

func TestEventBusCountsDroppedEvents(t *testing.T) {
	eb := NewEventBus(1)
	_, unsubscribe := eb.Subscribe()
	defer unsubscribe()

	if eb.Dropped() != 0 {
		t.Fatalf("fresh bus reports %d drops", eb.Dropped())
	}

	// Buffer depth 1: the first event fits, the next four drop
	for i := 0; i < 5; i++ {
		eb.Publish(Event{Type: EventProgress, Progress: &ProgressPayload{SessionID: "s"}})
	}

	if got := eb.Dropped(); got != 4 {
		t.Fatalf("dropped count %d, want 4", got)
	}
}

func TestEventBusPublishWithNoSubscribers(t *testing.T) {
	eb := NewEventBus(8)
	// Must not panic or block
	eb.Publish(Event{Type: EventTransmissionComplete, Session: &SessionPayload{SessionID: "s"}})
}
