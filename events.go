package main

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies an event variant. Each variant carries its own typed
// payload struct; consumers switch on Type and read exactly one payload
// field.
type EventType string

const (
	EventProgress              EventType = "progress"
	EventChunkCompleted        EventType = "chunk-completed"
	EventChunkFailed           EventType = "chunk-failed"
	EventTransmissionComplete  EventType = "transmission-complete"
	EventTransmissionCancelled EventType = "transmission-cancelled"
	EventCarrierHealthChanged  EventType = "carrier-health-changed"
)

// ProgressPayload reports per-session transmission progress
type ProgressPayload struct {
	SessionID              string  `json:"session_id"`
	ChunksTotal            int     `json:"chunks_total"`
	ChunksCompleted        int     `json:"chunks_completed"`
	BytesTotal             uint64  `json:"bytes_total"`
	BytesTransmitted       uint64  `json:"bytes_transmitted"`
	CarriersActive         int     `json:"carriers_active"`
	AverageThroughput      float64 `json:"average_throughput"` // bytes/sec
	EstimatedTimeRemaining float64 `json:"estimated_time_remaining_sec"`
}

// ChunkPayload reports a single chunk completing or failing
type ChunkPayload struct {
	SessionID string `json:"session_id"`
	ChunkID   string `json:"chunk_id"`
	CarrierID int    `json:"carrier_id"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason,omitempty"` // Failure reason, empty on success
}

// SessionPayload reports session-level completion or cancellation
type SessionPayload struct {
	SessionID       string `json:"session_id"`
	ChunksTotal     int    `json:"chunks_total"`
	ChunksCompleted int    `json:"chunks_completed"`
	ChunksFailed    int    `json:"chunks_failed"`
}

// CarrierPayload reports a carrier health state change
type CarrierPayload struct {
	CarrierID     int     `json:"carrier_id"`
	SNR           float64 `json:"snr"`
	BER           float64 `json:"ber"`
	Enabled       bool    `json:"enabled"`
	DisableReason string  `json:"disable_reason,omitempty"`
	Modulation    string  `json:"modulation"`
}

// Event is a tagged union: Type selects which payload pointer is set
type Event struct {
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Progress  *ProgressPayload `json:"progress,omitempty"`
	Chunk     *ChunkPayload    `json:"chunk,omitempty"`
	Session   *SessionPayload  `json:"session,omitempty"`
	Carrier   *CarrierPayload  `json:"carrier,omitempty"`
}

// EventBus fans events out to subscribers over bounded channels. Slow
// subscribers drop events rather than stalling the transmission pipeline.
type EventBus struct {
	subscribers map[chan Event]struct{}
	bufferSize  int
	dropped     uint64
	mu          sync.RWMutex
}

// NewEventBus creates an event bus. bufferSize bounds each subscriber
// channel (default 256).
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel.
func (eb *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eb.bufferSize)

	eb.mu.Lock()
	eb.subscribers[ch] = struct{}{}
	eb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subscribers, ch)
			eb.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to every subscriber without blocking. Events to
// full subscriber channels are dropped and counted.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			atomic.AddUint64(&eb.dropped, 1)
			if DebugMode {
				log.Printf("DEBUG: event bus dropped %s event (subscriber full)", event.Type)
			}
		}
	}
}

// Dropped returns the total number of events dropped on full subscriber
// channels since the bus was created
func (eb *EventBus) Dropped() uint64 {
	return atomic.LoadUint64(&eb.dropped)
}

// SubscriberCount returns the number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}
