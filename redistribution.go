package main

import (
	"sync"
	"time"
)

// RedistributionEventType classifies why chunks were reallocated
type RedistributionEventType string

const (
	RedistCarrierFailed   RedistributionEventType = "carrier-failed"
	RedistQualityDegraded RedistributionEventType = "quality-degraded"
	RedistTimeout         RedistributionEventType = "timeout"
	RedistPeerLoss        RedistributionEventType = "peer-loss"
)

// RedistributionEvent is an append-only record of one failure-handling
// action and the reallocation it produced. Events are never mutated after
// creation; they back the cumulative statistics and diagnostics.
type RedistributionEvent struct {
	Type          RedistributionEventType `json:"type"`
	CarrierID     int                     `json:"carrier_id,omitempty"`
	PeerID        string                  `json:"peer_id,omitempty"`
	ChunkIDs      []string                `json:"chunk_ids"`
	Reassignments map[string]int          `json:"reassignments"` // chunk id -> new carrier id
	Unresolved    []string                `json:"unresolved,omitempty"`
	Timestamp     time.Time               `json:"timestamp"`
}

// RedistributionStats summarizes cumulative redistribution activity
type RedistributionStats struct {
	TotalEvents        int                             `json:"total_events"`
	EventsByType       map[RedistributionEventType]int `json:"events_by_type"`
	AverageRetries     float64                         `json:"average_retries"`
	CarrierUtilization map[int]int                     `json:"carrier_utilization"` // carrier id -> successful reassignments received
}

// RedistributionConfig configures failure-handling thresholds
type RedistributionConfig struct {
	MaxRetries    int     `yaml:"max_retries"`     // Retry budget per chunk (default 3)
	TimeoutMs     int     `yaml:"timeout_ms"`      // Chunk progress timeout (default 5000)
	DegradedSNRdB float64 `yaml:"degraded_snr_db"` // SNR below which degradation triggers reassignment (default 10)
}

// RedistributionHandler reallocates chunks when a carrier fails, degrades,
// times out, or a peer is lost. All entry points return the updated
// allocation and append a RedistributionEvent.
type RedistributionHandler struct {
	maxRetries    int
	timeout       time.Duration
	degradedSNRdB float64

	attempts map[string]int // chunk id -> timeout retry count

	events []RedistributionEvent
	stats  struct {
		byType        map[RedistributionEventType]int
		perCarrier    map[int]int
		totalRetries  int
		retriedChunks map[string]struct{}
	}

	recorder Recorder
	metrics  *PrometheusMetrics

	mu sync.Mutex
}

// NewRedistributionHandler creates a redistribution handler
func NewRedistributionHandler(config RedistributionConfig, recorder Recorder) *RedistributionHandler {
	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	timeout := time.Duration(config.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	degraded := config.DegradedSNRdB
	if degraded == 0 {
		degraded = 10
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}

	rh := &RedistributionHandler{
		maxRetries:    maxRetries,
		timeout:       timeout,
		degradedSNRdB: degraded,
		attempts:      make(map[string]int),
		recorder:      recorder,
	}
	rh.stats.byType = make(map[RedistributionEventType]int)
	rh.stats.perCarrier = make(map[int]int)
	rh.stats.retriedChunks = make(map[string]struct{})
	return rh
}

// AttachMetrics routes per-event counters to Prometheus. Call once during
// wiring, before any redistribution traffic.
func (rh *RedistributionHandler) AttachMetrics(metrics *PrometheusMetrics) {
	rh.metrics = metrics
}

// Timeout returns the configured per-chunk timeout
func (rh *RedistributionHandler) Timeout() time.Duration {
	return rh.timeout
}

// MaxRetries returns the configured retry budget
func (rh *RedistributionHandler) MaxRetries() int {
	return rh.maxRetries
}

// bestCarriers orders available carriers by SNR then reliability, so the
// most trustworthy carriers absorb redistributed work first
func bestCarriers(available []CarrierSnapshot, exclude int) []CarrierSnapshot {
	usable := make([]CarrierSnapshot, 0, len(available))
	for _, c := range available {
		if c.ID == exclude || !c.Enabled {
			continue
		}
		usable = append(usable, c)
	}
	return sortCarriersByQuality(usable)
}

// HandleCarrierFailure reassigns every chunk on a failed carrier to the
// best available carriers. No chunk is ever reassigned back to the failed
// carrier.
func (rh *RedistributionHandler) HandleCarrierFailure(failedCarrierID int, affectedChunkIDs []string, available []CarrierSnapshot) map[string]int {
	usable := bestCarriers(available, failedCarrierID)

	reassignments := make(map[string]int, len(affectedChunkIDs))
	if len(usable) > 0 {
		for i, chunkID := range affectedChunkIDs {
			reassignments[chunkID] = usable[i%len(usable)].ID
		}
	}

	rh.appendEvent(RedistributionEvent{
		Type:          RedistCarrierFailed,
		CarrierID:     failedCarrierID,
		ChunkIDs:      affectedChunkIDs,
		Reassignments: reassignments,
	})

	return reassignments
}

// HandleQualityDegradation reassigns a chunk only once its carrier's SNR has
// fallen below the degradation threshold; above it the chunk stays where it
// is and no event is recorded.
func (rh *RedistributionHandler) HandleQualityDegradation(carrierID int, currentSNR float64, chunkID string, available []CarrierSnapshot) (int, bool) {
	if currentSNR >= rh.degradedSNRdB {
		return 0, false
	}

	usable := bestCarriers(available, carrierID)
	if len(usable) == 0 {
		return 0, false
	}

	newCarrier := usable[0].ID
	rh.appendEvent(RedistributionEvent{
		Type:          RedistQualityDegraded,
		CarrierID:     carrierID,
		ChunkIDs:      []string{chunkID},
		Reassignments: map[string]int{chunkID: newCarrier},
	})

	return newCarrier, true
}

// HandleTimeout reacts to a chunk making no progress within the timeout
// window: it picks a new carrier and counts the attempt. Once attempts
// reach the retry budget the chunk is permanently failed and every further
// call returns no carrier.
func (rh *RedistributionHandler) HandleTimeout(chunkID string, carrierID int, elapsed time.Duration, available []CarrierSnapshot) (int, bool) {
	if elapsed < rh.timeout {
		return 0, false
	}

	rh.mu.Lock()
	rh.attempts[chunkID]++
	attempts := rh.attempts[chunkID]
	rh.stats.totalRetries++
	rh.stats.retriedChunks[chunkID] = struct{}{}
	rh.mu.Unlock()

	if attempts > rh.maxRetries {
		// Retry budget exhausted: permanent failure, no new carrier
		return 0, false
	}

	usable := bestCarriers(available, carrierID)
	if len(usable) == 0 {
		return 0, false
	}

	newCarrier := usable[0].ID
	rh.appendEvent(RedistributionEvent{
		Type:          RedistTimeout,
		CarrierID:     carrierID,
		ChunkIDs:      []string{chunkID},
		Reassignments: map[string]int{chunkID: newCarrier},
	})

	return newCarrier, true
}

// Attempts returns the timeout retry count recorded for a chunk
func (rh *RedistributionHandler) Attempts(chunkID string) int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return rh.attempts[chunkID]
}

// HandlePeerLoss reassigns each affected chunk to its first listed
// alternative peer. Chunks with no alternative are returned as unresolved;
// they require external remediation.
func (rh *RedistributionHandler) HandlePeerLoss(peerID string, affectedChunkIDs []string, alternativePeers map[string][]string) (map[string]string, []string) {
	reassigned := make(map[string]string)
	var unresolved []string

	for _, chunkID := range affectedChunkIDs {
		alts := alternativePeers[chunkID]
		if len(alts) == 0 {
			unresolved = append(unresolved, chunkID)
			continue
		}
		reassigned[chunkID] = alts[0]
	}

	rh.appendEvent(RedistributionEvent{
		Type:       RedistPeerLoss,
		PeerID:     peerID,
		ChunkIDs:   affectedChunkIDs,
		Unresolved: unresolved,
	})

	return reassigned, unresolved
}

// appendEvent records an event and updates the cumulative statistics
func (rh *RedistributionHandler) appendEvent(event RedistributionEvent) {
	event.Timestamp = time.Now()

	rh.mu.Lock()
	rh.events = append(rh.events, event)
	rh.stats.byType[event.Type]++
	for _, carrierID := range event.Reassignments {
		rh.stats.perCarrier[carrierID]++
	}
	rh.mu.Unlock()

	if rh.metrics != nil {
		rh.metrics.RedistributionEvent(event.Type)
	}

	// Fire-and-forget persistence; a failing recorder never blocks the
	// transmission pipeline
	rh.recorder.RecordRedistributionEvent(event)
}

// Events returns a copy of the append-only event log
func (rh *RedistributionHandler) Events() []RedistributionEvent {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	events := make([]RedistributionEvent, len(rh.events))
	copy(events, rh.events)
	return events
}

// Stats returns cumulative redistribution statistics. Carriers that never
// received a successful reassignment do not appear in CarrierUtilization.
func (rh *RedistributionHandler) Stats() RedistributionStats {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	stats := RedistributionStats{
		TotalEvents:        len(rh.events),
		EventsByType:       make(map[RedistributionEventType]int, len(rh.stats.byType)),
		CarrierUtilization: make(map[int]int, len(rh.stats.perCarrier)),
	}
	for t, n := range rh.stats.byType {
		stats.EventsByType[t] = n
	}
	for id, n := range rh.stats.perCarrier {
		stats.CarrierUtilization[id] = n
	}
	if len(rh.stats.retriedChunks) > 0 {
		stats.AverageRetries = float64(rh.stats.totalRetries) / float64(len(rh.stats.retriedChunks))
	}
	return stats
}
