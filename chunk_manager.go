package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChunkState tracks a chunk through its transmission lifecycle
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkActive
	ChunkCompleted
	ChunkFailed
)

// Chunk is one content piece moving through a transmission session. A chunk
// holds at most one active carrier allocation at a time (CarrierID, -1 when
// unallocated).
type Chunk struct {
	ID          string  `json:"id"`
	PieceIndex  int     `json:"piece_index"`
	TotalPieces int     `json:"total_pieces"`
	Data        []byte  `json:"-"`
	Hash        string  `json:"hash"`
	Rarity      float64 `json:"rarity"` // 0 = common ... 1 = rarest
	Attempts    int     `json:"attempts"`
	CarrierID   int     `json:"carrier_id"` // -1 when unallocated

	state     ChunkState
	startedAt time.Time
}

// SessionConfig holds per-session transmission settings
type SessionConfig struct {
	MaxParallelCarriers int  `yaml:"max_parallel_carriers" json:"max_parallel_carriers"`
	MaxRetries          int  `yaml:"max_retries" json:"max_retries"`
	AdaptiveModulation  bool `yaml:"adaptive_modulation" json:"adaptive_modulation"`
}

// TransmissionProgress is the progress view returned to callers
type TransmissionProgress struct {
	ProgressPayload
	ChunksFailed int      `json:"chunks_failed"`
	Cancelled    bool     `json:"cancelled"`
	Completed    bool     `json:"completed"`
	Errors       []string `json:"errors,omitempty"`
}

// TransmissionSession owns the chunk set for one distribution request.
// Sessions are created per transfer and discarded on completion or
// cancellation; the allocation mapping is owned exclusively by the session's
// manager and mutated only through the allocator and redistribution handler.
type TransmissionSession struct {
	ID     string
	Config SessionConfig

	chunks map[string]*Chunk
	order  []string // Chunk ids in submission order

	chunksCompleted  int
	chunksFailed     int
	bytesTotal       uint64
	bytesTransmitted uint64

	createdAt time.Time
	cancelled bool
	completed bool
	errors    []string

	mu sync.Mutex
}

// ChunkManagerConfig configures the orchestrator
type ChunkManagerConfig struct {
	EvalIntervalSec int           `yaml:"eval_interval_sec"` // Health evaluation period (default 3)
	DefaultSession  SessionConfig `yaml:"default_session"`   // Defaults applied to session configs
}

// ChunkManager is the transmission orchestrator: it owns the session
// registry and the chunk queues, drives allocation from carrier health, and
// reacts to failures and timeouts through the redistribution handler. A
// single periodic evaluation task mutates carrier and allocation state, so
// per-session notifications preserve the order of the underlying carrier
// events.
type ChunkManager struct {
	monitor   *CarrierHealthMonitor
	control   *CarrierControl
	modctl    *ModulationController
	allocator *ChunkAllocator
	redist    *RedistributionHandler
	rarity    *RarityManager
	events    *EventBus
	scheduler *Scheduler
	recorder  Recorder
	metrics   *PrometheusMetrics
	clock     Clock

	evalInterval   time.Duration
	defaultSession SessionConfig

	sessions map[string]*TransmissionSession
	mu       sync.RWMutex

	lastDropped uint64 // Bus drop count at the previous tick

	stopEval func()
}

// NewChunkManager wires the orchestrator to its collaborators. metrics and
// recorder may be nil; pass nil for the real clock.
func NewChunkManager(
	monitor *CarrierHealthMonitor,
	control *CarrierControl,
	modctl *ModulationController,
	allocator *ChunkAllocator,
	redist *RedistributionHandler,
	rarity *RarityManager,
	events *EventBus,
	scheduler *Scheduler,
	recorder Recorder,
	metrics *PrometheusMetrics,
	config ChunkManagerConfig,
	clock Clock,
) *ChunkManager {
	if clock == nil {
		clock = realClock{}
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	evalInterval := time.Duration(config.EvalIntervalSec) * time.Second
	if evalInterval == 0 {
		evalInterval = 3 * time.Second
	}
	defaults := config.DefaultSession
	if defaults.MaxParallelCarriers == 0 {
		defaults.MaxParallelCarriers = 16
	}
	if defaults.MaxRetries == 0 {
		defaults.MaxRetries = 3
	}

	return &ChunkManager{
		monitor:        monitor,
		control:        control,
		modctl:         modctl,
		allocator:      allocator,
		redist:         redist,
		rarity:         rarity,
		events:         events,
		scheduler:      scheduler,
		recorder:       recorder,
		metrics:        metrics,
		clock:          clock,
		evalInterval:   evalInterval,
		defaultSession: defaults,
		sessions:       make(map[string]*TransmissionSession),
	}
}

// Start begins periodic health evaluation
func (cm *ChunkManager) Start() {
	cm.stopEval = cm.scheduler.Every(cm.evalInterval, cm.HealthTick)
	log.Printf("Chunk manager started (evaluation every %v)", cm.evalInterval)
}

// Stop halts periodic evaluation. Sessions are left intact.
func (cm *ChunkManager) Stop() {
	if cm.stopEval != nil {
		cm.stopEval()
		cm.stopEval = nil
	}
}

// CreateSession registers a new transmission session for the given chunk
// set and returns its id. Chunk priorities are seeded from swarm rarity.
func (cm *ChunkManager) CreateSession(chunks []Chunk, config SessionConfig) (string, error) {
	if len(chunks) == 0 {
		return "", fmt.Errorf("session requires at least one chunk")
	}

	if config.MaxParallelCarriers == 0 {
		config.MaxParallelCarriers = cm.defaultSession.MaxParallelCarriers
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = cm.defaultSession.MaxRetries
	}

	session := &TransmissionSession{
		ID:        uuid.New().String(),
		Config:    config,
		chunks:    make(map[string]*Chunk, len(chunks)),
		createdAt: cm.clock.Now(),
	}

	for i := range chunks {
		c := chunks[i]
		if c.ID == "" {
			return "", fmt.Errorf("chunk %d has no id", i)
		}
		if _, dup := session.chunks[c.ID]; dup {
			return "", fmt.Errorf("duplicate chunk id %q", c.ID)
		}
		c.CarrierID = -1
		c.state = ChunkPending
		if c.Rarity == 0 && cm.rarity != nil {
			c.Rarity = cm.rarity.ChunkRarity(c.PieceIndex)
		}
		session.chunks[c.ID] = &c
		session.order = append(session.order, c.ID)
		session.bytesTotal += uint64(len(c.Data))
	}

	cm.mu.Lock()
	cm.sessions[session.ID] = session
	cm.mu.Unlock()

	if cm.metrics != nil {
		cm.metrics.SessionCreated()
	}
	log.Printf("Session %s created: %d chunks, %d bytes", session.ID, len(chunks), session.bytesTotal)

	cm.publishProgress(session)
	return session.ID, nil
}

// Progress returns the current progress view for a session
func (cm *ChunkManager) Progress(sessionID string) (TransmissionProgress, error) {
	cm.mu.RLock()
	session, ok := cm.sessions[sessionID]
	cm.mu.RUnlock()
	if !ok {
		return TransmissionProgress{}, fmt.Errorf("unknown session %s", sessionID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	return cm.progressLocked(session), nil
}

// progressLocked builds the progress view. Caller must hold session.mu.
func (cm *ChunkManager) progressLocked(session *TransmissionSession) TransmissionProgress {
	elapsed := cm.clock.Now().Sub(session.createdAt).Seconds()

	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(session.bytesTransmitted) / elapsed
	}

	eta := 0.0
	remaining := session.bytesTotal - session.bytesTransmitted
	if throughput > 0 && remaining > 0 {
		eta = float64(remaining) / throughput
	}

	active := make(map[int]struct{})
	for _, c := range session.chunks {
		if c.state == ChunkActive && c.CarrierID >= 0 {
			active[c.CarrierID] = struct{}{}
		}
	}

	errs := make([]string, len(session.errors))
	copy(errs, session.errors)

	return TransmissionProgress{
		ProgressPayload: ProgressPayload{
			SessionID:              session.ID,
			ChunksTotal:            len(session.chunks),
			ChunksCompleted:        session.chunksCompleted,
			BytesTotal:             session.bytesTotal,
			BytesTransmitted:       session.bytesTransmitted,
			CarriersActive:         len(active),
			AverageThroughput:      throughput,
			EstimatedTimeRemaining: eta,
		},
		ChunksFailed: session.chunksFailed,
		Cancelled:    session.cancelled,
		Completed:    session.completed,
		Errors:       errs,
	}
}

// Cancel stops further allocation for a session and releases all its
// chunk-to-carrier bindings, with no side effects on other sessions.
// Cancellation is cooperative and idempotent: the second call is a no-op.
func (cm *ChunkManager) Cancel(sessionID string) error {
	cm.mu.RLock()
	session, ok := cm.sessions[sessionID]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	session.mu.Lock()
	if session.cancelled {
		session.mu.Unlock()
		return nil
	}
	session.cancelled = true
	for _, c := range session.chunks {
		if c.state == ChunkActive {
			c.state = ChunkPending
		}
		c.CarrierID = -1
	}
	progress := cm.progressLocked(session)
	session.mu.Unlock()

	log.Printf("Session %s cancelled", sessionID)
	cm.events.Publish(Event{
		Type: EventTransmissionCancelled,
		Session: &SessionPayload{
			SessionID:       sessionID,
			ChunksTotal:     progress.ChunksTotal,
			ChunksCompleted: progress.ChunksCompleted,
			ChunksFailed:    progress.ChunksFailed,
		},
	})
	cm.recorder.RecordSessionSummary(progress.ProgressPayload, "cancelled")
	if cm.metrics != nil {
		cm.metrics.SessionFinished("cancelled")
	}
	return nil
}

// RemoveSession drops a finished or cancelled session from the registry
func (cm *ChunkManager) RemoveSession(sessionID string) {
	cm.mu.Lock()
	delete(cm.sessions, sessionID)
	cm.mu.Unlock()
}

// ChunkAssignment is one active chunk-to-carrier binding, as seen by the
// transmit path
type ChunkAssignment struct {
	SessionID   string
	ChunkID     string
	CarrierID   int
	PieceIndex  int
	TotalPieces int
	Data        []byte
}

// ActiveAssignments returns every active chunk binding across all live
// sessions, for the transmit worker to drain
func (cm *ChunkManager) ActiveAssignments() []ChunkAssignment {
	cm.mu.RLock()
	sessions := make([]*TransmissionSession, 0, len(cm.sessions))
	for _, s := range cm.sessions {
		sessions = append(sessions, s)
	}
	cm.mu.RUnlock()

	var out []ChunkAssignment
	for _, session := range sessions {
		session.mu.Lock()
		if session.cancelled || session.completed {
			session.mu.Unlock()
			continue
		}
		for _, id := range session.order {
			c := session.chunks[id]
			if c.state != ChunkActive {
				continue
			}
			out = append(out, ChunkAssignment{
				SessionID:   session.ID,
				ChunkID:     c.ID,
				CarrierID:   c.CarrierID,
				PieceIndex:  c.PieceIndex,
				TotalPieces: c.TotalPieces,
				Data:        c.Data,
			})
		}
		session.mu.Unlock()
	}
	return out
}

// SessionIDs lists registered sessions
func (cm *ChunkManager) SessionIDs() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	ids := make([]string, 0, len(cm.sessions))
	for id := range cm.sessions {
		ids = append(ids, id)
	}
	return ids
}

// HealthTick is the periodic evaluation pass: adjust per-carrier modulation,
// redistribute chunks off failed or timed-out carriers, then allocate
// pending chunks. All decisions work from one carrier snapshot taken at the
// start of the pass.
func (cm *ChunkManager) HealthTick() {
	snapshot := cm.monitor.Snapshot()

	// Adaptive modulation, driven from smoothed SNR
	for _, c := range snapshot {
		if !c.Enabled {
			continue
		}
		cm.modctl.Evaluate(c.ID, c.SNR)
	}

	enabled := make(map[int]bool, len(snapshot))
	for _, c := range snapshot {
		enabled[c.ID] = c.Enabled
	}

	cm.mu.RLock()
	sessions := make([]*TransmissionSession, 0, len(cm.sessions))
	for _, s := range cm.sessions {
		sessions = append(sessions, s)
	}
	cm.mu.RUnlock()

	for _, session := range sessions {
		cm.evaluateSession(session, snapshot, enabled)
	}

	if cm.metrics != nil {
		cm.metrics.UpdateCarriers(snapshot)
		if dropped := cm.events.Dropped(); dropped > cm.lastDropped {
			cm.metrics.EventsDropped(dropped - cm.lastDropped)
			cm.lastDropped = dropped
		}
	}
}

// evaluateSession runs failure handling and allocation for one session
func (cm *ChunkManager) evaluateSession(session *TransmissionSession, snapshot []CarrierSnapshot, enabled map[int]bool) {
	session.mu.Lock()
	if session.cancelled || session.completed {
		session.mu.Unlock()
		return
	}

	now := cm.clock.Now()

	// Chunks stranded on carriers that have been disabled since allocation
	strandedByCarrier := make(map[int][]string)
	for _, id := range session.order {
		c := session.chunks[id]
		if c.state == ChunkActive && c.CarrierID >= 0 && !enabled[c.CarrierID] {
			strandedByCarrier[c.CarrierID] = append(strandedByCarrier[c.CarrierID], c.ID)
		}
	}
	for carrierID, chunkIDs := range strandedByCarrier {
		reassignments := cm.redist.HandleCarrierFailure(carrierID, chunkIDs, snapshot)
		for _, chunkID := range chunkIDs {
			c := session.chunks[chunkID]
			if newCarrier, ok := reassignments[chunkID]; ok {
				c.CarrierID = newCarrier
				c.startedAt = now
			} else {
				c.CarrierID = -1
				c.state = ChunkPending
			}
		}
	}

	// Per-chunk timeouts
	var failedEvents []ChunkPayload
	for _, id := range session.order {
		c := session.chunks[id]
		if c.state != ChunkActive {
			continue
		}
		elapsed := now.Sub(c.startedAt)
		if elapsed < cm.redist.Timeout() {
			continue
		}

		newCarrier, ok := cm.redist.HandleTimeout(c.ID, c.CarrierID, elapsed, snapshot)
		c.Attempts = cm.redist.Attempts(c.ID)
		if ok {
			c.CarrierID = newCarrier
			c.startedAt = now
			continue
		}

		if c.Attempts > cm.redist.MaxRetries() {
			// Retry budget exhausted: permanent chunk failure
			c.state = ChunkFailed
			c.CarrierID = -1
			session.chunksFailed++
			session.errors = append(session.errors, fmt.Sprintf("chunk %s failed after %d attempts", c.ID, c.Attempts))
			failedEvents = append(failedEvents, ChunkPayload{
				SessionID: session.ID,
				ChunkID:   c.ID,
				Attempts:  c.Attempts,
				Reason:    "retry budget exhausted",
			})
		} else {
			// No carrier available right now; back to the queue
			c.state = ChunkPending
			c.CarrierID = -1
		}
	}

	// Allocate pending chunks up to the session's parallel carrier budget
	activeCount := 0
	for _, c := range session.chunks {
		if c.state == ChunkActive {
			activeCount++
		}
	}

	var pending []PendingChunk
	for _, id := range session.order {
		c := session.chunks[id]
		if c.state != ChunkPending {
			continue
		}
		if activeCount+len(pending) >= session.Config.MaxParallelCarriers {
			break
		}
		pending = append(pending, PendingChunk{
			ID:       c.ID,
			Priority: c.Rarity,
			Size:     len(c.Data),
		})
	}

	if len(pending) > 0 {
		allocations := cm.allocator.Allocate(pending, snapshot)
		for chunkID, carrierID := range allocations {
			c := session.chunks[chunkID]
			c.CarrierID = carrierID
			c.state = ChunkActive
			c.startedAt = now
		}
	}

	done := session.chunksCompleted+session.chunksFailed == len(session.chunks)
	session.mu.Unlock()

	for _, payload := range failedEvents {
		p := payload
		cm.events.Publish(Event{Type: EventChunkFailed, Chunk: &p})
		if cm.metrics != nil {
			cm.metrics.ChunkFailed()
		}
	}

	if done {
		cm.finishSession(session)
	} else if len(failedEvents) > 0 {
		cm.publishProgress(session)
	}
}

// HandleChunkComplete marks a chunk as successfully transmitted. Called by
// the transmit path when the acknowledgment for a chunk arrives.
func (cm *ChunkManager) HandleChunkComplete(sessionID, chunkID string) error {
	cm.mu.RLock()
	session, ok := cm.sessions[sessionID]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	session.mu.Lock()
	c, ok := session.chunks[chunkID]
	if !ok {
		session.mu.Unlock()
		return fmt.Errorf("unknown chunk %s in session %s", chunkID, sessionID)
	}
	if session.cancelled || c.state == ChunkCompleted {
		session.mu.Unlock()
		return nil
	}

	carrierID := c.CarrierID
	c.state = ChunkCompleted
	c.CarrierID = -1
	session.chunksCompleted++
	session.bytesTransmitted += uint64(len(c.Data))
	attempts := c.Attempts
	done := session.chunksCompleted+session.chunksFailed == len(session.chunks)
	session.mu.Unlock()

	if cm.rarity != nil {
		cm.rarity.MarkHave(c.PieceIndex)
	}

	cm.events.Publish(Event{
		Type: EventChunkCompleted,
		Chunk: &ChunkPayload{
			SessionID: sessionID,
			ChunkID:   chunkID,
			CarrierID: carrierID,
			Attempts:  attempts,
		},
	})
	if cm.metrics != nil {
		cm.metrics.ChunkCompleted()
	}

	if done {
		cm.finishSession(session)
	} else {
		cm.publishProgress(session)
	}
	return nil
}

// finishSession emits the terminal event and records the session summary
func (cm *ChunkManager) finishSession(session *TransmissionSession) {
	session.mu.Lock()
	if session.completed || session.cancelled {
		session.mu.Unlock()
		return
	}
	session.completed = true
	progress := cm.progressLocked(session)
	session.mu.Unlock()

	outcome := "complete"
	if progress.ChunksFailed > 0 {
		outcome = "complete-with-failures"
	}
	log.Printf("Session %s finished: %d/%d chunks, %d failed",
		session.ID, progress.ChunksCompleted, progress.ChunksTotal, progress.ChunksFailed)

	cm.events.Publish(Event{
		Type: EventTransmissionComplete,
		Session: &SessionPayload{
			SessionID:       session.ID,
			ChunksTotal:     progress.ChunksTotal,
			ChunksCompleted: progress.ChunksCompleted,
			ChunksFailed:    progress.ChunksFailed,
		},
	})
	cm.recorder.RecordSessionSummary(progress.ProgressPayload, outcome)
	if cm.metrics != nil {
		cm.metrics.SessionFinished(outcome)
	}
}

// publishProgress emits a progress event for a session
func (cm *ChunkManager) publishProgress(session *TransmissionSession) {
	session.mu.Lock()
	progress := cm.progressLocked(session)
	session.mu.Unlock()

	cm.events.Publish(Event{
		Type:     EventProgress,
		Progress: &progress.ProgressPayload,
	})
}
