package main

import (
	"strings"
	"testing"
	"time"
)

type managerFixture struct {
	clock     *fakeClock
	scheduler *Scheduler
	monitor   *CarrierHealthMonitor
	control   *CarrierControl
	rarity    *RarityManager
	events    *EventBus
	manager   *ChunkManager
}

func newManagerFixture(carrierCount int) *managerFixture {
	clock := newFakeClock()
	scheduler := NewScheduler(clock)
	monitor := NewCarrierHealthMonitor(carrierCount, nil)
	events := NewEventBus(64)
	control := NewCarrierControl(monitor, scheduler, events, CarrierControlConfig{MinSNRdB: 10}, clock)
	modctl := NewModulationController(monitor, ModulationConfig{}, clock)
	allocator := NewChunkAllocator(AllocatorConfig{})
	redist := NewRedistributionHandler(RedistributionConfig{MaxRetries: 3, TimeoutMs: 5000}, nil)
	rarity := NewRarityManager(64)

	manager := NewChunkManager(monitor, control, modctl, allocator, redist, rarity,
		events, scheduler, nil, nil, ChunkManagerConfig{}, clock)

	return &managerFixture{
		clock:     clock,
		scheduler: scheduler,
		monitor:   monitor,
		control:   control,
		rarity:    rarity,
		events:    events,
		manager:   manager,
	}
}

// markHealthy feeds the monitor a sample good enough for allocation
func (f *managerFixture) markHealthy(carrierID int, snr float64) {
	f.monitor.UpdateHealth(carrierID, snr, 0.0001, 0.1)
}

func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countEvents(events []Event, eventType EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func testChunks(ids ...string) []Chunk {
	chunks := make([]Chunk, 0, len(ids))
	for i, id := range ids {
		chunks = append(chunks, Chunk{
			ID:          id,
			PieceIndex:  i,
			TotalPieces: len(ids),
			Data:        []byte("payload-" + id),
		})
	}
	return chunks
}

func TestCreateSessionValidation(t *testing.T) {
	f := newManagerFixture(4)

	if _, err := f.manager.CreateSession(nil, SessionConfig{}); err == nil {
		t.Fatal("empty chunk set accepted")
	}
	if _, err := f.manager.CreateSession([]Chunk{{PieceIndex: 0}}, SessionConfig{}); err == nil {
		t.Fatal("chunk without an id accepted")
	}
	dup := []Chunk{{ID: "a"}, {ID: "a"}}
	if _, err := f.manager.CreateSession(dup, SessionConfig{}); err == nil {
		t.Fatal("duplicate chunk ids accepted")
	}
}

func TestCreateSessionReportsInitialProgress(t *testing.T) {
	f := newManagerFixture(4)

	chunks := testChunks("a", "b", "c")
	id, err := f.manager.CreateSession(chunks, SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	progress, err := f.manager.Progress(id)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if progress.ChunksTotal != 3 || progress.ChunksCompleted != 0 {
		t.Fatalf("initial progress %+v", progress)
	}
	wantBytes := uint64(0)
	for _, c := range chunks {
		wantBytes += uint64(len(c.Data))
	}
	if progress.BytesTotal != wantBytes {
		t.Fatalf("bytes total %d, want %d", progress.BytesTotal, wantBytes)
	}
}

func TestHealthTickAllocatesPendingChunks(t *testing.T) {
	f := newManagerFixture(4)
	f.markHealthy(0, 25)
	f.markHealthy(1, 22)

	id, err := f.manager.CreateSession(testChunks("a", "b"), SessionConfig{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	f.manager.HealthTick()

	assignments := f.manager.ActiveAssignments()
	if len(assignments) != 2 {
		t.Fatalf("%d active assignments, want 2", len(assignments))
	}
	for _, a := range assignments {
		if a.SessionID != id {
			t.Fatalf("assignment for session %s, want %s", a.SessionID, id)
		}
		if a.CarrierID != 0 && a.CarrierID != 1 {
			t.Fatalf("chunk %s on unqualified carrier %d", a.ChunkID, a.CarrierID)
		}
		if len(a.Data) == 0 {
			t.Fatalf("assignment %s carries no payload", a.ChunkID)
		}
	}

	progress, _ := f.manager.Progress(id)
	if progress.CarriersActive != 2 {
		t.Fatalf("carriers active %d, want 2", progress.CarriersActive)
	}
}

func TestSessionParallelCarrierBudget(t *testing.T) {
	f := newManagerFixture(4)
	f.markHealthy(0, 25)
	f.markHealthy(1, 22)
	f.markHealthy(2, 20)

	_, err := f.manager.CreateSession(testChunks("a", "b", "c"), SessionConfig{MaxParallelCarriers: 1})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	f.manager.HealthTick()

	if got := len(f.manager.ActiveAssignments()); got != 1 {
		t.Fatalf("%d active assignments, want 1 under the parallel budget", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newManagerFixture(4)
	f.markHealthy(0, 25)

	id, _ := f.manager.CreateSession(testChunks("a", "b"), SessionConfig{})
	f.manager.HealthTick()

	ch, unsubscribe := f.events.Subscribe()
	defer unsubscribe()

	if err := f.manager.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := f.manager.Cancel(id); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	events := drainEvents(ch)
	if n := countEvents(events, EventTransmissionCancelled); n != 1 {
		t.Fatalf("%d cancelled events, want exactly 1", n)
	}

	if got := len(f.manager.ActiveAssignments()); got != 0 {
		t.Fatalf("%d assignments still active after cancel", got)
	}
	progress, _ := f.manager.Progress(id)
	if !progress.Cancelled {
		t.Fatal("progress does not report cancellation")
	}

	// A cancelled session never resumes allocation
	f.manager.HealthTick()
	if got := len(f.manager.ActiveAssignments()); got != 0 {
		t.Fatalf("cancelled session reallocated %d chunks", got)
	}
}

func TestCancelUnknownSession(t *testing.T) {
	f := newManagerFixture(2)
	if err := f.manager.Cancel("nope"); err == nil {
		t.Fatal("cancel of unknown session succeeded")
	}
}

func TestHandleChunkCompleteFinishesSession(t *testing.T) {
	f := newManagerFixture(4)
	f.markHealthy(0, 25)
	f.markHealthy(1, 22)

	id, _ := f.manager.CreateSession(testChunks("a", "b"), SessionConfig{})
	f.manager.HealthTick()

	ch, unsubscribe := f.events.Subscribe()
	defer unsubscribe()

	if err := f.manager.HandleChunkComplete(id, "a"); err != nil {
		t.Fatalf("HandleChunkComplete(a): %v", err)
	}

	progress, _ := f.manager.Progress(id)
	if progress.ChunksCompleted != 1 || progress.Completed {
		t.Fatalf("mid-session progress %+v", progress)
	}
	if progress.BytesTransmitted == 0 {
		t.Fatal("no bytes accounted after a completion")
	}

	if err := f.manager.HandleChunkComplete(id, "b"); err != nil {
		t.Fatalf("HandleChunkComplete(b): %v", err)
	}

	events := drainEvents(ch)
	if n := countEvents(events, EventChunkCompleted); n != 2 {
		t.Fatalf("%d chunk-completed events, want 2", n)
	}
	if n := countEvents(events, EventTransmissionComplete); n != 1 {
		t.Fatalf("%d transmission-complete events, want 1", n)
	}

	progress, _ = f.manager.Progress(id)
	if !progress.Completed || progress.ChunksCompleted != 2 || progress.ChunksFailed != 0 {
		t.Fatalf("final progress %+v", progress)
	}
	if progress.BytesTransmitted != progress.BytesTotal {
		t.Fatalf("transmitted %d of %d bytes", progress.BytesTransmitted, progress.BytesTotal)
	}
}

func TestHandleChunkCompleteIsIdempotent(t *testing.T) {
	f := newManagerFixture(4)
	f.markHealthy(0, 25)

	id, _ := f.manager.CreateSession(testChunks("a", "b"), SessionConfig{})
	f.manager.HealthTick()

	f.manager.HandleChunkComplete(id, "a")
	if err := f.manager.HandleChunkComplete(id, "a"); err != nil {
		t.Fatalf("repeated completion: %v", err)
	}

	progress, _ := f.manager.Progress(id)
	if progress.ChunksCompleted != 1 {
		t.Fatalf("chunks completed %d after double completion, want 1", progress.ChunksCompleted)
	}
}

func TestStrandedChunksLeaveDisabledCarrier(t *testing.T) {
	f := newManagerFixture(4)
	f.markHealthy(0, 25)
	f.markHealthy(1, 20)

	id, _ := f.manager.CreateSession(testChunks("a", "b"), SessionConfig{})
	f.manager.HealthTick()

	// Carrier 0 drops below the SNR floor and is pulled from the pool
	f.control.EvaluateCarrier(0, 5, 0.1, 0.1)

	f.manager.HealthTick()

	assignments := f.manager.ActiveAssignments()
	if len(assignments) == 0 {
		t.Fatal("all chunks lost after carrier failure")
	}
	for _, a := range assignments {
		if a.CarrierID == 0 {
			t.Fatalf("chunk %s still bound to the disabled carrier", a.ChunkID)
		}
	}

	progress, _ := f.manager.Progress(id)
	if progress.ChunksFailed != 0 {
		t.Fatalf("chunks failed %d after a survivable carrier loss", progress.ChunksFailed)
	}
}

func TestTimeoutExhaustionFailsChunkPermanently(t *testing.T) {
	f := newManagerFixture(4)
	f.markHealthy(0, 25)
	f.markHealthy(1, 22)

	id, _ := f.manager.CreateSession(testChunks("a"), SessionConfig{})
	f.manager.HealthTick() // Initial allocation

	ch, unsubscribe := f.events.Subscribe()
	defer unsubscribe()

	// Retry budget is 3: three timed-out ticks reassign, the fourth fails
	// the chunk for good
	for i := 0; i < 3; i++ {
		f.clock.Advance(6 * time.Second)
		f.manager.HealthTick()

		progress, _ := f.manager.Progress(id)
		if progress.ChunksFailed != 0 {
			t.Fatalf("chunk failed on retry %d, budget not honored", i+1)
		}
		if len(f.manager.ActiveAssignments()) != 1 {
			t.Fatalf("chunk not reallocated on retry %d", i+1)
		}
	}

	f.clock.Advance(6 * time.Second)
	f.manager.HealthTick()

	progress, _ := f.manager.Progress(id)
	if progress.ChunksFailed != 1 {
		t.Fatalf("chunks failed %d after budget exhaustion, want 1", progress.ChunksFailed)
	}
	if !progress.Completed {
		t.Fatal("session not finished once its only chunk failed")
	}
	if len(progress.Errors) != 1 || !strings.Contains(progress.Errors[0], "failed after 4 attempts") {
		t.Fatalf("session errors %v", progress.Errors)
	}

	events := drainEvents(ch)
	if n := countEvents(events, EventChunkFailed); n != 1 {
		t.Fatalf("%d chunk-failed events, want 1", n)
	}
	if n := countEvents(events, EventTransmissionComplete); n != 1 {
		t.Fatalf("%d transmission-complete events, want 1", n)
	}

	// Verify the terminal payload distinguishes the degraded outcome
	for _, e := range events {
		if e.Type == EventTransmissionComplete {
			if e.Session == nil || e.Session.ChunksFailed != 1 {
				t.Fatalf("terminal session payload %+v", e.Session)
			}
		}
	}
}

func TestStartDrivesEvaluationThroughScheduler(t *testing.T) {
	f := newManagerFixture(4)
	f.markHealthy(0, 25)

	f.manager.CreateSession(testChunks("a"), SessionConfig{})

	f.manager.Start()
	defer f.manager.Stop()

	if got := len(f.manager.ActiveAssignments()); got != 0 {
		t.Fatalf("%d assignments before the first evaluation", got)
	}

	f.clock.Advance(3 * time.Second)
	f.scheduler.RunDue()

	if got := len(f.manager.ActiveAssignments()); got != 1 {
		t.Fatalf("%d assignments after the first scheduled evaluation, want 1", got)
	}

	f.manager.Stop()
	f.clock.Advance(time.Minute)
	if n := f.scheduler.RunDue(); n != 0 {
		t.Fatalf("%d tasks ran after Stop", n)
	}
}

func TestRemoveSessionDropsRegistry(t *testing.T) {
	f := newManagerFixture(2)

	id, _ := f.manager.CreateSession(testChunks("a"), SessionConfig{})
	f.manager.RemoveSession(id)

	if _, err := f.manager.Progress(id); err == nil {
		t.Fatal("removed session still reachable")
	}
	if got := len(f.manager.SessionIDs()); got != 0 {
		t.Fatalf("%d sessions registered after removal", got)
	}
}
