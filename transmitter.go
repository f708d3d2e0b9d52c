package main

import (
	"log"
	"sync"
	"time"
)

// TransmitWorker drains active chunk assignments from the chunk manager,
// frames each chunk, and sends it through the modulator. Completed chunks
// are reported back to the manager.
type TransmitWorker struct {
	manager   *ChunkManager
	modulator *Modulator
	codec     *ChunkFrameCodec
	scheduler *Scheduler

	interval time.Duration
	inFlight map[string]bool // session/chunk keys currently being sent
	mu       sync.Mutex

	stop func()
}

// NewTransmitWorker creates a transmit worker driven by the scheduler
func NewTransmitWorker(manager *ChunkManager, modulator *Modulator, codec *ChunkFrameCodec, scheduler *Scheduler, interval time.Duration) *TransmitWorker {
	if interval == 0 {
		interval = 500 * time.Millisecond
	}
	return &TransmitWorker{
		manager:   manager,
		modulator: modulator,
		codec:     codec,
		scheduler: scheduler,
		interval:  interval,
		inFlight:  make(map[string]bool),
	}
}

// Start begins periodic transmission passes
func (tw *TransmitWorker) Start() {
	tw.stop = tw.scheduler.Every(tw.interval, tw.tick)
	log.Printf("Transmit worker started (pass every %v)", tw.interval)
}

// Stop halts transmission passes
func (tw *TransmitWorker) Stop() {
	if tw.stop != nil {
		tw.stop()
		tw.stop = nil
	}
}

// tick sends every active assignment not already in flight
func (tw *TransmitWorker) tick() {
	for _, a := range tw.manager.ActiveAssignments() {
		key := a.SessionID + "/" + a.ChunkID

		tw.mu.Lock()
		if tw.inFlight[key] {
			tw.mu.Unlock()
			continue
		}
		tw.inFlight[key] = true
		tw.mu.Unlock()

		go tw.transmit(key, a)
	}
}

// transmit frames and sends one chunk, then reports completion
func (tw *TransmitWorker) transmit(key string, a ChunkAssignment) {
	defer func() {
		tw.mu.Lock()
		delete(tw.inFlight, key)
		tw.mu.Unlock()
	}()

	frame := tw.codec.Encode(SessionHash(a.SessionID), uint32(a.PieceIndex), uint32(a.TotalPieces), a.Data)

	symbols, err := tw.modulator.TransmitBytes(frame)
	if err != nil {
		if DebugMode {
			log.Printf("DEBUG: transmit of chunk %s failed: %v", a.ChunkID, err)
		}
		return
	}

	if DebugMode {
		log.Printf("DEBUG: chunk %s sent on carrier %d in %d symbols", a.ChunkID, a.CarrierID, symbols)
	}

	if err := tw.manager.HandleChunkComplete(a.SessionID, a.ChunkID); err != nil && DebugMode {
		log.Printf("DEBUG: completion report for chunk %s failed: %v", a.ChunkID, err)
	}
}
