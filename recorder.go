package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RecorderConfig configures the persistence collaborator
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	DataDir string `yaml:"data_dir"` // Directory for CSV files (default "data")
}

// Recorder is the write path to the persistence collaborator. All calls are
// fire-and-forget: persistence failures are logged and never block the
// transmission pipeline. The core degrades gracefully (NopRecorder) when
// persistence is unavailable.
type Recorder interface {
	RecordCarrierMeasurement(snapshot CarrierSnapshot)
	RecordRedistributionEvent(event RedistributionEvent)
	RecordSessionSummary(progress ProgressPayload, outcome string)
	Close()
}

// NopRecorder is used when persistence is disabled or unavailable
type NopRecorder struct{}

func (NopRecorder) RecordCarrierMeasurement(CarrierSnapshot)      {}
func (NopRecorder) RecordRedistributionEvent(RedistributionEvent) {}
func (NopRecorder) RecordSessionSummary(ProgressPayload, string)  {}
func (NopRecorder) Close()                                        {}

// csvRecord is one queued write
type csvRecord struct {
	kind string // "carriers", "redistribution", "sessions"
	row  []string
}

// CSVRecorder writes carrier measurements, redistribution events and
// session summaries to daily-rotated CSV files, one file family per record
// kind
type CSVRecorder struct {
	dataDir string

	files   map[string]*os.File
	writers map[string]*csv.Writer
	dates   map[string]string

	queue chan csvRecord
	done  chan struct{}
	wg    sync.WaitGroup
}

// csvHeaders maps record kinds to their column headers
var csvHeaders = map[string][]string{
	"carriers":       {"timestamp", "carrier_id", "snr_db", "ber", "utilization", "modulation", "enabled", "reliability"},
	"redistribution": {"timestamp", "type", "carrier_id", "peer_id", "chunk_ids", "reassignments", "unresolved"},
	"sessions":       {"timestamp", "session_id", "outcome", "chunks_total", "chunks_completed", "bytes_total", "bytes_transmitted", "avg_throughput"},
}

// NewCSVRecorder creates a CSV recorder rooted at dataDir. Returns an error
// if the directory cannot be created; callers fall back to NopRecorder.
func NewCSVRecorder(dataDir string) (*CSVRecorder, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	r := &CSVRecorder{
		dataDir: dataDir,
		files:   make(map[string]*os.File),
		writers: make(map[string]*csv.Writer),
		dates:   make(map[string]string),
		queue:   make(chan csvRecord, 1000),
		done:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.writeLoop()

	log.Printf("CSV recorder writing to %s", dataDir)
	return r, nil
}

// enqueue queues a row without blocking; rows are dropped when the queue is
// full rather than stalling the caller
func (r *CSVRecorder) enqueue(kind string, row []string) {
	select {
	case r.queue <- csvRecord{kind: kind, row: row}:
	default:
		if DebugMode {
			log.Printf("DEBUG: recorder queue full, dropped %s row", kind)
		}
	}
}

// RecordCarrierMeasurement persists one carrier quality snapshot
func (r *CSVRecorder) RecordCarrierMeasurement(s CarrierSnapshot) {
	r.enqueue("carriers", []string{
		time.Now().UTC().Format(time.RFC3339),
		strconv.Itoa(s.ID),
		fmt.Sprintf("%.2f", s.SNR),
		fmt.Sprintf("%.6f", s.BER),
		fmt.Sprintf("%.3f", s.Utilization),
		s.Modulation.String(),
		strconv.FormatBool(s.Enabled),
		fmt.Sprintf("%.3f", s.Reliability),
	})
}

// RecordRedistributionEvent persists one redistribution event
func (r *CSVRecorder) RecordRedistributionEvent(e RedistributionEvent) {
	reassignments := make([]string, 0, len(e.Reassignments))
	for chunkID, carrierID := range e.Reassignments {
		reassignments = append(reassignments, fmt.Sprintf("%s:%d", chunkID, carrierID))
	}

	r.enqueue("redistribution", []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		string(e.Type),
		strconv.Itoa(e.CarrierID),
		e.PeerID,
		strings.Join(e.ChunkIDs, ";"),
		strings.Join(reassignments, ";"),
		strings.Join(e.Unresolved, ";"),
	})
}

// RecordSessionSummary persists a session's final progress and outcome
func (r *CSVRecorder) RecordSessionSummary(p ProgressPayload, outcome string) {
	r.enqueue("sessions", []string{
		time.Now().UTC().Format(time.RFC3339),
		p.SessionID,
		outcome,
		strconv.Itoa(p.ChunksTotal),
		strconv.Itoa(p.ChunksCompleted),
		strconv.FormatUint(p.BytesTotal, 10),
		strconv.FormatUint(p.BytesTransmitted, 10),
		fmt.Sprintf("%.1f", p.AverageThroughput),
	})
}

// Close flushes and closes all open files
func (r *CSVRecorder) Close() {
	close(r.done)
	r.wg.Wait()

	for kind, w := range r.writers {
		w.Flush()
		if f := r.files[kind]; f != nil {
			f.Close()
		}
	}
}

// writeLoop drains the queue in the background
func (r *CSVRecorder) writeLoop() {
	defer r.wg.Done()

	flushTicker := time.NewTicker(5 * time.Second)
	defer flushTicker.Stop()

	for {
		select {
		case <-r.done:
			// Drain what's left before exiting
			for {
				select {
				case rec := <-r.queue:
					r.writeRow(rec)
				default:
					return
				}
			}
		case rec := <-r.queue:
			r.writeRow(rec)
		case <-flushTicker.C:
			for _, w := range r.writers {
				w.Flush()
			}
		}
	}
}

// writeRow writes one row, rotating to a new dated file when the day rolls
// over
func (r *CSVRecorder) writeRow(rec csvRecord) {
	today := time.Now().UTC().Format("2006-01-02")

	if r.dates[rec.kind] != today {
		if w := r.writers[rec.kind]; w != nil {
			w.Flush()
		}
		if f := r.files[rec.kind]; f != nil {
			f.Close()
		}

		path := filepath.Join(r.dataDir, fmt.Sprintf("%s-%s.csv", rec.kind, today))
		newFile := false
		if _, err := os.Stat(path); os.IsNotExist(err) {
			newFile = true
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Error opening recorder file %s: %v", path, err)
			return
		}

		r.files[rec.kind] = f
		r.writers[rec.kind] = csv.NewWriter(f)
		r.dates[rec.kind] = today

		if newFile {
			if err := r.writers[rec.kind].Write(csvHeaders[rec.kind]); err != nil {
				log.Printf("Error writing CSV header: %v", err)
			}
		}
	}

	if err := r.writers[rec.kind].Write(rec.row); err != nil {
		log.Printf("Error writing CSV row: %v", err)
	}
}
