package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ofdmlink/ofdmlink/modem"
)

// Global debug flag
var DebugMode bool

// Global stats flag
var StatsMode bool

// Global start time for process uptime tracking
var StartTime time.Time

func main() {
	// Record start time for uptime tracking
	StartTime = time.Now()

	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	stats := flag.Bool("stats", false, "Enable periodic statistics logging")
	flag.Parse()

	// Set global debug mode - check environment variable first, then CLI flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		// Environment variable takes precedence
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	StatsMode = *stats
	if statsEnv := os.Getenv("STATS"); statsEnv != "" {
		StatsMode = statsEnv == "true" || statsEnv == "1" || statsEnv == "yes"
	}
	if StatsMode {
		log.Println("Statistics logging enabled")
	}

	// Load configuration
	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Persistence: CSV recorder, or the no-op fallback when disabled
	var recorder Recorder = NopRecorder{}
	if config.Recorder.Enabled {
		csvRecorder, err := NewCSVRecorder(config.Recorder.DataDir)
		if err != nil {
			log.Printf("Warning: recorder unavailable, continuing without persistence: %v", err)
		} else {
			recorder = csvRecorder
			defer csvRecorder.Close()
		}
	}

	// Metrics
	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics(config.Prometheus)
		defer metrics.Stop()
	}

	// Core plumbing
	scheduler := NewScheduler(nil)
	scheduler.Start()
	defer scheduler.Stop()

	events := NewEventBus(config.Events.BufferSize)

	// Carrier plane
	monitor := NewCarrierHealthMonitor(config.Carriers.Count, config.Carriers.Pilots)
	control := NewCarrierControl(monitor, scheduler, events, config.Carriers.Control, nil)
	modctl := NewModulationController(monitor, config.Modulation, nil)

	// Modem
	cpm, err := modem.NewCyclicPrefixManager(config.ModemCPConfig())
	if err != nil {
		log.Fatalf("Failed to create cyclic prefix manager: %v", err)
	}
	synchronizer, err := modem.NewSymbolSynchronizer(config.ModemSyncConfig())
	if err != nil {
		log.Fatalf("Failed to create symbol synchronizer: %v", err)
	}

	// Transport
	var source SampleSource
	var sink SampleSink
	switch config.Transport.Mode {
	case "rtp":
		receiver, err := NewRTPSampleReceiver(config.Transport.RTP)
		if err != nil {
			log.Fatalf("Failed to create RTP receiver: %v", err)
		}
		source = receiver
	default:
		channel := NewSimulatedChannel(config.Transport.Simulated, config.Modem.SampleRate)
		source = channel
		sink = channel
	}

	demod := NewDemodulator(source, synchronizer, cpm, monitor, control, recorder, metrics,
		config.Carriers.Count, config.Carriers.Pilots)
	if err := demod.Start(); err != nil {
		log.Fatalf("Failed to start demodulator: %v", err)
	}
	defer demod.Stop()

	// Distribution plane
	rarity := NewRarityManager(config.Swarm.TotalChunks)
	allocator := NewChunkAllocator(config.Allocator)
	redist := NewRedistributionHandler(config.Redistribution, recorder)
	if metrics != nil {
		redist.AttachMetrics(metrics)
	}

	manager := NewChunkManager(monitor, control, modctl, allocator, redist, rarity,
		events, scheduler, recorder, metrics, config.Sessions, nil)
	manager.Start()
	defer manager.Stop()

	// Transmit path: only available when the transport accepts samples
	if sink != nil {
		modulator := NewModulator(sink, cpm, monitor, config.Modem.FFTSize, config.Carriers.Pilots)
		codec, err := NewChunkFrameCodec(true)
		if err != nil {
			log.Fatalf("Failed to create chunk frame codec: %v", err)
		}
		defer codec.Close()

		worker := NewTransmitWorker(manager, modulator, codec, scheduler, 0)
		worker.Start()
		defer worker.Stop()
	}

	// History and telemetry
	history := NewLinkHistoryTracker(monitor, demod)
	if err := history.Start(); err != nil {
		log.Printf("Warning: link history tracker failed to start: %v", err)
	}
	defer history.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.MQTT.Enabled {
		publisher, err := NewMQTTPublisher(&config.MQTT, monitor, events, demod)
		if err != nil {
			log.Printf("Warning: MQTT publisher unavailable: %v", err)
		} else {
			publisher.StartPublisher(ctx)
			defer publisher.Stop()
		}
	}

	// HTTP surface
	eventStream := NewEventStreamServer(events)
	api := NewAPIServer(manager, monitor, control, rarity, redist, demod, history,
		eventStream, config.Server.EnableCORS)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    config.Server.Listen,
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	if StatsMode {
		go statsLoop(ctx, manager, monitor, demod, events)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during HTTP shutdown: %v", err)
	}
}

// statsLoop periodically logs a one-line summary of link and session state
func statsLoop(ctx context.Context, manager *ChunkManager, monitor *CarrierHealthMonitor, demod *Demodulator, events *EventBus) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enabled := 0
			for _, c := range monitor.Snapshot() {
				if c.Enabled {
					enabled++
				}
			}
			state := demod.SyncState()
			log.Printf("STATS: sessions=%d carriers=%d sync=%v conf=%.2f symbols=%d subscribers=%d",
				len(manager.SessionIDs()), enabled, state.Synchronized, state.Confidence,
				demod.SymbolCount(), events.SubscriberCount())
		}
	}
}
