package main

import (
	"context"
	"log"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/ofdmlink/ofdmlink/modem"
)

// PrometheusMetrics holds all Prometheus metric collectors for carrier,
// session and modem state
type PrometheusMetrics struct {
	// Carrier metrics (all with 'carrier' label)
	carrierSNR         *prometheus.GaugeVec // Smoothed SNR in dB
	carrierBER         *prometheus.GaugeVec // Smoothed bit error rate
	carrierUtilization *prometheus.GaugeVec // Allocation load [0,1]
	carrierReliability *prometheus.GaugeVec // Stability score [0,1]
	carrierEnabled     *prometheus.GaugeVec // 1=enabled, 0=disabled
	carrierModulation  *prometheus.GaugeVec // Bits per symbol of the active scheme

	// Session metrics
	sessionsActive   prometheus.Gauge       // Sessions currently registered
	sessionsTotal    prometheus.Counter     // Sessions created since start
	sessionsFinished *prometheus.CounterVec // Finished sessions by outcome
	chunksCompleted  prometheus.Counter     // Chunks transmitted successfully
	chunksFailed     prometheus.Counter     // Chunks permanently failed

	// Redistribution metrics
	redistributionEvents *prometheus.CounterVec // Redistribution events by type

	// Modem metrics
	syncLocked      prometheus.Gauge // 1 when symbol timing is locked
	syncConfidence  prometheus.Gauge // Synchronizer confidence [0,1]
	freqOffsetHz    prometheus.Gauge // Estimated carrier frequency offset
	cpLength        prometheus.Gauge // Current cyclic prefix length in samples
	sirDB           prometheus.Gauge // Last measured signal-to-interference ratio
	symbolsReceived prometheus.Counter

	// Event bus metrics
	eventsDropped prometheus.Counter

	// System metrics
	goroutines  prometheus.Gauge
	memoryAlloc prometheus.Gauge

	pusher   *push.Pusher
	interval time.Duration

	cancel context.CancelFunc
}

// NewPrometheusMetrics registers all collectors and, when a push gateway is
// configured, starts the periodic push loop
func NewPrometheusMetrics(config PrometheusConfig) *PrometheusMetrics {
	m := &PrometheusMetrics{
		carrierSNR: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ofdmlink_carrier_snr_db",
			Help: "Smoothed per-carrier SNR in dB",
		}, []string{"carrier"}),
		carrierBER: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ofdmlink_carrier_ber",
			Help: "Smoothed per-carrier bit error rate",
		}, []string{"carrier"}),
		carrierUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ofdmlink_carrier_utilization",
			Help: "Per-carrier allocation load, 0 to 1",
		}, []string{"carrier"}),
		carrierReliability: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ofdmlink_carrier_reliability",
			Help: "Per-carrier stability score, 0 to 1",
		}, []string{"carrier"}),
		carrierEnabled: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ofdmlink_carrier_enabled",
			Help: "Carrier enabled state, 1 or 0",
		}, []string{"carrier"}),
		carrierModulation: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ofdmlink_carrier_modulation_bits",
			Help: "Bits per symbol of the active modulation scheme",
		}, []string{"carrier"}),

		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ofdmlink_sessions_active",
			Help: "Transmission sessions currently registered",
		}),
		sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ofdmlink_sessions_total",
			Help: "Transmission sessions created since start",
		}),
		sessionsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ofdmlink_sessions_finished_total",
			Help: "Finished sessions by outcome",
		}, []string{"outcome"}),
		chunksCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ofdmlink_chunks_completed_total",
			Help: "Chunks transmitted successfully",
		}),
		chunksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ofdmlink_chunks_failed_total",
			Help: "Chunks that exhausted their retry budget",
		}),

		redistributionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ofdmlink_redistribution_events_total",
			Help: "Redistribution events by trigger type",
		}, []string{"type"}),

		syncLocked: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ofdmlink_sync_locked",
			Help: "Symbol timing lock state, 1 or 0",
		}),
		syncConfidence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ofdmlink_sync_confidence",
			Help: "Symbol synchronizer confidence, 0 to 1",
		}),
		freqOffsetHz: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ofdmlink_frequency_offset_hz",
			Help: "Estimated carrier frequency offset in Hz",
		}),
		cpLength: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ofdmlink_cp_length_samples",
			Help: "Current cyclic prefix length in samples",
		}),
		sirDB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ofdmlink_sir_db",
			Help: "Last measured signal-to-interference ratio in dB",
		}),
		symbolsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ofdmlink_symbols_received_total",
			Help: "OFDM symbols extracted from the sample stream",
		}),

		eventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ofdmlink_events_dropped_total",
			Help: "Events dropped due to slow subscribers",
		}),

		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ofdmlink_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAlloc: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ofdmlink_memory_alloc_bytes",
			Help: "Heap bytes allocated and in use",
		}),
	}

	if config.Enabled && config.PushGatewayURL != "" {
		instance := config.Instance
		if instance == "" {
			instance = "ofdmlink"
		}
		m.pusher = push.New(config.PushGatewayURL, "ofdmlink").
			Gatherer(prometheus.DefaultGatherer).
			Grouping("instance", instance)
		m.interval = time.Duration(config.PushIntervalSec) * time.Second

		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.pushLoop(ctx)
		log.Printf("Prometheus push enabled: %s every %v", config.PushGatewayURL, m.interval)
	}

	return m
}

// pushLoop pushes all registered metrics to the gateway on a fixed period
func (m *PrometheusMetrics) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.updateSystemMetrics()
			if err := m.pusher.Push(); err != nil {
				log.Printf("Error pushing metrics: %v", err)
			}
		}
	}
}

// Stop halts the push loop
func (m *PrometheusMetrics) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// updateSystemMetrics refreshes runtime gauges
func (m *PrometheusMetrics) updateSystemMetrics() {
	m.goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.memoryAlloc.Set(float64(memStats.Alloc))
}

// UpdateCarriers refreshes the per-carrier gauges from a health snapshot
func (m *PrometheusMetrics) UpdateCarriers(snapshot []CarrierSnapshot) {
	for _, c := range snapshot {
		label := strconv.Itoa(c.ID)
		m.carrierSNR.WithLabelValues(label).Set(c.SNR)
		m.carrierBER.WithLabelValues(label).Set(c.BER)
		m.carrierUtilization.WithLabelValues(label).Set(c.Utilization)
		m.carrierReliability.WithLabelValues(label).Set(c.Reliability)
		if c.Enabled {
			m.carrierEnabled.WithLabelValues(label).Set(1)
		} else {
			m.carrierEnabled.WithLabelValues(label).Set(0)
		}
		m.carrierModulation.WithLabelValues(label).Set(float64(c.Modulation.BitsPerSymbol()))
	}
}

// UpdateSync refreshes the modem gauges from a synchronizer snapshot
func (m *PrometheusMetrics) UpdateSync(state modem.SyncState) {
	if state.Synchronized {
		m.syncLocked.Set(1)
	} else {
		m.syncLocked.Set(0)
	}
	m.syncConfidence.Set(state.Confidence)
	m.freqOffsetHz.Set(state.FrequencyOffset)
}

// UpdateModem refreshes cyclic prefix gauges
func (m *PrometheusMetrics) UpdateModem(cpLength int, sirDB float64) {
	m.cpLength.Set(float64(cpLength))
	m.sirDB.Set(sirDB)
}

// SymbolReceived counts one extracted OFDM symbol
func (m *PrometheusMetrics) SymbolReceived() {
	m.symbolsReceived.Inc()
}

// SessionCreated counts a new session
func (m *PrometheusMetrics) SessionCreated() {
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// SessionFinished counts a completed or cancelled session
func (m *PrometheusMetrics) SessionFinished(outcome string) {
	m.sessionsFinished.WithLabelValues(outcome).Inc()
	m.sessionsActive.Dec()
}

// ChunkCompleted counts one successful chunk transmission
func (m *PrometheusMetrics) ChunkCompleted() {
	m.chunksCompleted.Inc()
}

// ChunkFailed counts one permanent chunk failure
func (m *PrometheusMetrics) ChunkFailed() {
	m.chunksFailed.Inc()
}

// RedistributionEvent counts one redistribution action
func (m *PrometheusMetrics) RedistributionEvent(eventType RedistributionEventType) {
	m.redistributionEvents.WithLabelValues(string(eventType)).Inc()
}

// EventsDropped adds to the dropped-event counter
func (m *PrometheusMetrics) EventsDropped(n uint64) {
	m.eventsDropped.Add(float64(n))
}
