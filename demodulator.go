package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/ofdmlink/ofdmlink/modem"
)

// recordEverySymbols sets how often the demodulator persists a full carrier
// snapshot to the recorder
const recordEverySymbols = 256

// Demodulator drives the receive pipeline: sample blocks from the transport
// go through symbol synchronization and cyclic prefix removal, and the
// resulting per-carrier power measurements feed the carrier health monitor.
type Demodulator struct {
	source   SampleSource
	sync     *modem.SymbolSynchronizer
	cpm      *modem.CyclicPrefixManager
	monitor  *CarrierHealthMonitor
	control  *CarrierControl
	recorder Recorder
	metrics  *PrometheusMetrics

	carrierCount int
	pilots       map[int]bool

	symbolCount uint64
	lastSIR     float64

	running bool
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// NewDemodulator wires the receive pipeline together
func NewDemodulator(
	source SampleSource,
	synchronizer *modem.SymbolSynchronizer,
	cpm *modem.CyclicPrefixManager,
	monitor *CarrierHealthMonitor,
	control *CarrierControl,
	recorder Recorder,
	metrics *PrometheusMetrics,
	carrierCount int,
	pilotCarriers []int,
) *Demodulator {
	pilots := make(map[int]bool, len(pilotCarriers))
	for _, p := range pilotCarriers {
		pilots[p] = true
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}

	return &Demodulator{
		source:       source,
		sync:         synchronizer,
		cpm:          cpm,
		monitor:      monitor,
		control:      control,
		recorder:     recorder,
		metrics:      metrics,
		carrierCount: carrierCount,
		pilots:       pilots,
	}
}

// Start begins consuming sample blocks
func (d *Demodulator) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	if err := d.source.Start(); err != nil {
		return fmt.Errorf("failed to start sample source: %w", err)
	}

	go d.run(ctx)
	log.Println("Demodulator started")
	return nil
}

// Stop halts the pipeline
func (d *Demodulator) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.running = false
	d.cancel()
	d.source.Stop()
	log.Println("Demodulator stopped")
}

// run consumes sample blocks until cancelled
func (d *Demodulator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-d.source.Blocks():
			if !ok {
				return
			}
			d.processBlock(block)
		}
	}
}

// processBlock feeds one sample block through synchronization and pulls out
// every complete symbol it yields
func (d *Demodulator) processBlock(block SampleBlock) {
	d.sync.ProcessSamples(block.Samples)

	for {
		frame, ok := d.sync.ExtractFrame()
		if !ok {
			break
		}
		d.processFrame(frame)
	}

	if d.metrics != nil {
		d.metrics.UpdateSync(d.sync.State())
	}
}

// processFrame strips the cyclic prefix, measures interference, and updates
// per-carrier health from the symbol's power spectrum
func (d *Demodulator) processFrame(frame []float64) {
	payload, isi, err := d.cpm.RemoveCyclicPrefix(frame)
	if err != nil {
		if DebugMode {
			log.Printf("DEBUG: cyclic prefix removal failed: %v", err)
		}
		return
	}

	d.mu.Lock()
	d.symbolCount++
	count := d.symbolCount
	d.lastSIR = isi.SIRRatio
	d.mu.Unlock()

	if isi.SoftFail && DebugMode {
		log.Printf("DEBUG: symbol %d soft-failed (SIR %.1f dB)", count, isi.SIRRatio)
	}

	spectrum := modem.PowerSpectrum(payload)
	noiseFloor := estimateNoiseFloor(spectrum)

	for id := 0; id < d.carrierCount && id < len(spectrum); id++ {
		if d.pilots[id] {
			continue
		}

		snrDB := 0.0
		if noiseFloor > 0 && spectrum[id] > 0 {
			snrDB = 10 * math.Log10(spectrum[id]/noiseFloor)
		}

		utilization := 0.0
		current, ok := d.monitor.Get(id)
		if ok {
			utilization = current.Utilization
		}

		ber := estimateBER(snrDB, current.Modulation)
		d.control.EvaluateCarrier(id, snrDB, ber, utilization)
	}

	if d.metrics != nil {
		d.metrics.SymbolReceived()
		d.metrics.UpdateModem(d.cpm.CPLength(), isi.SIRRatio)
	}

	if count%recordEverySymbols == 0 {
		for _, snap := range d.monitor.Snapshot() {
			d.recorder.RecordCarrierMeasurement(snap)
		}
	}
}

// SyncState returns the synchronizer's current state
func (d *Demodulator) SyncState() modem.SyncState {
	return d.sync.State()
}

// CPLength returns the current cyclic prefix length
func (d *Demodulator) CPLength() int {
	return d.cpm.CPLength()
}

// SymbolCount returns the number of symbols processed
func (d *Demodulator) SymbolCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.symbolCount
}

// LastSIR returns the most recent signal-to-interference measurement
func (d *Demodulator) LastSIR() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSIR
}

// estimateNoiseFloor takes the 25th percentile of the bin powers as the
// noise estimate: occupied bins sit well above it, idle bins straddle it
func estimateNoiseFloor(spectrum []float64) float64 {
	if len(spectrum) == 0 {
		return 0
	}
	sorted := make([]float64, len(spectrum))
	copy(sorted, spectrum)
	sort.Float64s(sorted)
	return sorted[len(sorted)/4]
}

// estimateBER approximates the bit error rate for the measured SNR under
// the carrier's active modulation, using the standard Q-function bound for
// square constellations
func estimateBER(snrDB float64, mod Modulation) float64 {
	bits := mod.BitsPerSymbol()
	if bits <= 0 {
		bits = 1
	}

	snrLinear := math.Pow(10, snrDB/10)
	m := math.Pow(2, float64(bits))

	// Eb/N0 from symbol SNR
	ebn0 := snrLinear / float64(bits)

	var arg float64
	if bits == 1 {
		arg = math.Sqrt(2 * ebn0)
	} else {
		arg = math.Sqrt(3 * float64(bits) * ebn0 / (m - 1))
	}

	ber := 0.5 * math.Erfc(arg/math.Sqrt2)
	if ber > 0.5 {
		ber = 0.5
	}
	return ber
}

// Modulator drives the transmit pipeline: per-carrier constellation points
// become a windowed, cyclic-prefixed time-domain symbol written to the
// sample sink.
type Modulator struct {
	sink    SampleSink
	cpm     *modem.CyclicPrefixManager
	monitor *CarrierHealthMonitor
	fftSize int
	pilots  map[int]bool

	symbolsSent uint64
	mu          sync.Mutex
}

// NewModulator wires the transmit pipeline together
func NewModulator(sink SampleSink, cpm *modem.CyclicPrefixManager, monitor *CarrierHealthMonitor, fftSize int, pilotCarriers []int) *Modulator {
	pilots := make(map[int]bool, len(pilotCarriers))
	for _, p := range pilotCarriers {
		pilots[p] = true
	}

	return &Modulator{
		sink:    sink,
		cpm:     cpm,
		monitor: monitor,
		fftSize: fftSize,
		pilots:  pilots,
	}
}

// TransmitSymbol synthesizes and sends one OFDM symbol carrying the given
// per-carrier constellation points. Pilot bins are always filled with unit
// reference tones regardless of the input.
func (m *Modulator) TransmitSymbol(carrierPoints map[int]complex128) error {
	bins := make([]complex128, m.fftSize/2+1)
	for id, point := range carrierPoints {
		if id >= 0 && id < len(bins) && !m.pilots[id] {
			bins[id] = point
		}
	}
	for id := range m.pilots {
		if id < len(bins) {
			bins[id] = complex(1, 0)
		}
	}

	symbol := modem.Synthesize(bins, m.fftSize)
	framed, err := m.cpm.AddCyclicPrefix(symbol)
	if err != nil {
		return fmt.Errorf("failed to frame symbol: %w", err)
	}

	if err := m.sink.WriteSamples(framed); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}

	m.mu.Lock()
	m.symbolsSent++
	m.mu.Unlock()
	return nil
}

// TransmitBytes spreads a byte stream across the enabled carriers at their
// active modulation order, one symbol at a time, and returns the number of
// symbols sent
func (m *Modulator) TransmitBytes(data []byte) (int, error) {
	snapshot := m.monitor.Snapshot()

	enabled := make([]CarrierSnapshot, 0, len(snapshot))
	for _, c := range snapshot {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	if len(enabled) == 0 {
		return 0, fmt.Errorf("no enabled carriers")
	}

	br := newBitReader(data)
	symbols := 0
	for br.remaining() > 0 {
		points := make(map[int]complex128, len(enabled))
		for _, c := range enabled {
			if br.remaining() == 0 {
				break
			}
			bits := br.read(c.Capacity)
			points[c.ID] = mapConstellation(bits, c.Modulation)
		}
		if err := m.TransmitSymbol(points); err != nil {
			return symbols, err
		}
		symbols++
	}
	return symbols, nil
}

// SymbolsSent returns the number of symbols transmitted
func (m *Modulator) SymbolsSent() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbolsSent
}

// mapConstellation maps a bit group to a constellation point. BPSK and QPSK
// use antipodal/quadrature points; higher orders use rectangular QAM with
// amplitude normalization to unit average power.
func mapConstellation(bits uint32, mod Modulation) complex128 {
	order := mod.BitsPerSymbol()
	switch order {
	case 1:
		if bits&1 == 1 {
			return complex(1, 0)
		}
		return complex(-1, 0)
	case 2:
		re := -1.0
		im := -1.0
		if bits&1 == 1 {
			re = 1.0
		}
		if bits&2 == 2 {
			im = 1.0
		}
		return complex(re/math.Sqrt2, im/math.Sqrt2)
	default:
		// Rectangular QAM: split bits between I and Q axes. Odd orders give
		// the extra bit to the Q axis (8 points as a 2x4 grid, 32 as 4x8)
		// so every input bit lands on a distinct constellation point.
		iHalf := order / 2
		qHalf := order - iHalf
		iLevels := 1 << iHalf
		qLevels := 1 << qHalf
		iBits := bits & uint32(iLevels-1)
		qBits := (bits >> iHalf) & uint32(qLevels-1)

		// Levels at odd integers centered on zero
		iVal := float64(2*int(iBits) - (iLevels - 1))
		qVal := float64(2*int(qBits) - (qLevels - 1))

		// Normalize to unit average power
		norm := math.Sqrt((float64(iLevels*iLevels-1) + float64(qLevels*qLevels-1)) / 3.0)
		return complex(iVal/norm, qVal/norm)
	}
}

// bitReader walks a byte slice in configurable-width bit groups
type bitReader struct {
	data []byte
	pos  int // Bit position
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

// remaining returns the number of unread bits
func (br *bitReader) remaining() int {
	return len(br.data)*8 - br.pos
}

// read pulls up to n bits MSB-first, zero-padded past the end
func (br *bitReader) read(n int) uint32 {
	var out uint32
	for i := 0; i < n; i++ {
		out <<= 1
		byteIdx := br.pos / 8
		if byteIdx < len(br.data) {
			bit := (br.data[byteIdx] >> (7 - uint(br.pos%8))) & 1
			out |= uint32(bit)
		}
		br.pos++
	}
	return out
}
