package modem

import (
	"fmt"
	"math"
	"sync"
)

// ISIMetrics describes the interference measured while deframing a symbol.
// Power values are linear; SIRRatio is in dB.
type ISIMetrics struct {
	ISIPower    float64 `json:"isi_power"`
	ICIPower    float64 `json:"ici_power"`
	SignalPower float64 `json:"signal_power"`
	SIRRatio    float64 `json:"sir_ratio"`
	SoftFail    bool    `json:"soft_fail"` // SIR below the soft-fail floor (10 dB)
}

const (
	// SIR below this is flagged as a soft failure but the symbol is still used
	sirSoftFailDB = 10.0

	// Rolling-average SIR thresholds driving adaptive CP length
	sirGrowThresholdDB   = 15.0
	sirShrinkThresholdDB = 25.0

	// Number of symbols averaged before an adaptive CP adjustment
	sirHistoryLen = 10
)

// CyclicPrefixConfig configures a CyclicPrefixManager
type CyclicPrefixConfig struct {
	FFTSize    int        `yaml:"fft_size"`
	CPLength   int        `yaml:"cp_length"` // 0 = default (fft_size/4)
	Window     WindowType `yaml:"window"`
	Rolloff    float64    `yaml:"rolloff"`  // Raised-cosine rolloff (0-1)
	Adaptive   bool       `yaml:"adaptive"` // Adapt CP length from measured SIR
	SampleRate float64    `yaml:"sample_rate"`
}

// CyclicPrefixManager frames and deframes OFDM symbols with a cyclic prefix.
// The prefix copies the symbol tail to its front so multipath energy from the
// previous symbol lands inside the guard interval instead of the FFT window.
type CyclicPrefixManager struct {
	fftSize    int
	cpLength   int
	windowType WindowType
	rolloff    float64
	window     []float64
	adaptive   bool

	sirHistory []float64

	mu sync.Mutex
}

// NewCyclicPrefixManager creates a cyclic prefix manager. CPLength defaults
// to fftSize/4 and is clamped to [fftSize/16, fftSize/4].
func NewCyclicPrefixManager(config CyclicPrefixConfig) (*CyclicPrefixManager, error) {
	if config.FFTSize <= 0 || config.FFTSize&(config.FFTSize-1) != 0 {
		return nil, fmt.Errorf("fft size must be a positive power of 2, got %d", config.FFTSize)
	}

	cpLength := config.CPLength
	if cpLength == 0 {
		cpLength = config.FFTSize / 4
	}
	if cpLength < config.FFTSize/16 {
		cpLength = config.FFTSize / 16
	}
	if cpLength > config.FFTSize/4 {
		cpLength = config.FFTSize / 4
	}

	windowType := config.Window
	if windowType == "" {
		windowType = WindowRectangular
	}

	cpm := &CyclicPrefixManager{
		fftSize:    config.FFTSize,
		cpLength:   cpLength,
		windowType: windowType,
		rolloff:    config.Rolloff,
		adaptive:   config.Adaptive,
		sirHistory: make([]float64, 0, sirHistoryLen),
	}
	cpm.window = MakeWindow(windowType, cpm.fftSize+cpm.cpLength, cpm.rolloff)

	return cpm, nil
}

// CPLength returns the current cyclic prefix length in samples
func (cpm *CyclicPrefixManager) CPLength() int {
	cpm.mu.Lock()
	defer cpm.mu.Unlock()
	return cpm.cpLength
}

// FFTSize returns the symbol length in samples (excluding the prefix)
func (cpm *CyclicPrefixManager) FFTSize() int {
	return cpm.fftSize
}

// FrameSize returns the framed block length (symbol plus prefix)
func (cpm *CyclicPrefixManager) FrameSize() int {
	cpm.mu.Lock()
	defer cpm.mu.Unlock()
	return cpm.fftSize + cpm.cpLength
}

// AddCyclicPrefix frames a symbol by copying its last cpLength samples to the
// front, then applies the configured window across the full framed block.
func (cpm *CyclicPrefixManager) AddCyclicPrefix(symbol []float64) ([]float64, error) {
	cpm.mu.Lock()
	defer cpm.mu.Unlock()

	if len(symbol) != cpm.fftSize {
		return nil, fmt.Errorf("symbol length %d does not match fft size %d", len(symbol), cpm.fftSize)
	}

	framed := make([]float64, cpm.cpLength+cpm.fftSize)
	copy(framed[:cpm.cpLength], symbol[cpm.fftSize-cpm.cpLength:])
	copy(framed[cpm.cpLength:], symbol)

	for i := range framed {
		framed[i] *= cpm.window[i]
	}

	return framed, nil
}

// RemoveCyclicPrefix strips the prefix from a received framed block and
// measures inter-symbol interference by correlating the prefix against the
// symbol tail it duplicates. A SIR below 10 dB sets SoftFail but the symbol
// is still returned.
func (cpm *CyclicPrefixManager) RemoveCyclicPrefix(received []float64) ([]float64, ISIMetrics, error) {
	cpm.mu.Lock()
	defer cpm.mu.Unlock()

	if len(received) != cpm.cpLength+cpm.fftSize {
		return nil, ISIMetrics{}, fmt.Errorf("received block length %d does not match frame size %d",
			len(received), cpm.cpLength+cpm.fftSize)
	}

	symbol := make([]float64, cpm.fftSize)
	copy(symbol, received[cpm.cpLength:])

	metrics := cpm.measureISI(received, symbol)

	if cpm.adaptive {
		cpm.recordSIR(metrics.SIRRatio)
	}

	return symbol, metrics, nil
}

// measureISI compares the received prefix with the symbol tail. In a clean
// channel they are identical copies; any mismatch is interference energy
// leaked into the guard interval.
func (cpm *CyclicPrefixManager) measureISI(received, symbol []float64) ISIMetrics {
	prefix := received[:cpm.cpLength]
	tail := symbol[cpm.fftSize-cpm.cpLength:]

	var signalPower, errPower float64
	for i := 0; i < cpm.cpLength; i++ {
		signalPower += tail[i] * tail[i]
		d := prefix[i] - tail[i]
		errPower += d * d
	}
	signalPower /= float64(cpm.cpLength)
	errPower /= float64(cpm.cpLength)

	// The guard-interval mismatch cannot attribute leaked energy to a
	// specific boundary, so it is split evenly between the symbol (ISI)
	// and carrier (ICI) components.
	isiPower := errPower / 2.0
	iciPower := errPower / 2.0

	sir := math.Inf(1)
	if errPower > 0 {
		sir = 10.0 * math.Log10(signalPower/errPower)
	}

	return ISIMetrics{
		ISIPower:    isiPower,
		ICIPower:    iciPower,
		SignalPower: signalPower,
		SIRRatio:    sir,
		SoftFail:    sir < sirSoftFailDB,
	}
}

// recordSIR feeds the adaptive CP length controller. A rolling average SIR
// below 15 dB over the last 10 symbols grows the prefix (up to fftSize/4);
// above 25 dB shrinks it (down to fftSize/16). The window is regenerated on
// every change. Caller must hold cpm.mu.
func (cpm *CyclicPrefixManager) recordSIR(sirDB float64) {
	if math.IsInf(sirDB, 1) {
		sirDB = 100.0 // Clean channel, treat as very high SIR
	}

	cpm.sirHistory = append(cpm.sirHistory, sirDB)
	if len(cpm.sirHistory) < sirHistoryLen {
		return
	}

	var sum float64
	for _, s := range cpm.sirHistory {
		sum += s
	}
	avg := sum / float64(len(cpm.sirHistory))
	cpm.sirHistory = cpm.sirHistory[:0]

	step := cpm.fftSize / 32
	if step < 1 {
		step = 1
	}

	switch {
	case avg < sirGrowThresholdDB:
		cpm.setCPLength(cpm.cpLength + step)
	case avg > sirShrinkThresholdDB:
		cpm.setCPLength(cpm.cpLength - step)
	}
}

// setCPLength clamps and applies a new prefix length. Caller must hold cpm.mu.
func (cpm *CyclicPrefixManager) setCPLength(length int) {
	if length > cpm.fftSize/4 {
		length = cpm.fftSize / 4
	}
	if length < cpm.fftSize/16 {
		length = cpm.fftSize / 16
	}
	if length == cpm.cpLength {
		return
	}

	cpm.cpLength = length
	cpm.window = MakeWindow(cpm.windowType, cpm.fftSize+cpm.cpLength, cpm.rolloff)
}

// FindOptimalCPLength computes the prefix length needed to absorb the given
// channel delay spread (seconds) at the given sample rate, with 20% margin,
// rounded up to a power of two and capped at fftSize/4.
func (cpm *CyclicPrefixManager) FindOptimalCPLength(delaySpread, sampleRate float64) int {
	required := delaySpread * sampleRate * 1.2
	length := 1
	for float64(length) < required {
		length <<= 1
	}
	if length > cpm.fftSize/4 {
		length = cpm.fftSize / 4
	}
	if length < cpm.fftSize/16 {
		length = cpm.fftSize / 16
	}
	return length
}

// EstimateTimingOffset slides a candidate prefix window over the buffer and
// returns the offset whose prefix best correlates with the corresponding
// symbol tail, along with the normalized peak correlation.
func (cpm *CyclicPrefixManager) EstimateTimingOffset(buffer []float64) (int, float64) {
	cpm.mu.Lock()
	cpLength := cpm.cpLength
	fftSize := cpm.fftSize
	cpm.mu.Unlock()

	frameSize := cpLength + fftSize
	if len(buffer) < frameSize {
		return 0, 0
	}

	bestOffset := 0
	bestCorr := math.Inf(-1)

	for offset := 0; offset+frameSize <= len(buffer); offset++ {
		var corr, prefixPower, tailPower float64
		for i := 0; i < cpLength; i++ {
			p := buffer[offset+i]
			t := buffer[offset+fftSize+i]
			corr += p * t
			prefixPower += p * p
			tailPower += t * t
		}

		norm := math.Sqrt(prefixPower * tailPower)
		if norm == 0 {
			continue
		}
		if c := corr / norm; c > bestCorr {
			bestCorr = c
			bestOffset = offset
		}
	}

	if math.IsInf(bestCorr, -1) {
		return 0, 0
	}
	return bestOffset, bestCorr
}
