package modem

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"
	"time"
)

// SyncStrategy selects the timing/frequency acquisition algorithm
type SyncStrategy string

const (
	SyncCPCorrelation SyncStrategy = "cp-correlation"
	SyncPilotAided    SyncStrategy = "pilot-aided"
	SyncMLEstimation  SyncStrategy = "ml-estimation"
	SyncHybrid        SyncStrategy = "hybrid"
)

const (
	// Exponential smoothing factor for timing and frequency estimates
	syncSmoothingAlpha = 0.1

	// Minimum peak-to-average correlation ratio for a cp-correlation lock
	syncPeakToAverageMin = 2.0

	// Hybrid refinement half-window in samples
	hybridRefineWindow = 10

	// Ring buffer bound, in symbol lengths
	syncBufferSymbols = 10
)

// SyncState is a point-in-time snapshot of the synchronizer
type SyncState struct {
	Synchronized    bool    `json:"synchronized"`
	TimingOffset    float64 `json:"timing_offset"`
	FrequencyOffset float64 `json:"frequency_offset"` // Hz
	Phase           float64 `json:"phase"`            // radians
	Confidence      float64 `json:"confidence"`
	SymbolCount     uint64  `json:"symbol_count"`
}

// SyncConfig configures a SymbolSynchronizer
type SyncConfig struct {
	FFTSize       int          `yaml:"fft_size"`
	CPLength      int          `yaml:"cp_length"`
	SampleRate    float64      `yaml:"sample_rate"`
	Strategy      SyncStrategy `yaml:"strategy"`
	SearchWindow  int          `yaml:"search_window"`  // Candidate offsets examined per buffer (0 = one symbol)
	PeakThreshold float64      `yaml:"peak_threshold"` // Minimum normalized correlation magnitude
	PilotMetric   float64      `yaml:"pilot_metric"`   // Minimum pilot energy ratio for pilot-aided lock
	PilotCarriers []int        `yaml:"pilot_carriers"` // Pilot subcarrier bin indices
	AveragingLen  int          `yaml:"averaging_len"`  // Offsets kept for timing-stability scoring
	PilotWeight   float64      `yaml:"pilot_weight"`   // Hybrid refinement: pilot metric weight
	MLWeight      float64      `yaml:"ml_weight"`      // Hybrid refinement: ML error weight
	MLBoundary    float64      `yaml:"ml_boundary"`    // ML boundary-discontinuity bonus weight
}

// SymbolSynchronizer locates OFDM symbol boundaries and carrier frequency
// offset in a raw sample stream. Incoming blocks are appended to an internal
// ring buffer bounded to ~10 symbol lengths; synchronized symbols are pulled
// out with ExtractSymbol.
type SymbolSynchronizer struct {
	config    SyncConfig
	frameSize int

	buffer []float64

	synchronized    bool
	timingOffset    float64
	frequencyOffset float64 // Hz
	phase           float64
	symbolCount     uint64
	lastSync        time.Time
	offsetHistory   []float64

	mu sync.Mutex
}

// NewSymbolSynchronizer creates a synchronizer with the given configuration
func NewSymbolSynchronizer(config SyncConfig) (*SymbolSynchronizer, error) {
	if config.FFTSize <= 0 || config.FFTSize&(config.FFTSize-1) != 0 {
		return nil, fmt.Errorf("fft size must be a positive power of 2, got %d", config.FFTSize)
	}
	if config.CPLength <= 0 {
		config.CPLength = config.FFTSize / 4
	}
	if config.Strategy == "" {
		config.Strategy = SyncCPCorrelation
	}
	if config.SearchWindow <= 0 {
		config.SearchWindow = config.FFTSize + config.CPLength
	}
	if config.PeakThreshold <= 0 {
		config.PeakThreshold = 0.5
	}
	if config.PilotMetric <= 0 {
		config.PilotMetric = 0.1
	}
	if config.AveragingLen <= 0 {
		config.AveragingLen = 16
	}
	if config.PilotWeight <= 0 {
		config.PilotWeight = 0.5
	}
	if config.MLWeight <= 0 {
		config.MLWeight = 0.5
	}
	if config.MLBoundary <= 0 {
		config.MLBoundary = 0.1
	}

	return &SymbolSynchronizer{
		config:        config,
		frameSize:     config.FFTSize + config.CPLength,
		buffer:        make([]float64, 0, syncBufferSymbols*(config.FFTSize+config.CPLength)),
		offsetHistory: make([]float64, 0, config.AveragingLen),
	}, nil
}

// ProcessSamples appends a received sample block to the internal buffer and
// runs the configured acquisition strategy. Returns true if the synchronizer
// holds a valid lock after processing.
func (ss *SymbolSynchronizer) ProcessSamples(samples []float64) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.buffer = append(ss.buffer, samples...)

	// Bound the ring buffer; drop the oldest samples and shift the timing
	// estimate accordingly so it still points at the same boundary.
	maxLen := syncBufferSymbols * ss.frameSize
	if len(ss.buffer) > maxLen {
		drop := len(ss.buffer) - maxLen
		ss.buffer = ss.buffer[drop:]
		if ss.synchronized {
			ss.timingOffset -= float64(drop)
			if ss.timingOffset < 0 {
				ss.timingOffset = 0
			}
		}
	}

	if len(ss.buffer) < ss.frameSize+ss.config.SearchWindow {
		return ss.synchronized
	}

	switch ss.config.Strategy {
	case SyncPilotAided:
		ss.pilotAidedSync()
	case SyncMLEstimation:
		ss.mlEstimationSync()
	case SyncHybrid:
		ss.hybridSync()
	default:
		ss.cpCorrelationSync()
	}

	return ss.synchronized
}

// cpCorrelation computes the complex guard-interval correlation at a single
// candidate offset over the analytic signal. The magnitude peaks at the true
// symbol boundary; the phase carries the carrier frequency offset.
func (ss *SymbolSynchronizer) cpCorrelation(a []complex128, offset int) (float64, float64) {
	var corr complex128
	var power float64
	for i := 0; i < ss.config.CPLength; i++ {
		p := a[offset+i]
		t := a[offset+ss.config.FFTSize+i]
		corr += p * cmplx.Conj(t)
		power += cmplx.Abs(p)*cmplx.Abs(p) + cmplx.Abs(t)*cmplx.Abs(t)
	}
	if power == 0 {
		return 0, 0
	}
	// van de Beek normalized metric
	magnitude := 2.0 * cmplx.Abs(corr) / power
	return magnitude, cmplx.Phase(corr)
}

// cpCorrelationSync searches the configured window for the offset maximizing
// guard-interval correlation. A candidate is accepted only when the peak
// magnitude exceeds the configured threshold and stands out from the
// background by a peak-to-average ratio above 2.0. The correlation falls off
// linearly within one prefix length of the true boundary, so that
// neighborhood is excluded from the background average.
func (ss *SymbolSynchronizer) cpCorrelationSync() {
	region := ss.buffer[:ss.frameSize+ss.config.SearchWindow]
	a := analytic(region)

	candidates := len(a) - ss.frameSize + 1
	if candidates <= 0 {
		return
	}

	mags := make([]float64, candidates)
	phases := make([]float64, candidates)
	bestOffset := -1
	bestMag := 0.0

	for offset := 0; offset < candidates; offset++ {
		mags[offset], phases[offset] = ss.cpCorrelation(a, offset)
		if mags[offset] > bestMag {
			bestMag = mags[offset]
			bestOffset = offset
		}
	}

	if bestOffset < 0 {
		return
	}

	var magSum float64
	count := 0
	for offset := 0; offset < candidates; offset++ {
		if offset >= bestOffset-ss.config.CPLength && offset <= bestOffset+ss.config.CPLength {
			continue
		}
		magSum += mags[offset]
		count++
	}

	// With no background samples outside the peak neighborhood the ratio
	// is undefined; the magnitude threshold alone decides
	if count > 0 {
		avg := magSum / float64(count)
		if avg > 0 && bestMag/avg <= syncPeakToAverageMin {
			return
		}
	}
	if bestMag < ss.config.PeakThreshold {
		return
	}

	ss.acceptCandidate(float64(bestOffset), phases[bestOffset])
}

// pilotAidedSync scores each candidate offset by the fraction of symbol
// energy landing on the known pilot subcarrier bins, accepting the best
// offset above the configured metric threshold.
func (ss *SymbolSynchronizer) pilotAidedSync() {
	if len(ss.config.PilotCarriers) == 0 {
		// No pilot plan configured; fall back to guard-interval search
		ss.cpCorrelationSync()
		return
	}

	bestOffset := -1
	bestMetric := 0.0

	for offset := 0; offset+ss.frameSize <= ss.frameSize+ss.config.SearchWindow && offset+ss.frameSize <= len(ss.buffer); offset++ {
		metric := ss.pilotMetric(offset)
		if metric > bestMetric {
			bestMetric = metric
			bestOffset = offset
		}
	}

	if bestOffset < 0 || bestMetric < ss.config.PilotMetric {
		return
	}

	ss.acceptCandidate(float64(bestOffset), 0)
}

// pilotMetric computes pilot-bin energy over total energy for the symbol
// starting at the given buffer offset (after the cyclic prefix).
func (ss *SymbolSynchronizer) pilotMetric(offset int) float64 {
	start := offset + ss.config.CPLength
	if start+ss.config.FFTSize > len(ss.buffer) {
		return 0
	}

	power := PowerSpectrum(ss.buffer[start : start+ss.config.FFTSize])

	var total, pilot float64
	for _, p := range power {
		total += p
	}
	for _, bin := range ss.config.PilotCarriers {
		if bin >= 0 && bin < len(power) {
			pilot += power[bin]
		}
	}

	if total == 0 {
		return 0
	}
	return pilot / total
}

// mlError measures cyclic-prefix self-similarity error at an offset: the
// mean squared difference between the candidate prefix and the symbol tail
// it should duplicate, normalized by signal power.
func (ss *SymbolSynchronizer) mlError(offset int) float64 {
	var errPower, sigPower float64
	for i := 0; i < ss.config.CPLength; i++ {
		p := ss.buffer[offset+i]
		t := ss.buffer[offset+ss.config.FFTSize+i]
		d := p - t
		errPower += d * d
		sigPower += t * t
	}
	if sigPower == 0 {
		return math.Inf(1)
	}
	return errPower / sigPower
}

// boundaryDiscontinuity measures the sample jump at a candidate boundary.
// A true symbol boundary shows a larger discontinuity than mid-symbol
// positions, so it acts as a bonus in the combined ML metric.
func (ss *SymbolSynchronizer) boundaryDiscontinuity(offset int) float64 {
	if offset == 0 {
		return 0
	}
	return math.Abs(ss.buffer[offset] - ss.buffer[offset-1])
}

// mlEstimationSync minimizes the combined metric (CP self-similarity error
// minus a boundary-discontinuity bonus) across the search window.
func (ss *SymbolSynchronizer) mlEstimationSync() {
	bestOffset := -1
	bestMetric := math.Inf(1)

	for offset := 0; offset+ss.frameSize <= ss.frameSize+ss.config.SearchWindow && offset+ss.frameSize <= len(ss.buffer); offset++ {
		metric := ss.mlError(offset) - ss.config.MLBoundary*ss.boundaryDiscontinuity(offset)
		if metric < bestMetric {
			bestMetric = metric
			bestOffset = offset
		}
	}

	if bestOffset < 0 || math.IsInf(bestMetric, 1) {
		return
	}

	ss.acceptCandidate(float64(bestOffset), 0)
}

// hybridSync runs cp-correlation for coarse acquisition, then refines the
// estimate within a small window using a weighted combination of the pilot
// metric and the ML error. The relative weighting is a tunable parameter
// (PilotWeight / MLWeight).
func (ss *SymbolSynchronizer) hybridSync() {
	ss.cpCorrelationSync()
	if !ss.synchronized {
		return
	}

	coarse := int(math.Round(ss.timingOffset))
	bestOffset := coarse
	bestScore := math.Inf(-1)

	for offset := coarse - hybridRefineWindow; offset <= coarse+hybridRefineWindow; offset++ {
		if offset < 0 || offset+ss.frameSize > len(ss.buffer) {
			continue
		}
		mlErr := ss.mlError(offset)
		if math.IsInf(mlErr, 1) {
			continue
		}
		score := ss.config.PilotWeight*ss.pilotMetric(offset) - ss.config.MLWeight*mlErr
		if score > bestScore {
			bestScore = score
			bestOffset = offset
		}
	}

	if bestOffset != coarse && !math.IsInf(bestScore, -1) {
		ss.timingOffset = (1.0-syncSmoothingAlpha)*ss.timingOffset + syncSmoothingAlpha*float64(bestOffset)
	}
}

// acceptCandidate folds a validated timing candidate (and optional
// correlation phase) into the smoothed estimates. Caller must hold ss.mu.
func (ss *SymbolSynchronizer) acceptCandidate(offset, corrPhase float64) {
	if ss.synchronized {
		ss.timingOffset = (1.0-syncSmoothingAlpha)*ss.timingOffset + syncSmoothingAlpha*offset
	} else {
		ss.timingOffset = offset
	}

	if corrPhase != 0 && ss.config.SampleRate > 0 {
		// Guard-interval correlation phase maps to carrier offset:
		// one full rotation across fftSize samples equals one subcarrier
		// spacing of offset.
		freqOffset := corrPhase / (2.0 * math.Pi) * (ss.config.SampleRate / float64(ss.config.FFTSize))
		if ss.synchronized {
			ss.frequencyOffset = (1.0-syncSmoothingAlpha)*ss.frequencyOffset + syncSmoothingAlpha*freqOffset
		} else {
			ss.frequencyOffset = freqOffset
		}
		ss.phase = corrPhase
	}

	ss.synchronized = true
	ss.lastSync = time.Now()

	ss.offsetHistory = append(ss.offsetHistory, offset)
	if len(ss.offsetHistory) > ss.config.AveragingLen {
		ss.offsetHistory = ss.offsetHistory[1:]
	}
}

// ExtractSymbol pulls one framed symbol at the current timing offset,
// removes it from the buffer, and returns the payload with the cyclic prefix
// stripped and frequency correction applied. Returns false when the buffer
// does not yet hold a full frame or no lock is held.
func (ss *SymbolSynchronizer) ExtractSymbol() ([]float64, bool) {
	frame, ok := ss.ExtractFrame()
	if !ok {
		return nil, false
	}
	return frame[ss.config.CPLength:], true
}

// ExtractFrame pulls one full frame (cyclic prefix included) at the current
// timing offset, removes it from the buffer, and returns it with frequency
// correction applied. Callers that need guard-interval interference metrics
// feed the frame to the cyclic prefix manager themselves.
func (ss *SymbolSynchronizer) ExtractFrame() ([]float64, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.synchronized {
		return nil, false
	}

	start := int(math.Round(ss.timingOffset))
	if start < 0 {
		start = 0
	}
	if start+ss.frameSize > len(ss.buffer) {
		return nil, false
	}

	frame := make([]float64, ss.frameSize)
	copy(frame, ss.buffer[start:start+ss.frameSize])

	if ss.frequencyOffset != 0 && ss.config.SampleRate > 0 {
		frame = ss.correctFrequency(frame)
	}

	// Consume the frame and keep only the fractional timing residue
	consumed := start + ss.frameSize
	ss.buffer = ss.buffer[consumed:]
	ss.timingOffset -= float64(start)
	ss.symbolCount++

	return frame, true
}

// correctFrequency rotates the frame by the negated smoothed frequency
// offset. The rotation is applied on the analytic signal so real-valued
// sample streams keep their amplitude. Caller must hold ss.mu.
func (ss *SymbolSynchronizer) correctFrequency(frame []float64) []float64 {
	a := analytic(frame)
	step := -2.0 * math.Pi * ss.frequencyOffset / ss.config.SampleRate

	corrected := make([]float64, len(frame))
	for i := range a {
		rot := cmplx.Rect(1, step*float64(i)+ss.phase)
		corrected[i] = real(a[i] * rot)
	}
	return corrected
}

// State returns a snapshot of the synchronizer state. Confidence is the
// product of a timing-stability term and a recency term, and is 0 while
// unsynchronized.
func (ss *SymbolSynchronizer) State() SyncState {
	return ss.StateAt(time.Now())
}

// StateAt is State evaluated at an explicit time, used by tests to verify
// confidence decay without wall-clock waits.
func (ss *SymbolSynchronizer) StateAt(now time.Time) SyncState {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return SyncState{
		Synchronized:    ss.synchronized,
		TimingOffset:    ss.timingOffset,
		FrequencyOffset: ss.frequencyOffset,
		Phase:           ss.phase,
		Confidence:      ss.confidenceAt(now),
		SymbolCount:     ss.symbolCount,
	}
}

// confidenceAt computes sync confidence at the given time. Caller must hold
// ss.mu.
func (ss *SymbolSynchronizer) confidenceAt(now time.Time) float64 {
	if !ss.synchronized {
		return 0
	}

	stability := 1.0
	if len(ss.offsetHistory) > 1 {
		var sum float64
		for _, o := range ss.offsetHistory {
			sum += o
		}
		mean := sum / float64(len(ss.offsetHistory))

		var variance float64
		for _, o := range ss.offsetHistory {
			variance += (o - mean) * (o - mean)
		}
		variance /= float64(len(ss.offsetHistory))
		stability = math.Exp(-math.Sqrt(variance) / 10.0)
	}

	recency := math.Exp(-now.Sub(ss.lastSync).Seconds() / 10.0)

	return stability * recency
}

// Resync clears timing, frequency and confidence state so acquisition
// starts over. The lifetime symbol count is preserved.
func (ss *SymbolSynchronizer) Resync() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.synchronized = false
	ss.timingOffset = 0
	ss.frequencyOffset = 0
	ss.phase = 0
	ss.lastSync = time.Time{}
	ss.offsetHistory = ss.offsetHistory[:0]
	ss.buffer = ss.buffer[:0]
}

// BufferedSamples returns the number of samples currently buffered
func (ss *SymbolSynchronizer) BufferedSamples() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.buffer)
}
