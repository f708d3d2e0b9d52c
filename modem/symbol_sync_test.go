package modem

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

// makeSymbolStream builds a stream of repeated framed symbols (prefix equals
// the symbol tail) preceded by a fixed amount of low-level noise.
func makeSymbolStream(rng *rand.Rand, fftSize, cpLength, leadIn, frames int) ([]float64, []float64) {
	symbol := make([]float64, fftSize)
	for i := range symbol {
		symbol[i] = rng.Float64()*2 - 1
	}

	stream := make([]float64, 0, leadIn+frames*(fftSize+cpLength))
	for i := 0; i < leadIn; i++ {
		stream = append(stream, rng.Float64()*0.05-0.025)
	}
	for f := 0; f < frames; f++ {
		stream = append(stream, symbol[fftSize-cpLength:]...)
		stream = append(stream, symbol...)
	}
	return stream, symbol
}

func newTestSync(t *testing.T, strategy SyncStrategy) *SymbolSynchronizer {
	t.Helper()
	ss, err := NewSymbolSynchronizer(SyncConfig{
		FFTSize:       64,
		CPLength:      16,
		SampleRate:    8000,
		Strategy:      strategy,
		SearchWindow:  64,
		PeakThreshold: 0.3,
		PilotCarriers: []int{4, 12, 20, 28},
	})
	if err != nil {
		t.Fatalf("NewSymbolSynchronizer: %v", err)
	}
	return ss
}

func TestConfidenceZeroWhileUnsynchronized(t *testing.T) {
	ss := newTestSync(t, SyncCPCorrelation)

	state := ss.State()
	if state.Synchronized {
		t.Fatal("fresh synchronizer reports synchronized")
	}
	if state.Confidence != 0 {
		t.Errorf("confidence = %v while unsynchronized, want 0", state.Confidence)
	}
}

func TestCPCorrelationAcquiresTiming(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const leadIn = 13
	stream, _ := makeSymbolStream(rng, 64, 16, leadIn, 4)

	ss := newTestSync(t, SyncCPCorrelation)
	if !ss.ProcessSamples(stream) {
		t.Fatal("synchronizer did not lock on clean repeated symbols")
	}

	state := ss.State()
	if math.Abs(state.TimingOffset-leadIn) > 1.0 {
		t.Errorf("timing offset = %v, want ~%d", state.TimingOffset, leadIn)
	}
	if state.Confidence <= 0 {
		t.Errorf("confidence = %v after lock, want > 0", state.Confidence)
	}
}

func TestNoLockOnNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	noise := make([]float64, 800)
	for i := range noise {
		noise[i] = rng.Float64()*2 - 1
	}

	ss, err := NewSymbolSynchronizer(SyncConfig{
		FFTSize:       64,
		CPLength:      16,
		SampleRate:    8000,
		Strategy:      SyncCPCorrelation,
		SearchWindow:  64,
		PeakThreshold: 0.85,
	})
	if err != nil {
		t.Fatalf("NewSymbolSynchronizer: %v", err)
	}
	if ss.ProcessSamples(noise) {
		t.Error("synchronizer locked on uncorrelated noise")
	}
}

func TestConfidenceDecaysWithoutResync(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	stream, _ := makeSymbolStream(rng, 64, 16, 5, 4)

	ss := newTestSync(t, SyncCPCorrelation)
	if !ss.ProcessSamples(stream) {
		t.Fatal("synchronizer did not lock")
	}

	now := time.Now()
	prev := ss.StateAt(now).Confidence
	for _, dt := range []time.Duration{5 * time.Second, 20 * time.Second, time.Minute} {
		c := ss.StateAt(now.Add(dt)).Confidence
		if c >= prev {
			t.Errorf("confidence at +%v = %v, want < %v", dt, c, prev)
		}
		prev = c
	}
}

func TestExtractSymbol(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	stream, symbol := makeSymbolStream(rng, 64, 16, 5, 6)

	ss := newTestSync(t, SyncCPCorrelation)
	if !ss.ProcessSamples(stream) {
		t.Fatal("synchronizer did not lock")
	}

	payload, ok := ss.ExtractSymbol()
	if !ok {
		t.Fatal("ExtractSymbol returned no symbol with a full buffer")
	}
	if len(payload) != 64 {
		t.Fatalf("payload length = %d, want 64", len(payload))
	}

	// Frequency correction on a clean stream is near-identity; the payload
	// should closely match the transmitted symbol.
	for i := range payload {
		if math.Abs(payload[i]-symbol[i]) > 0.15 {
			t.Fatalf("payload[%d] = %v, want ~%v", i, payload[i], symbol[i])
		}
	}

	if got := ss.State().SymbolCount; got != 1 {
		t.Errorf("symbol count = %d after one extraction, want 1", got)
	}

	// Second extraction continues at the following frame boundary
	if _, ok := ss.ExtractSymbol(); !ok {
		t.Error("second ExtractSymbol failed with buffered frames remaining")
	}
}

func TestResyncPreservesSymbolCount(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	stream, _ := makeSymbolStream(rng, 64, 16, 5, 6)

	ss := newTestSync(t, SyncCPCorrelation)
	ss.ProcessSamples(stream)
	if _, ok := ss.ExtractSymbol(); !ok {
		t.Fatal("ExtractSymbol failed")
	}

	ss.Resync()

	state := ss.State()
	if state.Synchronized {
		t.Error("synchronized still true after Resync")
	}
	if state.Confidence != 0 {
		t.Errorf("confidence = %v after Resync, want 0", state.Confidence)
	}
	if state.TimingOffset != 0 || state.FrequencyOffset != 0 {
		t.Errorf("offsets not cleared after Resync: timing=%v freq=%v", state.TimingOffset, state.FrequencyOffset)
	}
	if state.SymbolCount != 1 {
		t.Errorf("symbol count = %d after Resync, want 1 (lifetime counter)", state.SymbolCount)
	}
}

func TestMLEstimationAcquiresTiming(t *testing.T) {
	rng := rand.New(rand.NewSource(16))
	const leadIn = 9
	stream, _ := makeSymbolStream(rng, 64, 16, leadIn, 4)

	ss := newTestSync(t, SyncMLEstimation)
	if !ss.ProcessSamples(stream) {
		t.Fatal("ml-estimation did not lock on clean repeated symbols")
	}

	state := ss.State()
	if math.Abs(state.TimingOffset-leadIn) > 2.0 {
		t.Errorf("timing offset = %v, want ~%d", state.TimingOffset, leadIn)
	}
}

func TestHybridRefinementStaysNearCoarseLock(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	const leadIn = 21
	stream, _ := makeSymbolStream(rng, 64, 16, leadIn, 4)

	ss := newTestSync(t, SyncHybrid)
	if !ss.ProcessSamples(stream) {
		t.Fatal("hybrid sync did not lock")
	}

	state := ss.State()
	if math.Abs(state.TimingOffset-leadIn) > float64(hybridRefineWindow)+1 {
		t.Errorf("hybrid timing offset = %v, want within refinement window of %d", state.TimingOffset, leadIn)
	}
}

func TestBufferBounded(t *testing.T) {
	ss := newTestSync(t, SyncCPCorrelation)

	rng := rand.New(rand.NewSource(18))
	block := make([]float64, 1000)
	for iter := 0; iter < 20; iter++ {
		for i := range block {
			block[i] = rng.Float64()*2 - 1
		}
		ss.ProcessSamples(block)
	}

	max := syncBufferSymbols * (64 + 16)
	if got := ss.BufferedSamples(); got > max {
		t.Errorf("buffer holds %d samples, bound is %d", got, max)
	}
}
