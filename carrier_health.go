package main

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DisableReason records why a carrier was removed from the allocation pool
type DisableReason string

const (
	DisableNone             DisableReason = "none"
	DisableLowSNR           DisableReason = "low-snr"
	DisableHighInterference DisableReason = "high-interference"
)

// snrHistoryLen bounds the per-carrier rolling sample window used for
// variance-based reliability scoring
const snrHistoryLen = 100

// HealthSample is a point-in-time carrier quality measurement
type HealthSample struct {
	SNR       float64   `json:"snr"`
	BER       float64   `json:"ber"`
	Timestamp time.Time `json:"timestamp"`
}

// Carrier holds the live state of one data subcarrier. Carriers are
// long-lived: one per subcarrier for the modem's lifetime. Health fields are
// written only by the health evaluator; everyone else reads snapshots.
type Carrier struct {
	ID            int           `json:"id"`
	SNR           float64       `json:"snr"` // dB, smoothed
	BER           float64       `json:"ber"`
	Capacity      int           `json:"capacity"` // bits per symbol at current modulation
	Utilization   float64       `json:"utilization"`
	Modulation    Modulation    `json:"modulation"`
	Enabled       bool          `json:"enabled"`
	DisableReason DisableReason `json:"disable_reason"`
	AutoRecoverAt *time.Time    `json:"auto_recover_at,omitempty"`

	snrHistory    []float64 // Ring buffer of recent SNR samples
	snrHistoryPos int
	snrHistoryLen int

	lastModChange time.Time
	lastUpdate    time.Time
}

// CarrierSnapshot is an immutable copy of carrier state taken at the start
// of an allocation or redistribution pass, so those passes never observe a
// carrier mid-update.
type CarrierSnapshot struct {
	ID            int           `json:"id"`
	SNR           float64       `json:"snr"`
	BER           float64       `json:"ber"`
	Capacity      int           `json:"capacity"`
	Utilization   float64       `json:"utilization"`
	Modulation    Modulation    `json:"modulation"`
	Enabled       bool          `json:"enabled"`
	DisableReason DisableReason `json:"disable_reason"`
	AutoRecoverAt *time.Time    `json:"auto_recover_at,omitempty"`
	Reliability   float64       `json:"reliability"`
}

// copyRecoverTime copies the recovery deadline so snapshot holders never
// alias the live carrier's pointer
func copyRecoverTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// CarrierHealthMonitor maintains live SNR/BER/utilization for every data
// subcarrier. Pilot carriers are excluded from data use and never appear in
// the carrier table.
type CarrierHealthMonitor struct {
	carriers map[int]*Carrier
	order    []int // Stable iteration order (ascending carrier id)

	smoothingAlpha float64

	mu sync.RWMutex
}

// NewCarrierHealthMonitor creates a monitor for the given number of
// subcarriers, excluding the listed pilot indices from data use.
func NewCarrierHealthMonitor(carrierCount int, pilotCarriers []int) *CarrierHealthMonitor {
	pilots := make(map[int]bool, len(pilotCarriers))
	for _, p := range pilotCarriers {
		pilots[p] = true
	}

	chm := &CarrierHealthMonitor{
		carriers:       make(map[int]*Carrier),
		smoothingAlpha: 0.2,
	}

	for id := 0; id < carrierCount; id++ {
		if pilots[id] {
			continue
		}
		chm.carriers[id] = &Carrier{
			ID:            id,
			Modulation:    ModulationBPSK,
			Capacity:      ModulationBPSK.BitsPerSymbol(),
			Enabled:       true,
			DisableReason: DisableNone,
			snrHistory:    make([]float64, snrHistoryLen),
		}
		chm.order = append(chm.order, id)
	}

	return chm
}

// UpdateHealth records a new quality sample for a carrier. SNR and BER are
// smoothed exponentially; the raw SNR also enters the rolling history used
// for reliability scoring. Utilization is clamped to [0,1].
func (chm *CarrierHealthMonitor) UpdateHealth(id int, snr, ber, utilization float64) error {
	chm.mu.Lock()
	defer chm.mu.Unlock()

	c, ok := chm.carriers[id]
	if !ok {
		return fmt.Errorf("unknown carrier %d", id)
	}

	if utilization < 0 {
		utilization = 0
	}
	if utilization > 1 {
		utilization = 1
	}

	if c.lastUpdate.IsZero() {
		c.SNR = snr
		c.BER = ber
	} else {
		c.SNR = (1-chm.smoothingAlpha)*c.SNR + chm.smoothingAlpha*snr
		c.BER = (1-chm.smoothingAlpha)*c.BER + chm.smoothingAlpha*ber
	}
	c.Utilization = utilization
	c.lastUpdate = time.Now()

	c.snrHistory[c.snrHistoryPos] = snr
	c.snrHistoryPos = (c.snrHistoryPos + 1) % snrHistoryLen
	if c.snrHistoryLen < snrHistoryLen {
		c.snrHistoryLen++
	}

	return nil
}

// reliability derives a [0,1] score from the variance of the carrier's
// recent SNR history: a stable carrier is more trustworthy for
// high-priority work than one with the same mean SNR but wild swings.
// Caller must hold chm.mu.
func (chm *CarrierHealthMonitor) reliability(c *Carrier) float64 {
	if c.snrHistoryLen < 2 {
		return 0.5 // Not enough data to judge either way
	}

	var sum float64
	for i := 0; i < c.snrHistoryLen; i++ {
		sum += c.snrHistory[i]
	}
	mean := sum / float64(c.snrHistoryLen)

	var variance float64
	for i := 0; i < c.snrHistoryLen; i++ {
		d := c.snrHistory[i] - mean
		variance += d * d
	}
	variance /= float64(c.snrHistoryLen)

	return math.Exp(-variance / 25.0)
}

// Reliability returns the variance-based reliability score for a carrier
func (chm *CarrierHealthMonitor) Reliability(id int) float64 {
	chm.mu.RLock()
	defer chm.mu.RUnlock()

	c, ok := chm.carriers[id]
	if !ok {
		return 0
	}
	return chm.reliability(c)
}

// Snapshot returns an immutable copy of every carrier's state, in ascending
// carrier id order. Allocation and redistribution passes work exclusively
// from these copies.
func (chm *CarrierHealthMonitor) Snapshot() []CarrierSnapshot {
	chm.mu.RLock()
	defer chm.mu.RUnlock()

	snapshot := make([]CarrierSnapshot, 0, len(chm.order))
	for _, id := range chm.order {
		c := chm.carriers[id]
		snapshot = append(snapshot, CarrierSnapshot{
			ID:            c.ID,
			SNR:           c.SNR,
			BER:           c.BER,
			Capacity:      c.Capacity,
			Utilization:   c.Utilization,
			Modulation:    c.Modulation,
			Enabled:       c.Enabled,
			DisableReason: c.DisableReason,
			AutoRecoverAt: copyRecoverTime(c.AutoRecoverAt),
			Reliability:   chm.reliability(c),
		})
	}
	return snapshot
}

// Get returns a snapshot of a single carrier
func (chm *CarrierHealthMonitor) Get(id int) (CarrierSnapshot, bool) {
	chm.mu.RLock()
	defer chm.mu.RUnlock()

	c, ok := chm.carriers[id]
	if !ok {
		return CarrierSnapshot{}, false
	}
	return CarrierSnapshot{
		ID:            c.ID,
		SNR:           c.SNR,
		BER:           c.BER,
		Capacity:      c.Capacity,
		Utilization:   c.Utilization,
		Modulation:    c.Modulation,
		Enabled:       c.Enabled,
		DisableReason: c.DisableReason,
		AutoRecoverAt: copyRecoverTime(c.AutoRecoverAt),
		Reliability:   chm.reliability(c),
	}, true
}

// CarrierIDs returns the data carrier ids in ascending order
func (chm *CarrierHealthMonitor) CarrierIDs() []int {
	chm.mu.RLock()
	defer chm.mu.RUnlock()

	ids := make([]int, len(chm.order))
	copy(ids, chm.order)
	return ids
}

// mutate runs fn against the live carrier under the write lock. Used by
// CarrierControl and ModulationController, the only writers of
// enabled/modulation state.
func (chm *CarrierHealthMonitor) mutate(id int, fn func(*Carrier)) error {
	chm.mu.Lock()
	defer chm.mu.Unlock()

	c, ok := chm.carriers[id]
	if !ok {
		return fmt.Errorf("unknown carrier %d", id)
	}
	fn(c)

	// Capacity tracks modulation order: monotonically non-decreasing in
	// modulation order by construction of BitsPerSymbol.
	c.Capacity = c.Modulation.BitsPerSymbol()
	return nil
}
