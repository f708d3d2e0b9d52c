package main

import (
	"sync"
	"time"
)

// Modulation is a per-carrier modulation order
type Modulation int

const (
	ModulationBPSK Modulation = iota
	ModulationQPSK
	Modulation8PSK
	Modulation16QAM
	Modulation32QAM
	Modulation64QAM
	Modulation128QAM
	Modulation256QAM
)

// modulationTable maps each order to its name, bits per symbol and the SNR
// (dB) required to run it. Ordered ascending; selection picks the highest
// entry whose required SNR (less the safety margin) is met.
var modulationTable = []struct {
	modulation  Modulation
	name        string
	bits        int
	requiredSNR float64
}{
	{ModulationBPSK, "BPSK", 1, 7},
	{ModulationQPSK, "QPSK", 2, 10},
	{Modulation8PSK, "8PSK", 3, 13},
	{Modulation16QAM, "16QAM", 4, 17},
	{Modulation32QAM, "32QAM", 5, 20},
	{Modulation64QAM, "64QAM", 6, 24},
	{Modulation128QAM, "128QAM", 7, 28},
	{Modulation256QAM, "256QAM", 8, 32},
}

func (m Modulation) String() string {
	if int(m) < 0 || int(m) >= len(modulationTable) {
		return "unknown"
	}
	return modulationTable[m].name
}

// BitsPerSymbol returns the bits carried per symbol at this order
func (m Modulation) BitsPerSymbol() int {
	if int(m) < 0 || int(m) >= len(modulationTable) {
		return 0
	}
	return modulationTable[m].bits
}

// RequiredSNR returns the table SNR (dB) needed to run this order
func (m Modulation) RequiredSNR() float64 {
	if int(m) < 0 || int(m) >= len(modulationTable) {
		return 0
	}
	return modulationTable[m].requiredSNR
}

// ModulationConfig configures the modulation controller
type ModulationConfig struct {
	SafetyMarginDB float64 `yaml:"safety_margin_db"` // Relaxes table thresholds (default 3)
	HoldTimeMs     int     `yaml:"hold_time_ms"`     // Minimum ms between changes per carrier (default 1000)
}

// ModulationController picks a modulation order per carrier from its SNR.
// Changes on a carrier are suppressed for a minimum hold time after the last
// change on that carrier, so SNR noise near a table boundary cannot make the
// modulation oscillate.
type ModulationController struct {
	monitor *CarrierHealthMonitor
	clock   Clock

	marginDB float64
	holdTime time.Duration

	lastChange map[int]time.Time
	mu         sync.Mutex
}

// NewModulationController creates a modulation controller. Pass nil for the
// real clock.
func NewModulationController(monitor *CarrierHealthMonitor, config ModulationConfig, clock Clock) *ModulationController {
	if clock == nil {
		clock = realClock{}
	}
	marginDB := config.SafetyMarginDB
	if marginDB == 0 {
		marginDB = 3
	}
	holdMs := config.HoldTimeMs
	if holdMs == 0 {
		holdMs = 1000
	}

	return &ModulationController{
		monitor:    monitor,
		clock:      clock,
		marginDB:   marginDB,
		holdTime:   time.Duration(holdMs) * time.Millisecond,
		lastChange: make(map[int]time.Time),
	}
}

// SelectModulation returns the highest order whose required SNR, relaxed by
// the safety margin, the given SNR meets
func (mc *ModulationController) SelectModulation(snr float64) Modulation {
	selected := ModulationBPSK
	for _, entry := range modulationTable {
		if snr >= entry.requiredSNR-mc.marginDB {
			selected = entry.modulation
		}
	}
	return selected
}

// Evaluate applies the selection to a carrier, honoring hysteresis. Returns
// the carrier's (possibly unchanged) modulation and whether it changed.
func (mc *ModulationController) Evaluate(id int, snr float64) (Modulation, bool) {
	target := mc.SelectModulation(snr)

	current, ok := mc.monitor.Get(id)
	if !ok {
		return target, false
	}
	if target == current.Modulation {
		return target, false
	}

	mc.mu.Lock()
	last, seen := mc.lastChange[id]
	now := mc.clock.Now()
	if seen && now.Sub(last) < mc.holdTime {
		mc.mu.Unlock()
		return current.Modulation, false
	}
	mc.lastChange[id] = now
	mc.mu.Unlock()

	mc.monitor.mutate(id, func(c *Carrier) {
		c.Modulation = target
	})

	return target, true
}
