package main

import (
	"testing"
	"time"
)

func TestSelectModulationTable(t *testing.T) {
	monitor := NewCarrierHealthMonitor(1, nil)
	mc := NewModulationController(monitor, ModulationConfig{SafetyMarginDB: 3}, newFakeClock())

	cases := []struct {
		snr  float64
		want Modulation
	}{
		{2, ModulationBPSK},   // Below every threshold still yields the floor
		{7, ModulationQPSK},   // 10 - 3 margin
		{12, Modulation8PSK},  // 13 - 3 = 10 met, 17 - 3 = 14 not
		{22, Modulation64QAM}, // 24 - 3 = 21 met, 28 - 3 = 25 not
		{29, Modulation256QAM},
		{50, Modulation256QAM},
	}
	for _, tc := range cases {
		if got := mc.SelectModulation(tc.snr); got != tc.want {
			t.Errorf("SelectModulation(%.0f) = %s, want %s", tc.snr, got, tc.want)
		}
	}
}

func TestSelectModulationMarginBoundary(t *testing.T) {
	monitor := NewCarrierHealthMonitor(1, nil)
	mc := NewModulationController(monitor, ModulationConfig{SafetyMarginDB: 3}, newFakeClock())

	// Exactly at the relaxed threshold qualifies
	if got := mc.SelectModulation(21); got != Modulation64QAM {
		t.Fatalf("SelectModulation(21) = %s, want 64QAM", got)
	}
	// A hair below does not
	if got := mc.SelectModulation(20.9); got != Modulation32QAM {
		t.Fatalf("SelectModulation(20.9) = %s, want 32QAM", got)
	}
}

func TestEvaluateAppliesModulationToCarrier(t *testing.T) {
	monitor := NewCarrierHealthMonitor(2, nil)
	clock := newFakeClock()
	mc := NewModulationController(monitor, ModulationConfig{}, clock)

	mod, changed := mc.Evaluate(0, 22)
	if !changed || mod != Modulation64QAM {
		t.Fatalf("Evaluate(0, 22) = (%s, %v), want (64QAM, true)", mod, changed)
	}

	c, _ := monitor.Get(0)
	if c.Modulation != Modulation64QAM || c.Capacity != 6 {
		t.Fatalf("carrier state (%s, capacity %d), want (64QAM, 6)", c.Modulation, c.Capacity)
	}
}

func TestEvaluateHysteresisSuppressesFlapping(t *testing.T) {
	monitor := NewCarrierHealthMonitor(2, nil)
	clock := newFakeClock()
	mc := NewModulationController(monitor, ModulationConfig{HoldTimeMs: 1000}, clock)

	mc.Evaluate(0, 22) // 64QAM

	// SNR dips below the 64QAM threshold immediately after: held
	mod, changed := mc.Evaluate(0, 18)
	if changed {
		t.Fatal("modulation changed inside the hold window")
	}
	if mod != Modulation64QAM {
		t.Fatalf("held modulation %s, want 64QAM", mod)
	}

	// After the hold time the downgrade goes through (18 dB clears the
	// relaxed 32QAM threshold of 17)
	clock.Advance(1100 * time.Millisecond)
	mod, changed = mc.Evaluate(0, 18)
	if !changed || mod != Modulation32QAM {
		t.Fatalf("post-hold Evaluate = (%s, %v), want (32QAM, true)", mod, changed)
	}
}

func TestEvaluateNoChangeWhenTargetMatches(t *testing.T) {
	monitor := NewCarrierHealthMonitor(1, nil)
	clock := newFakeClock()
	mc := NewModulationController(monitor, ModulationConfig{}, clock)

	mc.Evaluate(0, 22)
	clock.Advance(2 * time.Second)

	// Same target: no change reported, hold timer untouched
	if _, changed := mc.Evaluate(0, 22.5); changed {
		t.Fatal("change reported for an identical target")
	}
}

func TestModulationStringAndBits(t *testing.T) {
	if ModulationBPSK.String() != "BPSK" || ModulationBPSK.BitsPerSymbol() != 1 {
		t.Fatal("BPSK table entry wrong")
	}
	if Modulation256QAM.String() != "256QAM" || Modulation256QAM.BitsPerSymbol() != 8 {
		t.Fatal("256QAM table entry wrong")
	}
	if Modulation256QAM.RequiredSNR() != 32 {
		t.Fatalf("256QAM required SNR %.0f, want 32", Modulation256QAM.RequiredSNR())
	}
}
