package main

import (
	"testing"
)

func TestMonitorExcludesPilotCarriers(t *testing.T) {
	monitor := NewCarrierHealthMonitor(8, []int{0, 4})

	ids := monitor.CarrierIDs()
	if len(ids) != 6 {
		t.Fatalf("got %d data carriers, want 6", len(ids))
	}
	for _, id := range ids {
		if id == 0 || id == 4 {
			t.Fatalf("pilot carrier %d present in data carrier table", id)
		}
	}

	if err := monitor.UpdateHealth(4, 20, 0, 0); err == nil {
		t.Fatal("health update on a pilot carrier succeeded")
	}
}

func TestNewCarriersStartEnabledWithNoDisableReason(t *testing.T) {
	monitor := NewCarrierHealthMonitor(4, nil)

	for _, c := range monitor.Snapshot() {
		if !c.Enabled {
			t.Fatalf("carrier %d starts disabled", c.ID)
		}
		if c.DisableReason != DisableNone {
			t.Fatalf("carrier %d disable reason %q, want %q", c.ID, c.DisableReason, DisableNone)
		}
		if c.AutoRecoverAt != nil {
			t.Fatalf("carrier %d has a recovery deadline before ever being disabled", c.ID)
		}
	}
}

func TestMonitorSmoothsMeasurements(t *testing.T) {
	monitor := NewCarrierHealthMonitor(4, nil)

	// First sample is taken directly
	monitor.UpdateHealth(0, 20, 0.001, 0.5)
	c, _ := monitor.Get(0)
	if c.SNR != 20 {
		t.Fatalf("first sample SNR %.2f, want 20", c.SNR)
	}

	// Second sample blends with alpha 0.2: 0.8*20 + 0.2*10 = 18
	monitor.UpdateHealth(0, 10, 0.001, 0.5)
	c, _ = monitor.Get(0)
	if c.SNR < 17.9 || c.SNR > 18.1 {
		t.Fatalf("smoothed SNR %.2f, want ~18", c.SNR)
	}
}

func TestMonitorClampsUtilization(t *testing.T) {
	monitor := NewCarrierHealthMonitor(4, nil)

	monitor.UpdateHealth(0, 20, 0, 1.7)
	c, _ := monitor.Get(0)
	if c.Utilization != 1.0 {
		t.Fatalf("utilization %.2f, want clamped to 1.0", c.Utilization)
	}

	monitor.UpdateHealth(0, 20, 0, -0.3)
	c, _ = monitor.Get(0)
	if c.Utilization != 0.0 {
		t.Fatalf("utilization %.2f, want clamped to 0.0", c.Utilization)
	}
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	monitor := NewCarrierHealthMonitor(4, nil)
	monitor.UpdateHealth(1, 25, 0.001, 0.2)

	snapshot := monitor.Snapshot()
	if len(snapshot) != 4 {
		t.Fatalf("snapshot has %d carriers, want 4", len(snapshot))
	}

	// Mutating the snapshot must not touch live state
	for i := range snapshot {
		snapshot[i].SNR = -99
		snapshot[i].Enabled = false
	}

	c, _ := monitor.Get(1)
	if c.SNR != 25 || !c.Enabled {
		t.Fatal("snapshot mutation leaked into live carrier state")
	}
}

func TestSnapshotOrderedByCarrierID(t *testing.T) {
	monitor := NewCarrierHealthMonitor(16, []int{3, 7})

	snapshot := monitor.Snapshot()
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i].ID <= snapshot[i-1].ID {
			t.Fatalf("snapshot not in ascending id order at index %d", i)
		}
	}
}

func TestReliabilityPenalizesVariance(t *testing.T) {
	monitor := NewCarrierHealthMonitor(2, nil)

	// Carrier 0: rock stable. Carrier 1: same mean, wild swings.
	for i := 0; i < 50; i++ {
		monitor.UpdateHealth(0, 20, 0, 0)
		if i%2 == 0 {
			monitor.UpdateHealth(1, 10, 0, 0)
		} else {
			monitor.UpdateHealth(1, 30, 0, 0)
		}
	}

	stable := monitor.Reliability(0)
	jittery := monitor.Reliability(1)
	if stable <= jittery {
		t.Fatalf("stable carrier reliability %.3f not above jittery carrier %.3f", stable, jittery)
	}
	if stable < 0.95 {
		t.Fatalf("constant-SNR carrier reliability %.3f, want near 1", stable)
	}
}

func TestCapacityTracksModulation(t *testing.T) {
	monitor := NewCarrierHealthMonitor(2, nil)

	monitor.mutate(0, func(c *Carrier) {
		c.Modulation = Modulation64QAM
	})

	c, _ := monitor.Get(0)
	if c.Capacity != 6 {
		t.Fatalf("capacity %d after switching to 64QAM, want 6", c.Capacity)
	}
}
