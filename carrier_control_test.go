package main

import (
	"testing"
	"time"
)

func newControlFixture(autoRecover bool) (*CarrierControl, *CarrierHealthMonitor, *Scheduler, *fakeClock, *EventBus) {
	clock := newFakeClock()
	scheduler := NewScheduler(clock)
	monitor := NewCarrierHealthMonitor(4, nil)
	events := NewEventBus(16)

	control := NewCarrierControl(monitor, scheduler, events, CarrierControlConfig{
		MinSNRdB:             10,
		InterferenceMarginDB: 15,
		AutoRecover:          autoRecover,
		RecoveryDelaySec:     30,
	}, clock)

	return control, monitor, scheduler, clock, events
}

func TestLowSNRDisablesCarrier(t *testing.T) {
	control, monitor, _, _, events := newControlFixture(false)
	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	if enabled := control.EvaluateCarrier(0, 5, 0.1, 0); enabled {
		t.Fatal("carrier stayed enabled below the SNR floor")
	}

	c, _ := monitor.Get(0)
	if c.Enabled {
		t.Fatal("carrier still enabled in monitor")
	}
	if c.DisableReason != DisableLowSNR {
		t.Fatalf("disable reason %s, want %s", c.DisableReason, DisableLowSNR)
	}

	select {
	case event := <-ch:
		if event.Type != EventCarrierHealthChanged {
			t.Fatalf("event type %s, want %s", event.Type, EventCarrierHealthChanged)
		}
		if event.Carrier == nil || event.Carrier.Enabled {
			t.Fatalf("unexpected carrier payload: %+v", event.Carrier)
		}
		if event.Carrier.DisableReason != string(DisableLowSNR) {
			t.Fatalf("payload reason %q, want %q", event.Carrier.DisableReason, DisableLowSNR)
		}
	case <-time.After(time.Second):
		t.Fatal("no health-changed event published")
	}
}

func TestHealthySNRKeepsCarrierEnabled(t *testing.T) {
	control, monitor, _, _, _ := newControlFixture(false)

	if enabled := control.EvaluateCarrier(1, 25, 0.0001, 0.2); !enabled {
		t.Fatal("healthy carrier reported disabled")
	}
	c, _ := monitor.Get(1)
	if !c.Enabled || c.DisableReason != DisableNone {
		t.Fatalf("carrier state enabled=%v reason=%s", c.Enabled, c.DisableReason)
	}
}

func TestSharpSNRDropDisablesDespiteSmoothing(t *testing.T) {
	control, monitor, _, _, _ := newControlFixture(false)

	// A healthy history keeps the smoothed SNR high: 25 dB then a raw
	// 5 dB sample smooths to 21 dB, still above the 10 dB floor
	if enabled := control.EvaluateCarrier(0, 25, 0.0001, 0.2); !enabled {
		t.Fatal("healthy carrier reported disabled")
	}
	if enabled := control.EvaluateCarrier(0, 5, 0.1, 0.2); enabled {
		t.Fatal("carrier survived a raw sample below the floor")
	}

	c, _ := monitor.Get(0)
	if c.Enabled {
		t.Fatal("carrier still enabled in monitor")
	}
	if c.DisableReason != DisableLowSNR {
		t.Fatalf("disable reason %s, want %s", c.DisableReason, DisableLowSNR)
	}
	if c.SNR <= 10 {
		t.Fatalf("smoothed SNR %.1f should still sit above the floor; the raw sample tripped the disable", c.SNR)
	}
}

func TestInterferenceReportDisablesCarrier(t *testing.T) {
	control, monitor, _, _, _ := newControlFixture(false)

	// 12 dB above the noise floor: within margin, no action
	control.ReportInterference(2, -108, -120)
	c, _ := monitor.Get(2)
	if !c.Enabled {
		t.Fatal("carrier disabled for interference within the margin")
	}

	// 20 dB above: disable
	control.ReportInterference(2, -100, -120)
	c, _ = monitor.Get(2)
	if c.Enabled {
		t.Fatal("carrier still enabled after strong interference report")
	}
	if c.DisableReason != DisableHighInterference {
		t.Fatalf("disable reason %s, want %s", c.DisableReason, DisableHighInterference)
	}
}

func TestAutoRecoveryReturnsCarrierToPool(t *testing.T) {
	control, monitor, scheduler, clock, _ := newControlFixture(true)

	control.EvaluateCarrier(0, 5, 0.1, 0)

	c, _ := monitor.Get(0)
	if c.Enabled {
		t.Fatal("carrier not disabled")
	}
	if c.AutoRecoverAt == nil {
		t.Fatal("auto-recovery time not recorded")
	}

	// Before the delay nothing happens
	clock.Advance(10 * time.Second)
	scheduler.RunDue()
	c, _ = monitor.Get(0)
	if c.Enabled {
		t.Fatal("carrier recovered early")
	}

	// After the delay the carrier re-enters the pool
	clock.Advance(25 * time.Second)
	scheduler.RunDue()
	c, _ = monitor.Get(0)
	if !c.Enabled {
		t.Fatal("carrier not recovered after the delay")
	}
	if c.DisableReason != DisableNone || c.AutoRecoverAt != nil {
		t.Fatalf("recovered carrier carries stale state: %+v", c)
	}
}

func TestNoRecoveryScheduledWhenDisabled(t *testing.T) {
	control, monitor, scheduler, clock, _ := newControlFixture(false)

	control.EvaluateCarrier(0, 5, 0.1, 0)

	clock.Advance(time.Hour)
	scheduler.RunDue()

	c, _ := monitor.Get(0)
	if c.Enabled {
		t.Fatal("carrier recovered with auto-recovery off")
	}
	if c.AutoRecoverAt != nil {
		t.Fatal("recovery time set with auto-recovery off")
	}
}

func TestManualRecoverIdempotent(t *testing.T) {
	control, monitor, _, _, _ := newControlFixture(false)

	control.EvaluateCarrier(0, 5, 0.1, 0)
	control.RecoverCarrier(0)
	control.RecoverCarrier(0) // Second call is a no-op

	c, _ := monitor.Get(0)
	if !c.Enabled {
		t.Fatal("carrier not recovered")
	}
}
