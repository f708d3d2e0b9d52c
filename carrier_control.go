package main

import (
	"log"
	"sync"
	"time"
)

// CarrierControlConfig configures enable/disable thresholds and recovery
type CarrierControlConfig struct {
	MinSNRdB             float64 `yaml:"min_snr_db"`             // Disable floor (default 10)
	InterferenceMarginDB float64 `yaml:"interference_margin_db"` // Interference above noise floor triggering disable (default 15)
	AutoRecover          bool    `yaml:"auto_recover"`           // Re-enable disabled carriers after a delay
	RecoveryDelaySec     int     `yaml:"recovery_delay_sec"`     // Seconds before auto-recovery (default 30)
}

// CarrierControl enables and disables carriers from health thresholds and
// interference reports. A recovered carrier goes back into the pool for
// reconsideration by the allocator; recovery is not a guarantee of reuse.
type CarrierControl struct {
	monitor   *CarrierHealthMonitor
	scheduler *Scheduler
	events    *EventBus
	clock     Clock

	minSNR             float64
	interferenceMargin float64
	autoRecover        bool
	recoveryDelay      time.Duration

	recoveryTasks map[int]*ScheduledTask
	mu            sync.Mutex
}

// NewCarrierControl creates a carrier control instance. Pass nil for the
// real clock.
func NewCarrierControl(monitor *CarrierHealthMonitor, scheduler *Scheduler, events *EventBus, config CarrierControlConfig, clock Clock) *CarrierControl {
	if clock == nil {
		clock = realClock{}
	}
	minSNR := config.MinSNRdB
	if minSNR == 0 {
		minSNR = 10
	}
	interferenceMargin := config.InterferenceMarginDB
	if interferenceMargin == 0 {
		interferenceMargin = 15
	}
	recoveryDelay := time.Duration(config.RecoveryDelaySec) * time.Second
	if recoveryDelay == 0 {
		recoveryDelay = 30 * time.Second
	}

	return &CarrierControl{
		monitor:            monitor,
		scheduler:          scheduler,
		events:             events,
		clock:              clock,
		minSNR:             minSNR,
		interferenceMargin: interferenceMargin,
		autoRecover:        config.AutoRecover,
		recoveryDelay:      recoveryDelay,
		recoveryTasks:      make(map[int]*ScheduledTask),
	}
}

// EvaluateCarrier feeds a quality sample through the health monitor and
// applies the disable policy. The floor is checked against the raw sample,
// not the smoothed value, so a sharp drop pulls the carrier immediately
// instead of waiting for the average to catch up. Returns whether the
// carrier remains enabled.
func (cc *CarrierControl) EvaluateCarrier(id int, snr, ber, utilization float64) bool {
	if err := cc.monitor.UpdateHealth(id, snr, ber, utilization); err != nil {
		return false
	}

	c, ok := cc.monitor.Get(id)
	if !ok {
		return false
	}

	if c.Enabled && snr < cc.minSNR {
		cc.disableCarrier(id, DisableLowSNR)
		return false
	}

	return c.Enabled
}

// ReportInterference disables a carrier when the reported interference level
// exceeds the configured margin above the noise floor (both in dB).
func (cc *CarrierControl) ReportInterference(id int, interferenceLevel, noiseFloor float64) {
	if interferenceLevel-noiseFloor <= cc.interferenceMargin {
		return
	}

	c, ok := cc.monitor.Get(id)
	if !ok || !c.Enabled {
		return
	}
	cc.disableCarrier(id, DisableHighInterference)
}

// disableCarrier removes a carrier from the allocation pool and, when the
// policy allows, schedules its automatic recovery
func (cc *CarrierControl) disableCarrier(id int, reason DisableReason) {
	var recoverAt *time.Time
	if cc.autoRecover {
		t := cc.clock.Now().Add(cc.recoveryDelay)
		recoverAt = &t
	}

	cc.monitor.mutate(id, func(c *Carrier) {
		c.Enabled = false
		c.DisableReason = reason
		c.AutoRecoverAt = recoverAt
	})

	log.Printf("Carrier %d disabled (%s)", id, reason)
	cc.publishHealthChanged(id)

	if !cc.autoRecover {
		return
	}

	cc.mu.Lock()
	if existing, ok := cc.recoveryTasks[id]; ok {
		existing.Cancel()
	}
	cc.recoveryTasks[id] = cc.scheduler.Schedule(cc.recoveryDelay, func() {
		cc.RecoverCarrier(id)
	})
	cc.mu.Unlock()
}

// RecoverCarrier re-enables a disabled carrier so the allocator can
// reconsider it
func (cc *CarrierControl) RecoverCarrier(id int) {
	c, ok := cc.monitor.Get(id)
	if !ok || c.Enabled {
		return
	}

	cc.monitor.mutate(id, func(c *Carrier) {
		c.Enabled = true
		c.DisableReason = DisableNone
		c.AutoRecoverAt = nil
	})

	cc.mu.Lock()
	delete(cc.recoveryTasks, id)
	cc.mu.Unlock()

	log.Printf("Carrier %d recovered, returned to allocation pool", id)
	cc.publishHealthChanged(id)
}

// publishHealthChanged emits a carrier-health-changed event for a carrier
func (cc *CarrierControl) publishHealthChanged(id int) {
	if cc.events == nil {
		return
	}

	c, ok := cc.monitor.Get(id)
	if !ok {
		return
	}

	reason := ""
	if !c.Enabled {
		reason = string(c.DisableReason)
	}

	cc.events.Publish(Event{
		Type: EventCarrierHealthChanged,
		Carrier: &CarrierPayload{
			CarrierID:     c.ID,
			SNR:           c.SNR,
			BER:           c.BER,
			Enabled:       c.Enabled,
			DisableReason: reason,
			Modulation:    c.Modulation.String(),
		},
	})
}
