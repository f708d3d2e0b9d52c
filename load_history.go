package main

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

// LinkHistoryTracker tracks historical link and host metrics with three-tier
// aggregation: 1-second samples, 1-minute means (60 kept), 1-hour means
// (24 kept)
type LinkHistoryTracker struct {
	cpuCores int // Number of CPU cores for status calculation

	monitor *CarrierHealthMonitor
	modem   *Demodulator

	samples       []LinkSample
	history       []LinkHistory
	hourlyHistory []LinkHistory
	historyMu     sync.RWMutex

	sampleTicker    *time.Ticker
	aggregateTicker *time.Ticker
	hourlyTicker    *time.Ticker

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// LinkSample is a single 1-second sample
type LinkSample struct {
	SIRdB          float64
	ActiveCarriers int
	HostLoad1Min   float64
	Status         string // "ok", "warning", "critical"
	Timestamp      time.Time
}

// LinkHistory is an aggregated 1-minute or 1-hour mean
type LinkHistory struct {
	SIRdB          float64   `json:"sir_db"`
	ActiveCarriers float64   `json:"active_carriers"`
	HostLoad1Min   float64   `json:"host_load_1min"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewLinkHistoryTracker creates a link history tracker
func NewLinkHistoryTracker(monitor *CarrierHealthMonitor, demod *Demodulator) *LinkHistoryTracker {
	cpuCores := 0
	info, err := cpu.Info()
	if err == nil && len(info) > 0 {
		// Sum cores across all CPUs (for multi-socket systems)
		for _, cpuInfo := range info {
			cpuCores += int(cpuInfo.Cores)
		}
	}

	return &LinkHistoryTracker{
		cpuCores: cpuCores,
		monitor:  monitor,
		modem:    demod,
		stopChan: make(chan struct{}),
	}
}

// Start begins history tracking
func (lht *LinkHistoryTracker) Start() error {
	if lht.running {
		return nil
	}
	lht.running = true

	lht.samples = make([]LinkSample, 0, 60)
	lht.history = make([]LinkHistory, 0, 60)
	lht.hourlyHistory = make([]LinkHistory, 0, 24)
	lht.sampleTicker = time.NewTicker(1 * time.Second)
	lht.aggregateTicker = time.NewTicker(1 * time.Minute)
	lht.hourlyTicker = time.NewTicker(1 * time.Hour)

	lht.wg.Add(2)
	go lht.sampleLoop()
	go lht.aggregateLoop()

	log.Printf("Link history tracker started (CPU cores: %d)", lht.cpuCores)
	return nil
}

// Stop shuts down the tracker
func (lht *LinkHistoryTracker) Stop() {
	if !lht.running {
		return
	}
	lht.running = false
	close(lht.stopChan)

	lht.sampleTicker.Stop()
	lht.aggregateTicker.Stop()
	lht.hourlyTicker.Stop()
	lht.wg.Wait()

	log.Printf("Link history tracker stopped")
}

// sampleLoop collects one sample per second
func (lht *LinkHistoryTracker) sampleLoop() {
	defer lht.wg.Done()

	for {
		select {
		case <-lht.stopChan:
			return
		case <-lht.sampleTicker.C:
			sample := LinkSample{Timestamp: time.Now()}

			if lht.modem != nil {
				sample.SIRdB = lht.modem.LastSIR()
			}

			active := 0
			for _, c := range lht.monitor.Snapshot() {
				if c.Enabled {
					active++
				}
			}
			sample.ActiveCarriers = active

			if avg, err := load.Avg(); err == nil {
				sample.HostLoad1Min = avg.Load1
			}

			// Status: the link is degraded when the guard interval no
			// longer absorbs the channel, or the host is overloaded
			sample.Status = "ok"
			if sample.SIRdB > 0 && sample.SIRdB < 10 {
				sample.Status = "critical"
			} else if sample.SIRdB > 0 && sample.SIRdB < 15 {
				sample.Status = "warning"
			}
			if lht.cpuCores > 0 && sample.HostLoad1Min >= float64(lht.cpuCores) {
				sample.Status = "critical"
			}

			lht.historyMu.Lock()
			lht.samples = append(lht.samples, sample)
			if len(lht.samples) > 60 {
				lht.samples = lht.samples[len(lht.samples)-60:]
			}
			lht.historyMu.Unlock()
		}
	}
}

// aggregateLoop folds samples into minute means and minute means into hour
// means
func (lht *LinkHistoryTracker) aggregateLoop() {
	defer lht.wg.Done()

	for {
		select {
		case <-lht.stopChan:
			return
		case <-lht.aggregateTicker.C:
			lht.historyMu.Lock()
			if len(lht.samples) > 0 {
				entry := meanOfSamples(lht.samples)
				lht.history = append(lht.history, entry)
				if len(lht.history) > 60 {
					lht.history = lht.history[len(lht.history)-60:]
				}
				lht.samples = lht.samples[:0]
			}
			lht.historyMu.Unlock()
		case <-lht.hourlyTicker.C:
			lht.historyMu.Lock()
			if len(lht.history) > 0 {
				entry := meanOfHistory(lht.history)
				lht.hourlyHistory = append(lht.hourlyHistory, entry)
				if len(lht.hourlyHistory) > 24 {
					lht.hourlyHistory = lht.hourlyHistory[len(lht.hourlyHistory)-24:]
				}
			}
			lht.historyMu.Unlock()
		}
	}
}

// meanOfSamples averages one minute of samples; status is the most severe
// seen
func meanOfSamples(samples []LinkSample) LinkHistory {
	var sumSIR, sumCarriers, sumLoad float64
	statusCounts := make(map[string]int)

	for _, s := range samples {
		sumSIR += s.SIRdB
		sumCarriers += float64(s.ActiveCarriers)
		sumLoad += s.HostLoad1Min
		statusCounts[s.Status]++
	}
	count := float64(len(samples))

	status := "ok"
	if statusCounts["critical"] > 0 {
		status = "critical"
	} else if statusCounts["warning"] > 0 {
		status = "warning"
	}

	return LinkHistory{
		SIRdB:          sumSIR / count,
		ActiveCarriers: sumCarriers / count,
		HostLoad1Min:   sumLoad / count,
		Status:         status,
		Timestamp:      time.Now(),
	}
}

// meanOfHistory averages minute entries into an hour entry
func meanOfHistory(history []LinkHistory) LinkHistory {
	var sumSIR, sumCarriers, sumLoad float64
	statusCounts := make(map[string]int)

	for _, e := range history {
		sumSIR += e.SIRdB
		sumCarriers += e.ActiveCarriers
		sumLoad += e.HostLoad1Min
		statusCounts[e.Status]++
	}
	count := float64(len(history))

	status := "ok"
	if statusCounts["critical"] > 0 {
		status = "critical"
	} else if statusCounts["warning"] > 0 {
		status = "warning"
	}

	return LinkHistory{
		SIRdB:          sumSIR / count,
		ActiveCarriers: sumCarriers / count,
		HostLoad1Min:   sumLoad / count,
		Status:         status,
		Timestamp:      time.Now(),
	}
}

// GetHistory returns the minute-level history (up to 60 minutes)
func (lht *LinkHistoryTracker) GetHistory() []LinkHistory {
	if lht == nil {
		return nil
	}

	lht.historyMu.RLock()
	defer lht.historyMu.RUnlock()

	historyCopy := make([]LinkHistory, len(lht.history))
	for i, entry := range lht.history {
		historyCopy[i] = roundHistory(entry)
	}
	return historyCopy
}

// GetHourlyHistory returns the hourly history (up to 24 hours), with a
// partial entry for the current hour appended from minute-level data
func (lht *LinkHistoryTracker) GetHourlyHistory() []LinkHistory {
	if lht == nil {
		return nil
	}

	lht.historyMu.RLock()
	defer lht.historyMu.RUnlock()

	result := make([]LinkHistory, len(lht.hourlyHistory))
	for i, entry := range lht.hourlyHistory {
		result[i] = roundHistory(entry)
	}

	if len(lht.history) > 0 {
		result = append(result, roundHistory(meanOfHistory(lht.history)))
		if len(result) > 24 {
			result = result[len(result)-24:]
		}
	}
	return result
}

// roundHistory rounds values to 2 decimal places for display
func roundHistory(e LinkHistory) LinkHistory {
	e.SIRdB = math.Round(e.SIRdB*100) / 100
	e.ActiveCarriers = math.Round(e.ActiveCarriers*100) / 100
	e.HostLoad1Min = math.Round(e.HostLoad1Min*100) / 100
	return e
}
