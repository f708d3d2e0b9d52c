package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ofdmlink/ofdmlink/modem"
)

// Config represents the application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Modem          ModemConfig          `yaml:"modem"`
	Carriers       CarriersConfig       `yaml:"carriers"`
	Modulation     ModulationConfig     `yaml:"modulation"`
	Allocator      AllocatorConfig      `yaml:"allocator"`
	Redistribution RedistributionConfig `yaml:"redistribution"`
	Sessions       ChunkManagerConfig   `yaml:"sessions"`
	Swarm          SwarmConfig          `yaml:"swarm"`
	Transport      TransportConfig      `yaml:"transport"`
	Events         EventsConfig         `yaml:"events"`
	Prometheus     PrometheusConfig     `yaml:"prometheus"`
	MQTT           MQTTConfig           `yaml:"mqtt"`
	Recorder       RecorderConfig       `yaml:"recorder"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Listen     string `yaml:"listen"`      // HTTP listen address (default ":8080")
	EnableCORS bool   `yaml:"enable_cors"` // Allow cross-origin API access
}

// ModemConfig contains OFDM framing and synchronization settings
type ModemConfig struct {
	FFTSize    int     `yaml:"fft_size"`    // Subcarrier count, power of two (default 64)
	CPLength   int     `yaml:"cp_length"`   // Cyclic prefix length in samples (default fft_size/4)
	SampleRate float64 `yaml:"sample_rate"` // Samples per second (default 48000)
	Window     string  `yaml:"window"`      // rectangular, raised-cosine or hamming
	Rolloff    float64 `yaml:"rolloff"`     // Raised-cosine rolloff fraction (default 0.1)
	AdaptiveCP bool    `yaml:"adaptive_cp"` // Adapt prefix length to measured interference

	Sync SyncSettings `yaml:"sync"`
}

// SyncSettings contains symbol timing acquisition settings
type SyncSettings struct {
	Strategy      string  `yaml:"strategy"`       // cp-correlation, pilot-aided, ml-estimation, hybrid
	SearchWindow  int     `yaml:"search_window"`  // Timing search span in samples (default frame size)
	PeakThreshold float64 `yaml:"peak_threshold"` // Correlation magnitude needed to declare lock (default 0.5)
	AveragingLen  int     `yaml:"averaging_len"`  // Offset history length for jitter estimation (default 16)
	PilotWeight   float64 `yaml:"pilot_weight"`   // Hybrid refinement weight for the pilot metric (default 0.5)
	MLWeight      float64 `yaml:"ml_weight"`      // Hybrid refinement weight for the ML metric (default 0.5)
	MLBoundary    float64 `yaml:"ml_boundary"`    // Boundary discontinuity weight for ML estimation (default 0.1)
}

// CarriersConfig describes the carrier plane
type CarriersConfig struct {
	Count   int                  `yaml:"count"`  // Data+pilot subcarrier count (default 64)
	Pilots  []int                `yaml:"pilots"` // Pilot carrier indices, excluded from data allocation
	Control CarrierControlConfig `yaml:"control"`
}

// SwarmConfig contains peer availability settings
type SwarmConfig struct {
	TotalChunks int `yaml:"total_chunks"` // Size of the chunk universe tracked for rarity
}

// EventsConfig contains event bus settings
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"` // Per-subscriber channel depth (default 256)
}

// TransportConfig selects the sample transport
type TransportConfig struct {
	Mode      string          `yaml:"mode"` // "rtp" or "simulated"
	RTP       RTPConfig       `yaml:"rtp"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

// RTPConfig contains multicast sample stream settings
type RTPConfig struct {
	Group     string `yaml:"group"`     // Multicast group, e.g. "239.1.2.3"
	Port      int    `yaml:"port"`      // UDP port (default 5004)
	Interface string `yaml:"interface"` // Network interface to join on (empty = default)
}

// SimulatedConfig contains simulated channel settings
type SimulatedConfig struct {
	SNRdB         float64 `yaml:"snr_db"`          // Channel SNR applied to passing symbols (default 25)
	DelaySpreadUs float64 `yaml:"delay_spread_us"` // Multipath delay spread in microseconds
	Seed          int64   `yaml:"seed"`            // Noise seed (0 = time-based)
}

// PrometheusConfig contains metrics push settings
type PrometheusConfig struct {
	Enabled         bool   `yaml:"enabled"`
	PushGatewayURL  string `yaml:"push_gateway_url"`
	PushIntervalSec int    `yaml:"push_interval_sec"` // Default 15
	Instance        string `yaml:"instance"`          // Instance label (default hostname)
}

// MQTTConfig contains telemetry publishing settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // Broker host
	Port        int    `yaml:"port"`   // Default 1883 (8883 with TLS)
	UseTLS      bool   `yaml:"use_tls"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // Default "ofdmlink"
	IntervalSec int    `yaml:"interval_sec"` // Telemetry publish period (default 10)
}

// LoadConfig reads and validates the YAML configuration file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults fills unset fields with their defaults
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	if c.Modem.FFTSize == 0 {
		c.Modem.FFTSize = 64
	}
	if c.Modem.CPLength == 0 {
		c.Modem.CPLength = c.Modem.FFTSize / 4
	}
	if c.Modem.SampleRate == 0 {
		c.Modem.SampleRate = 48000
	}
	if c.Modem.Window == "" {
		c.Modem.Window = string(modem.WindowRaisedCosine)
	}
	if c.Modem.Rolloff == 0 {
		c.Modem.Rolloff = 0.1
	}
	if c.Modem.Sync.Strategy == "" {
		c.Modem.Sync.Strategy = string(modem.SyncCPCorrelation)
	}

	if c.Carriers.Count == 0 {
		// Real-valued sample streams carry usable bins up to Nyquist
		c.Carriers.Count = c.Modem.FFTSize / 2
	}

	if c.Swarm.TotalChunks == 0 {
		c.Swarm.TotalChunks = 1024
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = "simulated"
	}
	if c.Transport.RTP.Port == 0 {
		c.Transport.RTP.Port = 5004
	}
	if c.Transport.Simulated.SNRdB == 0 {
		c.Transport.Simulated.SNRdB = 25
	}

	if c.Prometheus.PushIntervalSec == 0 {
		c.Prometheus.PushIntervalSec = 15
	}

	if c.MQTT.Port == 0 {
		if c.MQTT.UseTLS {
			c.MQTT.Port = 8883
		} else {
			c.MQTT.Port = 1883
		}
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "ofdmlink"
	}
	if c.MQTT.IntervalSec == 0 {
		c.MQTT.IntervalSec = 10
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Modem.FFTSize&(c.Modem.FFTSize-1) != 0 {
		return fmt.Errorf("modem.fft_size must be a power of two, got %d", c.Modem.FFTSize)
	}
	if c.Modem.CPLength <= 0 || c.Modem.CPLength >= c.Modem.FFTSize {
		return fmt.Errorf("modem.cp_length must be in (0, fft_size), got %d", c.Modem.CPLength)
	}

	switch modem.WindowType(c.Modem.Window) {
	case modem.WindowRectangular, modem.WindowRaisedCosine, modem.WindowHamming:
	default:
		return fmt.Errorf("unknown modem.window %q", c.Modem.Window)
	}

	switch modem.SyncStrategy(c.Modem.Sync.Strategy) {
	case modem.SyncCPCorrelation, modem.SyncPilotAided, modem.SyncMLEstimation, modem.SyncHybrid:
	default:
		return fmt.Errorf("unknown modem.sync.strategy %q", c.Modem.Sync.Strategy)
	}

	for _, p := range c.Carriers.Pilots {
		if p < 0 || p >= c.Carriers.Count {
			return fmt.Errorf("pilot carrier %d out of range [0,%d)", p, c.Carriers.Count)
		}
	}

	switch c.Transport.Mode {
	case "rtp":
		if c.Transport.RTP.Group == "" {
			return fmt.Errorf("transport.rtp.group required when transport.mode is rtp")
		}
	case "simulated":
	default:
		return fmt.Errorf("unknown transport.mode %q", c.Transport.Mode)
	}

	switch AllocationStrategy(c.Allocator.Strategy) {
	case "", StrategyQualityFirst, StrategyLoadBalanced, StrategyPriorityWeighted:
	default:
		return fmt.Errorf("unknown allocator.strategy %q", c.Allocator.Strategy)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker required when mqtt.enabled is true")
	}

	return nil
}

// ModemCPConfig builds the cyclic prefix manager configuration
func (c *Config) ModemCPConfig() modem.CyclicPrefixConfig {
	return modem.CyclicPrefixConfig{
		FFTSize:    c.Modem.FFTSize,
		CPLength:   c.Modem.CPLength,
		Window:     modem.WindowType(c.Modem.Window),
		Rolloff:    c.Modem.Rolloff,
		Adaptive:   c.Modem.AdaptiveCP,
		SampleRate: c.Modem.SampleRate,
	}
}

// ModemSyncConfig builds the symbol synchronizer configuration
func (c *Config) ModemSyncConfig() modem.SyncConfig {
	return modem.SyncConfig{
		FFTSize:       c.Modem.FFTSize,
		CPLength:      c.Modem.CPLength,
		SampleRate:    c.Modem.SampleRate,
		Strategy:      modem.SyncStrategy(c.Modem.Sync.Strategy),
		SearchWindow:  c.Modem.Sync.SearchWindow,
		PeakThreshold: c.Modem.Sync.PeakThreshold,
		PilotCarriers: c.Carriers.Pilots,
		AveragingLen:  c.Modem.Sync.AveragingLen,
		PilotWeight:   c.Modem.Sync.PilotWeight,
		MLWeight:      c.Modem.Sync.MLWeight,
		MLBoundary:    c.Modem.Sync.MLBoundary,
	}
}
