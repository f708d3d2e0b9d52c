package main

import (
	"testing"
)

// defaultedConfig returns a config carrying only the defaults, which must
// always validate
func defaultedConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func TestDefaultConfigValidates(t *testing.T) {
	c := defaultedConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaulted config rejected: %v", err)
	}
}

func TestPrometheusScrapeOnlyIsValid(t *testing.T) {
	// Metrics can be served scrape-only from /metrics; a push gateway is
	// optional
	c := defaultedConfig()
	c.Prometheus.Enabled = true
	c.Prometheus.PushGatewayURL = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("scrape-only prometheus rejected: %v", err)
	}

	c.Prometheus.PushGatewayURL = "http://pushgateway:9091"
	if err := c.Validate(); err != nil {
		t.Fatalf("push-gateway prometheus rejected: %v", err)
	}
}

func TestValidateRejectsBadModemSettings(t *testing.T) {
	c := defaultedConfig()
	c.Modem.FFTSize = 100
	if err := c.Validate(); err == nil {
		t.Fatal("non-power-of-two fft size accepted")
	}

	c = defaultedConfig()
	c.Modem.CPLength = c.Modem.FFTSize
	if err := c.Validate(); err == nil {
		t.Fatal("prefix as long as the symbol accepted")
	}

	c = defaultedConfig()
	c.Modem.Window = "blackman"
	if err := c.Validate(); err == nil {
		t.Fatal("unknown window accepted")
	}
}

func TestValidateRejectsOutOfRangePilots(t *testing.T) {
	c := defaultedConfig()
	c.Carriers.Pilots = []int{c.Carriers.Count}
	if err := c.Validate(); err == nil {
		t.Fatal("pilot index past the carrier count accepted")
	}
}

func TestValidateRequiresRTPGroup(t *testing.T) {
	c := defaultedConfig()
	c.Transport.Mode = "rtp"
	c.Transport.RTP.Group = ""
	if err := c.Validate(); err == nil {
		t.Fatal("rtp transport accepted without a multicast group")
	}

	c.Transport.RTP.Group = "239.1.2.3"
	if err := c.Validate(); err != nil {
		t.Fatalf("rtp transport with a group rejected: %v", err)
	}
}

func TestValidateRequiresMQTTBroker(t *testing.T) {
	c := defaultedConfig()
	c.MQTT.Enabled = true
	c.MQTT.Broker = ""
	if err := c.Validate(); err == nil {
		t.Fatal("mqtt enabled without a broker accepted")
	}
}
