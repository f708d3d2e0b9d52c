package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ofdmlink/ofdmlink/modem"
)

// MQTTPublisher publishes carrier telemetry and transmission events to an
// MQTT broker. All publishes are QoS 0 fire-and-forget; a broker outage
// never blocks the transmission pipeline.
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	monitor *CarrierHealthMonitor
	events  *EventBus
	modem   *Demodulator
}

// CarrierTelemetry is the periodic carrier state message
type CarrierTelemetry struct {
	Timestamp int64             `json:"timestamp"`
	Carriers  []CarrierSnapshot `json:"carriers"`
}

// SyncTelemetry is the periodic modem state message
type SyncTelemetry struct {
	Timestamp int64           `json:"timestamp"`
	Sync      modem.SyncState `json:"sync"`
	CPLength  int             `json:"cp_length"`
}

// generateClientID creates a random client ID for the MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "ofdmlink_" + hex.EncodeToString(bytes)
}

// NewMQTTPublisher connects to the broker and returns a publisher
func NewMQTTPublisher(config *MQTTConfig, monitor *CarrierHealthMonitor, events *EventBus, demod *Demodulator) (*MQTTPublisher, error) {
	scheme := "tcp"
	if config.UseTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, config.Broker, config.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	if config.UseTLS {
		opts.SetTLSConfig(&tls.Config{})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", broker)

	return &MQTTPublisher{
		client:  client,
		config:  config,
		monitor: monitor,
		events:  events,
		modem:   demod,
	}, nil
}

// StartPublisher starts the background publishing goroutines
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go mp.startTelemetryPublisher(ctx)
	go mp.startEventPublisher(ctx)
}

// startTelemetryPublisher publishes carrier and modem state at the
// configured interval
func (mp *MQTTPublisher) startTelemetryPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.IntervalSec) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Telemetry publisher started with %d second interval", mp.config.IntervalSec)

	// Publish immediately on start
	mp.publishTelemetry()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Telemetry publisher stopped")
			return
		case <-ticker.C:
			mp.publishTelemetry()
		}
	}
}

// startEventPublisher forwards transmission events to the broker as they
// occur
func (mp *MQTTPublisher) startEventPublisher(ctx context.Context) {
	ch, unsubscribe := mp.events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Event publisher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			mp.publishJSON(fmt.Sprintf("%s/events/%s", mp.config.TopicPrefix, event.Type), event)
		}
	}
}

// publishTelemetry publishes the carrier snapshot and modem state
func (mp *MQTTPublisher) publishTelemetry() {
	now := time.Now().Unix()

	mp.publishJSON(mp.config.TopicPrefix+"/carriers", CarrierTelemetry{
		Timestamp: now,
		Carriers:  mp.monitor.Snapshot(),
	})

	if mp.modem != nil {
		mp.publishJSON(mp.config.TopicPrefix+"/sync", SyncTelemetry{
			Timestamp: now,
			Sync:      mp.modem.SyncState(),
			CPLength:  mp.modem.CPLength(),
		})
	}
}

// publishJSON marshals and publishes one message without waiting for
// delivery
func (mp *MQTTPublisher) publishJSON(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT: Failed to marshal payload for %s: %v", topic, err)
		return
	}
	mp.client.Publish(topic, 0, false, data)
}

// Stop disconnects from the broker
func (mp *MQTTPublisher) Stop() {
	mp.client.Disconnect(250)
}
