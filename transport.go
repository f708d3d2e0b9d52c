package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// SampleBlock is one received block of baseband samples
type SampleBlock struct {
	Samples      []float64
	RTPTimestamp uint32 // RTP timestamp from the source (kept for reference)
	ArrivalNs    int64  // Unix time in nanoseconds at packet arrival
}

// SampleSource delivers baseband sample blocks to the demodulator
type SampleSource interface {
	Blocks() <-chan SampleBlock
	Start() error
	Stop()
}

// SampleSink accepts baseband sample blocks from the modulator
type SampleSink interface {
	WriteSamples(samples []float64) error
}

// RTPSampleReceiver receives baseband samples from a multicast RTP stream
// carrying 16-bit signed PCM
type RTPSampleReceiver struct {
	dataAddr *net.UDPAddr
	iface    *net.Interface
	conn     *net.UDPConn
	blocks   chan SampleBlock
	running  bool
	mu       sync.RWMutex
}

// NewRTPSampleReceiver creates a receiver for the given multicast group
func NewRTPSampleReceiver(config RTPConfig) (*RTPSampleReceiver, error) {
	dataAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", config.Group, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast address: %w", err)
	}

	var iface *net.Interface
	if config.Interface != "" {
		iface, err = net.InterfaceByName(config.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", config.Interface, err)
		}
	}

	conn, err := setupDataSocket(dataAddr, iface)
	if err != nil {
		return nil, fmt.Errorf("failed to setup data socket: %w", err)
	}

	log.Printf("RTP sample receiver listening on %s (iface: %v)", dataAddr.String(), iface)

	return &RTPSampleReceiver{
		dataAddr: dataAddr,
		iface:    iface,
		conn:     conn,
		blocks:   make(chan SampleBlock, 64),
	}, nil
}

// setupDataSocket creates a UDP socket for receiving multicast data with
// address reuse, so multiple receivers can bind the same group
func setupDataSocket(addr *net.UDPAddr, iface *net.Interface) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	udpConn := conn.(*net.UDPConn)

	if err := udpConn.SetReadBuffer(1024 * 1024); err != nil {
		log.Printf("Warning: failed to set read buffer size: %v", err)
	}

	// Join multicast group on specified interface
	p := ipv4.NewPacketConn(udpConn)
	if iface != nil {
		if err := p.JoinGroup(iface, addr); err != nil {
			log.Printf("Warning: failed to join multicast group on %s: %v", iface.Name, err)
		}
	}

	// Also join on loopback for local traffic
	if loopback := loopbackInterface(); loopback != nil {
		if err := p.JoinGroup(loopback, addr); err != nil {
			log.Printf("Warning: failed to join multicast group on loopback: %v", err)
		}
	}

	return udpConn, nil
}

// loopbackInterface finds the loopback interface, or nil
func loopbackInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 {
			return &ifaces[i]
		}
	}
	return nil
}

// Blocks returns the received sample block channel
func (rr *RTPSampleReceiver) Blocks() <-chan SampleBlock {
	return rr.blocks
}

// Start begins receiving
func (rr *RTPSampleReceiver) Start() error {
	rr.mu.Lock()
	if rr.running {
		rr.mu.Unlock()
		return nil
	}
	rr.running = true
	rr.mu.Unlock()

	go rr.receiveLoop()
	log.Println("RTP sample receiver started")
	return nil
}

// Stop halts receiving and closes the socket
func (rr *RTPSampleReceiver) Stop() {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if !rr.running {
		return
	}
	rr.running = false
	if rr.conn != nil {
		rr.conn.Close()
	}

	log.Println("RTP sample receiver stopped")
}

// receiveLoop continuously receives and decodes RTP packets
func (rr *RTPSampleReceiver) receiveLoop() {
	buffer := make([]byte, 65536)
	packetCount := 0

	for {
		rr.mu.RLock()
		running := rr.running
		rr.mu.RUnlock()
		if !running {
			break
		}

		n, _, err := rr.conn.ReadFromUDP(buffer)
		if err != nil {
			rr.mu.RLock()
			running = rr.running
			rr.mu.RUnlock()
			if !running {
				break
			}
			log.Printf("Error reading UDP packet: %v", err)
			continue
		}

		arrivalNs := time.Now().UnixNano()

		if n < 12 {
			// Too small to be valid RTP
			if DebugMode {
				log.Printf("DEBUG: Received packet too small (%d bytes), skipping", n)
			}
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			log.Printf("Error parsing RTP packet: %v", err)
			continue
		}

		packetCount++

		// The RTP library reuses the buffer, so decode into a fresh slice
		// before handing off
		samples := pcm16ToFloat64(packet.Payload)

		select {
		case rr.blocks <- SampleBlock{
			Samples:      samples,
			RTPTimestamp: packet.Timestamp,
			ArrivalNs:    arrivalNs,
		}:
		default:
			if DebugMode {
				log.Printf("DEBUG: Sample block channel full, dropped %d samples", len(samples))
			}
		}
	}

	if DebugMode {
		log.Printf("DEBUG: RTP receive loop exited after %d packets", packetCount)
	}
}

// pcm16ToFloat64 decodes big-endian signed 16-bit PCM into [-1,1) samples
func pcm16ToFloat64(payload []byte) []float64 {
	samples := make([]float64, len(payload)/2)
	for i := range samples {
		v := int16(payload[2*i])<<8 | int16(payload[2*i+1])
		samples[i] = float64(v) / 32768.0
	}
	return samples
}

// SimulatedChannel is a loopback transport that passes transmitted samples
// back to the receive side through additive white Gaussian noise and an
// optional two-path multipath echo. It implements both SampleSource and
// SampleSink.
type SimulatedChannel struct {
	snrDB      float64
	echoDelay  int // Samples; 0 disables the multipath echo
	echoGain   float64
	sampleRate float64

	rng    *rand.Rand
	rngMu  sync.Mutex
	blocks chan SampleBlock
	tail   []float64 // Carryover for the echo across block boundaries

	running bool
	mu      sync.RWMutex
}

// NewSimulatedChannel creates a loopback channel with the given impairments
func NewSimulatedChannel(config SimulatedConfig, sampleRate float64) *SimulatedChannel {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	echoDelay := int(config.DelaySpreadUs * 1e-6 * sampleRate)

	return &SimulatedChannel{
		snrDB:      config.SNRdB,
		echoDelay:  echoDelay,
		echoGain:   0.3,
		sampleRate: sampleRate,
		rng:        rand.New(rand.NewSource(seed)),
		blocks:     make(chan SampleBlock, 64),
	}
}

// Blocks returns the received sample block channel
func (sc *SimulatedChannel) Blocks() <-chan SampleBlock {
	return sc.blocks
}

// Start marks the channel as running
func (sc *SimulatedChannel) Start() error {
	sc.mu.Lock()
	sc.running = true
	sc.mu.Unlock()
	log.Printf("Simulated channel started (SNR %.1f dB, echo delay %d samples)", sc.snrDB, sc.echoDelay)
	return nil
}

// Stop halts the channel
func (sc *SimulatedChannel) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.running = false
}

// WriteSamples pushes transmitted samples through the channel model and
// delivers the impaired result to the receive side
func (sc *SimulatedChannel) WriteSamples(samples []float64) error {
	sc.mu.RLock()
	running := sc.running
	sc.mu.RUnlock()
	if !running {
		return fmt.Errorf("simulated channel not running")
	}

	out := make([]float64, len(samples))
	copy(out, samples)

	// Two-path multipath: delayed attenuated echo added to the direct path
	if sc.echoDelay > 0 {
		extended := append(sc.tail, samples...)
		for i := range out {
			echoIdx := len(sc.tail) + i - sc.echoDelay
			if echoIdx >= 0 {
				out[i] += sc.echoGain * extended[echoIdx]
			}
		}
		keep := sc.echoDelay
		if keep > len(extended) {
			keep = len(extended)
		}
		sc.tail = append([]float64(nil), extended[len(extended)-keep:]...)
	}

	// AWGN scaled to the configured SNR against the block's signal power
	signalPower := 0.0
	for _, s := range out {
		signalPower += s * s
	}
	if len(out) > 0 {
		signalPower /= float64(len(out))
	}
	noisePower := signalPower / math.Pow(10, sc.snrDB/10)
	noiseStd := math.Sqrt(noisePower)

	sc.rngMu.Lock()
	for i := range out {
		out[i] += sc.rng.NormFloat64() * noiseStd
	}
	sc.rngMu.Unlock()

	select {
	case sc.blocks <- SampleBlock{Samples: out, ArrivalNs: time.Now().UnixNano()}:
		return nil
	default:
		return fmt.Errorf("simulated channel receive buffer full")
	}
}
