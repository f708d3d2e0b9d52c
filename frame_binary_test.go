package main

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"
)

func TestChunkFrameRoundTripCompressed(t *testing.T) {
	codec, err := NewChunkFrameCodec(true)
	if err != nil {
		t.Fatalf("NewChunkFrameCodec: %v", err)
	}
	defer codec.Close()

	// Highly repetitive payload compresses well
	payload := bytes.Repeat([]byte("carrier telemetry sample "), 200)
	sessionHash := SessionHash("session-1")

	frame := codec.Encode(sessionHash, 7, 64, payload)

	if frame[3] != ChunkPayloadZstd {
		t.Fatalf("format byte %d, want zstd for compressible content", frame[3])
	}
	if len(frame) >= ChunkFrameHeaderSize+len(payload) {
		t.Fatalf("frame %d bytes not smaller than raw %d", len(frame), ChunkFrameHeaderSize+len(payload))
	}

	decoded, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.SessionHash != sessionHash {
		t.Fatalf("session hash 0x%x, want 0x%x", decoded.SessionHash, sessionHash)
	}
	if decoded.PieceIndex != 7 || decoded.TotalPieces != 64 {
		t.Fatalf("piece %d/%d, want 7/64", decoded.PieceIndex, decoded.TotalPieces)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Fatal("payload corrupted by the round trip")
	}
}

func TestChunkFrameIncompressibleStaysRaw(t *testing.T) {
	codec, err := NewChunkFrameCodec(true)
	if err != nil {
		t.Fatalf("NewChunkFrameCodec: %v", err)
	}
	defer codec.Close()

	payload := make([]byte, 2048)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	frame := codec.Encode(1, 0, 1, payload)
	if frame[3] != ChunkPayloadRaw {
		t.Fatalf("format byte %d, want raw for incompressible content", frame[3])
	}
	if len(frame) != ChunkFrameHeaderSize+len(payload) {
		t.Fatalf("raw frame %d bytes, want %d", len(frame), ChunkFrameHeaderSize+len(payload))
	}

	decoded, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Fatal("raw payload corrupted by the round trip")
	}
}

func TestChunkFrameCompressionDisabled(t *testing.T) {
	codec, err := NewChunkFrameCodec(false)
	if err != nil {
		t.Fatalf("NewChunkFrameCodec: %v", err)
	}
	defer codec.Close()

	payload := bytes.Repeat([]byte("aaaa"), 500)
	frame := codec.Encode(2, 0, 1, payload)
	if frame[3] != ChunkPayloadRaw {
		t.Fatal("compression applied with useCompression=false")
	}
	if _, err := codec.Decode(frame); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestChunkFrameRejectsCorruption(t *testing.T) {
	codec, err := NewChunkFrameCodec(false)
	if err != nil {
		t.Fatalf("NewChunkFrameCodec: %v", err)
	}
	defer codec.Close()

	frame := codec.Encode(3, 0, 1, []byte("chunk content under test"))

	// Truncated below the header size
	if _, err := codec.Decode(frame[:10]); err == nil {
		t.Fatal("truncated frame accepted")
	}

	// Wrong magic
	bad := append([]byte(nil), frame...)
	binary.LittleEndian.PutUint16(bad[0:], 0xdead)
	if _, err := codec.Decode(bad); err == nil {
		t.Fatal("bad magic accepted")
	}

	// Unsupported version
	bad = append([]byte(nil), frame...)
	bad[2] = 99
	if _, err := codec.Decode(bad); err == nil {
		t.Fatal("unknown version accepted")
	}

	// Header payload length disagrees with the frame size
	bad = append([]byte(nil), frame...)
	binary.LittleEndian.PutUint32(bad[20:], 1)
	if _, err := codec.Decode(bad); err == nil {
		t.Fatal("length mismatch accepted")
	}

	// Flipped payload byte fails the CRC check
	bad = append([]byte(nil), frame...)
	bad[ChunkFrameHeaderSize] ^= 0xff
	if _, err := codec.Decode(bad); err == nil {
		t.Fatal("corrupted payload accepted")
	}

	stats := codec.Stats()
	if stats["crc_failures"] != 1 {
		t.Fatalf("crc failures %d, want 1", stats["crc_failures"])
	}
}

func TestChunkFrameStats(t *testing.T) {
	codec, err := NewChunkFrameCodec(false)
	if err != nil {
		t.Fatalf("NewChunkFrameCodec: %v", err)
	}
	defer codec.Close()

	frame := codec.Encode(4, 0, 1, []byte("x"))
	codec.Decode(frame)
	codec.Decode(frame)

	stats := codec.Stats()
	if stats["frames_encoded"] != 1 || stats["frames_decoded"] != 2 {
		t.Fatalf("stats %v", stats)
	}
}

func TestSessionHashStable(t *testing.T) {
	a := SessionHash("abc123")
	b := SessionHash("abc123")
	if a != b {
		t.Fatal("hash not deterministic")
	}
	if SessionHash("abc123") == SessionHash("abc124") {
		t.Fatal("distinct ids collide trivially")
	}
	// FNV-1a offset basis for the empty string
	if SessionHash("") != 14695981039346656037 {
		t.Fatalf("empty-string hash %d", SessionHash(""))
	}
}
