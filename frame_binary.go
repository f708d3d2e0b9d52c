package main

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Binary Chunk Frame Format
// =========================
//
// Chunks cross the air as self-describing binary frames with optional zstd
// compression of the chunk payload. The header is fixed-size so the receive
// side can parse it before the payload finishes arriving.
//
// FRAME HEADER FORMAT (32 bytes):
// -------------------------------
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------------
// 0      | 2    | uint16  | Magic bytes: 0x4346 ("CF" for Chunk Frame)
// 2      | 1    | uint8   | Version: 1
// 3      | 1    | uint8   | Payload format: 0=raw, 1=zstd
// 4      | 8    | uint64  | Session hash (FNV-1a of the session id)
// 12     | 4    | uint32  | Piece index within the session
// 16     | 4    | uint32  | Total pieces in the session
// 20     | 4    | uint32  | Payload length in bytes (after compression)
// 24     | 4    | uint32  | CRC32 (IEEE) of the uncompressed payload
// 28     | 4    | uint32  | Reserved for future use
// 32     | N    | []byte  | Chunk payload

const (
	ChunkFrameMagic   uint16 = 0x4346 // "CF"
	ChunkFrameVersion uint8  = 1

	ChunkPayloadRaw  uint8 = 0
	ChunkPayloadZstd uint8 = 1

	ChunkFrameHeaderSize = 32
)

// ChunkFrame is a decoded over-the-air chunk frame
type ChunkFrame struct {
	SessionHash uint64
	PieceIndex  uint32
	TotalPieces uint32
	Payload     []byte
}

// ChunkFrameCodec encodes and decodes chunk frames with optional zstd
// payload compression. Safe for concurrent use.
type ChunkFrameCodec struct {
	useCompression bool
	encoder        *zstd.Encoder
	decoder        *zstd.Decoder
	mu             sync.Mutex

	framesEncoded uint64
	framesDecoded uint64
	crcFailures   uint64
}

// NewChunkFrameCodec creates a codec. Compression is worth it for text-like
// chunk content; already-compressed content should pass useCompression=false.
func NewChunkFrameCodec(useCompression bool) (*ChunkFrameCodec, error) {
	c := &ChunkFrameCodec{useCompression: useCompression}

	if useCompression {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.encoder = encoder
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.decoder = decoder

	return c, nil
}

// Encode builds the wire frame for one chunk
func (c *ChunkFrameCodec) Encode(sessionHash uint64, pieceIndex, totalPieces uint32, payload []byte) []byte {
	crc := crc32.ChecksumIEEE(payload)

	format := ChunkPayloadRaw
	body := payload
	if c.useCompression {
		c.mu.Lock()
		compressed := c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
		c.mu.Unlock()
		// Keep the raw payload when compression does not help
		if len(compressed) < len(payload) {
			format = ChunkPayloadZstd
			body = compressed
		}
	}

	frame := make([]byte, ChunkFrameHeaderSize+len(body))
	binary.LittleEndian.PutUint16(frame[0:], ChunkFrameMagic)
	frame[2] = ChunkFrameVersion
	frame[3] = format
	binary.LittleEndian.PutUint64(frame[4:], sessionHash)
	binary.LittleEndian.PutUint32(frame[12:], pieceIndex)
	binary.LittleEndian.PutUint32(frame[16:], totalPieces)
	binary.LittleEndian.PutUint32(frame[20:], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[24:], crc)
	binary.LittleEndian.PutUint32(frame[28:], 0)
	copy(frame[ChunkFrameHeaderSize:], body)

	c.mu.Lock()
	c.framesEncoded++
	c.mu.Unlock()

	return frame
}

// Decode parses and validates one wire frame. The payload is decompressed
// and CRC-checked before being returned.
func (c *ChunkFrameCodec) Decode(frame []byte) (*ChunkFrame, error) {
	if len(frame) < ChunkFrameHeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	if magic := binary.LittleEndian.Uint16(frame[0:]); magic != ChunkFrameMagic {
		return nil, fmt.Errorf("bad frame magic 0x%04x", magic)
	}
	if frame[2] != ChunkFrameVersion {
		return nil, fmt.Errorf("unsupported frame version %d", frame[2])
	}
	format := frame[3]

	payloadLen := binary.LittleEndian.Uint32(frame[20:])
	if int(payloadLen) != len(frame)-ChunkFrameHeaderSize {
		return nil, fmt.Errorf("payload length mismatch: header says %d, frame has %d",
			payloadLen, len(frame)-ChunkFrameHeaderSize)
	}

	body := frame[ChunkFrameHeaderSize:]
	payload := body
	if format == ChunkPayloadZstd {
		decompressed, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		payload = decompressed
	} else {
		payload = make([]byte, len(body))
		copy(payload, body)
	}

	wantCRC := binary.LittleEndian.Uint32(frame[24:])
	if got := crc32.ChecksumIEEE(payload); got != wantCRC {
		c.mu.Lock()
		c.crcFailures++
		c.mu.Unlock()
		return nil, fmt.Errorf("payload CRC mismatch: got 0x%08x want 0x%08x", got, wantCRC)
	}

	c.mu.Lock()
	c.framesDecoded++
	c.mu.Unlock()

	return &ChunkFrame{
		SessionHash: binary.LittleEndian.Uint64(frame[4:]),
		PieceIndex:  binary.LittleEndian.Uint32(frame[12:]),
		TotalPieces: binary.LittleEndian.Uint32(frame[16:]),
		Payload:     payload,
	}, nil
}

// Stats returns codec counters
func (c *ChunkFrameCodec) Stats() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]uint64{
		"frames_encoded": c.framesEncoded,
		"frames_decoded": c.framesDecoded,
		"crc_failures":   c.crcFailures,
	}
}

// Close releases codec resources
func (c *ChunkFrameCodec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

// SessionHash derives the 64-bit FNV-1a hash used in frame headers from a
// session id string
func SessionHash(sessionID string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211

	h := uint64(offset64)
	for i := 0; i < len(sessionID); i++ {
		h ^= uint64(sessionID[i])
		h *= prime64
	}
	return h
}
