// Package streaming implements chunked transfer of large payloads over a
// transport channel: a payload is split into CRC-checked, optionally
// compressed chunks, sent under a sliding flow-control window, acknowledged
// per chunk, and reassembled in sequence order at the receiver. The window
// and ack bookkeeping are adapted from the katzenpost stream package
// (stream_window_size, the wack outstanding-frame map, and processAck's
// window slide); the streams here are finite (total_chunks is known up
// front) and integrity-checked with CRC32 instead of being encrypted.
package streaming

import (
	"time"

	"github.com/gofrs/uuid"
)

// Priority mirrors the four-tier message priority carried in stream
// metadata.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Metadata rides on chunk 0 of every stream and describes the payload as a
// whole.
type Metadata struct {
	TotalSize   int               `json:"total_size" cbor:"1,keyasint"`
	ContentType string            `json:"content_type,omitempty" cbor:"2,keyasint,omitempty"`
	Priority    Priority          `json:"priority" cbor:"3,keyasint"`
	Properties  map[string]string `json:"properties,omitempty" cbor:"4,keyasint,omitempty"`
}

// Chunk is one on-the-wire unit of a stream. Checksum is CRC32 (IEEE) over
// Data exactly as transmitted, i.e. after any compression.
type Chunk struct {
	StreamID    uuid.UUID `json:"stream_id" cbor:"1,keyasint"`
	Sequence    uint32    `json:"sequence" cbor:"2,keyasint"`
	TotalChunks uint32    `json:"total_chunks" cbor:"3,keyasint"`
	Data        []byte    `json:"data" cbor:"4,keyasint"`
	Compressed  bool      `json:"compressed,omitempty" cbor:"5,keyasint,omitempty"`
	Checksum    uint32    `json:"checksum" cbor:"6,keyasint"`
	IsFinal     bool      `json:"is_final,omitempty" cbor:"7,keyasint,omitempty"`
	Metadata    *Metadata `json:"stream_metadata,omitempty" cbor:"8,keyasint,omitempty"`
}

// Ack acknowledges (or rejects) a single chunk.
type Ack struct {
	StreamID uuid.UUID `json:"stream_id" cbor:"1,keyasint"`
	Sequence uint32    `json:"sequence" cbor:"2,keyasint"`
	Success  bool      `json:"success" cbor:"3,keyasint"`
	Error    string    `json:"error,omitempty" cbor:"4,keyasint,omitempty"`
}

// Config tunes chunking, the flow-control window, per-chunk retries, and
// compression.
type Config struct {
	MaxChunkSize         int
	WindowSize           int
	AckTimeout           time.Duration
	MaxRetries           int
	EnableCompression    bool
	CompressionThreshold int
}

// DefaultConfig returns the chunking defaults used when a caller does not
// override them.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:         64 * 1024,
		WindowSize:           8,
		AckTimeout:           5 * time.Second,
		MaxRetries:           3,
		EnableCompression:    false,
		CompressionThreshold: 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = d.MaxChunkSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	return c
}
