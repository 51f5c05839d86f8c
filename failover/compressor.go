package failover

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressorConfig gates when Compress actually compresses.
type CompressorConfig struct {
	Enabled              bool
	CompressionThreshold int
}

// Compressor gzips payloads above a size threshold, grounded on
// nishisan-dev-n-backup's per-message compression mode byte
// (CompressionGzip/CompressionZstd in internal/protocol/frames.go):
// compression is a property of the individual payload, not the whole
// connection, so a failed/unhelpful compression leaves the payload as-is
// rather than failing the send.
type Compressor struct {
	cfg CompressorConfig
}

// NewCompressor constructs a Compressor from cfg.
func NewCompressor(cfg CompressorConfig) *Compressor {
	return &Compressor{cfg: cfg}
}

// Compress returns the gzip-compressed payload and true if compression ran
// and actually shrank the payload; otherwise it returns payload unchanged
// and false.
func (c *Compressor) Compress(payload []byte) ([]byte, bool) {
	if !c.cfg.Enabled || len(payload) < c.cfg.CompressionThreshold {
		return payload, false
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return payload, false
	}
	if err := w.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

// Decompress is the inverse of a successful Compress.
func (c *Compressor) Decompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failover: opening gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failover: decompressing: %w", err)
	}
	return out, nil
}
