package streaming

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maybeCompress gzips data when the config enables compression, the chunk
// meets the size threshold, and the compressed form is actually smaller.
// Otherwise data is returned unchanged with compressed=false.
func maybeCompress(cfg Config, data []byte) ([]byte, bool) {
	if !cfg.EnableCompression || len(data) < cfg.CompressionThreshold {
		return data, false
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return data, false
	}
	if err := w.Close(); err != nil {
		return data, false
	}
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
