package ipcproto

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
)

// ErrBrokenPipe reports that the orchestrator end of stdout went away.
// Callers that are announcing treat it as non-fatal per the bootstrap
// contract.
var ErrBrokenPipe = errors.New("ipcproto: broken pipe")

// LineWriter serializes tagged protocol messages as newline-terminated JSON
// onto a single writer (stdout in production). Writes are mutexed so
// concurrent subsystems (announce, port negotiation, secret RPC) never
// interleave partial lines.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineWriter wraps w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// StdoutLineWriter returns a LineWriter on the process's stdout.
func StdoutLineWriter() *LineWriter {
	return NewLineWriter(os.Stdout)
}

// Send marshals v with its op tag and writes it as one line.
func (lw *LineWriter) Send(op string, v interface{}) error {
	line, err := Marshal(op, v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(line); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
			return ErrBrokenPipe
		}
		return err
	}
	return nil
}

// LineReader yields one parsed Inbound message per line. Lines that fail to
// parse are returned as errors, leaving the reader usable for the next
// line; io.EOF means stdin closed (a shutdown signal at bootstrap).
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r. The scanner buffer accepts lines up to 16 MiB, the
// same bound as the IPC channel's default max message size, since an
// InitBlob can carry a large env map.
func NewLineReader(r io.Reader) *LineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return &LineReader{scanner: s}
}

// Next reads and parses the next line. It returns io.EOF when the stream
// ends.
func (lr *LineReader) Next() (*Inbound, error) {
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := lr.scanner.Bytes()
	if len(line) == 0 {
		return lr.Next()
	}
	return UnmarshalInbound(line)
}
