package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size in bytes of the length-prefix + format-tag header
// that precedes every frame's payload.
const HeaderLen = 4 + 1

// DefaultMaxPayloadLen is used when a channel capability does not specify
// max_message_size.
const DefaultMaxPayloadLen = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned by Encode when a payload exceeds the
// supplied maxLen, and by Decode when a declared frame length exceeds it.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum payload length")

// ErrShortFrame indicates decode() observed a short read: on EOF this means
// the peer closed the connection mid-frame (ConnectionClosed semantics at
// the transport layer); otherwise it is a genuine I/O error.
var ErrShortFrame = errors.New("wire: short read while decoding frame")

// Encode serializes msg as length ‖ format ‖ payload. maxLen bounds the
// payload length; pass 0 to use DefaultMaxPayloadLen.
func Encode(msg EncodedMessage, maxLen uint32) ([]byte, error) {
	if maxLen == 0 {
		maxLen = DefaultMaxPayloadLen
	}
	if uint32(msg.Len()) > maxLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, msg.Len(), maxLen)
	}
	buf := make([]byte, HeaderLen+msg.Len())
	binary.BigEndian.PutUint32(buf[0:4], uint32(msg.Len()))
	buf[4] = byte(msg.format)
	copy(buf[HeaderLen:], msg.payload)
	return buf, nil
}

// WriteTo encodes msg and writes it to w in a single Write call, so that a
// partial write (and hence a torn frame) is detectable by the caller as one
// failed operation rather than silently interleaved with the next frame.
func WriteTo(w io.Writer, msg EncodedMessage, maxLen uint32) error {
	buf, err := Encode(msg, maxLen)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("wire: short write: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// Decode reads exactly one frame from r. A short read on the header or
// payload is reported as ErrShortFrame wrapping io.EOF (clean peer close)
// or the underlying I/O error. maxLen bounds the accepted payload length;
// pass 0 to use DefaultMaxPayloadLen.
func Decode(r io.Reader, maxLen uint32) (EncodedMessage, error) {
	if maxLen == 0 {
		maxLen = DefaultMaxPayloadLen
	}
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return EncodedMessage{}, joinShort(err)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	format := Format(header[4])
	if length > maxLen {
		return EncodedMessage{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxLen)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return EncodedMessage{}, joinShort(err)
		}
	}
	if !format.Valid() {
		return EncodedMessage{}, fmt.Errorf("wire: invalid format tag %d in frame", header[4])
	}
	return EncodedMessage{format: format, payload: payload}, nil
}

func joinShort(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrShortFrame, io.EOF)
	}
	return fmt.Errorf("%w: %w", ErrShortFrame, err)
}
