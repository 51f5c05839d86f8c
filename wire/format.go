// Package wire implements the on-the-wire frame format shared by every
// transport channel: a big-endian u32 length, a u8 format tag, and exactly
// length bytes of payload. See server/cborplugin.Client's tagged Marshal/
// Unmarshal commands and stream.Stream.txFrame/readFrame in the katzenpost
// corpus for the fixed-size-unit-per-message idiom this generalizes.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Format is the closed set of payload encodings a Frame may carry.
type Format uint8

const (
	// FormatJSON tags a payload as UTF-8 JSON. This is the only format
	// ever used on the stdout/stdin line protocol (ipcproto), and is also
	// available for framed messages on a transport Channel.
	FormatJSON Format = 0x01
	// FormatCBOR tags a payload as CBOR-encoded. Used for inter-module
	// payloads and anywhere a denser binary encoding is worthwhile.
	FormatCBOR Format = 0x02
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// Valid reports whether f is one of the known format tags.
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatCBOR:
		return true
	default:
		return false
	}
}

// EncodedMessage is an opaque payload plus the format tag it was encoded
// with. It is immutable after construction: callers must not mutate the
// returned Bytes() slice.
type EncodedMessage struct {
	format  Format
	payload []byte
}

// NewEncodedMessage wraps a payload with its format tag. The payload is not
// copied; callers must not mutate it afterwards.
func NewEncodedMessage(format Format, payload []byte) (EncodedMessage, error) {
	if !format.Valid() {
		return EncodedMessage{}, fmt.Errorf("wire: invalid format tag %d", uint8(format))
	}
	return EncodedMessage{format: format, payload: payload}, nil
}

// EncodeJSON marshals v to JSON and wraps it as a FormatJSON message.
func EncodeJSON(v interface{}) (EncodedMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return EncodedMessage{}, fmt.Errorf("wire: json encode: %w", err)
	}
	return EncodedMessage{format: FormatJSON, payload: b}, nil
}

// EncodeCBOR marshals v to CBOR and wraps it as a FormatCBOR message.
func EncodeCBOR(v interface{}) (EncodedMessage, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return EncodedMessage{}, fmt.Errorf("wire: cbor encode: %w", err)
	}
	return EncodedMessage{format: FormatCBOR, payload: b}, nil
}

// Format returns the message's format tag.
func (m EncodedMessage) Format() Format { return m.format }

// Bytes returns the raw payload. Callers must not mutate it.
func (m EncodedMessage) Bytes() []byte { return m.payload }

// Len returns the payload length in bytes.
func (m EncodedMessage) Len() int { return len(m.payload) }

// Decode unmarshals the payload into v according to the message's format
// tag. Unknown tags are a programmer error caught by Valid() at
// construction, so this only ever dispatches on FormatJSON/FormatCBOR.
func (m EncodedMessage) Decode(v interface{}) error {
	switch m.format {
	case FormatJSON:
		if err := json.Unmarshal(m.payload, v); err != nil {
			return fmt.Errorf("wire: json decode: %w", err)
		}
		return nil
	case FormatCBOR:
		if err := cbor.Unmarshal(m.payload, v); err != nil {
			return fmt.Errorf("wire: cbor decode: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("wire: cannot decode unknown format %d", uint8(m.format))
	}
}
