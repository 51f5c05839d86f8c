package wire_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/wire"
)

func TestRoundTripJSON(t *testing.T) {
	type payload struct {
		Hello string `json:"hello"`
	}
	msg, err := wire.EncodeJSON(payload{Hello: "world"})
	require.NoError(t, err)

	buf, err := wire.Encode(msg, 0)
	require.NoError(t, err)

	decoded, err := wire.Decode(bytes.NewReader(buf), 0)
	require.NoError(t, err)
	assert.Equal(t, wire.FormatJSON, decoded.Format())

	var out payload
	require.NoError(t, decoded.Decode(&out))
	assert.Equal(t, "world", out.Hello)
}

func TestRoundTripCBOR(t *testing.T) {
	type payload struct {
		N int `cbor:"n"`
	}
	msg, err := wire.EncodeCBOR(payload{N: 42})
	require.NoError(t, err)

	buf, err := wire.Encode(msg, 0)
	require.NoError(t, err)

	decoded, err := wire.Decode(bytes.NewReader(buf), 0)
	require.NoError(t, err)
	assert.Equal(t, wire.FormatCBOR, decoded.Format())

	var out payload
	require.NoError(t, decoded.Decode(&out))
	assert.Equal(t, 42, out.N)
}

func TestZeroLengthPayload(t *testing.T) {
	msg, err := wire.NewEncodedMessage(wire.FormatJSON, nil)
	require.NoError(t, err)

	buf, err := wire.Encode(msg, 0)
	require.NoError(t, err)
	assert.Len(t, buf, wire.HeaderLen)

	decoded, err := wire.Decode(bytes.NewReader(buf), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, decoded.Len())
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	msg, err := wire.NewEncodedMessage(wire.FormatJSON, make([]byte, 100))
	require.NoError(t, err)

	_, err = wire.Encode(msg, 10)
	assert.ErrorIs(t, err, wire.ErrFrameTooLarge)
}

func TestDecodeRejectsOversizedDeclaredLength(t *testing.T) {
	msg, err := wire.NewEncodedMessage(wire.FormatJSON, make([]byte, 100))
	require.NoError(t, err)
	buf, err := wire.Encode(msg, 0)
	require.NoError(t, err)

	_, err = wire.Decode(bytes.NewReader(buf), 10)
	assert.ErrorIs(t, err, wire.ErrFrameTooLarge)
}

func TestDecodeShortReadIsFatal(t *testing.T) {
	// A header declaring more payload bytes than are actually present.
	var header [wire.HeaderLen]byte
	header[0], header[1], header[2], header[3] = 0, 0, 0, 10
	header[4] = byte(wire.FormatJSON)
	partial := append(header[:], []byte("12345")...) // only 5 of 10 bytes

	_, err := wire.Decode(bytes.NewReader(partial), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, wire.ErrShortFrame) || errors.Is(err, io.ErrUnexpectedEOF))
}

func TestDecodeNoFrameAtAllIsEOF(t *testing.T) {
	_, err := wire.Decode(bytes.NewReader(nil), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrShortFrame)
}

func TestAtomicityAcrossTwoFrames(t *testing.T) {
	var buf bytes.Buffer
	m1, _ := wire.EncodeJSON("first")
	m2, _ := wire.EncodeJSON("second")
	require.NoError(t, wire.WriteTo(&buf, m1, 0))
	require.NoError(t, wire.WriteTo(&buf, m2, 0))

	got1, err := wire.Decode(&buf, 0)
	require.NoError(t, err)
	got2, err := wire.Decode(&buf, 0)
	require.NoError(t, err)

	var s1, s2 string
	require.NoError(t, got1.Decode(&s1))
	require.NoError(t, got2.Decode(&s2))
	assert.Equal(t, "first", s1)
	assert.Equal(t, "second", s2)
}
