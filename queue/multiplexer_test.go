package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/wire"
)

func TestMultiplexerRoundTrip(t *testing.T) {
	m := NewMultiplexer(time.Second)

	var captured string
	resp, err := m.SendRequest(context.Background(), func(requestID string) error {
		captured = requestID
		go func() {
			reply, _ := wire.EncodeJSON("pong")
			m.HandleResponse(requestID, reply)
		}()
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, captured)

	var got string
	require.NoError(t, resp.Decode(&got))
	require.Equal(t, "pong", got)
	require.Zero(t, m.Pending(), "slot removed after response")
}

func TestMultiplexerTimeoutRemovesSlot(t *testing.T) {
	m := NewMultiplexer(30 * time.Millisecond)

	_, err := m.SendRequest(context.Background(), func(requestID string) error { return nil })
	var timeoutErr *RequestTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Zero(t, m.Pending())
}

func TestMultiplexerCancellationRemovesSlot(t *testing.T) {
	m := NewMultiplexer(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := m.SendRequest(ctx, func(requestID string) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, m.Pending())
}

func TestMultiplexerDiscardsUnknownResponse(t *testing.T) {
	m := NewMultiplexer(time.Second)
	reply, _ := wire.EncodeJSON("orphan")
	require.False(t, m.HandleResponse("no-such-request", reply))
}

func TestMultiplexerSendFailureRemovesSlot(t *testing.T) {
	m := NewMultiplexer(time.Second)
	_, err := m.SendRequest(context.Background(), func(requestID string) error {
		return context.DeadlineExceeded
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, m.Pending())
}
