package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/transport/reconnect"
	"github.com/pywatt/pywatt-sdk-go/wire"
)

type echoPayload struct {
	N int `json:"n"`
}

// startEchoTCPServer accepts one connection at a time and echoes back
// whatever frame it reads, closing the connection between accepts only when
// the caller closes the listener.
func startEchoTCPServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					msg, err := wire.Decode(c, DefaultTCPCapabilities().MaxMessageSize)
					if err != nil {
						return
					}
					if err := wire.WriteTo(c, msg, DefaultTCPCapabilities().MaxMessageSize); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestTCPChannelEchoRoundTrip(t *testing.T) {
	addr, stop := startEchoTCPServer(t)
	defer stop()

	ch := NewTCPChannel(TCPConfig{Address: addr, Policy: reconnect.None{}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, ch.Connect(ctx))
	require.Equal(t, StateConnected, ch.State())

	msg, err := wire.EncodeJSON(echoPayload{N: 42})
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, msg))

	reply, err := ch.Receive(ctx)
	require.NoError(t, err)
	var got echoPayload
	require.NoError(t, reply.Decode(&got))
	require.Equal(t, 42, got.N)

	require.NoError(t, ch.Disconnect())
	require.Equal(t, StateDisconnected, ch.State())
}

func TestTCPChannelReconnectsAfterServerRestart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	accept := func(l net.Listener) {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		msg, err := wire.Decode(conn, DefaultTCPCapabilities().MaxMessageSize)
		if err == nil {
			wire.WriteTo(conn, msg, DefaultTCPCapabilities().MaxMessageSize)
		}
		conn.Close()
	}
	go accept(ln)

	ch := NewTCPChannel(TCPConfig{
		Address: addr,
		Policy:  reconnect.FixedInterval{IntervalDelay: 20 * time.Millisecond, MaxAttemptsOpt: 50},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))

	msg, _ := wire.EncodeJSON(echoPayload{N: 1})
	require.NoError(t, ch.Send(ctx, msg))
	_, err = ch.Receive(ctx)
	require.NoError(t, err)

	ln.Close()
	ch.Disconnect()

	ln2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer ln2.Close()
	go accept(ln2)

	reconnectCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, ch.Connect(reconnectCtx))
	require.Equal(t, StateConnected, ch.State())

	msg2, _ := wire.EncodeJSON(echoPayload{N: 2})
	require.NoError(t, ch.Send(reconnectCtx, msg2))
	reply, err := ch.Receive(reconnectCtx)
	require.NoError(t, err)
	var got echoPayload
	require.NoError(t, reply.Decode(&got))
	require.Equal(t, 2, got.N)
}

func TestTCPChannelConnectFailureWithNoneMarksFailed(t *testing.T) {
	ch := NewTCPChannel(TCPConfig{Address: "127.0.0.1:1", Policy: reconnect.None{}})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ch.Connect(ctx)
	require.Error(t, err)
	require.Equal(t, StateFailed, ch.State())
}

func TestTCPChannelFixedIntervalExhaustsAttemptBudget(t *testing.T) {
	ch := NewTCPChannel(TCPConfig{
		Address: "127.0.0.1:1",
		Policy:  reconnect.FixedInterval{IntervalDelay: time.Millisecond, MaxAttemptsOpt: 4},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ch.Connect(ctx)
	var reconnErr *ReconnectionFailedError
	require.ErrorAs(t, err, &reconnErr)
	require.Equal(t, 4, reconnErr.Attempts)
	require.Equal(t, StateFailed, ch.State())
}

func TestTCPChannelServerAcceptedNeverReconnects(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	ch := NewTCPChannelFromAccepted(c1, DefaultTCPCapabilities())
	require.True(t, ch.IsServerAccepted())
	require.NoError(t, ch.Connect(context.Background()))
	require.Equal(t, StateConnected, ch.State())
}
