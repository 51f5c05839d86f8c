package transport

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/transport/reconnect"
	"github.com/pywatt/pywatt-sdk-go/wire"
)

func startEchoUnixServer(t *testing.T, path string) (stop func()) {
	t.Helper()
	ln, err := net.Listen("unix", path)
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
					msg, err := wire.Decode(c, DefaultIPCCapabilities().MaxMessageSize)
					if err != nil {
						return
					}
					if err := wire.WriteTo(c, msg, DefaultIPCCapabilities().MaxMessageSize); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return func() { ln.Close() }
}

func TestIPCChannelEchoRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "pywatt.sock")
	stop := startEchoUnixServer(t, sockPath)
	defer stop()

	ch := NewIPCChannel(IPCConfig{SocketPath: sockPath, Policy: reconnect.None{}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, ch.Connect(ctx))
	require.Equal(t, StateConnected, ch.State())
	require.True(t, ch.Capabilities().MaxMessageSize >= DefaultTCPCapabilities().MaxMessageSize)

	msg, err := wire.EncodeJSON(echoPayload{N: 7})
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, msg))

	reply, err := ch.Receive(ctx)
	require.NoError(t, err)
	var got echoPayload
	require.NoError(t, reply.Decode(&got))
	require.Equal(t, 7, got.N)

	require.NoError(t, ch.Disconnect())
	require.Equal(t, StateDisconnected, ch.State())
}

func TestIPCChannelConnectWaitsForSocketToAppear(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "pywatt.sock")

	ch := NewIPCChannel(IPCConfig{
		SocketPath: sockPath,
		Policy:     reconnect.FixedInterval{IntervalDelay: 20 * time.Millisecond, MaxAttemptsOpt: 50},
	})

	go func() {
		time.Sleep(60 * time.Millisecond)
		startEchoUnixServer(t, sockPath)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	require.Equal(t, StateConnected, ch.State())
}

func TestIPCChannelServerAcceptedNeverReconnects(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	ch := NewIPCChannelFromAccepted(c1, DefaultIPCCapabilities())
	require.True(t, ch.IsServerAccepted())
	require.NoError(t, ch.Connect(context.Background()))
	require.Equal(t, StateConnected, ch.State())
}
