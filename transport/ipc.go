package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pywatt/pywatt-sdk-go/transport/reconnect"
	"github.com/pywatt/pywatt-sdk-go/wire"
)

// IPCConfig configures an IPCChannel.
type IPCConfig struct {
	SocketPath   string
	Capabilities Capabilities
	Policy       reconnect.Policy
	DialTimeout  time.Duration
}

// IPCChannel is a Channel backed by a Unix domain socket. It mirrors
// server/cborplugin/client.go's relationship with its subprocess: a known
// filesystem path is dialed (or, for the accepted side, handed a connection
// already returned from net.Listener.Accept), and the same length-prefixed
// wire.EncodedMessage framing used by TCPChannel rides over it.
type IPCChannel struct {
	cfg        IPCConfig
	log        *log.Logger
	serverSide bool

	// mu guards the conn handle only; sendMu and recvMu serialize the two
	// directions independently so a blocked Receive never starves a Send
	// on the same channel.
	mu     sync.Mutex
	sendMu sync.Mutex
	recvMu sync.Mutex
	conn   net.Conn
	state  stateBox
}

// NewIPCChannel creates a client-initiated IPC channel that dials
// cfg.SocketPath.
func NewIPCChannel(cfg IPCConfig) *IPCChannel {
	if cfg.Policy == nil {
		cfg.Policy = reconnect.FixedInterval{IntervalDelay: time.Second}
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = ConnectTimeout
	}
	if cfg.Capabilities.MaxMessageSize == 0 {
		cfg.Capabilities = DefaultIPCCapabilities()
	}
	c := &IPCChannel{cfg: cfg, log: log.NewWithOptions(log.StandardLog().Writer(), log.Options{Prefix: "transport/ipc"})}
	c.state.store(StateDisconnected)
	return c
}

// NewIPCChannelFromAccepted wraps a connection accepted on a listening Unix
// socket. Like its TCP counterpart, it never reconnects.
func NewIPCChannelFromAccepted(conn net.Conn, caps Capabilities) *IPCChannel {
	if caps.MaxMessageSize == 0 {
		caps = DefaultIPCCapabilities()
	}
	c := &IPCChannel{
		cfg:        IPCConfig{Capabilities: caps},
		log:        log.NewWithOptions(log.StandardLog().Writer(), log.Options{Prefix: "transport/ipc"}),
		serverSide: true,
		conn:       conn,
	}
	c.state.store(StateConnected)
	return c
}

func (c *IPCChannel) Type() ChannelType          { return ChannelIPC }
func (c *IPCChannel) Capabilities() Capabilities { return c.cfg.Capabilities }
func (c *IPCChannel) State() ConnectionState     { return c.state.load() }
func (c *IPCChannel) IsServerAccepted() bool     { return c.serverSide }

// Connect dials cfg.SocketPath, retrying per cfg.Policy. A socket path that
// does not exist yet (the orchestrator hasn't created it) is treated the
// same as any other dial failure and retried.
func (c *IPCChannel) Connect(ctx context.Context) error {
	if c.serverSide {
		return nil
	}
	if c.State() == StateConnected {
		return nil
	}
	if c.cfg.SocketPath == "" {
		c.state.store(StateFailed)
		return &ConnError{Err: errors.New("ipc: empty socket path")}
	}
	c.state.store(StateConnecting)

	maxAttempts := c.cfg.Policy.MaxAttempts()
	for attempt := 0; ; attempt++ {
		if maxAttempts > 0 && attempt >= maxAttempts {
			c.state.store(StateFailed)
			return &ReconnectionFailedError{Attempts: attempt}
		}
		if attempt > 0 {
			delay := c.cfg.Policy.Delay(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.state.store(StateDisconnected)
				return ctx.Err()
			}
		}

		if _, err := os.Stat(c.cfg.SocketPath); err != nil {
			c.log.Warnf("ipc socket %s not ready (attempt %d): %v", c.cfg.SocketPath, attempt+1, err)
			if _, ok := c.cfg.Policy.(reconnect.None); ok {
				c.state.store(StateFailed)
				return &ConnError{Err: err}
			}
			c.state.store(StateDisconnected)
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "unix", c.cfg.SocketPath)
		cancel()
		if err != nil {
			c.log.Warnf("dial %s failed (attempt %d): %v", c.cfg.SocketPath, attempt+1, err)
			if _, ok := c.cfg.Policy.(reconnect.None); ok {
				c.state.store(StateFailed)
				return &ConnError{Err: err}
			}
			c.state.store(StateDisconnected)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.state.store(StateConnected)
		return nil
	}
}

// Disconnect closes the underlying connection, if any.
func (c *IPCChannel) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.state.store(StateDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send serializes and writes msg, one writer at a time.
func (c *IPCChannel) Send(ctx context.Context, msg wire.EncodedMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &ConnError{Err: errors.New("not connected")}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}

	if err := wire.WriteTo(conn, msg, c.cfg.Capabilities.MaxMessageSize); err != nil {
		c.onIOError(conn)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return &TimeoutError{Op: "send"}
		}
		return &IOError{Op: "send", Err: err}
	}
	return nil
}

// Receive reads exactly one frame, one reader at a time.
func (c *IPCChannel) Receive(ctx context.Context) (wire.EncodedMessage, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return wire.EncodedMessage{}, &ConnError{Err: errors.New("not connected")}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}

	msg, err := wire.Decode(conn, c.cfg.Capabilities.MaxMessageSize)
	if err != nil {
		c.onIOError(conn)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return wire.EncodedMessage{}, &ClosedError{}
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return wire.EncodedMessage{}, &TimeoutError{Op: "receive"}
		}
		return wire.EncodedMessage{}, &IOError{Op: "receive", Err: err}
	}
	return msg, nil
}

func (c *IPCChannel) onIOError(failed net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == failed && c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state.store(StateDisconnected)
}

var _ Channel = (*IPCChannel)(nil)
