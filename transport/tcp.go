package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pywatt/pywatt-sdk-go/transport/reconnect"
	"github.com/pywatt/pywatt-sdk-go/wire"
)

// TCPConfig configures a TCPChannel.
type TCPConfig struct {
	Address      string
	TLSEnabled   bool
	Capabilities Capabilities
	Policy       reconnect.Policy
	DialTimeout  time.Duration
}

// TCPChannel is a Channel backed by a TCP connection. Reconnect/backoff is
// modeled directly on client2/connection.go's doConnect: a dial loop that
// waits retryDelay, dials, and on success resets the delay to zero; here the
// delay comes from a pluggable reconnect.Policy instead of one hardcoded
// linear ramp.
type TCPChannel struct {
	cfg        TCPConfig
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

// NewTCPChannel creates a client-initiated TCP channel that will dial out to
// cfg.Address and reconnect per cfg.Policy on failure.
func NewTCPChannel(cfg TCPConfig) *TCPChannel {
	if cfg.Policy == nil {
		cfg.Policy = reconnect.FixedInterval{IntervalDelay: time.Second}
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = ConnectTimeout
	}
	if cfg.Capabilities.MaxMessageSize == 0 {
		cfg.Capabilities = DefaultTCPCapabilities()
	}
	c := &TCPChannel{cfg: cfg, log: log.NewWithOptions(log.StandardLog().Writer(), log.Options{Prefix: "transport/tcp"})}
	c.state.store(StateDisconnected)
	return c
}

// NewTCPChannelFromAccepted wraps a connection the orchestrator already
// accepted toward us. Per spec section 9's open question, "server-accepted"
// is only ever set at construction time, never toggled on a live channel.
func NewTCPChannelFromAccepted(conn net.Conn, caps Capabilities) *TCPChannel {
	if caps.MaxMessageSize == 0 {
		caps = DefaultTCPCapabilities()
	}
	c := &TCPChannel{
		cfg:        TCPConfig{Capabilities: caps},
		log:        log.NewWithOptions(log.StandardLog().Writer(), log.Options{Prefix: "transport/tcp"}),
		serverSide: true,
		conn:       conn,
	}
	c.state.store(StateConnected)
	return c
}

func (c *TCPChannel) Type() ChannelType          { return ChannelTCP }
func (c *TCPChannel) Capabilities() Capabilities { return c.cfg.Capabilities }
func (c *TCPChannel) State() ConnectionState     { return c.state.load() }
func (c *TCPChannel) IsServerAccepted() bool     { return c.serverSide }

// Connect dials cfg.Address, retrying per cfg.Policy until success or the
// policy's attempt budget is exhausted. It is a no-op if already Connected.
func (c *TCPChannel) Connect(ctx context.Context) error {
	if c.serverSide {
		return nil
	}
	if c.State() == StateConnected {
		return nil
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

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", c.cfg.Address)
		cancel()
		if err != nil {
			c.log.Warnf("dial %s failed (attempt %d): %v", c.cfg.Address, attempt+1, err)
			if _, ok := c.cfg.Policy.(reconnect.None); ok {
				c.state.store(StateFailed)
				return &ConnError{Err: err}
			}
			c.state.store(StateDisconnected)
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				c.log.Warnf("failed to set TCP_NODELAY: %v", err)
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.state.store(StateConnected)
		return nil
	}
}

// Disconnect closes the underlying connection, if any, and transitions to
// Disconnected.
func (c *TCPChannel) Disconnect() error {
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

// Send serializes and writes msg, one writer at a time. Any I/O error
// transitions the channel to Disconnected before returning.
func (c *TCPChannel) Send(ctx context.Context, msg wire.EncodedMessage) error {
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
func (c *TCPChannel) Receive(ctx context.Context) (wire.EncodedMessage, error) {
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

// onIOError drops the failed stream handle and transitions to Disconnected
// (ConnectionClosed semantics are left to the caller for server-accepted
// channels, which never reconnect per the accepted-channel contract).
func (c *TCPChannel) onIOError(failed net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == failed && c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state.store(StateDisconnected)
}

var _ Channel = (*TCPChannel)(nil)
