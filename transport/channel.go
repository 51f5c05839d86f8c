package transport

import (
	"context"
	"time"

	"github.com/pywatt/pywatt-sdk-go/wire"
)

// ChannelType names the two concrete transports. Kept as a small closed
// tagged value, per spec section 9's guidance, rather than unconstrained
// polymorphism: callers switch on Type() instead of type-asserting.
type ChannelType uint8

const (
	ChannelTCP ChannelType = iota
	ChannelIPC
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTCP:
		return "tcp"
	case ChannelIPC:
		return "ipc"
	default:
		return "unknown"
	}
}

// Channel is the contract both TCPChannel and IPCChannel implement. Exactly
// one outstanding Send and one outstanding Receive are permitted at a time;
// implementations serialize callers internally.
type Channel interface {
	Type() ChannelType
	State() ConnectionState
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect() error

	Send(ctx context.Context, msg wire.EncodedMessage) error
	Receive(ctx context.Context) (wire.EncodedMessage, error)

	// IsServerAccepted reports whether this channel was constructed from
	// a connection the orchestrator initiated toward us (as opposed to one
	// we dialed out). Server-accepted channels never reconnect (spec
	// invariant 4 / section 4.2).
	IsServerAccepted() bool
}

// Capabilities describes what a channel supports, including the maximum
// payload size the wire codec will accept before rejecting a Send.
type Capabilities struct {
	ModuleMessaging bool
	HTTPProxy       bool
	ServiceCalls    bool
	FileTransfer    bool
	Streaming       bool
	Batching        bool
	Compression     bool
	MaxMessageSize  uint32
}

// DefaultTCPCapabilities and DefaultIPCCapabilities mirror spec section 3's
// requirement that the IPC default max message size be >= the TCP default.
func DefaultTCPCapabilities() Capabilities {
	return Capabilities{
		ModuleMessaging: true,
		HTTPProxy:       true,
		ServiceCalls:    true,
		FileTransfer:    true,
		Streaming:       true,
		Batching:        true,
		Compression:     true,
		MaxMessageSize:  4 << 20, // 4 MiB
	}
}

func DefaultIPCCapabilities() Capabilities {
	c := DefaultTCPCapabilities()
	c.MaxMessageSize = 16 << 20 // 16 MiB
	return c
}

// Preferences controls which channel types bootstrap is permitted to use
// and how the smart router should weight local-vs-remote traffic.
type Preferences struct {
	UseTCP             bool
	UseIPC             bool
	PreferIPCForLocal  bool
	PreferTCPForRemote bool
	EnableFallback     bool
}

// DefaultPreferences enables both transports with IPC preferred locally,
// matching the spec's description of typical module deployment.
func DefaultPreferences() Preferences {
	return Preferences{
		UseTCP:             true,
		UseIPC:             true,
		PreferIPCForLocal:  true,
		PreferTCPForRemote: true,
		EnableFallback:     true,
	}
}

// ConnectTimeout is the default per-attempt connect deadline used by
// bootstrap when bringing channels up (spec section 4.11 step 4).
const ConnectTimeout = 5 * time.Second
