package transport

import "sync/atomic"

// ConnectionState is the lifecycle state of a Channel. Transitions are
// monotonic within one connect attempt: Disconnected -> Connecting ->
// (Connected | Disconnected | Failed). Failed is terminal and recoverable
// only via an explicit reset (see Channel.Connect on a channel whose policy
// permits reconnection).
type ConnectionState uint32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stateBox is an atomic ConnectionState holder shared by TCPChannel and
// IPCChannel so both transports enforce the same monotonicity rule.
type stateBox struct {
	v uint32
}

func (b *stateBox) load() ConnectionState {
	return ConnectionState(atomic.LoadUint32(&b.v))
}

func (b *stateBox) store(s ConnectionState) {
	atomic.StoreUint32(&b.v, uint32(s))
}
