// Package routing implements the smart per-message channel router: given a
// message's metadata and a target, it picks which transport channel should
// carry it, weighing connected state, health, and learned channel weights.
// The slot-selection and weighted-round-robin shape is new relative to the
// teacher (katzenpost always has exactly one channel to the Provider); it is
// grounded on client2/connection.go's `dstAddrs` candidate list, generalized
// from "an ordered list of addresses for one transport" to "a decision
// matrix keyed by traffic shape, naming a primary and fallback channel
// type".
package routing

import (
	"time"

	"github.com/pywatt/pywatt-sdk-go/transport"
)

// Priority mirrors the four-tier priority used by the queue package. It is
// duplicated rather than imported to keep routing and queue independent of
// each other; both are grounded on the same spec vocabulary.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// MessageType classifies the traffic shape of a message for slot selection.
type MessageType uint8

const (
	TypeStandard MessageType = iota
	TypeRealTime
	TypeBulk
	TypeFileTransfer
)

// Metadata carries the optional per-message properties the router consults.
type Metadata struct {
	Priority    Priority
	Type        MessageType
	RequiresAck bool
	Timeout     time.Duration
	Retryable   bool
}

// Location classifies a routing target as local or remote.
type Location uint8

const (
	LocationRemote Location = iota
	LocationLocal
)

// ClassifyTarget implements the spec's local/remote rule: a target is local
// if it begins with 127.0.0.1, localhost, or unix://, or contains no colon
// at all (a bare hostname with no port, which only a local process would be
// addressed by in this protocol).
func ClassifyTarget(target string) Location {
	switch {
	case hasPrefix(target, "127.0.0.1"), hasPrefix(target, "localhost"), hasPrefix(target, "unix://"):
		return LocationLocal
	case !containsColon(target):
		return LocationLocal
	default:
		return LocationRemote
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func containsColon(s string) bool {
	for _, r := range s {
		if r == ':' {
			return true
		}
	}
	return false
}

// Slot is the routing-matrix key selected by (priority, type, location,
// size).
type Slot uint8

const (
	SlotUrgent Slot = iota
	SlotRealTime
	SlotBulk
	SlotFileTransfer
	SlotLocalSmall
	SlotLocalLarge
	SlotRemote
)

func (s Slot) String() string {
	switch s {
	case SlotUrgent:
		return "urgent"
	case SlotRealTime:
		return "real-time"
	case SlotBulk:
		return "bulk"
	case SlotFileTransfer:
		return "file-transfer"
	case SlotLocalSmall:
		return "local-small"
	case SlotLocalLarge:
		return "local-large"
	case SlotRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// localSmallThreshold is the size (bytes) under which a local message is
// routed to the local-small slot rather than local-large.
const localSmallThreshold = 1024

// SelectSlot implements the spec's slot-selection order: Critical first,
// then High+RealTime, then Bulk, then FileTransfer type, then local
// size-based slots, then remote as the catch-all.
func SelectSlot(meta Metadata, loc Location, size int) Slot {
	switch {
	case meta.Priority == PriorityCritical:
		return SlotUrgent
	case meta.Priority == PriorityHigh && meta.Type == TypeRealTime:
		return SlotRealTime
	case meta.Type == TypeBulk:
		return SlotBulk
	case meta.Type == TypeFileTransfer:
		return SlotFileTransfer
	case loc == LocationLocal && size < localSmallThreshold:
		return SlotLocalSmall
	case loc == LocationLocal:
		return SlotLocalLarge
	default:
		return SlotRemote
	}
}

// RoutingDecision is the router's output for one message.
type RoutingDecision struct {
	Primary         transport.ChannelType
	Fallback        *transport.ChannelType
	Confidence      float64
	ExpectedLatency time.Duration
	Weight          float64
	Reason          string
}
