package routing

import "github.com/pywatt/pywatt-sdk-go/transport"

// Conditions gates whether a channel is viable for a slot beyond simple
// availability: the message must fit, and the channel's recent health must
// clear the configured bars.
type Conditions struct {
	MaxMessageSize uint32
	MinHealth      float64
	MaxLatencyMS   int64
	MinThroughput  float64
}

// SlotConfig names the primary and optional fallback channel for one Slot,
// plus the viability Conditions and a weighted-round-robin weight.
type SlotConfig struct {
	Primary    transport.ChannelType
	Fallback   *transport.ChannelType
	Conditions Conditions
	Weight     float64
}

// Matrix holds one SlotConfig per Slot. It is immutable once built; callers
// replace the whole value via Router.UpdateMatrix rather than mutating slots
// in place, so the decision cache can be invalidated atomically.
type Matrix struct {
	slots map[Slot]SlotConfig
}

// NewMatrix builds a Matrix from slot configs, defaulting unset weights to
// 1.0.
func NewMatrix(slots map[Slot]SlotConfig) *Matrix {
	m := &Matrix{slots: make(map[Slot]SlotConfig, len(slots))}
	for slot, cfg := range slots {
		if cfg.Weight == 0 {
			cfg.Weight = 1.0
		}
		m.slots[slot] = cfg
	}
	return m
}

// DefaultMatrix is a reasonable starting point: IPC preferred for anything
// local or urgent, TCP as everyone's fallback and the sole primary for
// remote/bulk/file traffic.
func DefaultMatrix() *Matrix {
	tcp := transport.ChannelTCP
	ipc := transport.ChannelIPC
	return NewMatrix(map[Slot]SlotConfig{
		SlotUrgent:       {Primary: transport.ChannelIPC, Fallback: &tcp, Conditions: Conditions{MinHealth: 0.5}},
		SlotRealTime:     {Primary: transport.ChannelIPC, Fallback: &tcp, Conditions: Conditions{MinHealth: 0.5}},
		SlotBulk:         {Primary: transport.ChannelTCP, Fallback: &ipc, Conditions: Conditions{MinHealth: 0.3}},
		SlotFileTransfer: {Primary: transport.ChannelTCP, Fallback: &ipc, Conditions: Conditions{MinHealth: 0.3}},
		SlotLocalSmall:   {Primary: transport.ChannelIPC, Fallback: &tcp, Conditions: Conditions{MinHealth: 0.4}},
		SlotLocalLarge:   {Primary: transport.ChannelIPC, Fallback: &tcp, Conditions: Conditions{MinHealth: 0.4}},
		SlotRemote:       {Primary: transport.ChannelTCP, Fallback: nil, Conditions: Conditions{MinHealth: 0.3}},
	})
}

func (m *Matrix) get(slot Slot) (SlotConfig, bool) {
	cfg, ok := m.slots[slot]
	return cfg, ok
}

// slotsNaming returns every Slot whose config names ct as primary or
// fallback, used by adaptive learning to know which weights to nudge.
func (m *Matrix) slotsNaming(ct transport.ChannelType) []Slot {
	var out []Slot
	for slot, cfg := range m.slots {
		if cfg.Primary == ct || (cfg.Fallback != nil && *cfg.Fallback == ct) {
			out = append(out, slot)
		}
	}
	return out
}
