package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/transport"
)

func TestClassifyTargetLocalVsRemote(t *testing.T) {
	require.Equal(t, LocationLocal, ClassifyTarget("127.0.0.1:8080"))
	require.Equal(t, LocationLocal, ClassifyTarget("localhost:9000"))
	require.Equal(t, LocationLocal, ClassifyTarget("unix:///tmp/pywatt.sock"))
	require.Equal(t, LocationLocal, ClassifyTarget("my-module"))
	require.Equal(t, LocationRemote, ClassifyTarget("10.0.0.5:8080"))
	require.Equal(t, LocationRemote, ClassifyTarget("orchestrator.internal:443"))
}

func TestSelectSlotOrdering(t *testing.T) {
	require.Equal(t, SlotUrgent, SelectSlot(Metadata{Priority: PriorityCritical}, LocationRemote, 10))
	require.Equal(t, SlotRealTime, SelectSlot(Metadata{Priority: PriorityHigh, Type: TypeRealTime}, LocationRemote, 10))
	require.Equal(t, SlotBulk, SelectSlot(Metadata{Type: TypeBulk}, LocationLocal, 10))
	require.Equal(t, SlotFileTransfer, SelectSlot(Metadata{Type: TypeFileTransfer}, LocationRemote, 10))
	require.Equal(t, SlotLocalSmall, SelectSlot(Metadata{}, LocationLocal, 100))
	require.Equal(t, SlotLocalLarge, SelectSlot(Metadata{}, LocationLocal, 100000))
	require.Equal(t, SlotRemote, SelectSlot(Metadata{}, LocationRemote, 100))
}

func TestRouterDecideCachesAndInvalidatesOnMatrixUpdate(t *testing.T) {
	r := New(DefaultMatrix(), Config{CacheTTL: time.Minute})
	available := []ChannelState{{Type: transport.ChannelIPC, Connected: true}, {Type: transport.ChannelTCP, Connected: true}}

	d1, err := r.Decide(Metadata{}, "localhost", 10, available)
	require.NoError(t, err)
	require.Equal(t, transport.ChannelIPC, d1.Primary)

	d2, err := r.Decide(Metadata{}, "localhost", 10, available)
	require.NoError(t, err)
	require.Equal(t, d1, d2, "second call for the same key should be served from cache")

	r.UpdateMatrix(DefaultMatrix())
	// Cache is empty again; a fresh Decide still recomputes the same
	// answer given the same (fresh, default) matrix but proves the path
	// taken was recomputation, not a stale hit, by checking the cache was
	// actually cleared.
	_, hit := r.cache.get(cacheKey{target: "localhost", priority: PriorityLow, msgType: TypeStandard, size: 10})
	require.False(t, hit)
}

func TestRouterPicksIPCForSmallLocalCritical(t *testing.T) {
	r := New(DefaultMatrix(), Config{})
	available := []ChannelState{{Type: transport.ChannelIPC, Connected: true}, {Type: transport.ChannelTCP, Connected: true}}

	meta := Metadata{Priority: PriorityCritical, Type: TypeStandard, Timeout: 10 * time.Millisecond}
	d, err := r.Decide(meta, "localhost", 100, available)
	require.NoError(t, err)
	require.Equal(t, transport.ChannelIPC, d.Primary)
	if d.Fallback != nil {
		require.Equal(t, transport.ChannelTCP, *d.Fallback)
	}
	require.Greater(t, d.Confidence, 0.5)
}

func TestRouterNoViableChannelWhenNoneConnected(t *testing.T) {
	r := New(DefaultMatrix(), Config{})
	_, err := r.Decide(Metadata{}, "10.0.0.1:9000", 10, nil)
	require.ErrorIs(t, err, ErrNoViableChannel)
}

func TestRouterFallsBackWhenPrimaryUnhealthy(t *testing.T) {
	r := New(DefaultMatrix(), Config{})
	for i := 0; i < 10; i++ {
		r.RecordOutcome(transport.ChannelIPC, time.Millisecond, false, 10)
	}
	available := []ChannelState{{Type: transport.ChannelIPC, Connected: true}, {Type: transport.ChannelTCP, Connected: true}}
	d, err := r.Decide(Metadata{}, "localhost", 10, available)
	require.NoError(t, err)
	require.Equal(t, transport.ChannelTCP, d.Primary, "ipc's low availability should make it non-viable, leaving tcp")
}

func TestRouterRecordOutcomeAdjustsWeightWithinBounds(t *testing.T) {
	r := New(DefaultMatrix(), Config{LearningRate: 0.5})
	for i := 0; i < 100; i++ {
		r.RecordOutcome(transport.ChannelIPC, time.Millisecond, true, 10)
	}
	r.mu.Lock()
	for _, slot := range r.matrix.slotsNaming(transport.ChannelIPC) {
		require.LessOrEqual(t, r.weights[slot], maxWeight)
		require.GreaterOrEqual(t, r.weights[slot], minWeight)
	}
	r.mu.Unlock()
}

func TestChannelHealthAvailabilityAndPercentile(t *testing.T) {
	h := NewChannelHealth()
	require.Equal(t, 1.0, h.Availability(), "no samples means optimistic availability")

	for i := 0; i < 9; i++ {
		h.Record(10*time.Millisecond, true, 100)
	}
	h.Record(500*time.Millisecond, false, 100)
	require.InDelta(t, 0.9, h.Availability(), 0.001)
	require.Greater(t, h.P95Latency(), time.Duration(0))
}
