package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/wire"
)

func msg(t *testing.T, s string) wire.EncodedMessage {
	t.Helper()
	m, err := wire.EncodeJSON(s)
	require.NoError(t, err)
	return m
}

func TestCriticalDequeuesBeforeNormal(t *testing.T) {
	q := NewPriorityQueue(8)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Item{Msg: msg(t, "normal"), Priority: PriorityNormal}))
	require.NoError(t, q.Enqueue(ctx, Item{Msg: msg(t, "critical"), Priority: PriorityCritical}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, PriorityCritical, first.Priority)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, PriorityNormal, second.Priority)

	// Same outcome with the enqueue order reversed.
	require.NoError(t, q.Enqueue(ctx, Item{Msg: msg(t, "critical"), Priority: PriorityCritical}))
	require.NoError(t, q.Enqueue(ctx, Item{Msg: msg(t, "normal"), Priority: PriorityNormal}))
	first, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, PriorityCritical, first.Priority)
}

func TestFIFOWithinTier(t *testing.T) {
	q := NewPriorityQueue(8)
	defer q.Close()
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, Item{Msg: msg(t, s), Target: s, Priority: PriorityHigh}))
	}
	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, item.Target)
	}
}

func TestEmptyDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewPriorityQueue(4)
	defer q.Close()

	_, ok := q.TryDequeue()
	require.False(t, ok, "empty queue yields nothing")

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(context.Background(), Item{Msg: msg(t, "x"), Priority: PriorityLow})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, PriorityLow, item.Priority)

	// Exactly once: queue is empty again.
	_, ok = q.TryDequeue()
	require.False(t, ok)
}

func TestEnqueueBlocksAtMaxSize(t *testing.T) {
	q := NewPriorityQueue(1)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Item{Msg: msg(t, "fill"), Priority: PriorityNormal}))

	full, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := q.Enqueue(full, Item{Msg: msg(t, "overflow"), Priority: PriorityNormal})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, Item{Msg: msg(t, "fits now"), Priority: PriorityNormal}))
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := NewPriorityQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Item{Msg: msg(t, "left over"), Priority: PriorityNormal}))
	q.Close()

	require.ErrorIs(t, q.Enqueue(ctx, Item{Msg: msg(t, "late"), Priority: PriorityNormal}), ErrQueueClosed)

	item, ok := q.TryDequeue()
	require.True(t, ok)
	require.Equal(t, PriorityNormal, item.Priority)
}
