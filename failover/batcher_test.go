package failover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/wire"
)

func encoded(t *testing.T, s string) wire.EncodedMessage {
	t.Helper()
	m, err := wire.EncodeJSON(s)
	require.NoError(t, err)
	return m
}

func TestBatcherFlushesAtMaxSize(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 3, MaxBatchDelay: time.Hour})
	defer b.Close()

	b.Add(encoded(t, "a"))
	b.Add(encoded(t, "b"))
	select {
	case <-b.Batches:
		t.Fatal("batch emitted before max size")
	case <-time.After(20 * time.Millisecond):
	}

	b.Add(encoded(t, "c"))
	select {
	case batch := <-b.Batches:
		require.Len(t, batch, 3)
	case <-time.After(time.Second):
		t.Fatal("full batch not emitted")
	}
}

func TestBatcherOverflowFlushesCurrentBatchFirst(t *testing.T) {
	small := encoded(t, "x")
	b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxBatchBytes: small.Len() * 2, MaxBatchDelay: time.Hour})
	defer b.Close()

	b.Add(small)
	b.Add(small)
	// A third message would exceed MaxBatchBytes: the first two flush as
	// one batch and the third starts a fresh one.
	b.Add(small)

	select {
	case batch := <-b.Batches:
		require.Len(t, batch, 2)
	case <-time.After(time.Second):
		t.Fatal("overflow did not flush")
	}

	b.Flush()
	select {
	case batch := <-b.Batches:
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("remainder not flushed")
	}
}

func TestBatcherFlushesOnDelay(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxBatchDelay: 30 * time.Millisecond})
	defer b.Close()

	b.Add(encoded(t, "slow"))
	select {
	case batch := <-b.Batches:
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("delay flush never fired")
	}
}

func TestBatcherCloseDrainsPending(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxBatchDelay: time.Hour})
	b.Add(encoded(t, "pending"))
	b.Close()

	var got [][]wire.EncodedMessage
	for batch := range b.Batches {
		got = append(got, batch)
	}
	require.Len(t, got, 1)
	require.Len(t, got[0], 1)
}
