package failover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensOnSustainedFailure(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Millisecond,
		WindowSize:       time.Second,
		MinimumRequests:  3,
	})
	require.True(t, b.Allow())
	b.RecordResult(false)
	b.RecordResult(false)
	require.True(t, b.Allow(), "below minimum_requests, breaker stays closed")
	b.RecordResult(false)
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())
}

func TestCircuitBreakerHalfOpenThenCloses(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		WindowSize:       time.Second,
		MinimumRequests:  1,
	})
	b.RecordResult(false)
	require.Equal(t, Open, b.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordResult(true)
	require.Equal(t, HalfOpen, b.State(), "one success is not enough")
	b.RecordResult(true)
	require.Equal(t, Closed, b.State())
}

func TestCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
		WindowSize:       time.Second,
		MinimumRequests:  1,
	})
	b.RecordResult(false)
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())
	b.RecordResult(false)
	require.Equal(t, Open, b.State())
}
