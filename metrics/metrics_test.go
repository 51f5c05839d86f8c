package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatencyPercentiles(t *testing.T) {
	m := NewChannelMetrics()
	for i := 1; i <= 100; i++ {
		m.RecordSend(time.Duration(i)*time.Millisecond, 10, true)
	}
	snap := m.Latency()
	require.Equal(t, 100, snap.Samples)
	require.Equal(t, 100*time.Millisecond, snap.Max)
	require.InDelta(t, float64(50*time.Millisecond), float64(snap.P50), float64(2*time.Millisecond))
	require.InDelta(t, float64(95*time.Millisecond), float64(snap.P95), float64(2*time.Millisecond))
	require.InDelta(t, float64(99*time.Millisecond), float64(snap.P99), float64(2*time.Millisecond))
	require.InDelta(t, float64(50*time.Millisecond), float64(snap.Avg), float64(time.Millisecond))
}

func TestErrorRateAndCounters(t *testing.T) {
	m := NewChannelMetrics()
	for i := 0; i < 8; i++ {
		m.RecordSend(time.Millisecond, 100, true)
	}
	m.RecordSend(time.Millisecond, 100, false)
	m.RecordSend(time.Millisecond, 100, false)
	m.RecordReceive(50)

	require.InDelta(t, 0.2, m.ErrorRate(), 1e-9)
	c := m.Snapshot()
	require.Equal(t, uint64(10), c.Sent)
	require.Equal(t, uint64(8), c.Successes)
	require.Equal(t, uint64(2), c.Failures)
	require.Equal(t, uint64(800), c.BytesSent)
	require.Equal(t, uint64(1), c.Received)
	require.Equal(t, uint64(50), c.BytesReceived)
}

func TestAvailabilityBands(t *testing.T) {
	m := NewChannelMetrics()
	m.SetConnected(true)
	require.Equal(t, 1.0, m.Availability(), "connected, no failures")

	m.RecordSend(time.Millisecond, 10, false)
	require.Equal(t, 0.8, m.Availability(), "inside the 60s failure grace window")

	disconnected := NewChannelMetrics()
	disconnected.SetConnected(false)
	require.Equal(t, 1.0, disconnected.Availability(), "idle and never failed: error rate is 0")
}

func TestQueueDepthClampsAtZero(t *testing.T) {
	m := NewChannelMetrics()
	m.AddQueueDepth(3)
	m.AddQueueDepth(-10)
	require.Equal(t, int64(0), m.Snapshot().QueueDepth)
}

func TestSLAEvaluation(t *testing.T) {
	m := NewChannelMetrics()
	m.SetConnected(true)
	for i := 0; i < 20; i++ {
		m.RecordSend(2*time.Millisecond, 100, true)
	}

	status := EvaluateSLA(m, SLAConfig{
		TargetAvailability: 0.99,
		MaxLatency:         100 * time.Millisecond,
		TargetThroughput:   0,
		MaxErrorRate:       0.05,
	})
	require.True(t, status.Compliant)
	require.True(t, status.Availability.Compliant)
	require.True(t, status.Latency.Compliant)
	require.True(t, status.ErrorRate.Compliant)

	// Now trip the latency target.
	slow := NewChannelMetrics()
	slow.SetConnected(true)
	for i := 0; i < 20; i++ {
		slow.RecordSend(250*time.Millisecond, 100, true)
	}
	status = EvaluateSLA(slow, SLAConfig{
		TargetAvailability: 0.99,
		MaxLatency:         100 * time.Millisecond,
		MaxErrorRate:       0.05,
	})
	require.False(t, status.Compliant)
	require.False(t, status.Latency.Compliant)
	require.Greater(t, status.Latency.DeltaPct, 0.0)
}

func TestAlertSuppression(t *testing.T) {
	a := NewAlertManager(time.Hour)
	require.True(t, a.Raise(AlertHighLatency, SeverityWarning, "tcp", "first"))
	require.False(t, a.Raise(AlertHighLatency, SeverityWarning, "tcp", "suppressed"))
	// A different type is not suppressed by the first.
	require.True(t, a.Raise(AlertQueueBacklog, SeverityInfo, "tcp", "other type"))

	select {
	case alert := <-a.Alerts:
		require.Equal(t, AlertHighLatency, alert.Type)
		require.Equal(t, "first", alert.Message)
	default:
		t.Fatal("expected a delivered alert")
	}
}

func TestAlertEvaluateRaisesForNonCompliance(t *testing.T) {
	a := NewAlertManager(time.Hour)
	status := SLAStatus{
		Availability: SLAField{Current: 0.5, Target: 0.99, Compliant: false},
		Latency:      SLAField{Compliant: true},
		Throughput:   SLAField{Compliant: true},
		ErrorRate:    SLAField{Current: 0.5, Target: 0.05, Compliant: false},
	}
	a.Evaluate("ipc", status)

	types := map[AlertType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case alert := <-a.Alerts:
			types[alert.Type] = true
		default:
			t.Fatal("expected two alerts")
		}
	}
	require.True(t, types[AlertLowAvailability])
	require.True(t, types[AlertHighErrorRate])
}
