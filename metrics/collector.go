// Package metrics maintains the per-channel performance counters the SLA
// evaluator and the smart router's health view feed from: rolling latency
// and throughput samples, send/receive/failure counts, and an availability
// model. Nothing in the katzenpost corpus computes percentiles, so the
// snapshot machinery here is new code in the teacher's idiom (plain structs
// and short-held mutexes); the Prometheus exporter alongside it gives the
// teacher's prometheus/client_golang dependency its call site.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	maxLatencySamples = 1000
	latencyWindow     = 5 * time.Minute
	throughputWindow  = 60 * time.Second
	failureGrace      = 60 * time.Second
)

type latencySample struct {
	at time.Time
	d  time.Duration
}

type throughputBucket struct {
	sec   int64 // unix second this bucket covers
	msgs  uint64
	bytes uint64
}

// ChannelMetrics is the rolling record for one transport channel. Writers
// append under a short lock; readers take point-in-time snapshots.
type ChannelMetrics struct {
	mu sync.Mutex

	sent      uint64
	received  uint64
	successes uint64
	failures  uint64

	bytesSent     uint64
	bytesReceived uint64

	queueDepth int64

	latencies []latencySample
	buckets   []throughputBucket

	connected   bool
	lastFailure time.Time
}

// NewChannelMetrics constructs an empty record.
func NewChannelMetrics() *ChannelMetrics {
	return &ChannelMetrics{}
}

// SetConnected records the channel's connected state for the availability
// model.
func (m *ChannelMetrics) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

// RecordSend records one outbound message outcome with its observed latency
// and payload size.
func (m *ChannelMetrics) RecordSend(latency time.Duration, bytes int, success bool) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent++
	if success {
		m.successes++
		m.bytesSent += uint64(bytes)
		m.latencies = append(m.latencies, latencySample{at: now, d: latency})
		m.pruneLatenciesLocked(now)
		b := m.bucketLocked(now)
		b.msgs++
		b.bytes += uint64(bytes)
	} else {
		m.failures++
		m.lastFailure = now
	}
}

// RecordReceive records one inbound message.
func (m *ChannelMetrics) RecordReceive(bytes int) {
	m.mu.Lock()
	m.received++
	m.bytesReceived += uint64(bytes)
	m.mu.Unlock()
}

// AddQueueDepth adjusts the queued-message gauge by delta, clamping at zero
// rather than wrapping on a pathological negative delta.
func (m *ChannelMetrics) AddQueueDepth(delta int64) {
	m.mu.Lock()
	m.queueDepth += delta
	if m.queueDepth < 0 {
		m.queueDepth = 0
	}
	m.mu.Unlock()
}

func (m *ChannelMetrics) pruneLatenciesLocked(now time.Time) {
	cutoff := now.Add(-latencyWindow)
	i := 0
	for ; i < len(m.latencies); i++ {
		if m.latencies[i].at.After(cutoff) {
			break
		}
	}
	m.latencies = m.latencies[i:]
	if len(m.latencies) > maxLatencySamples {
		m.latencies = m.latencies[len(m.latencies)-maxLatencySamples:]
	}
}

// bucketLocked returns the per-second throughput bucket for now, pruning
// buckets older than the window.
func (m *ChannelMetrics) bucketLocked(now time.Time) *throughputBucket {
	sec := now.Unix()
	cutoff := sec - int64(throughputWindow/time.Second)
	i := 0
	for ; i < len(m.buckets); i++ {
		if m.buckets[i].sec > cutoff {
			break
		}
	}
	m.buckets = m.buckets[i:]

	if n := len(m.buckets); n > 0 && m.buckets[n-1].sec == sec {
		return &m.buckets[n-1]
	}
	m.buckets = append(m.buckets, throughputBucket{sec: sec})
	return &m.buckets[len(m.buckets)-1]
}

// LatencySnapshot is a point-in-time percentile summary of the rolling
// latency window.
type LatencySnapshot struct {
	Samples int
	Avg     time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
}

// Latency computes the current latency percentiles.
func (m *ChannelMetrics) Latency() LatencySnapshot {
	m.mu.Lock()
	m.pruneLatenciesLocked(time.Now())
	ds := make([]time.Duration, len(m.latencies))
	for i, s := range m.latencies {
		ds[i] = s.d
	}
	m.mu.Unlock()

	if len(ds) == 0 {
		return LatencySnapshot{}
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return LatencySnapshot{
		Samples: len(ds),
		Avg:     sum / time.Duration(len(ds)),
		P50:     percentile(ds, 0.50),
		P95:     percentile(ds, 0.95),
		P99:     percentile(ds, 0.99),
		Max:     ds[len(ds)-1],
	}
}

// percentile returns the p-th percentile of a sorted duration slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ThroughputSnapshot is messages and bytes per second averaged over the
// rolling 60 s window.
type ThroughputSnapshot struct {
	MsgsPerSec  float64
	BytesPerSec float64
}

// Throughput computes the current throughput over the rolling window.
func (m *ChannelMetrics) Throughput() ThroughputSnapshot {
	m.mu.Lock()
	// Count only buckets inside the window; stale buckets are skipped here,
	// not removed, and no new bucket is created.
	cutoff := time.Now().Unix() - int64(throughputWindow/time.Second)
	var msgs, bytes uint64
	for _, b := range m.buckets {
		if b.sec > cutoff {
			msgs += b.msgs
			bytes += b.bytes
		}
	}
	m.mu.Unlock()

	secs := float64(throughputWindow / time.Second)
	return ThroughputSnapshot{
		MsgsPerSec:  float64(msgs) / secs,
		BytesPerSec: float64(bytes) / secs,
	}
}

// ErrorRate returns failures / (successes + failures), 0 when idle.
func (m *ChannelMetrics) ErrorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.successes + m.failures
	if total == 0 {
		return 0
	}
	return float64(m.failures) / float64(total)
}

// Availability models the spec's three-band rule: 0.8 for a 60 s grace
// period after any failure, 1.0 while connected with no recent failure, and
// 1 - error_rate otherwise.
func (m *ChannelMetrics) Availability() float64 {
	m.mu.Lock()
	connected := m.connected
	lastFailure := m.lastFailure
	m.mu.Unlock()

	if !lastFailure.IsZero() && time.Since(lastFailure) < failureGrace {
		return 0.8
	}
	if connected {
		return 1.0
	}
	return 1.0 - m.ErrorRate()
}

// Counters is a point-in-time copy of the raw counters.
type Counters struct {
	Sent          uint64
	Received      uint64
	Successes     uint64
	Failures      uint64
	BytesSent     uint64
	BytesReceived uint64
	QueueDepth    int64
}

// Snapshot returns the raw counters.
func (m *ChannelMetrics) Snapshot() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counters{
		Sent:          m.sent,
		Received:      m.received,
		Successes:     m.successes,
		Failures:      m.failures,
		BytesSent:     m.bytesSent,
		BytesReceived: m.bytesReceived,
		QueueDepth:    m.queueDepth,
	}
}
