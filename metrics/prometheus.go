package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter mirrors the internal rolling-window metrics into Prometheus
// collectors, labelled by channel. The hand-rolled snapshots stay
// authoritative for SLA evaluation; the exporter exists so an operator can
// scrape the same numbers.
type Exporter struct {
	sent         *prometheus.CounterVec
	received     *prometheus.CounterVec
	failures     *prometheus.CounterVec
	bytesSent    *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	availability *prometheus.GaugeVec
	queueDepth   *prometheus.GaugeVec
}

// NewExporter constructs and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewExporter(reg prometheus.Registerer) *Exporter {
	e := &Exporter{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pywatt_channel_messages_sent_total",
			Help: "Messages sent per channel.",
		}, []string{"channel"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pywatt_channel_messages_received_total",
			Help: "Messages received per channel.",
		}, []string{"channel"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pywatt_channel_send_failures_total",
			Help: "Send failures per channel.",
		}, []string{"channel"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pywatt_channel_bytes_sent_total",
			Help: "Payload bytes sent per channel.",
		}, []string{"channel"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pywatt_channel_latency_seconds",
			Help:    "Send latency per channel.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"channel"}),
		availability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pywatt_channel_availability",
			Help: "Modeled availability per channel, 0-1.",
		}, []string{"channel"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pywatt_channel_queue_depth",
			Help: "Outbound queue depth per channel.",
		}, []string{"channel"}),
	}
	reg.MustRegister(e.sent, e.received, e.failures, e.bytesSent, e.latency, e.availability, e.queueDepth)
	return e
}

// ObserveSend records one send outcome.
func (e *Exporter) ObserveSend(channel string, latency time.Duration, bytes int, success bool) {
	e.sent.WithLabelValues(channel).Inc()
	if success {
		e.bytesSent.WithLabelValues(channel).Add(float64(bytes))
		e.latency.WithLabelValues(channel).Observe(latency.Seconds())
	} else {
		e.failures.WithLabelValues(channel).Inc()
	}
}

// ObserveReceive records one inbound message.
func (e *Exporter) ObserveReceive(channel string) {
	e.received.WithLabelValues(channel).Inc()
}

// SetAvailability publishes the modeled availability.
func (e *Exporter) SetAvailability(channel string, availability float64) {
	e.availability.WithLabelValues(channel).Set(availability)
}

// SetQueueDepth publishes the outbound queue depth.
func (e *Exporter) SetQueueDepth(channel string, depth int64) {
	e.queueDepth.WithLabelValues(channel).Set(float64(depth))
}
