package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// AlertType classifies an alert.
type AlertType uint8

const (
	AlertHighLatency AlertType = iota
	AlertHighErrorRate
	AlertLowThroughput
	AlertLowAvailability
	AlertConnectionFailure
	AlertQueueBacklog
)

func (t AlertType) String() string {
	switch t {
	case AlertHighLatency:
		return "high-latency"
	case AlertHighErrorRate:
		return "high-error-rate"
	case AlertLowThroughput:
		return "low-throughput"
	case AlertLowAvailability:
		return "low-availability"
	case AlertConnectionFailure:
		return "connection-failure"
	case AlertQueueBacklog:
		return "queue-backlog"
	default:
		return "unknown"
	}
}

// Severity grades an alert.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Alert is one raised condition.
type Alert struct {
	Type     AlertType
	Severity Severity
	Channel  string
	Message  string
	At       time.Time
}

// AlertManager raises alerts from SLA evaluations, suppressing repeats of
// the same type within MinAlertInterval.
type AlertManager struct {
	minInterval time.Duration
	log         *log.Logger

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
	Alerts   chan Alert
}

// NewAlertManager constructs an AlertManager delivering on its Alerts
// channel. Delivery is best-effort: if nothing is draining the channel,
// alerts are logged and dropped rather than blocking the evaluator.
func NewAlertManager(minInterval time.Duration) *AlertManager {
	if minInterval <= 0 {
		minInterval = time.Minute
	}
	return &AlertManager{
		minInterval: minInterval,
		log:         log.WithPrefix("metrics/alerts"),
		lastSent:    make(map[AlertType]time.Time),
		Alerts:      make(chan Alert, 32),
	}
}

// Raise emits an alert unless one of the same type fired within the
// suppression interval. Returns whether the alert was emitted.
func (a *AlertManager) Raise(alertType AlertType, severity Severity, channel, message string) bool {
	now := time.Now()
	a.mu.Lock()
	if last, ok := a.lastSent[alertType]; ok && now.Sub(last) < a.minInterval {
		a.mu.Unlock()
		return false
	}
	a.lastSent[alertType] = now
	a.mu.Unlock()

	alert := Alert{Type: alertType, Severity: severity, Channel: channel, Message: message, At: now}
	switch severity {
	case SeverityCritical:
		a.log.Errorf("%s on %s: %s", alertType, channel, message)
	case SeverityWarning:
		a.log.Warnf("%s on %s: %s", alertType, channel, message)
	default:
		a.log.Infof("%s on %s: %s", alertType, channel, message)
	}
	select {
	case a.Alerts <- alert:
	default:
		a.log.Warn("alert channel full, dropping alert")
	}
	return true
}

// Evaluate raises alerts for every non-compliant dimension of status.
func (a *AlertManager) Evaluate(channel string, status SLAStatus) {
	if !status.Latency.Compliant {
		a.Raise(AlertHighLatency, SeverityWarning, channel,
			fmt.Sprintf("p95 latency %.1fms exceeds %.1fms", status.Latency.Current, status.Latency.Target))
	}
	if !status.ErrorRate.Compliant {
		a.Raise(AlertHighErrorRate, SeverityCritical, channel,
			fmt.Sprintf("error rate %.3f exceeds %.3f", status.ErrorRate.Current, status.ErrorRate.Target))
	}
	if !status.Throughput.Compliant {
		a.Raise(AlertLowThroughput, SeverityWarning, channel,
			fmt.Sprintf("throughput %.1f msg/s below %.1f msg/s", status.Throughput.Current, status.Throughput.Target))
	}
	if !status.Availability.Compliant {
		a.Raise(AlertLowAvailability, SeverityCritical, channel,
			fmt.Sprintf("availability %.3f below %.3f", status.Availability.Current, status.Availability.Target))
	}
}
