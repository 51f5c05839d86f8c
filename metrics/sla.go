package metrics

import "time"

// SLAConfig names the targets compliance is evaluated against.
type SLAConfig struct {
	TargetAvailability float64
	MaxLatency         time.Duration
	TargetThroughput   float64 // messages per second
	MaxErrorRate       float64
	MeasurementWindow  time.Duration
}

// DefaultSLAConfig returns permissive defaults suitable for local
// development.
func DefaultSLAConfig() SLAConfig {
	return SLAConfig{
		TargetAvailability: 0.99,
		MaxLatency:         500 * time.Millisecond,
		TargetThroughput:   0,
		MaxErrorRate:       0.05,
		MeasurementWindow:  5 * time.Minute,
	}
}

// SLAField reports one dimension of compliance: the current value against
// its target, the percentage delta, and whether the dimension complies.
type SLAField struct {
	Current   float64
	Target    float64
	DeltaPct  float64
	Compliant bool
}

// SLAStatus is the four-dimension compliance evaluation.
type SLAStatus struct {
	Availability SLAField
	Latency      SLAField // values in milliseconds
	Throughput   SLAField
	ErrorRate    SLAField

	Compliant bool
	At        time.Time
}

// deltaPct returns how far current sits from target, as a percentage of
// target; 0 when target is 0.
func deltaPct(current, target float64) float64 {
	if target == 0 {
		return 0
	}
	return (current - target) / target * 100
}

// EvaluateSLA computes compliance for one channel's metrics against cfg.
func EvaluateSLA(m *ChannelMetrics, cfg SLAConfig) SLAStatus {
	availability := m.Availability()
	latency := m.Latency()
	throughput := m.Throughput()
	errorRate := m.ErrorRate()

	latencyMS := float64(latency.P95) / float64(time.Millisecond)
	maxLatencyMS := float64(cfg.MaxLatency) / float64(time.Millisecond)

	status := SLAStatus{
		Availability: SLAField{
			Current:   availability,
			Target:    cfg.TargetAvailability,
			DeltaPct:  deltaPct(availability, cfg.TargetAvailability),
			Compliant: availability >= cfg.TargetAvailability,
		},
		Latency: SLAField{
			Current:   latencyMS,
			Target:    maxLatencyMS,
			DeltaPct:  deltaPct(latencyMS, maxLatencyMS),
			Compliant: cfg.MaxLatency <= 0 || latency.P95 <= cfg.MaxLatency,
		},
		Throughput: SLAField{
			Current:   throughput.MsgsPerSec,
			Target:    cfg.TargetThroughput,
			DeltaPct:  deltaPct(throughput.MsgsPerSec, cfg.TargetThroughput),
			Compliant: cfg.TargetThroughput <= 0 || throughput.MsgsPerSec >= cfg.TargetThroughput,
		},
		ErrorRate: SLAField{
			Current:   errorRate,
			Target:    cfg.MaxErrorRate,
			DeltaPct:  deltaPct(errorRate, cfg.MaxErrorRate),
			Compliant: errorRate <= cfg.MaxErrorRate,
		},
		At: time.Now(),
	}
	status.Compliant = status.Availability.Compliant && status.Latency.Compliant &&
		status.Throughput.Compliant && status.ErrorRate.Compliant
	return status
}
