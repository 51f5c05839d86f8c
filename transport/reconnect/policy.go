// Package reconnect implements the three ReconnectPolicy variants a
// transport channel can be configured with. The shape is lifted from the
// retry-delay clamp in client2/connection.go's doConnect loop
// (atomic.AddInt64(&c.retryDelay, retryIncrement), clamped to
// maxRetryDelay), generalized from one hardcoded linear policy into a
// closed set of pluggable policies.
package reconnect

import "time"

// Policy decides, for the n-th reconnect attempt (0-indexed) since the last
// successful connection, how long to wait before attempting it, and whether
// an attempt budget has been exhausted.
type Policy interface {
	// Delay returns how long to wait before attempt n.
	Delay(attempt int) time.Duration
	// MaxAttempts returns the attempt budget, or 0 for unlimited.
	MaxAttempts() int
}

// None never reconnects: a single connect attempt is made and on failure
// the channel transitions to Failed.
type None struct{}

func (None) Delay(int) time.Duration { return 0 }
func (None) MaxAttempts() int        { return 1 }

// FixedInterval waits a constant Delay between attempts, optionally capped
// at MaxAttemptsOpt attempts (0 means unlimited).
type FixedInterval struct {
	IntervalDelay  time.Duration
	MaxAttemptsOpt int
}

func (f FixedInterval) Delay(int) time.Duration { return f.IntervalDelay }
func (f FixedInterval) MaxAttempts() int        { return f.MaxAttemptsOpt }

// ExponentialBackoff multiplies InitialDelay by Multiplier^attempt, clamped
// to MaxDelay. There is no attempt cap unless enforced externally (spec
// section 4.2).
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	d := float64(e.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= e.Multiplier
		if time.Duration(d) >= e.MaxDelay {
			return e.MaxDelay
		}
	}
	delay := time.Duration(d)
	if delay > e.MaxDelay {
		return e.MaxDelay
	}
	return delay
}

func (e ExponentialBackoff) MaxAttempts() int { return 0 }
