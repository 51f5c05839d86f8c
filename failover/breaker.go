// Package failover implements the per-channel resilience layer sitting
// above transport.Channel: a circuit breaker guarding an operation, a
// jittered-backoff retry wrapper, a message batcher, a bounded connection
// pool, and a compressor. The retry/backoff shape is grounded directly on
// client2/arq.go's ARQ, which already retransmits unacknowledged packets on
// a TimerQueue with a bounded retry count; this package generalizes that
// single hardcoded retransmission policy into a reusable Retry type and
// layers an explicit circuit breaker in front of it, which the teacher does
// not name but whose open/half-open/closed shape is implicit in
// client2/connection.go's "stop retrying after enough consecutive dial
// failures" behavior.
package failover

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's lifecycle state.
type BreakerState uint8

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig names the five knobs the spec's circuit breaker is defined
// over.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	WindowSize       time.Duration
	MinimumRequests  int
}

type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker evaluates a rolling window of outcomes; once minimum
// requests and failure thresholds are both met within WindowSize, it opens.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu                sync.Mutex
	state             BreakerState
	outcomes          []outcome
	openedAt          time.Time
	halfOpenSuccesses int
}

// NewCircuitBreaker constructs a breaker in the Closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg}
}

// State resolves Open -> HalfOpen once Timeout has elapsed and returns the
// current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *CircuitBreaker) maybeHalfOpenLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.Timeout {
		b.state = HalfOpen
		b.halfOpenSuccesses = 0
	}
}

// Allow reports whether an operation may proceed: true when Closed or
// HalfOpen, false when Open.
func (b *CircuitBreaker) Allow() bool {
	return b.State() != Open
}

// RecordResult reports the terminal outcome of one guarded operation.
func (b *CircuitBreaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case HalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.outcomes = nil
				b.halfOpenSuccesses = 0
			}
		} else {
			b.state = Open
			b.openedAt = time.Now()
			b.halfOpenSuccesses = 0
		}
	default:
		now := time.Now()
		b.outcomes = append(b.outcomes, outcome{at: now, success: success})
		b.pruneLocked(now)

		total := len(b.outcomes)
		failures := 0
		for _, o := range b.outcomes {
			if !o.success {
				failures++
			}
		}
		if total >= b.cfg.MinimumRequests && failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = now
		}
	}
}

func (b *CircuitBreaker) pruneLocked(now time.Time) {
	if b.cfg.WindowSize <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.WindowSize)
	i := 0
	for ; i < len(b.outcomes); i++ {
		if b.outcomes[i].at.After(cutoff) {
			break
		}
	}
	b.outcomes = b.outcomes[i:]
}
