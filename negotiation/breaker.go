package negotiation

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

// CircuitBreaker tracks consecutive negotiation failures. There is no
// equivalent named type in the teacher; this generalizes the implicit
// give-up-after-N-failures behavior in client2/connection.go's doConnect
// loop into an explicit Closed/Open/HalfOpen state machine, matching the
// shape used by failover.CircuitBreaker for per-channel failures.
type CircuitBreaker struct {
	threshold  int
	resetAfter time.Duration

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	openedAt    time.Time
}

// NewCircuitBreaker constructs a breaker that opens after threshold
// consecutive failures and stays open for resetAfter before probing again.
func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, resetAfter: resetAfter}
}

// State returns the current state, resolving Open -> HalfOpen if the reset
// window has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return b.state
}

func (b *CircuitBreaker) maybeResetLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.resetAfter {
		b.state = HalfOpen
	}
}

// Allow reports whether a negotiation attempt may proceed against the real
// orchestrator (Closed or HalfOpen); Open means the caller should use the
// fallback path instead.
func (b *CircuitBreaker) Allow() bool {
	return b.State() != Open
}

// RecordSuccess closes the breaker and resets the failure counter. A success
// observed while HalfOpen confirms recovery.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.state = Closed
}

// RecordFailure increments the consecutive-failure counter and opens the
// breaker once the threshold is reached. A failure observed while HalfOpen
// reopens it immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		return
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.state = Open
		b.openedAt = time.Now()
	}
}
