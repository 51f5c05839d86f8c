package failover

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// ErrCircuitOpen is returned by Executor.Execute when the breaker denies the
// call outright.
var ErrCircuitOpen = errors.New("failover: circuit open")

// MaxRetriesExceededError reports that every attempt failed.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("failover: max retries (%d) exceeded: %v", e.Attempts, e.LastErr)
}
func (e *MaxRetriesExceededError) Unwrap() error { return e.LastErr }

// RetryConfig is the jittered exponential backoff policy: delay_n =
// min(MaxDelay, Base * Multiplier^n) * (1 +/- JitterFactor/2).
type RetryConfig struct {
	Base         time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxAttempts  int

	// Rand supplies jitter randomness. If nil, jitter is derived
	// deterministically from a hash of the current time, matching the
	// spec's "deterministic jitter when no PRNG is available" fallback.
	Rand *rand.Rand
}

// Retry executes an operation, retrying on error per RetryConfig.
type Retry struct {
	cfg RetryConfig
}

// NewRetry constructs a Retry from cfg.
func NewRetry(cfg RetryConfig) *Retry {
	return &Retry{cfg: cfg}
}

// Delay returns the backoff duration before attempt n (0-indexed).
func (r *Retry) Delay(n int) time.Duration {
	raw := float64(r.cfg.Base) * math.Pow(r.cfg.Multiplier, float64(n))
	if max := float64(r.cfg.MaxDelay); r.cfg.MaxDelay > 0 && raw > max {
		raw = max
	}
	jitter := r.jitterFactor(n)
	return time.Duration(raw * jitter)
}

func (r *Retry) jitterFactor(n int) float64 {
	half := r.cfg.JitterFactor / 2
	var unit float64 // in [-1, 1]
	if r.cfg.Rand != nil {
		unit = r.cfg.Rand.Float64()*2 - 1
	} else {
		h := fnv.New32a()
		fmt.Fprintf(h, "%d:%d", time.Now().UnixNano(), n)
		unit = float64(h.Sum32()%2000)/1000 - 1
	}
	return 1 + half*unit
}

// Execute retries op until it returns nil, ctx is done, or MaxAttempts is
// reached.
func (r *Retry) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts || r.cfg.MaxAttempts <= 0; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.cfg.MaxAttempts > 0 && attempt == r.cfg.MaxAttempts-1 {
			break
		}
	}
	return &MaxRetriesExceededError{Attempts: r.cfg.MaxAttempts, LastErr: lastErr}
}

// Executor combines a CircuitBreaker and a Retry: the breaker gates whether
// an attempt is made at all, and the terminal retry outcome is recorded back
// to it.
type Executor struct {
	Breaker *CircuitBreaker
	Retry   *Retry
}

// Execute runs op under retry if the breaker allows it, recording the
// terminal result.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !e.Breaker.Allow() {
		return ErrCircuitOpen
	}
	err := e.Retry.Execute(ctx, op)
	e.Breaker.RecordResult(err == nil)
	return err
}
