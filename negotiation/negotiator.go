package negotiation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// Sender writes a PortRequest out to the orchestrator (a line on stdout, in
// the normal bootstrap wiring). It is supplied by the caller so this package
// stays agnostic of the actual stdio plumbing, which lives in bootstrap.
type Sender func(PortRequest) error

// Config tunes retry/backoff and the random port range retries draw from
// when no specific port was requested. Zero values fall back to the
// package's reserved constants.
type Config struct {
	InitialTimeout time.Duration
	MaxTimeout     time.Duration
	MaxRetries     int

	PortRangeStart int
	PortRangeEnd   int

	CircuitBreakerThreshold int
	CircuitBreakerReset     time.Duration

	FallbackEnabled        bool
	FallbackPortRangeStart int
	FallbackPortRangeEnd   int
}

func (c Config) withDefaults() Config {
	if c.InitialTimeout == 0 {
		c.InitialTimeout = InitialTimeout
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = MaxTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = MaxRetries
	}
	if c.PortRangeStart == 0 && c.PortRangeEnd == 0 {
		c.PortRangeStart, c.PortRangeEnd = FallbackPortRangeStart, FallbackPortRangeEnd
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = CircuitBreakerThreshold
	}
	if c.CircuitBreakerReset == 0 {
		c.CircuitBreakerReset = CircuitBreakerResetSecs * time.Second
	}
	if c.FallbackPortRangeStart == 0 && c.FallbackPortRangeEnd == 0 {
		c.FallbackPortRangeStart, c.FallbackPortRangeEnd = FallbackPortRangeStart, FallbackPortRangeEnd
	}
	return c
}

type pendingRequest struct {
	requestID string
	replyCh   chan PortResponse
}

// Negotiator owns the process-wide AllocatedPort singleton and the single
// in-flight request slot. Exactly one negotiation may be outstanding at a
// time (spec invariant); a second caller blocks on negotiateMu rather than
// racing a second request onto the wire.
type Negotiator struct {
	cfg     Config
	send    Sender
	breaker *CircuitBreaker

	negotiateMu sync.Mutex

	mu        sync.Mutex
	allocated *int
	pending   *pendingRequest
}

// New constructs a Negotiator. send is invoked with a filled PortRequest;
// Deliver must be called by the caller's stdin dispatch loop whenever a
// PortResponse line arrives.
func New(cfg Config, send Sender) *Negotiator {
	cfg = cfg.withDefaults()
	return &Negotiator{
		cfg:     cfg,
		send:    send,
		breaker: NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerReset),
	}
}

// AdoptPreallocated sets the singleton from an InitBlob-provided port,
// short-circuiting all future Negotiate calls.
func (n *Negotiator) AdoptPreallocated(port int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := port
	n.allocated = &p
}

// Reset clears the allocated port singleton, allowing the next Negotiate
// call to perform a fresh negotiation.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allocated = nil
}

// AllocatedPort returns the previously negotiated or adopted port, if any.
func (n *Negotiator) AllocatedPort() (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.allocated == nil {
		return 0, false
	}
	return *n.allocated, true
}

// Deliver hands a PortResponse line read off stdin to whichever Negotiate
// call is waiting on it. It returns false if no request is pending or the
// request_id (and the auto-assigned wildcard) does not match.
func (n *Negotiator) Deliver(resp PortResponse) bool {
	n.mu.Lock()
	pending := n.pending
	n.mu.Unlock()
	if pending == nil {
		return false
	}
	if resp.RequestID != pending.requestID && resp.RequestID != AutoAssigned {
		return false
	}
	select {
	case pending.replyCh <- resp:
		return true
	default:
		return false
	}
}

// Negotiate returns the allocated port, performing a negotiation if none is
// allocated yet. specificPort, if non-nil, is requested on every retry
// unchanged; otherwise each retry draws a fresh random port from the
// configured port range.
func (n *Negotiator) Negotiate(ctx context.Context, specificPort *int) (int, error) {
	n.negotiateMu.Lock()
	defer n.negotiateMu.Unlock()
	if port, ok := n.AllocatedPort(); ok {
		return port, nil
	}

	if !n.breaker.Allow() {
		if !n.cfg.FallbackEnabled {
			return 0, &CircuitOpenError{}
		}
		port := n.randomPort(n.cfg.FallbackPortRangeStart, n.cfg.FallbackPortRangeEnd)
		n.AdoptPreallocated(port)
		return port, &UsingFallbackError{Port: port, Reason: "circuit open"}
	}

	port, err := n.attemptWithRetries(ctx, specificPort)
	if err != nil {
		if !n.breaker.Allow() && n.cfg.FallbackEnabled {
			fp := n.randomPort(n.cfg.FallbackPortRangeStart, n.cfg.FallbackPortRangeEnd)
			n.AdoptPreallocated(fp)
			return fp, &UsingFallbackError{Port: fp, Reason: err.Error()}
		}
		return 0, err
	}
	n.breaker.RecordSuccess()
	n.AdoptPreallocated(port)
	return port, nil
}

// attemptWithRetries runs the attempt loop, recording one breaker failure
// per failed attempt (matching ipc_port_negotiation.rs's record_failure call
// inside the recursive retry, not once per Negotiate call). It stops early,
// without spending the remaining retry budget, the moment the breaker trips
// mid-loop so a single sustained-timeout negotiation can still reach the
// fallback path.
func (n *Negotiator) attemptWithRetries(ctx context.Context, specificPort *int) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		timeout := n.timeoutForAttempt(attempt)
		port, err := n.attemptOnce(ctx, specificPort, timeout)
		if err == nil {
			return port, nil
		}
		lastErr = err
		n.breaker.RecordFailure()
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !n.breaker.Allow() {
			return 0, lastErr
		}
	}
	return 0, lastErr
}

func (n *Negotiator) timeoutForAttempt(attempt int) time.Duration {
	if attempt == 0 {
		return n.cfg.InitialTimeout
	}
	d := n.cfg.InitialTimeout + time.Duration(attempt)*time.Second
	if d > n.cfg.MaxTimeout {
		return n.cfg.MaxTimeout
	}
	return d
}

func (n *Negotiator) attemptOnce(ctx context.Context, specificPort *int, timeout time.Duration) (int, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return 0, fmt.Errorf("negotiation: generating request id: %w", err)
	}
	req := PortRequest{RequestID: id.String()}
	if specificPort != nil {
		req.SpecificPort = specificPort
	} else if n.cfg.PortRangeEnd > n.cfg.PortRangeStart {
		p := n.randomPort(n.cfg.PortRangeStart, n.cfg.PortRangeEnd)
		req.SpecificPort = &p
	}

	replyCh := make(chan PortResponse, 1)
	n.mu.Lock()
	n.pending = &pendingRequest{requestID: req.RequestID, replyCh: replyCh}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if n.pending != nil && n.pending.requestID == req.RequestID {
			n.pending = nil
		}
		n.mu.Unlock()
	}()

	if err := n.send(req); err != nil {
		return 0, &RequestSendFailedError{Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp, ok := <-replyCh:
		if !ok {
			return 0, &ResponseChannelClosedError{}
		}
		if !resp.Success {
			return 0, fmt.Errorf("negotiation: orchestrator rejected request: %s", resp.ErrorMessage)
		}
		return resp.Port, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &TimeoutError{Elapsed: timeout}
	}
}

func (n *Negotiator) randomPort(start, end int) int {
	if end <= start {
		return start
	}
	return start + rand.Intn(end-start)
}
