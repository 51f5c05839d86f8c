package queue

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"

	"github.com/pywatt/pywatt-sdk-go/wire"
)

// RequestTimeoutError reports that no response arrived within the
// multiplexer's request timeout.
type RequestTimeoutError struct {
	RequestID string
	Elapsed   time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return "queue: request " + e.RequestID + " timed out after " + e.Elapsed.String()
}

// Multiplexer correlates request/response pairs over a shared channel: each
// outstanding request owns a single-shot slot keyed by its UUID, and
// whichever dispatch loop sees the response resolves the slot. Slots are
// removed on response, timeout, and cancellation alike, so the pending map
// never accumulates dead entries.
type Multiplexer struct {
	timeout time.Duration
	log     *log.Logger

	mu      sync.Mutex
	pending map[string]chan wire.EncodedMessage
}

// NewMultiplexer constructs a Multiplexer whose SendRequest calls wait at
// most requestTimeout for a response.
func NewMultiplexer(requestTimeout time.Duration) *Multiplexer {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Multiplexer{
		timeout: requestTimeout,
		log:     log.WithPrefix("queue/mux"),
		pending: make(map[string]chan wire.EncodedMessage),
	}
}

// Pending returns the number of outstanding requests.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// SendRequest generates a request id, registers its slot, invokes send to
// put the request on the wire (the callback embeds the id in whatever
// envelope the caller uses), and blocks until the response arrives, the
// request times out, or ctx is cancelled.
func (m *Multiplexer) SendRequest(ctx context.Context, send func(requestID string) error) (wire.EncodedMessage, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return wire.EncodedMessage{}, err
	}
	requestID := id.String()

	slot := make(chan wire.EncodedMessage, 1)
	m.mu.Lock()
	m.pending[requestID] = slot
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}()

	if err := send(requestID); err != nil {
		return wire.EncodedMessage{}, err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case resp := <-slot:
		return resp, nil
	case <-timer.C:
		return wire.EncodedMessage{}, &RequestTimeoutError{RequestID: requestID, Elapsed: m.timeout}
	case <-ctx.Done():
		return wire.EncodedMessage{}, ctx.Err()
	}
}

// HandleResponse resolves the slot for requestID, if one is outstanding.
// Responses for unknown ids (already timed out, cancelled, or never ours)
// are discarded with a debug log.
func (m *Multiplexer) HandleResponse(requestID string, resp wire.EncodedMessage) bool {
	m.mu.Lock()
	slot, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debugf("discarding response for unknown request %s", requestID)
		return false
	}
	slot <- resp
	return true
}
