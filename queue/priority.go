// Package queue provides the outbound priority queue and the request
// multiplexer. The queue generalizes the katzenpost TimerQueue shape
// (ordered pending work drained by a consumer) from priority-by-deadline to
// a fixed four-tier priority; the multiplexer's single-shot reply slot is
// the same enqueue-then-block-on-a-private-channel pattern used by
// client2/connection.go's getConsensus and sendPacket.
package queue

import (
	"context"
	"errors"
	"sync"

	channels "gopkg.in/eapache/channels.v1"

	"github.com/pywatt/pywatt-sdk-go/wire"
)

// Priority orders messages into four tiers, highest first on dequeue.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// tiers in dequeue order.
var tiers = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Item is one queued message plus the routing target it was enqueued for.
type Item struct {
	Msg      wire.EncodedMessage
	Target   string
	Priority Priority
}

// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
var ErrQueueClosed = errors.New("queue: closed")

// PriorityQueue holds messages in four FIFO tiers. Within a tier order is
// preserved; across tiers Critical drains before High before Normal before
// Low, with no starvation protection for the lower tiers. Each tier is an
// InfiniteChannel so the producer side never blocks on the buffer itself;
// the total occupancy bound is enforced by the permit semaphore instead.
type PriorityQueue struct {
	tiers     map[Priority]*channels.InfiniteChannel
	dequeueMu sync.Mutex
	permits   chan struct{}
	notify    chan struct{}
	closed    chan struct{}
}

// NewPriorityQueue constructs a queue holding at most maxSize messages
// across all tiers.
func NewPriorityQueue(maxSize int) *PriorityQueue {
	if maxSize <= 0 {
		maxSize = 1024
	}
	q := &PriorityQueue{
		tiers:   make(map[Priority]*channels.InfiniteChannel, len(tiers)),
		permits: make(chan struct{}, maxSize),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	for _, p := range tiers {
		q.tiers[p] = channels.NewInfiniteChannel()
	}
	return q
}

// Enqueue blocks until a permit is available (the queue is below maxSize),
// then appends item to its tier.
func (q *PriorityQueue) Enqueue(ctx context.Context, item Item) error {
	select {
	case q.permits <- struct{}{}:
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	q.tiers[item.Priority].In() <- item
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue removes and returns the head of the highest non-empty tier
// without blocking.
func (q *PriorityQueue) TryDequeue() (Item, bool) {
	q.dequeueMu.Lock()
	defer q.dequeueMu.Unlock()
	for _, p := range tiers {
		// Len is answered by the tier's buffer goroutine, so an item whose
		// Enqueue has returned is counted and ready on Out.
		if q.tiers[p].Len() == 0 {
			continue
		}
		v, ok := <-q.tiers[p].Out()
		if !ok {
			continue
		}
		<-q.permits
		return v.(Item), true
	}
	return Item{}, false
}

// Dequeue blocks until a message is available, then removes the head of the
// highest non-empty tier.
func (q *PriorityQueue) Dequeue(ctx context.Context) (Item, error) {
	for {
		if item, ok := q.TryDequeue(); ok {
			// Re-arm the wakeup for any other blocked consumer; the
			// notify channel holds one token regardless of how many
			// messages the last producer burst enqueued.
			if q.Len() > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		select {
		case <-q.notify:
		case <-q.closed:
			// Drain whatever was enqueued before close.
			if item, ok := q.TryDequeue(); ok {
				return item, nil
			}
			return Item{}, ErrQueueClosed
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// Len returns the number of messages currently queued across all tiers.
func (q *PriorityQueue) Len() int {
	return len(q.permits)
}

// Close stops the queue. Messages already enqueued remain drainable via
// TryDequeue (and one final Dequeue pass); new Enqueue calls fail.
func (q *PriorityQueue) Close() {
	select {
	case <-q.closed:
		return
	default:
		close(q.closed)
	}
}
