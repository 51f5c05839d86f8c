package failover

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/pywatt/pywatt-sdk-go/internal/lifecycle"
	"github.com/pywatt/pywatt-sdk-go/wire"
)

// BatcherConfig bounds how large a batch may grow and how long a partial
// batch may sit before being flushed anyway.
type BatcherConfig struct {
	MaxBatchSize  int
	MaxBatchBytes int
	MaxBatchDelay time.Duration
}

// Batcher accumulates EncodedMessages into batches, flushing to Batches
// when a bound is hit. Pending messages are held in an eapache/queue ring
// buffer (the same structure the teacher's stream retransmission queue is
// conceptually built around) rather than a slice, to avoid O(n) pops.
type Batcher struct {
	cfg     BatcherConfig
	worker  lifecycle.Worker
	Batches chan []wire.EncodedMessage

	mu         sync.Mutex
	pending    *queue.Queue
	pendingLen int
	bytes      int
	timer      *time.Timer
}

// NewBatcher constructs a Batcher and starts its flush-on-delay goroutine.
func NewBatcher(cfg BatcherConfig) *Batcher {
	b := &Batcher{
		cfg:     cfg,
		Batches: make(chan []wire.EncodedMessage, 16),
		pending: queue.New(),
		timer:   time.NewTimer(cfg.MaxBatchDelay),
	}
	if cfg.MaxBatchDelay <= 0 {
		b.timer.Stop()
	}
	b.worker.Go(b.run)
	return b
}

// Add enqueues msg, flushing the current batch first if msg would overflow
// MaxBatchBytes, then flushing immediately if the batch is now full.
func (b *Batcher) Add(msg wire.EncodedMessage) {
	b.mu.Lock()
	if b.cfg.MaxBatchBytes > 0 && b.bytes+msg.Len() > b.cfg.MaxBatchBytes && b.pendingLen > 0 {
		b.flushLocked()
	}
	b.pending.Add(msg)
	b.pendingLen++
	b.bytes += msg.Len()
	full := b.cfg.MaxBatchSize > 0 && b.pendingLen >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush emits whatever is pending, if anything, as one batch.
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

func (b *Batcher) flushLocked() {
	if b.pendingLen == 0 {
		return
	}
	batch := make([]wire.EncodedMessage, 0, b.pendingLen)
	for b.pending.Length() > 0 {
		batch = append(batch, b.pending.Remove().(wire.EncodedMessage))
	}
	b.pendingLen = 0
	b.bytes = 0
	if b.cfg.MaxBatchDelay > 0 {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C:
			default:
			}
		}
		b.timer.Reset(b.cfg.MaxBatchDelay)
	}
	select {
	case b.Batches <- batch:
		return
	default:
	}
	select {
	case b.Batches <- batch:
	case <-b.worker.HaltCh():
	}
}

func (b *Batcher) run() {
	if b.cfg.MaxBatchDelay <= 0 {
		<-b.worker.HaltCh()
		return
	}
	for {
		select {
		case <-b.timer.C:
			b.Flush()
		case <-b.worker.HaltCh():
			return
		}
	}
}

// Close stops the flush timer goroutine and flushes any remaining pending
// messages.
func (b *Batcher) Close() {
	b.worker.Halt()
	b.worker.Wait()
	b.Flush()
	close(b.Batches)
}
