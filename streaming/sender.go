package streaming

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"
)

// ChunkWriter transmits one chunk toward the peer. Supplied by the caller
// so the sender stays agnostic of which transport channel carries the
// stream.
type ChunkWriter func(ctx context.Context, chunk Chunk) error

// Sender owns the flow-control window and chunk buffers for one outbound
// stream. It is the counterpart of the katzenpost stream writer(): frames
// are transmitted while the outstanding set is below the window size, and
// unacknowledged frames are retransmitted on timeout, except that the
// retransmit trigger here is a per-chunk ack deadline rather than a
// TimerQueue of epoch-based priorities.
type Sender struct {
	cfg    Config
	id     uuid.UUID
	chunks []Chunk
	write  ChunkWriter
	log    *log.Logger

	ackCh chan Ack
}

// NewSender splits payload into chunks of cfg.MaxChunkSize and prepares a
// stream. A zero-length payload still produces exactly one (empty, final)
// chunk carrying the metadata. The payload is not retained beyond the
// chunk buffers.
func NewSender(cfg Config, payload []byte, meta Metadata, write ChunkWriter) (*Sender, error) {
	cfg = cfg.withDefaults()
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	total := (len(payload) + cfg.MaxChunkSize - 1) / cfg.MaxChunkSize
	if total == 0 {
		total = 1
	}
	meta.TotalSize = len(payload)

	chunks := make([]Chunk, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * cfg.MaxChunkSize
		end := start + cfg.MaxChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		data, compressed := maybeCompress(cfg, payload[start:end])
		c := Chunk{
			StreamID:    id,
			Sequence:    uint32(seq),
			TotalChunks: uint32(total),
			Data:        data,
			Compressed:  compressed,
			Checksum:    crc32.ChecksumIEEE(data),
			IsFinal:     seq == total-1,
		}
		if seq == 0 {
			m := meta
			c.Metadata = &m
		}
		chunks = append(chunks, c)
	}

	return &Sender{
		cfg:    cfg,
		id:     id,
		chunks: chunks,
		write:  write,
		log:    log.WithPrefix("streaming/send"),
		ackCh:  make(chan Ack, total*(cfg.MaxRetries+1)+8),
	}, nil
}

// ID returns the stream's UUID.
func (s *Sender) ID() uuid.UUID { return s.id }

// TotalChunks returns how many chunks the stream was split into.
func (s *Sender) TotalChunks() int { return len(s.chunks) }

// HandleAck hands an inbound ack to the running Send call. Acks for other
// streams are ignored.
func (s *Sender) HandleAck(ack Ack) {
	if ack.StreamID != s.id {
		return
	}
	select {
	case s.ackCh <- ack:
	default:
		s.log.Warnf("stream %s: dropping ack for chunk %d, ack buffer full", s.id, ack.Sequence)
	}
}

// Send transmits every chunk under the flow-control window and blocks until
// all sequences are positively acknowledged, a chunk exhausts its retry
// budget, or ctx is done.
func (s *Sender) Send(ctx context.Context) error {
	outstanding := make(map[uint32]time.Time) // sequence -> send timestamp
	retries := make(map[uint32]int)
	acked := make(map[uint32]bool)
	var retryQueue []uint32
	next := 0

	fail := func(seq uint32) error {
		retries[seq]++
		if retries[seq] > s.cfg.MaxRetries {
			return &ChunkRetriesExceededError{Sequence: seq, Retries: s.cfg.MaxRetries}
		}
		delete(outstanding, seq)
		retryQueue = append(retryQueue, seq)
		return nil
	}

	for len(acked) < len(s.chunks) {
		// Fill the window, retransmissions first.
		for len(outstanding) < s.cfg.WindowSize {
			var seq uint32
			switch {
			case len(retryQueue) > 0:
				seq = retryQueue[0]
				retryQueue = retryQueue[1:]
				if acked[seq] {
					// Acked while waiting in the retry queue.
					continue
				}
			case next < len(s.chunks):
				seq = uint32(next)
				next++
			default:
				goto wait
			}
			if err := s.write(ctx, s.chunks[seq]); err != nil {
				return err
			}
			outstanding[seq] = time.Now()
		}

	wait:
		timer := time.NewTimer(s.nextDeadline(outstanding))
		select {
		case ack := <-s.ackCh:
			timer.Stop()
			if acked[ack.Sequence] {
				delete(outstanding, ack.Sequence)
				break
			}
			if ack.Success {
				acked[ack.Sequence] = true
				delete(outstanding, ack.Sequence)
			} else {
				s.log.Warnf("stream %s: chunk %d nacked: %s", s.id, ack.Sequence, ack.Error)
				if err := fail(ack.Sequence); err != nil {
					return err
				}
			}
		case <-timer.C:
			now := time.Now()
			for seq, sentAt := range outstanding {
				if now.Sub(sentAt) >= s.cfg.AckTimeout {
					s.log.Warnf("stream %s: chunk %d ack timed out", s.id, seq)
					if err := fail(seq); err != nil {
						return err
					}
				}
			}
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// nextDeadline returns how long to wait before the earliest outstanding
// chunk's ack deadline expires.
func (s *Sender) nextDeadline(outstanding map[uint32]time.Time) time.Duration {
	d := s.cfg.AckTimeout
	now := time.Now()
	for _, sentAt := range outstanding {
		remaining := s.cfg.AckTimeout - now.Sub(sentAt)
		if remaining < d {
			d = remaining
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
