package streaming

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"
)

// Completion is delivered exactly once per stream when every sequence has
// arrived and reassembly finished (or failed).
type Completion struct {
	Payload  []byte
	Metadata *Metadata
	Err      error
}

// assembly is the per-stream arena: chunks indexed by sequence, bounded in
// practice by the sender's window times the chunk size plus whatever the
// receiver has already acked.
type assembly struct {
	total      uint32 // 0 until the first chunk arrives
	meta       *Metadata
	chunks     map[uint32][]byte
	compressed map[uint32]bool
	done       chan Completion
	completed  bool
}

// Receiver reassembles inbound streams. One Receiver serves any number of
// concurrent streams; each stream's chunk buffers are released once its
// completion has been delivered, and Release forgets the rest.
type Receiver struct {
	log *log.Logger

	mu      sync.Mutex
	streams map[uuid.UUID]*assembly
}

// NewReceiver constructs an empty Receiver.
func NewReceiver() *Receiver {
	return &Receiver{
		log:     log.WithPrefix("streaming/recv"),
		streams: make(map[uuid.UUID]*assembly),
	}
}

func (r *Receiver) assemblyFor(id uuid.UUID) *assembly {
	a, ok := r.streams[id]
	if !ok {
		a = &assembly{
			chunks:     make(map[uint32][]byte),
			compressed: make(map[uint32]bool),
			done:       make(chan Completion, 1),
		}
		r.streams[id] = a
	}
	return a
}

// Completed returns the single-shot completion channel for a stream,
// creating the stream's state if no chunk has arrived yet so a caller may
// await before the first chunk.
func (r *Receiver) Completed(id uuid.UUID) <-chan Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assemblyFor(id).done
}

// HandleChunk verifies and stores one inbound chunk, returning the ack to
// send back. A checksum mismatch is nacked and the chunk is not stored.
// Duplicate sequences are idempotent. When the final missing sequence
// arrives the stream is reassembled in sequence order and delivered on its
// completion channel.
func (r *Receiver) HandleChunk(c Chunk) Ack {
	if got := crc32.ChecksumIEEE(c.Data); got != c.Checksum {
		err := &ChecksumError{Sequence: c.Sequence, Want: c.Checksum, Got: got}
		r.log.Warnf("stream %s: %v", c.StreamID, err)
		return Ack{StreamID: c.StreamID, Sequence: c.Sequence, Success: false, Error: err.Error()}
	}

	r.mu.Lock()
	a := r.assemblyFor(c.StreamID)
	if a.completed {
		r.mu.Unlock()
		return Ack{StreamID: c.StreamID, Sequence: c.Sequence, Success: true}
	}
	if a.total == 0 {
		a.total = c.TotalChunks
	}
	if c.Metadata != nil && a.meta == nil {
		m := *c.Metadata
		a.meta = &m
	}
	if _, dup := a.chunks[c.Sequence]; !dup {
		a.chunks[c.Sequence] = c.Data
		a.compressed[c.Sequence] = c.Compressed
	}
	complete := a.total > 0 && uint32(len(a.chunks)) == a.total
	if complete {
		a.completed = true
	}
	r.mu.Unlock()

	if complete {
		r.finish(c.StreamID, a)
	}
	return Ack{StreamID: c.StreamID, Sequence: c.Sequence, Success: true}
}

// finish reassembles in strict sequence order, decompressing per-chunk, and
// delivers the completion. The stream's arena is released afterwards.
func (r *Receiver) finish(id uuid.UUID, a *assembly) {
	var payload []byte
	var err error
	for seq := uint32(0); seq < a.total; seq++ {
		data, ok := a.chunks[seq]
		if !ok {
			err = fmt.Errorf("streaming: stream %s missing sequence %d at reassembly", id, seq)
			break
		}
		if a.compressed[seq] {
			data, err = decompress(data)
			if err != nil {
				err = &DecompressError{Sequence: seq, Err: err}
				break
			}
		}
		payload = append(payload, data...)
	}

	completion := Completion{Metadata: a.meta}
	if err != nil {
		completion.Err = err
	} else {
		completion.Payload = payload
	}
	a.done <- completion

	// Drop the chunk buffers but keep the completed marker so a late
	// duplicate is acked as a no-op instead of seeding a new half-stream.
	r.mu.Lock()
	a.chunks = nil
	a.compressed = nil
	r.mu.Unlock()
}

// Release forgets all state for a stream, including its completed marker.
// Callers invoke it once they have consumed the completion.
func (r *Receiver) Release(id uuid.UUID) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}
