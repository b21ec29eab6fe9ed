// Package pool implements the slot scheduler: it owns the free list of
// mailbox slots for the direction this role writes to, and tracks
// which stream occupies each busy slot.
package pool

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolExhausted reports that no free slot remains. Callers must
// apply backpressure (queue or block) rather than drop the write.
var ErrPoolExhausted = errors.New("slot pool exhausted")

// Scheduler hands out slots round-robin from a free list seeded with
// the write pool. A busy slot returns to the tail of the free list
// only once the peer has consumed and cleared its content (observed by
// the poller), or when the owning stream dies.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	all  []string
	free chan string

	mu   sync.Mutex
	busy map[string]uint32 // slot id → owning stream id
}

// NewScheduler seeds a scheduler with the given slot identifiers.
func NewScheduler(slots []string) *Scheduler {
	s := &Scheduler{
		all:  append([]string(nil), slots...),
		free: make(chan string, len(slots)),
		busy: make(map[string]uint32, len(slots)),
	}
	for _, id := range slots {
		s.free <- id
	}
	return s
}

// Slots lists every slot the scheduler manages, free or busy.
func (s *Scheduler) Slots() []string {
	return s.all
}

// Acquire takes the next free slot for a frame of the given stream,
// blocking while the pool is exhausted. Blocking here is the tunnel's
// flow control: the caller stops reading from its local connection
// until the peer frees a slot.
func (s *Scheduler) Acquire(ctx context.Context, streamID uint32) (string, error) {
	select {
	case slot := <-s.free:
		s.mark(slot, streamID)
		return slot, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TryAcquire takes a free slot without blocking. It fails with
// ErrPoolExhausted when none is available.
func (s *Scheduler) TryAcquire(streamID uint32) (string, error) {
	select {
	case slot := <-s.free:
		s.mark(slot, streamID)
		return slot, nil
	default:
		return "", ErrPoolExhausted
	}
}

// Release returns a slot to the tail of the free list. Releasing a
// slot that is not busy is a no-op, so clear-detection and stream
// teardown may race without double-freeing.
func (s *Scheduler) Release(slot string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.busy[slot]; !ok {
		return
	}
	delete(s.busy, slot)
	s.free <- slot
}

// ReleaseStream returns every slot held by the given stream to the
// free list. Called when a stream is RESET or reclaimed by the idle
// sweeper.
func (s *Scheduler) ReleaseStream(streamID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for slot, owner := range s.busy {
		if owner == streamID {
			delete(s.busy, slot)
			s.free <- slot
			n++
		}
	}
	return n
}

// Busy returns a snapshot of the currently occupied slots. The poller
// scans these to detect slots the peer has cleared.
func (s *Scheduler) Busy() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.busy))
	for slot := range s.busy {
		out = append(out, slot)
	}
	return out
}

// FreeCount reports how many slots are currently acquirable.
func (s *Scheduler) FreeCount() int {
	return len(s.free)
}

func (s *Scheduler) mark(slot string, streamID uint32) {
	s.mu.Lock()
	s.busy[slot] = streamID
	s.mu.Unlock()
}
