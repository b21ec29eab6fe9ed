package tunnel

import (
	"container/heap"
	"time"

	"github.com/tumanvpn/tuman/internal/protocol"
)

// Reassembler reorders out-of-order frames within a single stream.
// It is goroutine-local (used inside the stream's inbound goroutine)
// and needs no locking.
type Reassembler struct {
	expected     uint32
	buffer       frameHeap
	blockedSince time.Time
}

// NewReassembler creates a reassembler expecting sequence number 0.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed processes an incoming frame and returns all frames that can now
// be delivered in sequence order. Frames below the expectation are
// duplicates and are dropped, so delivering the same frame twice
// applies it exactly once.
func (r *Reassembler) Feed(f *protocol.Frame) []*protocol.Frame {
	if f.Seq < r.expected {
		return nil
	}

	if f.Seq > r.expected {
		// Future frame — buffer it behind the gap.
		heap.Push(&r.buffer, f)
		if r.blockedSince.IsZero() {
			r.blockedSince = time.Now()
		}
		return nil
	}

	// f.Seq == r.expected — deliver it and drain any consecutive
	// buffered frames. Stale duplicates inside the heap are discarded
	// as they surface.
	delivered := []*protocol.Frame{f}
	r.expected++

	for r.buffer.Len() > 0 {
		top := r.buffer[0]
		if top.Seq < r.expected {
			heap.Pop(&r.buffer)
			continue
		}
		if top.Seq != r.expected {
			break
		}
		delivered = append(delivered, heap.Pop(&r.buffer).(*protocol.Frame))
		r.expected++
	}

	if r.buffer.Len() == 0 {
		r.blockedSince = time.Time{}
	} else {
		// A new gap starts now; its age is measured from this delivery.
		r.blockedSince = time.Now()
	}

	return delivered
}

// Expected returns the next sequence number the reassembler will
// deliver.
func (r *Reassembler) Expected() uint32 {
	return r.expected
}

// Blocked reports whether frames are buffered behind a missing
// sequence number, and since when.
func (r *Reassembler) Blocked() (time.Time, bool) {
	if r.blockedSince.IsZero() {
		return time.Time{}, false
	}
	return r.blockedSince, true
}

// frameHeap implements a min-heap sorted by Seq.

type frameHeap []*protocol.Frame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(*protocol.Frame)) }

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
