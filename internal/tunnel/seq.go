package tunnel

import "sync/atomic"

// SeqGen is a per-stream atomic sequence number generator. It is
// shared between the inbound goroutine and the outbound pump, so all
// operations are atomic.
type SeqGen struct {
	val atomic.Uint32
}

// NewSeqGen creates a sequence generator starting at 0.
func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

// Next returns the next sequence number (0, 1, 2, ...).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1) - 1
}
