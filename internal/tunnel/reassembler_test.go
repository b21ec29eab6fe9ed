package tunnel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tumanvpn/tuman/internal/protocol"
)

func frame(seq uint32) *protocol.Frame {
	return &protocol.Frame{Flags: protocol.FlagData, StreamID: 1, Seq: seq}
}

func seqs(frames []*protocol.Frame) []uint32 {
	out := make([]uint32, len(frames))
	for i, f := range frames {
		out[i] = f.Seq
	}
	return out
}

func TestReassemblerInOrder(t *testing.T) {
	r := NewReassembler()

	for seq := uint32(0); seq < 5; seq++ {
		got := r.Feed(frame(seq))
		require.Equal(t, []uint32{seq}, seqs(got))
	}
	require.Equal(t, uint32(5), r.Expected())

	_, blocked := r.Blocked()
	require.False(t, blocked)
}

func TestReassemblerReorders(t *testing.T) {
	r := NewReassembler()

	require.Empty(t, r.Feed(frame(2)))
	require.Empty(t, r.Feed(frame(1)))

	_, blocked := r.Blocked()
	require.True(t, blocked)

	got := r.Feed(frame(0))
	require.Equal(t, []uint32{0, 1, 2}, seqs(got))
	require.Equal(t, uint32(3), r.Expected())

	_, blocked = r.Blocked()
	require.False(t, blocked)
}

func TestReassemblerDropsDuplicates(t *testing.T) {
	r := NewReassembler()

	require.Equal(t, []uint32{0}, seqs(r.Feed(frame(0))))
	require.Empty(t, r.Feed(frame(0)))

	// Duplicate of a buffered future frame must not wedge the drain.
	require.Empty(t, r.Feed(frame(2)))
	require.Empty(t, r.Feed(frame(2)))

	got := r.Feed(frame(1))
	require.Equal(t, []uint32{1, 2}, seqs(got))
	require.Equal(t, uint32(3), r.Expected())
}

func TestReassemblerTracksRemainingGap(t *testing.T) {
	r := NewReassembler()

	require.Empty(t, r.Feed(frame(1)))
	require.Empty(t, r.Feed(frame(3)))

	// Filling the first gap delivers 0..1 but 3 is still stranded.
	got := r.Feed(frame(0))
	require.Equal(t, []uint32{0, 1}, seqs(got))

	_, blocked := r.Blocked()
	require.True(t, blocked)
	require.Equal(t, uint32(2), r.Expected())

	got = r.Feed(frame(2))
	require.Equal(t, []uint32{2, 3}, seqs(got))

	_, blocked = r.Blocked()
	require.False(t, blocked)
}

func TestSeqGenStartsAtZero(t *testing.T) {
	g := NewSeqGen()
	require.Equal(t, uint32(0), g.Next())
	require.Equal(t, uint32(1), g.Next())
	require.Equal(t, uint32(2), g.Next())
}
