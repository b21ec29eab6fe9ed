package tunnel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tumanvpn/tuman/internal/protocol"
)

func TestSplitFramesChunksLargePayload(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1_200_000)

	frames := splitFrames(NewSeqGen(), 9, data, 500_000, true)
	require.Len(t, frames, 3)

	require.Equal(t, []uint32{0, 1, 2}, seqs(frames))
	require.Len(t, frames[0].Payload, 500_000)
	require.Len(t, frames[1].Payload, 500_000)
	require.Len(t, frames[2].Payload, 200_000)

	require.True(t, frames[0].IsData())
	require.False(t, frames[0].IsFin())
	require.False(t, frames[1].IsFin())
	require.True(t, frames[2].IsData())
	require.True(t, frames[2].IsFin())

	var joined []byte
	for _, f := range frames {
		joined = append(joined, f.Payload...)
	}
	require.Equal(t, data, joined)
}

func TestSplitFramesWithoutFin(t *testing.T) {
	frames := splitFrames(NewSeqGen(), 9, []byte("abc"), 500_000, false)
	require.Len(t, frames, 1)
	require.Equal(t, []byte("abc"), frames[0].Payload)
	require.False(t, frames[0].IsFin())
}

func TestSplitFramesBareFin(t *testing.T) {
	gen := NewSeqGen()
	gen.Next()
	gen.Next()

	frames := splitFrames(gen, 9, nil, 500_000, true)
	require.Len(t, frames, 1)
	require.Equal(t, uint32(2), frames[0].Seq)
	require.Equal(t, protocol.FlagFin, frames[0].Flags)
	require.Empty(t, frames[0].Payload)
}

func TestSplitFramesNothingToSend(t *testing.T) {
	require.Empty(t, splitFrames(NewSeqGen(), 9, nil, 500_000, false))
}

func TestSplitFramesCopiesPayload(t *testing.T) {
	buf := []byte("reused read buffer")
	frames := splitFrames(NewSeqGen(), 9, buf, 500_000, false)
	copy(buf, "XXXXXX")
	require.Equal(t, []byte("reused read buffer"), frames[0].Payload)
}

func TestStreamStateString(t *testing.T) {
	require.Equal(t, "OPEN", StateOpen.String())
	require.Equal(t, "HALF_CLOSED", StateHalfClosed.String())
	require.Equal(t, "CLOSED", StateClosed.String())
	require.Equal(t, "RESET", StateReset.String())
}
