// Package protocol defines the frame format for the mailbox tunnel and
// the authenticated codec that turns frames into slot payloads.
package protocol

// Flag bits carried in the frame header.
const (
	FlagData uint8 = 1 << 0 // payload is stream data
	FlagFin  uint8 = 1 << 1 // final frame of an orderly close
	FlagRst  uint8 = 1 << 2 // abrupt teardown, discard buffered state
	FlagOpen uint8 = 1 << 3 // payload is a dial request (client→server, seq 0)
)

// HeaderSize is the fixed header size:
// Flags(1) + StreamID(4) + Seq(4) + Length(4).
const HeaderSize = 13

// Direction tags which pool a frame travels over. It feeds the nonce
// derivation so the two directions never share a nonce even when
// stream ids and sequence numbers coincide.
type Direction byte

const (
	ClientToServer Direction = '>'
	ServerToClient Direction = '<'
)

// Frame is one encrypted, sequenced, bounded-size unit of stream data.
// Sequence numbers are per-stream, per-direction, monotonically
// increasing from 0.
type Frame struct {
	Flags    uint8
	StreamID uint32
	Seq      uint32
	Payload  []byte
}

func (f *Frame) IsData() bool { return f.Flags&FlagData != 0 }
func (f *Frame) IsFin() bool  { return f.Flags&FlagFin != 0 }
func (f *Frame) IsRst() bool  { return f.Flags&FlagRst != 0 }
func (f *Frame) IsOpen() bool { return f.Flags&FlagOpen != 0 }
