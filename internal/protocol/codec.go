package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrIntegrity indicates a frame that failed authentication or arrived
// malformed. Callers must drop the frame; it is never stream data.
var ErrIntegrity = errors.New("frame integrity check failed")

// Overhead is the ciphertext expansion added by the AEAD tag.
const Overhead = 16

// Codec encrypts and decrypts frames with AES-256-GCM. The key is
// derived from the shared secret with SHA-256, matching the store
// provisioning. Codec is stateless and safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from the shared encryption key.
func NewCodec(key string) (*Codec, error) {
	if key == "" {
		return nil, errors.New("encryption key must not be empty")
	}

	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encode serializes and encrypts a frame for transmission in the given
// direction. The wire layout is header || ciphertext, where the header
// is authenticated as associated data and Length is the ciphertext
// length.
func (c *Codec) Encode(dir Direction, f *Frame) []byte {
	header := make([]byte, HeaderSize)
	header[0] = f.Flags
	binary.BigEndian.PutUint32(header[1:5], f.StreamID)
	binary.BigEndian.PutUint32(header[5:9], f.Seq)
	binary.BigEndian.PutUint32(header[9:13], uint32(len(f.Payload)+Overhead))

	out := make([]byte, HeaderSize, HeaderSize+len(f.Payload)+Overhead)
	copy(out, header)

	return c.aead.Seal(out, c.nonce(dir, header), f.Payload, header)
}

// Decode parses and authenticates a wire frame sent in the given
// direction. Any malformed header, length mismatch, or authentication
// failure yields ErrIntegrity.
func (c *Codec) Decode(dir Direction, data []byte) (*Frame, error) {
	if len(data) < HeaderSize+Overhead {
		return nil, fmt.Errorf("%w: frame too short: %d bytes", ErrIntegrity, len(data))
	}

	header := data[:HeaderSize]
	length := binary.BigEndian.Uint32(header[9:13])
	if int(length) != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: length field %d does not match body %d", ErrIntegrity, length, len(data)-HeaderSize)
	}

	payload, err := c.aead.Open(nil, c.nonce(dir, header), data[HeaderSize:], header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	return &Frame{
		Flags:    header[0],
		StreamID: binary.BigEndian.Uint32(header[1:5]),
		Seq:      binary.BigEndian.Uint32(header[5:9]),
		Payload:  payload,
	}, nil
}

// nonce derives a deterministic 96-bit GCM nonce from the direction
// and the frame header. Every (direction, stream, seq, flags) tuple is
// distinct within a session, so nonces never repeat without the codec
// carrying any extra state. Retransmissions of the same frame reuse
// the nonce with identical plaintext, which is harmless.
func (c *Codec) nonce(dir Direction, header []byte) []byte {
	h := sha256.New()
	h.Write([]byte{byte(dir)})
	h.Write(header[:9]) // flags, stream id, seq
	return h.Sum(nil)[:12]
}
