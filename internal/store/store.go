// Package store wraps the external document store as a mailbox of
// addressable slots. Each slot holds at most one opaque payload at a
// time; writers occupy slots and readers clear them.
package store

import (
	"context"
	"errors"
)

// ErrTransport indicates a document-store operation that failed after
// exhausting its retry budget. The stream depending on the operation
// must be RESET; the session itself survives.
var ErrTransport = errors.New("document store transport failure")

// Record is the result of reading a slot. Revision increases on every
// mutation of the slot, letting the poller distinguish new content
// from content it has already consumed. An empty Payload means the
// slot is currently free.
type Record struct {
	Payload  []byte
	Revision int64
}

// Storage is one side's view of the mailbox. Implementations must be
// safe for concurrent use; Write and Clear retry internally with
// exponential backoff up to the configured timeout.
type Storage interface {
	// Write places a payload into a slot, overwriting previous content.
	Write(ctx context.Context, slot string, payload []byte) error

	// Read fetches the current content and revision of a slot. A slow or
	// failing read returns promptly with an error so the caller's scan of
	// other slots is never delayed.
	Read(ctx context.Context, slot string) (Record, error)

	// Clear empties a slot, signalling the writer that its content has
	// been consumed and the slot may be reused.
	Clear(ctx context.Context, slot string) error
}
