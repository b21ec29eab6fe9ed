package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Storage used by tests. A single
// instance shared by two sessions stands in for the remote document
// store, the same way a linked in-memory transport pair would.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]Record
	rev   int64

	// FailWrites makes every Write fail with ErrTransport, simulating a
	// dead cookie session.
	FailWrites bool
}

var _ Storage = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory mailbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]Record)}
}

func (m *MemoryStore) Write(_ context.Context, slot string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return fmt.Errorf("%w: write slot %s: injected failure", ErrTransport, slot)
	}

	m.rev++
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.slots[slot] = Record{Payload: buf, Revision: m.rev}
	return nil
}

func (m *MemoryStore) Read(_ context.Context, slot string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[slot], nil
}

func (m *MemoryStore) Clear(_ context.Context, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rev++
	m.slots[slot] = Record{Revision: m.rev}
	return nil
}

// Peek returns the current payload of a slot without touching
// revisions. Test helper.
func (m *MemoryStore) Peek(slot string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[slot].Payload
}
