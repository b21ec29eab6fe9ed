package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Pool is the slot pool document. Each pool lists the document-store
// slot identifiers for one communication direction: client_pool
// carries client→server traffic, server_pool the reverse. The pools
// are provisioned out-of-band and must be disjoint.
type Pool struct {
	ClientPool []string `json:"client_pool"`
	ServerPool []string `json:"server_pool"`
}

// LoadPool reads and validates a pool document from disk.
func LoadPool(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool file: %w", err)
	}
	return ParsePool(data)
}

// ParsePool decodes and validates a JSON pool document.
func ParsePool(data []byte) (*Pool, error) {
	p := &Pool{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: pool document: %v", ErrFormat, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) validate() error {
	if len(p.ClientPool) == 0 || len(p.ServerPool) == 0 {
		return fmt.Errorf("%w: both client_pool and server_pool must be non-empty", ErrFormat)
	}

	seen := make(map[string]string, len(p.ClientPool)+len(p.ServerPool))
	for _, id := range p.ClientPool {
		if id == "" {
			return fmt.Errorf("%w: empty slot id in client_pool", ErrFormat)
		}
		seen[id] = "client_pool"
	}
	if len(seen) != len(p.ClientPool) {
		return fmt.Errorf("%w: duplicate slot id in client_pool", ErrFormat)
	}
	for _, id := range p.ServerPool {
		if id == "" {
			return fmt.Errorf("%w: empty slot id in server_pool", ErrFormat)
		}
		if where, dup := seen[id]; dup {
			return fmt.Errorf("%w: slot %q appears in both server_pool and %s", ErrFormat, id, where)
		}
		seen[id] = "server_pool"
	}
	if len(seen) != len(p.ClientPool)+len(p.ServerPool) {
		return fmt.Errorf("%w: duplicate slot id in server_pool", ErrFormat)
	}
	return nil
}

// WriteSlots returns the slot ids this role writes frames into.
func (p *Pool) WriteSlots(mode Mode) []string {
	if mode == ModeClient {
		return p.ClientPool
	}
	return p.ServerPool
}

// ReadSlots returns the slot ids this role polls for inbound frames.
func (p *Pool) ReadSlots(mode Mode) []string {
	if mode == ModeClient {
		return p.ServerPool
	}
	return p.ClientPool
}
