// mem.go - In-memory private-state store for tests and demos.

package privstate

import (
	"context"
	"errors"
	"sync"
)

// MemStore is a map-backed Store.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte

	// FailSets, when positive, makes that many Set calls fail. Used to
	// exercise best-effort persistence paths.
	FailSets int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get returns the stored bytes for key, or (nil, nil) when absent.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores the bytes under key.
func (s *MemStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSets > 0 {
		s.FailSets--
		return errSetFailed
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	return nil
}

var errSetFailed = errors.New("private-state write failed")
