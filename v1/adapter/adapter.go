package adapter

import (
	"context"
	"sort"
	"sync"
)

// Store abstracts the participant-local storage used for saga records and
// other plain values that need no atomic primitives.
//
// T represents the type of values stored in the adapter.
type Store[T any] interface {
	// Get retrieves the value for a key from the storage.
	// The boolean return indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for a key into the storage.
	Set(ctx context.Context, key string, value T) error
	// Keys returns the list of keys available in the store. It is used by
	// reconciliation sweeps and listing endpoints.
	Keys(ctx context.Context) ([]string, error)
}

// Pinger is implemented by stores backed by a remote server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InMemoryStore is a simple Store implementation backed by a map.
type InMemoryStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{items: make(map[string]T)}
}

// Get implements Store.Get.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value T) error {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

// Keys implements Store.Keys. Keys are returned sorted.
func (s *InMemoryStore[T]) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
