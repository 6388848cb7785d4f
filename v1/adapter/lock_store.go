package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// LockStore is the contract the lock manager, the fencing authority and the
// deduplicator need from a shared key-value store. Every method must be a
// single atomic operation on the server side.
type LockStore interface {
	// SetNX stores value under key only if the key holds no live value.
	// A zero ttl means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key if and only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// Incr atomically increments the integer stored at key, creating it at 0
	// first when absent, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Get returns the live value of key.
	Get(ctx context.Context, key string) (string, bool, error)
	// TTL returns the remaining time to live of key. The boolean is false when
	// the key is absent; a negative duration means the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	// PExpire refreshes the expiry of an existing key.
	PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type lockEntry struct {
	value     string
	expiresAt time.Time
}

func (e lockEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryLockStore implements LockStore in process memory. A single mutex
// makes every primitive atomic; it is meant for tests and single-node runs.
type InMemoryLockStore struct {
	mu    sync.Mutex
	items map[string]lockEntry
	now   func() time.Time
}

// NewInMemoryLockStore returns an empty InMemoryLockStore.
func NewInMemoryLockStore() *InMemoryLockStore {
	return &InMemoryLockStore{items: make(map[string]lockEntry), now: time.Now}
}

// live returns the entry for key, evicting it when expired. Callers hold mu.
func (s *InMemoryLockStore) live(key string) (lockEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return lockEntry{}, false
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return lockEntry{}, false
	}
	return e, true
}

// SetNX implements LockStore.SetNX.
func (s *InMemoryLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	e := lockEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
	return true, nil
}

// CompareAndDelete implements LockStore.CompareAndDelete.
func (s *InMemoryLockStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Incr implements LockStore.Incr.
func (s *InMemoryLockStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.live(key)
	var n int64
	if e.value != "" {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %q: value is not an integer", key)
		}
		n = v
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.items[key] = e
	return n, nil
}

// Get implements LockStore.Get.
func (s *InMemoryLockStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	return e.value, ok, nil
}

// TTL implements LockStore.TTL.
func (s *InMemoryLockStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return -1, true, nil
	}
	return e.expiresAt.Sub(s.now()), true, nil
}

// PExpire implements LockStore.PExpire.
func (s *InMemoryLockStore) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.items, key)
		return true, nil
	}
	e.expiresAt = s.now().Add(ttl)
	s.items[key] = e
	return true, nil
}
