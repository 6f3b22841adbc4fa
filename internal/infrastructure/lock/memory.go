package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	owner     string
	expiresAt time.Time
}

// MemoryBackend keeps leases in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryBackend creates an in-process lease backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// WithClock replaces the clock, for expiry tests.
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.now = now
	return b
}

func (b *MemoryBackend) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, held := b.current(key); held {
		return false, nil
	}
	b.entries[key] = memoryEntry{owner: owner, expiresAt: b.now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Refresh(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, held := b.current(key)
	if !held || e.owner != owner {
		return false, nil
	}
	e.expiresAt = b.now().Add(ttl)
	b.entries[key] = e
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, owner string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, held := b.current(key)
	if !held || e.owner != owner {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *MemoryBackend) Holder(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, held := b.current(key)
	if !held {
		return "", nil
	}
	return e.owner, nil
}

// current returns the live entry for key, dropping it if expired. Caller holds mu.
func (b *MemoryBackend) current(key string) (memoryEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !b.now().Before(e.expiresAt) {
		delete(b.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}
