// ABOUTME: In-memory Store used for development and tests
// ABOUTME: Expired values are hidden on read and swept by a background goroutine

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Values expire according to their ttl field.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	now    func() time.Time
	done   chan struct{}
	closed bool
}

type memoryEntry struct {
	props     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates a MemoryStore. If sweepInterval is positive a background
// goroutine periodically removes expired entries.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	m := &MemoryStore{
		values: make(map[string]memoryEntry),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.sweepLoop(sweepInterval)
	}
	return m
}

// Get returns the value under key unless it is missing or expired.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.values[key]
	if !ok || e.expiredAt(m.now()) {
		return nil, ErrNotFound
	}
	return e.item(key), nil
}

// Set overwrites the value under key.
func (m *MemoryStore) Set(ctx context.Context, key string, props any) (*Item, error) {
	raw, err := encodeProps(props)
	if err != nil {
		return nil, err
	}
	at, _ := expiryOf(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memoryEntry{props: raw, expiresAt: at}
	return &Item{Key: key, Props: copyBytes(raw)}, nil
}

// Delete removes key and returns the value it held.
func (m *MemoryStore) Delete(ctx context.Context, key string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.values, key)
	if e.expiredAt(m.now()) {
		return nil, ErrNotFound
	}
	return e.item(key), nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.done:
			return
		}
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.values {
		if e.expiredAt(now) {
			delete(m.values, key)
			removed++
		}
	}
	return removed
}

// Close stops the sweeper. It is safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}

func (e memoryEntry) expiredAt(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (e memoryEntry) item(key string) *Item {
	return &Item{Key: key, Props: copyBytes(e.props)}
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
