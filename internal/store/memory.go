package store

import (
	"context"
	"sync"
)

// MemoryStore keeps items in a map. Used by tests and as a throwaway store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

// GetItem reads a raw value
func (ms *MemoryStore) GetItem(_ context.Context, key string) (string, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	v, ok := ms.items[key]
	return v, ok, nil
}

// SetItem writes a raw value
func (ms *MemoryStore) SetItem(_ context.Context, key, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.items[key] = value
	return nil
}

// RemoveItem deletes a key
func (ms *MemoryStore) RemoveItem(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.items, key)
	return nil
}

// Len returns the number of stored keys
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.items)
}

// Ping always succeeds
func (ms *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op
func (ms *MemoryStore) Close() error { return nil }
