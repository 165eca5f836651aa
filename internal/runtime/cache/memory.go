package cache

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
}

// NewMemory returns a process-local store. Entries live until they are swept
// or the store is closed.
func NewMemory() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (c *memoryStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return Entry{}, false, ErrClosed
	}
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryStore) Store(_ context.Context, key string, entry Entry) error {
	stored := cloneEntry(entry)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.entries[key] = stored
	return nil
}

func (c *memoryStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	delete(c.entries, key)
	return nil
}

func (c *memoryStore) Expired(_ context.Context, now time.Time) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	var keys []string
	for key, entry := range c.entries {
		if entry.Expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *memoryStore) Size(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)), nil
}

func (c *memoryStore) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = make(map[string]Entry)
	return nil
}
