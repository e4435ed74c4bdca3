package cache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryCache keeps the most recently used responses in memory
type MemoryCache struct {
	entries *lru.Cache[string, []byte]
	size    atomic.Int64
}

// NewMemoryCache creates an LRU cache holding at most maxEntries responses
func NewMemoryCache(maxEntries int) (*MemoryCache, error) {
	c := &MemoryCache{}
	entries, err := lru.NewWithEvict[string, []byte](maxEntries, func(_ string, data []byte) {
		c.size.Add(-int64(len(data)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// Get returns a cached response
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	return c.entries.Get(key)
}

// Set stores a response, evicting the least recently used one when full
func (c *MemoryCache) Set(key string, data []byte) error {
	if old, ok := c.entries.Peek(key); ok {
		c.size.Add(-int64(len(old)))
	}
	c.size.Add(int64(len(data)))
	c.entries.Add(key, data)
	return nil
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() Stats {
	return Stats{Entries: c.entries.Len(), SizeBytes: c.size.Load()}
}

// Clear removes all cached responses
func (c *MemoryCache) Clear() error {
	c.entries.Purge()
	c.size.Store(0)
	return nil
}
