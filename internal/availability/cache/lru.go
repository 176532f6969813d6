package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"domainhunter/internal/availability/models"
)

// DefaultMemoryCapacity bounds the in-process tier.
const DefaultMemoryCapacity = 5000

// LRU is the fixed-capacity memory tier keyed by normalized domain. It is
// safe for concurrent use.
type LRU struct {
	capacity int
	items    *lru.Cache[string, models.Entry]
}

func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	// New only fails for a non-positive size.
	items, _ := lru.New[string, models.Entry](capacity)
	return &LRU{capacity: capacity, items: items}
}

// Get returns the entry for key and marks it most recently used.
func (c *LRU) Get(key string) (models.Entry, bool) {
	return c.items.Get(key)
}

// Add inserts or replaces key. When the cache is full exactly one least recently
// used entry is evicted; the return value reports whether that happened.
func (c *LRU) Add(key string, entry models.Entry) bool {
	return c.items.Add(key, entry)
}

func (c *LRU) Remove(key string) bool {
	return c.items.Remove(key)
}

// RemoveExpired drops every entry whose expiry is at or before now without
// touching the recency of the survivors.
func (c *LRU) RemoveExpired(now time.Time) int {
	removed := 0
	for _, key := range c.items.Keys() {
		entry, ok := c.items.Peek(key)
		if ok && entry.Expired(now) && c.items.Remove(key) {
			removed++
		}
	}
	return removed
}

func (c *LRU) Len() int {
	return c.items.Len()
}

func (c *LRU) Purge() {
	c.items.Purge()
}
