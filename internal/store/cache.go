package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache remembers the size of entries recently seen on disk so repeated
// existence probes can skip a stat. Only positive results are cached.
// Entries are evicted least-recently-used first.
type Cache struct {
	lru *lru.Cache[string, int64]
}

// NewCache creates a cache holding at most maxSize entries. A non-positive
// size disables caching.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		return &Cache{}
	}
	l, err := lru.New[string, int64](maxSize)
	if err != nil {
		return &Cache{}
	}
	return &Cache{lru: l}
}

func (c *Cache) enabled() bool { return c != nil && c.lru != nil }

// Get returns the cached size for key.
func (c *Cache) Get(key string) (int64, bool) {
	if !c.enabled() {
		return 0, false
	}
	return c.lru.Get(key)
}

// Add records that key exists with the given size.
func (c *Cache) Add(key string, size int64) {
	if c.enabled() {
		c.lru.Add(key, size)
	}
}

// Remove forgets key.
func (c *Cache) Remove(key string) {
	if c.enabled() {
		c.lru.Remove(key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if !c.enabled() {
		return 0
	}
	return c.lru.Len()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	if c.enabled() {
		c.lru.Purge()
	}
}
