package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.Add("a", 1)
	c.Add("b", 2)

	// Touch a so b becomes the oldest.
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Add("c", 3)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok)
	size, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), size)
}

func TestCacheRemoveAndClear(t *testing.T) {
	c := NewCache(4)
	c.Add("a", 1)
	c.Add("b", 2)

	c.Remove("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(0)
	c.Add("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)

	var nilCache *Cache
	nilCache.Add("a", 1)
	_, ok = nilCache.Get("a")
	assert.False(t, ok)
}
