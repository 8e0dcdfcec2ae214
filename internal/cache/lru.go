package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/ummapio/internal/resource"
)

// LRUBlockCache implements a byte-bounded LRU BlockCache.
type LRUBlockCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[CacheKey]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   CacheKey
	value []byte
}

// NewLRUBlockCache creates a new LRU cache with the given capacity in bytes.
// If rc is provided, cached bytes are charged against its memory limit.
func NewLRUBlockCache(capacity int64, rc *resource.Controller) *LRUBlockCache {
	return &LRUBlockCache{
		capacity:  capacity,
		items:     make(map[CacheKey]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns a cached block.
func (c *LRUBlockCache) Get(_ context.Context, key CacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a block, replacing an older version of the same chunk.
// A block that does not fit (locally or in the controller) is dropped and
// the stale version with it.
func (c *LRUBlockCache) Set(_ context.Context, key CacheKey, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.removeElement(ent)
	}

	itemSize := int64(len(b))
	if itemSize > c.capacity {
		return
	}

	// Evict locally first so the controller gets memory back before we ask.
	for c.size+itemSize > c.capacity && c.evictList.Len() > 0 {
		c.removeElement(c.evictList.Back())
	}

	if !c.rc.TryAcquireMemory(itemSize) {
		return
	}

	c.items[key] = c.evictList.PushFront(&entry{key, b})
	c.size += itemSize
}

// Delete drops a single entry.
func (c *LRUBlockCache) Delete(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.removeElement(ent)
	}
}

// Invalidate removes entries matching the predicate.
func (c *LRUBlockCache) Invalidate(predicate func(key CacheKey) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, element := range c.items {
		if predicate(key) {
			c.removeElement(element)
		}
	}
}

// Close releases every cached byte back to the controller.
func (c *LRUBlockCache) Close() error {
	c.Invalidate(func(CacheKey) bool { return true })
	return nil
}

// Stats returns hit/miss counters.
func (c *LRUBlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *LRUBlockCache) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	kv := e.Value.(*entry)
	delete(c.items, kv.key)
	itemSize := int64(len(kv.value))
	c.size -= itemSize
	c.rc.ReleaseMemory(itemSize)
}

// Size returns the current size of the cache in bytes.
func (c *LRUBlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached blocks.
func (c *LRUBlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
