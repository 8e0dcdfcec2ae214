package cache

import (
	"context"
	"testing"

	"github.com/hupe1980/ummapio/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_EvictsOldest(t *testing.T) {
	c := NewLRUBlockCache(30, nil)
	ctx := context.Background()

	c.Set(ctx, CacheKey{Object: "o", Chunk: 0}, make([]byte, 10))
	c.Set(ctx, CacheKey{Object: "o", Chunk: 1}, make([]byte, 10))
	c.Set(ctx, CacheKey{Object: "o", Chunk: 2}, make([]byte, 10))

	// Refresh chunk 0, then overflow.
	_, ok := c.Get(ctx, CacheKey{Object: "o", Chunk: 0})
	require.True(t, ok)
	c.Set(ctx, CacheKey{Object: "o", Chunk: 3}, make([]byte, 10))

	_, ok = c.Get(ctx, CacheKey{Object: "o", Chunk: 1})
	assert.False(t, ok)
	_, ok = c.Get(ctx, CacheKey{Object: "o", Chunk: 0})
	assert.True(t, ok)
	assert.Equal(t, int64(30), c.Size())
}

func TestLRU_ReplaceAndLimits(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRUBlockCache(50, rc)
	ctx := context.Background()
	k := CacheKey{Object: "obj", Chunk: 1}

	c.Set(ctx, k, make([]byte, 60))
	_, ok := c.Get(ctx, k)
	assert.False(t, ok, "a block above capacity is not cached")

	c.Set(ctx, k, []byte("v1"))
	c.Set(ctx, k, []byte("v2-longer"))
	got, ok := c.Get(ctx, k)
	require.True(t, ok)
	assert.Equal(t, "v2-longer", string(got))
	assert.Equal(t, int64(9), c.Size())
	assert.Equal(t, int64(9), rc.MemoryUsage())

	// When the controller refuses, the stale version is gone too.
	rc2 := resource.NewController(resource.Config{MemoryLimitBytes: 10})
	c2 := NewLRUBlockCache(50, rc2)
	c2.Set(ctx, k, make([]byte, 8))
	require.True(t, rc2.TryAcquireMemory(2))
	c2.Set(ctx, k, make([]byte, 12))
	_, ok = c2.Get(ctx, k)
	assert.False(t, ok)

	require.NoError(t, c.Close())
	assert.Equal(t, int64(0), rc.MemoryUsage())
}

func TestLRU_DeleteInvalidateStats(t *testing.T) {
	c := NewLRUBlockCache(100, nil)
	ctx := context.Background()
	c.Set(ctx, CacheKey{Object: "a", Chunk: 1}, []byte("a"))
	c.Set(ctx, CacheKey{Object: "a", Chunk: 2}, []byte("b"))
	c.Set(ctx, CacheKey{Object: "b", Chunk: 1}, []byte("c"))

	c.Delete(CacheKey{Object: "a", Chunk: 2})
	c.Invalidate(func(k CacheKey) bool { return k.Object == "a" })

	_, ok := c.Get(ctx, CacheKey{Object: "a", Chunk: 1})
	assert.False(t, ok)
	_, ok = c.Get(ctx, CacheKey{Object: "b", Chunk: 1})
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestShardedLRU(t *testing.T) {
	c := NewShardedLRUBlockCache(64<<20, nil)
	ctx := context.Background()

	for i := range 1000 {
		c.Set(ctx, CacheKey{Object: "obj", Chunk: uint64(i)}, make([]byte, 1024))
	}
	assert.Greater(t, c.nonEmptyShards(), 30)
	assert.Equal(t, int64(1000*1024), c.Size())

	got, ok := c.Get(ctx, CacheKey{Object: "obj", Chunk: 7})
	require.True(t, ok)
	assert.Len(t, got, 1024)

	c.Delete(CacheKey{Object: "obj", Chunk: 7})
	_, ok = c.Get(ctx, CacheKey{Object: "obj", Chunk: 7})
	assert.False(t, ok)

	c.Invalidate(func(k CacheKey) bool { return k.Chunk%2 == 0 })
	assert.Equal(t, int64(499*1024), c.Size())

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	require.NoError(t, c.Close())
	assert.Equal(t, int64(0), c.Size())
}
