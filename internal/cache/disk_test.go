package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskBlockCache(t *testing.T) {
	tmpDir := t.TempDir()
	c, err := NewDiskBlockCache(DiskCacheConfig{RootDir: tmpDir, MaxSizeBytes: 1024})
	require.NoError(t, err)

	ctx := context.Background()
	key1 := CacheKey{Object: "vol", Chunk: 0}
	c.Set(ctx, key1, make([]byte, 400))

	relPath := c.encodeKeyToRelPath(key1)
	assert.FileExists(t, filepath.Join(tmpDir, relPath))

	got, ok := c.Get(ctx, key1)
	require.True(t, ok)
	assert.Len(t, got, 400)

	key2 := CacheKey{Object: "vol", Chunk: 1}
	key3 := CacheKey{Object: "vol", Chunk: 2}
	c.Set(ctx, key2, make([]byte, 400))
	c.Set(ctx, key3, make([]byte, 400))

	_, ok = c.Get(ctx, key1)
	assert.False(t, ok, "oldest chunk is evicted")
	assert.NoFileExists(t, filepath.Join(tmpDir, relPath))

	_, ok = c.Get(ctx, key2)
	assert.True(t, ok)
	_, ok = c.Get(ctx, key3)
	assert.True(t, ok)
}

func TestDiskBlockCache_ReplaceAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	config := DiskCacheConfig{RootDir: tmpDir, MaxSizeBytes: 10000}
	key := CacheKey{Object: "bucket/prefix", Chunk: 0x2a}

	c, err := NewDiskBlockCache(config)
	require.NoError(t, err)
	c.Set(context.Background(), key, []byte("old"))
	c.Set(context.Background(), key, []byte("hello"))
	assert.FileExists(t, filepath.Join(tmpDir, "bucket", "prefix", "000000000000002a.blk"))

	c2, err := NewDiskBlockCache(config)
	require.NoError(t, err)
	got, ok := c2.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, int64(5), c2.Size())

	c2.Delete(key)
	_, ok = c2.Get(context.Background(), key)
	assert.False(t, ok)
}

func TestTiered_PromotesFromDisk(t *testing.T) {
	disk, err := NewDiskBlockCache(DiskCacheConfig{RootDir: t.TempDir(), MaxSizeBytes: 1 << 20})
	require.NoError(t, err)
	ctx := context.Background()
	key := CacheKey{Object: "o", Chunk: 3}
	disk.Set(ctx, key, []byte("warm"))

	ram := NewLRUBlockCache(1<<20, nil)
	tc := NewTiered(ram, disk)

	got, ok := tc.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "warm", string(got))

	_, ok = ram.Get(ctx, key)
	assert.True(t, ok, "L2 hit is promoted")

	tc.Invalidate(func(CacheKey) bool { return true })
	_, ok = tc.Get(ctx, key)
	assert.False(t, ok)
	require.NoError(t, tc.Close())
}
