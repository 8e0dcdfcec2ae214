package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// DiskCacheConfig holds configuration for the disk cache.
type DiskCacheConfig struct {
	// RootDir is the directory where cache files are stored.
	RootDir string
	// MaxSizeBytes is the maximum size of the cache in bytes.
	MaxSizeBytes int64
}

// DiskBlockCache implements BlockCache backed by the local filesystem.
// It keeps an in-memory LRU index of the files on disk. Writes go to a
// temp file and are renamed into place, so a reader sees either the old or
// the new chunk.
type DiskBlockCache struct {
	mu          sync.Mutex
	rootDir     string
	maxSize     int64
	currentSize int64

	items   map[CacheKey]*lruEntry
	lruHead *lruEntry
	lruTail *lruEntry

	hits   atomic.Int64
	misses atomic.Int64
}

type lruEntry struct {
	key        CacheKey
	size       int64
	filePath   string
	next, prev *lruEntry
}

// NewDiskBlockCache creates a disk-backed block cache and rebuilds its
// index from the files already under RootDir.
func NewDiskBlockCache(config DiskCacheConfig) (*DiskBlockCache, error) {
	if err := os.MkdirAll(config.RootDir, 0o755); err != nil {
		return nil, err
	}

	c := &DiskBlockCache{
		rootDir: config.RootDir,
		maxSize: config.MaxSizeBytes,
		items:   make(map[CacheKey]*lruEntry),
	}
	c.scanExistingFiles()

	return c, nil
}

func (c *DiskBlockCache) scanExistingFiles() {
	_ = filepath.Walk(c.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // keep scanning past unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), "tmp-blk-") {
			_ = os.Remove(path)
			return nil
		}
		key, ok := c.parsePathToKey(path)
		if !ok {
			return nil
		}
		c.addToLRU(key, path, info.Size())
		return nil
	})
	for c.currentSize > c.maxSize && c.lruTail != nil {
		c.evictOne()
	}
}

// encodeKeyToRelPath returns <Object>/<Chunk as %016x>.blk.
func (c *DiskBlockCache) encodeKeyToRelPath(key CacheKey) string {
	fileName := fmt.Sprintf("%016x.blk", key.Chunk)
	if key.Object != "" {
		return filepath.Join(filepath.FromSlash(key.Object), fileName)
	}
	return filepath.Join("_misc", fileName)
}

func (c *DiskBlockCache) parsePathToKey(absPath string) (CacheKey, bool) {
	relPath, err := filepath.Rel(c.rootDir, absPath)
	if err != nil {
		return CacheKey{}, false
	}

	dir, file := filepath.Split(relPath)

	var k CacheKey
	n, err := fmt.Sscanf(file, "%016x.blk", &k.Chunk)
	if err != nil || n != 1 {
		return CacheKey{}, false
	}

	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	if dir != "_misc" {
		k.Object = filepath.ToSlash(dir)
	}
	return k, true
}

// Get reads a cached chunk from disk.
func (c *DiskBlockCache) Get(_ context.Context, key CacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	data, err := os.ReadFile(ent.filePath)
	if err != nil {
		c.removeEntry(ent)
		c.misses.Add(1)
		return nil, false
	}
	c.moveToFront(ent)
	c.hits.Add(1)
	return data, true
}

// Set writes a chunk to disk, replacing any older version. Failures only
// drop the entry; the cache is never authoritative.
func (c *DiskBlockCache) Set(_ context.Context, key CacheKey, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.removeEntry(ent)
	}

	size := int64(len(b))
	if size > c.maxSize {
		_ = os.Remove(filepath.Join(c.rootDir, c.encodeKeyToRelPath(key)))
		return
	}
	for c.currentSize+size > c.maxSize && c.lruTail != nil {
		c.evictOne()
	}

	absPath := filepath.Join(c.rootDir, c.encodeKeyToRelPath(key))
	if err := writeFileAtomic(absPath, b); err != nil {
		_ = os.Remove(absPath)
		return
	}
	c.addToLRU(key, absPath, size)
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-blk-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Delete drops a single entry and its file.
func (c *DiskBlockCache) Delete(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		_ = os.Remove(ent.filePath)
		c.removeEntry(ent)
	}
}

// Invalidate removes entries matching the predicate.
func (c *DiskBlockCache) Invalidate(predicate func(key CacheKey) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, ent := range c.items {
		if predicate(k) {
			_ = os.Remove(ent.filePath)
			c.removeEntry(ent)
		}
	}
}

// Close is a no-op; files stay for the next process.
func (c *DiskBlockCache) Close() error { return nil }

// Stats returns hit/miss counters.
func (c *DiskBlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the bytes indexed on disk.
func (c *DiskBlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Internal LRU helpers (must hold lock)

func (c *DiskBlockCache) addToLRU(key CacheKey, path string, size int64) {
	ent := &lruEntry{
		key:      key,
		filePath: path,
		size:     size,
	}
	c.items[key] = ent
	c.currentSize += size

	ent.next = c.lruHead
	if c.lruHead != nil {
		c.lruHead.prev = ent
	}
	c.lruHead = ent
	if c.lruTail == nil {
		c.lruTail = ent
	}
}

func (c *DiskBlockCache) moveToFront(ent *lruEntry) {
	if c.lruHead == ent {
		return
	}
	c.unlink(ent)
	ent.next = c.lruHead
	if c.lruHead != nil {
		c.lruHead.prev = ent
	}
	c.lruHead = ent
	if c.lruTail == nil {
		c.lruTail = ent
	}
}

func (c *DiskBlockCache) unlink(ent *lruEntry) {
	if ent.prev != nil {
		ent.prev.next = ent.next
	} else {
		c.lruHead = ent.next
	}
	if ent.next != nil {
		ent.next.prev = ent.prev
	} else {
		c.lruTail = ent.prev
	}
	ent.prev, ent.next = nil, nil
}

func (c *DiskBlockCache) removeEntry(ent *lruEntry) {
	c.unlink(ent)
	delete(c.items, ent.key)
	c.currentSize -= ent.size
}

func (c *DiskBlockCache) evictOne() {
	if c.lruTail == nil {
		return
	}
	_ = os.Remove(c.lruTail.filePath)
	c.removeEntry(c.lruTail)
}
