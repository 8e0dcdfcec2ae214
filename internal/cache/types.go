package cache

import "context"

// CacheKey identifies one decoded chunk of one object namespace.
type CacheKey struct {
	// Object is the namespace of the chunk, usually the driver's key prefix.
	Object string
	// Chunk is the chunk index inside the object.
	Chunk uint64
}

// BlockCache is a byte-oriented cache for decoded chunks.
// Returned slices must be treated as read-only. Set replaces any previous
// value, since chunks are rewritten in place by write-back.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(ctx context.Context, key CacheKey) (b []byte, ok bool)
	// Set caches a block. Implementations may retain b; the caller must not
	// modify it afterwards.
	Set(ctx context.Context, key CacheKey, b []byte)
	// Delete drops a single entry.
	Delete(key CacheKey)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key CacheKey) bool)
	// Close releases any resources.
	Close() error
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}
