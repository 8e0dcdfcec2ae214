package object

import (
	"log/slog"

	"github.com/hupe1980/ummapio/blobstore"
	"github.com/hupe1980/ummapio/internal/cache"
	"github.com/hupe1980/ummapio/internal/resource"
)

const (
	// DefaultChunkSize is the size of one stored chunk object.
	DefaultChunkSize = 1 << 20
	// DefaultCacheSize bounds the in-memory cache of decoded chunks.
	DefaultCacheSize = 64 << 20
	// DefaultPrefix names the chunk objects inside the store.
	DefaultPrefix = "chunks"
)

type options struct {
	chunkSize int64
	codec     Codec
	prefix    string
	cacheSize int64
	cache     cache.BlockCache
	diskDir   string
	diskSize  int64
	leaser    blobstore.Leaser
	resources *resource.Controller
	logger    *slog.Logger
}

// Option configures a Driver.
type Option func(*options)

// WithChunkSize sets the chunk size in bytes.
func WithChunkSize(n int64) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithCodec sets the chunk compression.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithPrefix sets the name prefix of the chunk objects. It also keys the
// range leases.
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithCacheSize sets the capacity of the default chunk cache. Zero
// disables caching.
func WithCacheSize(n int64) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithCache replaces the default chunk cache. The driver does not close it.
func WithCache(c cache.BlockCache) Option {
	return func(o *options) { o.cache = c }
}

// WithDiskCache adds an on-disk second cache level below the memory cache.
func WithDiskCache(dir string, maxBytes int64) Option {
	return func(o *options) {
		o.diskDir = dir
		o.diskSize = maxBytes
	}
}

// WithLeaser makes the driver a range locker: every mapping over it holds a
// lease on its byte range while it is alive.
func WithLeaser(l blobstore.Leaser) Option {
	return func(o *options) { o.leaser = l }
}

// WithResources shares a resource controller for upload throttling,
// parallel chunk I/O and read-modify-write buffers.
func WithResources(rc *resource.Controller) Option {
	return func(o *options) { o.resources = rc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
