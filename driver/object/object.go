package object

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/ummapio/blobstore"
	"github.com/hupe1980/ummapio/driver"
	"github.com/hupe1980/ummapio/internal/cache"
	"github.com/hupe1980/ummapio/internal/resource"
	"golang.org/x/sync/errgroup"
)

// chunkLocks is the number of stripes serializing read-modify-write cycles
// on the same chunk.
const chunkLocks = 64

// Driver stores a sparse, unbounded byte space as fixed-size chunk objects
// in a blobstore.BlobStore. Chunks that were never written, or were last
// written with zeros only, do not exist in the store and read as zeros.
type Driver struct {
	store     blobstore.BlobStore
	prefix    string
	chunkSize int64
	codec     Codec
	cache     cache.BlockCache
	ownCache  bool
	leaser    blobstore.Leaser
	rc        *resource.Controller
	logger    *slog.Logger

	locks  [chunkLocks]sync.Mutex
	closed atomic.Bool

	uploads   atomic.Int64
	downloads atomic.Int64
}

var (
	_ driver.Driver              = (*Driver)(nil)
	_ driver.RangeLocker         = (*Driver)(nil)
	_ driver.ThreadSafetyChecker = (*Driver)(nil)
)

// New creates a driver over store.
func New(store blobstore.BlobStore, opts ...Option) (*Driver, error) {
	o := options{
		chunkSize: DefaultChunkSize,
		prefix:    DefaultPrefix,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chunkSize <= 0 || o.chunkSize > 1<<31 {
		return nil, fmt.Errorf("object: invalid chunk size %d", o.chunkSize)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	d := &Driver{
		store:     store,
		prefix:    o.prefix,
		chunkSize: o.chunkSize,
		codec:     o.codec,
		leaser:    o.leaser,
		rc:        o.resources,
		logger:    o.logger.With("component", "object", "prefix", o.prefix),
	}

	switch {
	case o.cache != nil:
		d.cache = o.cache
	case o.cacheSize > 0:
		// Cached chunks are not charged to the controller: staging buffers
		// block on it and the cache only gives memory back on its own Set.
		var mem cache.BlockCache
		if o.cacheSize >= numShardsThreshold*o.chunkSize {
			mem = cache.NewShardedLRUBlockCache(o.cacheSize, nil)
		} else {
			mem = cache.NewLRUBlockCache(o.cacheSize, nil)
		}
		d.cache, d.ownCache = mem, true
	}
	if o.diskDir != "" {
		disk, err := cache.NewDiskBlockCache(cache.DiskCacheConfig{RootDir: o.diskDir, MaxSizeBytes: o.diskSize})
		if err != nil {
			return nil, fmt.Errorf("object: disk cache: %w", err)
		}
		if d.cache == nil {
			d.cache = disk
		} else {
			d.cache = cache.NewTiered(d.cache, disk)
		}
		d.ownCache = true
	}
	return d, nil
}

// numShardsThreshold is the cache size, in chunks, from which the sharded
// cache is used. Below it a shard could not hold a single chunk.
const numShardsThreshold = 64

// ChunkSize returns the chunk size in bytes.
func (d *Driver) ChunkSize() int64 { return d.chunkSize }

// Codec returns the chunk compression.
func (d *Driver) Codec() Codec { return d.codec }

// ChunkName returns the object name of chunk idx.
func (d *Driver) ChunkName(idx int64) string {
	return path.Join(d.prefix, fmt.Sprintf("%016x", idx))
}

// Stats returns how many chunk objects were uploaded and downloaded.
func (d *Driver) Stats() (uploads, downloads int64) {
	return d.uploads.Load(), d.downloads.Load()
}

// ThreadSafe reports true: chunk updates are serialized internally.
func (d *Driver) ThreadSafe() bool { return true }

func (d *Driver) key(idx int64) cache.CacheKey {
	return cache.CacheKey{Object: d.prefix, Chunk: uint64(idx)}
}

func (d *Driver) check(ctx context.Context, off int64) error {
	if d.closed.Load() {
		return driver.ErrClosed
	}
	if off < 0 {
		return fmt.Errorf("%w: negative offset %d", driver.ErrOutOfRange, off)
	}
	return ctx.Err()
}

// lock takes the stripe of chunk idx. Loads run under it too, so a slow
// download cannot put stale content into the cache after a write.
func (d *Driver) lock(idx int64) *sync.Mutex {
	mu := &d.locks[uint64(idx)%chunkLocks]
	mu.Lock()
	return mu
}

// load returns the decoded content of chunk idx. The result may be shorter
// than a chunk, the rest is zeros. It must not be modified.
func (d *Driver) load(ctx context.Context, idx int64) ([]byte, error) {
	if d.cache != nil {
		if b, ok := d.cache.Get(ctx, d.key(idx)); ok {
			return b, nil
		}
	}

	enc, err := blobstore.ReadAll(ctx, d.store, d.ChunkName(idx))
	var raw []byte
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("object: read chunk %d: %w", idx, err)
	default:
		d.downloads.Add(1)
		if raw, err = decodeChunk(enc); err != nil {
			return nil, fmt.Errorf("object: chunk %d: %w", idx, err)
		}
	}

	if d.cache != nil {
		d.cache.Set(ctx, d.key(idx), raw)
	}
	return raw, nil
}

// span is the part of one chunk covered by an I/O request.
type span struct {
	idx      int64
	from, to int64 // offsets inside the chunk
	buf      []byte
}

func (d *Driver) spans(p []byte, off int64) []span {
	var out []span
	for done := int64(0); done < int64(len(p)); {
		pos := off + done
		idx := pos / d.chunkSize
		from := pos % d.chunkSize
		n := min(d.chunkSize-from, int64(len(p))-done)
		out = append(out, span{idx: idx, from: from, to: from + n, buf: p[done : done+n]})
		done += n
	}
	return out
}

// each runs fn on every span, in parallel when the resource controller
// grants more than one worker.
func (d *Driver) each(ctx context.Context, spans []span, fn func(context.Context, span) error) error {
	if len(spans) == 1 {
		return fn(ctx, spans[0])
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.rc.Workers())
	for _, s := range spans {
		g.Go(func() error { return fn(gctx, s) })
	}
	return g.Wait()
}

func (d *Driver) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := d.check(ctx, off); err != nil {
		return 0, err
	}
	err := d.each(ctx, d.spans(p, off), func(ctx context.Context, s span) error {
		mu := d.lock(s.idx)
		defer mu.Unlock()

		raw, err := d.load(ctx, s.idx)
		if err != nil {
			return err
		}
		n := 0
		if s.from < int64(len(raw)) {
			n = copy(s.buf, raw[s.from:min(s.to, int64(len(raw)))])
		}
		clear(s.buf[n:])
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *Driver) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := d.check(ctx, off); err != nil {
		return 0, err
	}
	err := d.each(ctx, d.spans(p, off), d.writeSpan)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// writeSpan rewrites one chunk with the span applied.
func (d *Driver) writeSpan(ctx context.Context, s span) error {
	mu := d.lock(s.idx)
	defer mu.Unlock()

	if err := d.rc.AcquireMemory(ctx, d.chunkSize); err != nil {
		return err
	}
	defer d.rc.ReleaseMemory(d.chunkSize)

	chunk := make([]byte, d.chunkSize)
	if s.to-s.from < d.chunkSize {
		cur, err := d.load(ctx, s.idx)
		if err != nil {
			return err
		}
		copy(chunk, cur)
	}
	copy(chunk[s.from:s.to], s.buf)

	name := d.ChunkName(s.idx)
	if isZero(chunk) {
		if err := d.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("object: delete chunk %d: %w", s.idx, err)
		}
		if d.cache != nil {
			d.cache.Set(ctx, d.key(s.idx), nil)
		}
		return nil
	}

	enc, err := encodeChunk(chunk, d.codec)
	if err != nil {
		return fmt.Errorf("object: encode chunk %d: %w", s.idx, err)
	}
	if err := d.rc.AcquireIO(ctx, len(enc)); err != nil {
		return err
	}
	if err := d.store.Put(ctx, name, enc); err != nil {
		if d.cache != nil {
			d.cache.Delete(d.key(s.idx))
		}
		return fmt.Errorf("object: put chunk %d: %w", s.idx, err)
	}
	d.uploads.Add(1)
	d.logger.Debug("chunk uploaded", "chunk", s.idx, "raw", len(chunk), "stored", len(enc))

	if d.cache != nil {
		d.cache.Set(ctx, d.key(s.idx), chunk)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Sync is a no-op: every write is stored before WriteAt returns.
func (d *Driver) Sync(ctx context.Context, _, _ int64) error {
	if d.closed.Load() {
		return driver.ErrClosed
	}
	return ctx.Err()
}

// EstablishMapping leases [off, off+size) for a mapping. Without a leaser
// it grants every request.
func (d *Driver) EstablishMapping(ctx context.Context, off, size int64, write bool) (driver.Lease, error) {
	l := driver.Lease{Off: off, Size: size, Write: write}
	if d.leaser == nil {
		return l, nil
	}
	got, err := d.leaser.Acquire(ctx, d.prefix, blobstore.Lease{Off: off, Size: size, Write: write})
	if err != nil {
		return driver.Lease{}, fmt.Errorf("object: lease [%d, %d): %w", off, off+size, err)
	}
	l.ID = got.ID
	d.logger.Debug("lease acquired", "id", l.ID, "off", off, "size", size, "write", write)
	return l, nil
}

// EraseMapping releases a lease from EstablishMapping.
func (d *Driver) EraseMapping(ctx context.Context, l driver.Lease) error {
	if d.leaser == nil || l.ID == "" {
		return nil
	}
	return d.leaser.Release(ctx, d.prefix, l.ID)
}

// Close drops the driver's own caches. Chunks are already stored.
func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if d.ownCache && d.cache != nil {
		return d.cache.Close()
	}
	return nil
}
