package blobstore

import (
	"context"
	"errors"
	"io"

	"github.com/hupe1980/ummapio/internal/cache"
	"golang.org/x/sync/errgroup"
)

// fillWorkers bounds the parallel backend reads of one fill.
const fillWorkers = 16

// CachingStore wraps a BlobStore and adds block-level caching.
// Put and Delete invalidate the blocks of the blob they change.
type CachingStore struct {
	inner     BlobStore
	cache     cache.BlockCache
	blockSize int64
}

// NewCachingStore creates a new CachingStore.
// blockSize defaults to 4KB if <= 0.
func NewCachingStore(inner BlobStore, c cache.BlockCache, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = 4096
	}
	return &CachingStore{
		inner:     inner,
		cache:     c,
		blockSize: blockSize,
	}
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &CachingBlob{
		inner:     b,
		cache:     s.cache,
		name:      name,
		blockSize: s.blockSize,
	}, nil
}

func (s *CachingStore) invalidate(name string) {
	s.cache.Invalidate(func(key cache.CacheKey) bool {
		return key.Object == name
	})
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	return s.inner.Put(ctx, name, data)
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.invalidate(name)
	return s.inner.Delete(ctx, name)
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// CachingBlob wraps a Blob and uses the block cache for reads.
type CachingBlob struct {
	inner     Blob
	cache     cache.BlockCache
	name      string
	blockSize int64
}

func (b *CachingBlob) Close() error {
	return b.inner.Close()
}

func (b *CachingBlob) Size() int64 {
	return b.inner.Size()
}

func (b *CachingBlob) key(blk int64) cache.CacheKey {
	return cache.CacheKey{Object: b.name, Chunk: uint64(blk)}
}

func (b *CachingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size := b.Size()
	if off >= size {
		return 0, io.EOF
	}

	end := min(off+int64(len(p)), size)
	startBlock := off / b.blockSize
	endBlock := (end - 1) / b.blockSize

	if err := b.fillCache(ctx, startBlock, endBlock); err != nil {
		return 0, err
	}

	total := 0
	for blk := startBlock; blk <= endBlock; blk++ {
		blkStart := blk * b.blockSize
		from := max(blkStart, off)
		to := min(blkStart+b.blockSize, end)

		data, err := b.fetchBlock(ctx, blk)
		if err != nil {
			return total, err
		}
		src := from - blkStart
		if src >= int64(len(data)) {
			break
		}
		total += copy(p[from-off:to-off], data[src:])
	}

	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

type blockRun struct {
	start, count int64
}

// fillCache loads the missing blocks of [startBlock, endBlock], fetching
// each contiguous run of misses with a single backend read.
func (b *CachingBlob) fillCache(ctx context.Context, startBlock, endBlock int64) error {
	var runs []blockRun
	for blk := startBlock; blk <= endBlock; blk++ {
		if _, ok := b.cache.Get(ctx, b.key(blk)); ok {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].start+runs[n-1].count == blk {
			runs[n-1].count++
			continue
		}
		runs = append(runs, blockRun{start: blk, count: 1})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fillWorkers)

	for _, run := range runs {
		g.Go(func() error {
			byteStart := run.start * b.blockSize
			byteSize := min(run.count*b.blockSize, b.Size()-byteStart)
			if byteSize <= 0 {
				return nil
			}

			buf := make([]byte, byteSize)
			n, err := b.inner.ReadAt(gctx, buf, byteStart)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			buf = buf[:n]

			for i := range run.count {
				lo := i * b.blockSize
				if lo >= int64(len(buf)) {
					break
				}
				hi := min(lo+b.blockSize, int64(len(buf)))
				// Copy so the cache does not pin the whole run buffer.
				b.cache.Set(gctx, b.key(run.start+i), append([]byte(nil), buf[lo:hi]...))
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *CachingBlob) fetchBlock(ctx context.Context, blk int64) ([]byte, error) {
	if data, ok := b.cache.Get(ctx, b.key(blk)); ok {
		return data, nil
	}

	// The block was evicted between fill and copy.
	buf := make([]byte, b.blockSize)
	n, err := b.inner.ReadAt(ctx, buf, blk*b.blockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n > 0 {
		b.cache.Set(ctx, b.key(blk), buf[:n])
	}
	return buf[:n], nil
}

func (b *CachingBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= b.Size() {
		return nil, io.EOF
	}
	return io.NopCloser(&contextSectionReader{blob: b, ctx: ctx, off: off, limit: min(off+length, b.Size())}), nil
}

// contextSectionReader wraps CachingBlob to implement io.Reader with context.
type contextSectionReader struct {
	blob  *CachingBlob
	ctx   context.Context
	off   int64
	limit int64
}

func (r *contextSectionReader) Read(p []byte) (n int, err error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if remaining := r.limit - r.off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err = r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}
