package cache

import "context"

// Tiered is a two-level BlockCache: a memory L1 in front of a disk L2.
// Hits in L2 are promoted to L1; Set writes through both levels.
type Tiered struct {
	l1, l2 BlockCache
}

// NewTiered stacks l1 in front of l2.
func NewTiered(l1, l2 BlockCache) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

func (t *Tiered) Get(ctx context.Context, key CacheKey) ([]byte, bool) {
	if b, ok := t.l1.Get(ctx, key); ok {
		return b, true
	}
	b, ok := t.l2.Get(ctx, key)
	if ok {
		t.l1.Set(ctx, key, b)
	}
	return b, ok
}

func (t *Tiered) Set(ctx context.Context, key CacheKey, b []byte) {
	t.l1.Set(ctx, key, b)
	t.l2.Set(ctx, key, b)
}

func (t *Tiered) Delete(key CacheKey) {
	t.l1.Delete(key)
	t.l2.Delete(key)
}

func (t *Tiered) Invalidate(predicate func(key CacheKey) bool) {
	t.l1.Invalidate(predicate)
	t.l2.Invalidate(predicate)
}

func (t *Tiered) Close() error {
	err := t.l1.Close()
	if err2 := t.l2.Close(); err == nil {
		err = err2
	}
	return err
}

// Stats reports L1 hits and misses that went all the way through L2.
func (t *Tiered) Stats() (hits, misses int64) {
	h1, _ := t.l1.Stats()
	h2, m2 := t.l2.Stats()
	return h1 + h2, m2
}
