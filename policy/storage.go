package policy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hupe1980/ummapio/internal/list"
)

// entry binds one arena block to its owner.
type entry struct {
	owner   Owner
	block   int
	segSize int64
}

// victim is a segment popped from a list and not yet evicted.
type victim struct {
	owner Owner
	seg   int
	ref   list.Ref
	size  int64
}

// base holds what every policy shares: the node arena, the owner table
// and the budget knobs. Its mutex guards the concrete policy's lists too.
type base struct {
	mu     sync.Mutex
	arena  list.Arena
	owners map[Owner]*entry
	blocks []*entry

	maxMemory   int64
	dynamicMax  int64
	notifyLimit int64
	local       bool
	quota       QuotaHook
}

func (b *base) init(maxMemory int64, local bool) {
	b.owners = make(map[Owner]*entry)
	b.maxMemory = maxMemory
	b.dynamicMax = maxMemory
	b.notifyLimit = math.MaxInt64
	b.local = local
}

func (b *base) register(o Owner, segments int) error {
	// The quota lock ranks above ours, so its share check runs unlocked.
	b.mu.Lock()
	q := b.quota
	b.mu.Unlock()
	if q != nil {
		if err := q.CheckSegment(o.SegmentSize()); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.owners[o]; ok {
		return ErrAlreadyRegistered
	}
	if b.local && len(b.owners) > 0 {
		return ErrLocalPolicyShared
	}
	if o.SegmentSize() > b.dynamicMax {
		return fmt.Errorf("%w: segment %d, budget %d", ErrBudgetTooSmall, o.SegmentSize(), b.dynamicMax)
	}

	id := b.arena.Alloc(segments)
	e := &entry{owner: o, block: id, segSize: o.SegmentSize()}
	for len(b.blocks) <= id {
		b.blocks = append(b.blocks, nil)
	}
	b.blocks[id] = e
	b.owners[o] = e
	return nil
}

// unregister detaches every node of o through drop and frees its block.
// Callers hold no lock.
func (b *base) unregister(o Owner, drop func(r list.Ref, size int64)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.owners[o]
	if !ok {
		return
	}
	for slot := range b.arena.BlockLen(e.block) {
		drop(list.MakeRef(e.block, slot), e.segSize)
	}
	b.arena.Free(e.block)
	b.blocks[e.block] = nil
	delete(b.owners, o)
}

// ref returns the node of segment seg of o. Must hold mu.
func (b *base) ref(o Owner, seg int) (list.Ref, *entry, error) {
	e, ok := b.owners[o]
	if !ok {
		return list.Nil, nil, ErrUnknownOwner
	}
	if seg < 0 || seg >= b.arena.BlockLen(e.block) {
		return list.Nil, nil, fmt.Errorf("%w: segment %d out of range", ErrUnknownOwner, seg)
	}
	return list.MakeRef(e.block, seg), e, nil
}

// victimOf resolves a popped node back to its owner. Must hold mu.
func (b *base) victimOf(r list.Ref) victim {
	e := b.blocks[r.Block()]
	return victim{owner: e.owner, seg: r.Slot(), ref: r, size: e.segSize}
}

// stillAlone reports whether v may be put back: its owner is registered
// with the same block and nobody re-tracked the node. Must hold mu.
func (b *base) stillAlone(v victim) bool {
	e, ok := b.owners[v.owner]
	return ok && e.block == v.ref.Block() && b.arena.IsAlone(v.ref)
}

// evict runs the owners' Evict outside the lock. A failed victim is handed
// to putBack (under the lock) so its memory stays accounted.
func (b *base) evict(self Policy, victims []victim, putBack func(victim)) error {
	var errs []error
	for _, v := range victims {
		if err := v.owner.Evict(self, v.seg); err != nil {
			b.mu.Lock()
			if b.stillAlone(v) {
				putBack(v)
			}
			b.mu.Unlock()
			errs = append(errs, &EvictError{Segment: v.seg, cause: err})
		}
	}
	return errors.Join(errs...)
}

// afterTouch evicts the batch and reports growth to the quota.
func (b *base) afterTouch(self Policy, victims []victim, putBack func(victim), q QuotaHook) error {
	err := b.evict(self, victims, putBack)
	if q != nil {
		err = errors.Join(err, q.Update())
	}
	return err
}

// notifyQuota returns the quota to call after a first-access insertion
// pushed current past the notify limit. Must hold mu.
func (b *base) notifyQuota(first bool, current int64) QuotaHook {
	if first && b.quota != nil && current > b.notifyLimit {
		return b.quota
	}
	return nil
}

// MaxMemory returns the budget the policy was built with.
func (b *base) MaxMemory() int64 { return b.maxMemory }

// DynamicMaxMemory returns the budget currently enforced, at most MaxMemory.
func (b *base) DynamicMaxMemory() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dynamicMax
}

// SetDynamicMaxMemory changes the enforced budget. It does not evict.
func (b *base) SetDynamicMaxMemory(v int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dynamicMax = v
}

// SetNotifyLimit sets the size above which growth is reported to the quota.
func (b *base) SetNotifyLimit(v int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyLimit = v
}

// NotifyLimit returns the size above which growth is reported to the quota.
func (b *base) NotifyLimit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifyLimit
}

// SetQuota attaches q, or detaches the quota when q is nil.
func (b *base) SetQuota(q QuotaHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quota = q
}

// Local reports whether the policy accepts a single owner.
func (b *base) Local() bool { return b.local }

// MaxSegmentSize returns the largest segment size among registered owners.
func (b *base) MaxSegmentSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var m int64
	for _, e := range b.owners {
		m = max(m, e.segSize)
	}
	return m
}

// Owners returns the number of registered owners.
func (b *base) Owners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.owners)
}
