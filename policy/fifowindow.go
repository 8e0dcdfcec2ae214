package policy

import (
	"fmt"

	"github.com/hupe1980/ummapio/internal/list"
)

const (
	tagFixed   uint8 = 1
	tagSliding uint8 = 2
)

// FifoWindow pins the first segments it sees in a fixed window and cycles
// the rest through a FIFO sliding window. Only the sliding window is
// evicted on touch; ShrinkMemory may also reclaim the fixed one.
type FifoWindow struct {
	base
	fixed, sliding               *list.List
	currentFixed, currentSliding int64
	maxFixed, maxSliding         int64
}

// NewFifoWindow returns a window policy of maxMemory bytes, maxSliding of
// which rotate.
func NewFifoWindow(maxMemory, maxSliding int64, local bool) (*FifoWindow, error) {
	if maxSliding <= 0 || maxSliding > maxMemory {
		return nil, fmt.Errorf("%w: sliding %d, total %d", ErrInvalidWindow, maxSliding, maxMemory)
	}
	p := &FifoWindow{
		fixed:      list.New(tagFixed),
		sliding:    list.New(tagSliding),
		maxFixed:   maxMemory - maxSliding,
		maxSliding: maxSliding,
	}
	p.init(maxMemory, local)
	return p, nil
}

// Register allocates one tracking node per segment of owner.
func (p *FifoWindow) Register(owner Owner, segments int) error {
	return p.register(owner, segments)
}

// Unregister forgets every segment of owner without evicting it.
func (p *FifoWindow) Unregister(owner Owner) {
	p.unregister(owner, func(r list.Ref, size int64) {
		p.detach(r, size)
	})
}

// detach unlinks r from whichever window holds it. Must hold mu.
func (p *FifoWindow) detach(r list.Ref, size int64) bool {
	switch p.arena.Tag(r) {
	case tagFixed:
		p.fixed.Remove(&p.arena, r)
		p.currentFixed -= size
	case tagSliding:
		p.sliding.Remove(&p.arena, r)
		p.currentSliding -= size
	default:
		return false
	}
	return true
}

// NotifyTouch queues segment in the fixed window while it has room, else
// in the sliding one, and rotates the sliding window while over budget.
func (p *FifoWindow) NotifyTouch(owner Owner, segment int, _, _, _ bool) error {
	p.mu.Lock()
	r, e, err := p.ref(owner, segment)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	first := !p.detach(r, e.segSize)
	if p.currentFixed < p.maxFixed {
		p.fixed.PushBack(&p.arena, r)
		p.currentFixed += e.segSize
	} else {
		p.sliding.PushBack(&p.arena, r)
		p.currentSliding += e.segSize
	}

	var victims []victim
	for p.currentSliding > p.maxSliding {
		front, ok := p.sliding.Front()
		if !ok || front == r {
			break
		}
		p.sliding.Remove(&p.arena, front)
		v := p.victimOf(front)
		p.currentSliding -= v.size
		victims = append(victims, v)
	}
	// A quota may have lowered the budget below both windows.
	for p.currentFixed+p.currentSliding > p.dynamicMax {
		l, cur := p.sliding, &p.currentSliding
		front, ok := l.Front()
		if !ok || front == r {
			l, cur = p.fixed, &p.currentFixed
			if front, ok = l.Front(); !ok || front == r {
				break
			}
		}
		l.Remove(&p.arena, front)
		v := p.victimOf(front)
		*cur -= v.size
		victims = append(victims, v)
	}
	q := p.notifyQuota(first, p.currentFixed+p.currentSliding)
	p.mu.Unlock()

	return p.afterTouch(p, victims, p.putBack, q)
}

// putBack returns a failed victim to the head of the sliding window. Must hold mu.
func (p *FifoWindow) putBack(v victim) {
	p.sliding.PushFront(&p.arena, v.ref)
	p.currentSliding += v.size
}

// NotifyEvict forgets a segment another policy evicted.
func (p *FifoWindow) NotifyEvict(owner Owner, segment int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, e, err := p.ref(owner, segment)
	if err != nil {
		return
	}
	p.detach(r, e.segSize)
}

// CurrentMemory returns the bytes held by both windows.
func (p *FifoWindow) CurrentMemory() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentFixed + p.currentSliding
}

// Windows returns the fixed and sliding memory separately.
func (p *FifoWindow) Windows() (fixed, sliding int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentFixed, p.currentSliding
}

// ShrinkMemory evicts until CurrentMemory fits DynamicMaxMemory.
func (p *FifoWindow) ShrinkMemory() error {
	p.mu.Lock()
	var victims []victim
	for p.currentFixed+p.currentSliding > p.dynamicMax {
		r, ok := p.sliding.PopFront(&p.arena)
		if ok {
			v := p.victimOf(r)
			p.currentSliding -= v.size
			victims = append(victims, v)
			continue
		}
		r, ok = p.fixed.PopFront(&p.arena)
		if !ok {
			break
		}
		v := p.victimOf(r)
		p.currentFixed -= v.size
		victims = append(victims, v)
	}
	p.mu.Unlock()

	return p.evict(p, victims, p.putBack)
}
