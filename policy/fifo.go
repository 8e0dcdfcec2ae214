package policy

import "github.com/hupe1980/ummapio/internal/list"

// Fifo evicts the segment that was touched least recently.
type Fifo struct {
	base
	list    *list.List
	current int64
}

// NewFifo returns a FIFO policy holding at most maxMemory bytes.
func NewFifo(maxMemory int64, local bool) *Fifo {
	p := &Fifo{list: list.New(1)}
	p.init(maxMemory, local)
	return p
}

// Register allocates one tracking node per segment of owner.
func (p *Fifo) Register(owner Owner, segments int) error {
	return p.register(owner, segments)
}

// Unregister forgets every segment of owner without evicting it.
func (p *Fifo) Unregister(owner Owner) {
	p.unregister(owner, func(r list.Ref, size int64) {
		if p.list.Remove(&p.arena, r) {
			p.current -= size
		}
	})
}

// NotifyTouch moves segment to the tail and evicts from the head while over budget.
func (p *Fifo) NotifyTouch(owner Owner, segment int, _, _, _ bool) error {
	p.mu.Lock()
	r, e, err := p.ref(owner, segment)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	first := p.arena.IsAlone(r)
	if first {
		p.current += e.segSize
	} else {
		p.list.Remove(&p.arena, r)
	}
	p.list.PushBack(&p.arena, r)

	var victims []victim
	for p.current > p.dynamicMax {
		front, ok := p.list.Front()
		if !ok || front == r {
			break
		}
		p.list.Remove(&p.arena, front)
		v := p.victimOf(front)
		p.current -= v.size
		victims = append(victims, v)
	}
	q := p.notifyQuota(first, p.current)
	p.mu.Unlock()

	return p.afterTouch(p, victims, p.putBack, q)
}

// putBack re-inserts a failed victim at the eviction end. Must hold mu.
func (p *Fifo) putBack(v victim) {
	p.list.PushFront(&p.arena, v.ref)
	p.current += v.size
}

// NotifyEvict forgets a segment another policy evicted.
func (p *Fifo) NotifyEvict(owner Owner, segment int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, e, err := p.ref(owner, segment)
	if err != nil {
		return
	}
	if p.list.Remove(&p.arena, r) {
		p.current -= e.segSize
	}
}

// CurrentMemory returns the bytes of tracked resident segments.
func (p *Fifo) CurrentMemory() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// ShrinkMemory evicts until CurrentMemory fits DynamicMaxMemory.
func (p *Fifo) ShrinkMemory() error {
	p.mu.Lock()
	var victims []victim
	for p.current > p.dynamicMax {
		front, ok := p.list.PopFront(&p.arena)
		if !ok {
			break
		}
		v := p.victimOf(front)
		p.current -= v.size
		victims = append(victims, v)
	}
	p.mu.Unlock()

	return p.evict(p, victims, p.putBack)
}
