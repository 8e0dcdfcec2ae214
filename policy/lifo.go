package policy

import "github.com/hupe1980/ummapio/internal/list"

// Lifo keeps a stack of resident segments: when over budget it evicts the
// most recently inserted segment other than the one being touched. It
// suits scans that revisit the start of a range, where FIFO would thrash.
type Lifo struct {
	base
	list    *list.List
	current int64
}

// NewLifo returns a LIFO policy holding at most maxMemory bytes.
func NewLifo(maxMemory int64, local bool) *Lifo {
	p := &Lifo{list: list.New(1)}
	p.init(maxMemory, local)
	return p
}

// Register allocates one tracking node per segment of owner.
func (p *Lifo) Register(owner Owner, segments int) error {
	return p.register(owner, segments)
}

// Unregister forgets every segment of owner without evicting it.
func (p *Lifo) Unregister(owner Owner) {
	p.unregister(owner, func(r list.Ref, size int64) {
		if p.list.Remove(&p.arena, r) {
			p.current -= size
		}
	})
}

// NotifyTouch pushes segment and evicts the newest other segments while
// over budget.
func (p *Lifo) NotifyTouch(owner Owner, segment int, _, _, _ bool) error {
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

	// Pop before inserting so the touched segment is never its own victim.
	var victims []victim
	for p.current > p.dynamicMax {
		back, ok := p.list.PopBack(&p.arena)
		if !ok {
			break
		}
		v := p.victimOf(back)
		p.current -= v.size
		victims = append(victims, v)
	}
	p.list.PushBack(&p.arena, r)
	q := p.notifyQuota(first, p.current)
	p.mu.Unlock()

	return p.afterTouch(p, victims, p.putBack, q)
}

// putBack re-inserts a failed victim at the eviction end. Must hold mu.
func (p *Lifo) putBack(v victim) {
	p.list.PushBack(&p.arena, v.ref)
	p.current += v.size
}

// NotifyEvict forgets a segment another policy evicted.
func (p *Lifo) NotifyEvict(owner Owner, segment int) {
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
func (p *Lifo) CurrentMemory() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// ShrinkMemory evicts until CurrentMemory fits DynamicMaxMemory.
func (p *Lifo) ShrinkMemory() error {
	p.mu.Lock()
	var victims []victim
	for p.current > p.dynamicMax {
		back, ok := p.list.PopBack(&p.arena)
		if !ok {
			break
		}
		v := p.victimOf(back)
		p.current -= v.size
		victims = append(victims, v)
	}
	p.mu.Unlock()

	return p.evict(p, victims, p.putBack)
}
