// Package registry maps address ranges to their owners and names the
// shared policies mappings may join.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOverlap is returned when a range intersects a registered one.
	ErrOverlap = errors.New("registry: overlapping range")
	// ErrInvalidRange is returned for an empty or inverted range.
	ErrInvalidRange = errors.New("registry: invalid range")
)

// Range is the half-open interval [Base, End) owned by Owner.
type Range[T comparable] struct {
	Base  uintptr
	End   uintptr
	Owner T
}

// Contains reports whether addr falls in r.
func (r Range[T]) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.End
}

func (r Range[T]) overlaps(o Range[T]) bool {
	return r.Base < o.End && o.Base < r.End
}

// Registry resolves a faulting address to the owner of the range it
// falls in. The number of live ranges is small, so lookups scan.
type Registry[T comparable] struct {
	mu     sync.RWMutex
	ranges []Range[T]
}

// New returns an empty registry.
func New[T comparable]() *Registry[T] {
	return &Registry[T]{}
}

// Register adds r.
func (g *Registry[T]) Register(r Range[T]) error {
	if r.End <= r.Base {
		return fmt.Errorf("%w: [%#x, %#x)", ErrInvalidRange, r.Base, r.End)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, o := range g.ranges {
		if o.overlaps(r) {
			return fmt.Errorf("%w: [%#x, %#x) intersects [%#x, %#x)", ErrOverlap, r.Base, r.End, o.Base, o.End)
		}
	}
	g.ranges = append(g.ranges, r)
	return nil
}

// Unregister removes every range of owner and reports whether one existed.
func (g *Registry[T]) Unregister(owner T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.ranges)
	kept := g.ranges[:0]
	for _, r := range g.ranges {
		if r.Owner != owner {
			kept = append(kept, r)
		}
	}
	clear(g.ranges[len(kept):])
	g.ranges = kept
	return len(kept) != n
}

// Resolve returns the owner of the range containing addr.
func (g *Registry[T]) Resolve(addr uintptr) (T, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, r := range g.ranges {
		if r.Contains(addr) {
			return r.Owner, true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of registered ranges.
func (g *Registry[T]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.ranges)
}

// Each calls fn for a snapshot of the ranges, stopping when fn returns false.
// fn may call back into the registry.
func (g *Registry[T]) Each(fn func(Range[T]) bool) {
	g.mu.RLock()
	snapshot := append([]Range[T](nil), g.ranges...)
	g.mu.RUnlock()

	for _, r := range snapshot {
		if !fn(r) {
			return
		}
	}
}
