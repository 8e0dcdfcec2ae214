package mapping

import (
	"runtime"
	"slices"
	"sync"
)

// stripes serializes segment transitions. Segment i uses mutex
// i % len(mu); a disabled set never locks.
type stripes struct {
	mu  []sync.Mutex
	off bool
}

func newStripes(segments int, disabled bool) stripes {
	n := min(max(runtime.NumCPU(), 1), max(segments, 1))
	return stripes{mu: make([]sync.Mutex, n), off: disabled}
}

func (s *stripes) lock(seg int) {
	if !s.off {
		s.mu[seg%len(s.mu)].Lock()
	}
}

func (s *stripes) unlock(seg int) {
	if !s.off {
		s.mu[seg%len(s.mu)].Unlock()
	}
}

// lockRange takes every stripe covering [first, last) in ascending stripe
// order and returns the function releasing them.
func (s *stripes) lockRange(first, last int) func() {
	if s.off {
		return func() {}
	}
	var idx []int
	if last-first >= len(s.mu) {
		idx = make([]int, len(s.mu))
		for i := range idx {
			idx[i] = i
		}
	} else {
		for seg := first; seg < last; seg++ {
			idx = append(idx, seg%len(s.mu))
		}
		slices.Sort(idx)
		idx = slices.Compact(idx)
	}
	for _, i := range idx {
		s.mu[i].Lock()
	}
	return func() {
		for _, i := range slices.Backward(idx) {
			s.mu[i].Unlock()
		}
	}
}

func (s *stripes) lockAll() func() {
	return s.lockRange(0, len(s.mu))
}
