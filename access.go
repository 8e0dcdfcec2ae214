package ummapio

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/hupe1980/ummapio/mapping"
)

// errNotPaged marks a fault that no paged mapping can resolve.
var errNotPaged = errors.New("ummapio: fault outside paged mappings")

// memoryFault is a recovered fault panic.
type memoryFault struct {
	addr  uintptr
	value any
}

// segmentKey names one segment of one mapping.
type segmentKey struct {
	m   *mapping.Mapping
	seg int64
}

// trap is a resolved fault as seen by Access.
type trap struct {
	key   segmentKey
	write bool
}

// Access runs fn and resolves the faults it raises on paged mappings.
// After each resolved fault fn runs again from the start, so everything it
// does before its last access must be safe to repeat. Faults are caught
// on the calling goroutine only.
//
// A fault outside every mapping is re-panicked. A fault the mapping
// refuses, such as a store into a read-only mapping or a failed driver
// read, ends Access with a *FatalError.
//
// Segments fn needs at once must fit the budget of their policies. When
// reloads of segments fn already touched outnumber the distinct segments
// it touched, Access gives up with ErrWorkingSetExceedsBudget instead of
// cycling forever.
func (h *Handler) Access(fn func()) error {
	var touched map[segmentKey]struct{}
	lost := 0
	for {
		f := catchFault(fn)
		if f == nil {
			return nil
		}
		t, err := h.onTrap(f.addr)
		if errors.Is(err, errNotPaged) {
			panic(f.value)
		}
		if err != nil {
			return &FatalError{Addr: f.addr, Write: t.write, cause: err}
		}
		if t.write {
			// Store into a resident segment; nothing was reloaded.
			continue
		}
		if touched == nil {
			touched = make(map[segmentKey]struct{})
		}
		if _, ok := touched[t.key]; ok {
			lost++
			if lost > len(touched) {
				return &FatalError{Addr: f.addr, cause: fmt.Errorf("%w: %d segments reloaded %d times",
					ErrWorkingSetExceedsBudget, len(touched), lost)}
			}
		}
		touched[t.key] = struct{}{}
	}
}

func catchFault(fn func()) (f *memoryFault) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if af, ok := r.(interface{ Addr() uintptr }); ok {
			f = &memoryFault{addr: af.Addr(), value: r}
			return
		}
		panic(r)
	}()
	fn()
	return nil
}

// onTrap infers the access kind of a trapped fault and resolves it. The
// trap does not say whether it was a load or a store: a fault on a
// resident clean segment can only be a store, any other fault is served
// as a load and a store retries into the first case.
func (h *Handler) onTrap(addr uintptr) (trap, error) {
	h.swap.RLock()
	m, ok := h.ranges.Resolve(addr)
	if !ok || m.Direct() {
		h.swap.RUnlock()
		return trap{}, errNotPaged
	}
	t := trap{
		key:   segmentKey{m: m, seg: int64(addr-m.Addr()) / m.SegmentSize()},
		write: residentClean(m, addr),
	}
	h.swap.RUnlock()

	return t, h.OnFault(addr, t.write)
}

func residentClean(m *mapping.Mapping, addr uintptr) bool {
	st := m.SegmentStatus(int64(addr - m.Addr()))
	return st.Mapped && !st.Dirty
}
