//go:build unix

package mmap

import (
	"errors"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the OS page size.
var PageSize = os.Getpagesize()

// Region is a private anonymous address range reserved without access.
// Pages become readable or writable one range at a time as the pager
// installs data into them.
type Region struct {
	ptr    unsafe.Pointer
	data   []byte
	extra  Prot
	closed atomic.Bool
}

// Reserve maps size bytes of inaccessible memory. hint is a preferred
// address (0 lets the kernel choose); with fixed set the reservation fails
// with ErrAddressInUse instead of moving elsewhere.
func Reserve(hint uintptr, size int, fixed bool) (*Region, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, ErrInvalidSize
	}
	if hint%uintptr(PageSize) != 0 {
		return nil, ErrInvalidOffset
	}

	ptr, err := osReserve(hint, size, fixed)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, ErrAddressInUse
		}
		return nil, err
	}
	if fixed && uintptr(ptr) != hint {
		_ = unix.MunmapPtr(ptr, uintptr(size))
		return nil, ErrAddressInUse
	}

	return &Region{
		ptr:  ptr,
		data: unsafe.Slice((*byte)(ptr), size),
	}, nil
}

// Addr returns the base address of the region.
func (r *Region) Addr() uintptr { return uintptr(r.ptr) }

// Size returns the reserved length in bytes.
func (r *Region) Size() int { return len(r.data) }

// SetExtraProt adds p to every access the region grants afterwards. It is
// meant for ProtExec and must be called before the first Install.
func (r *Region) SetExtraProt(p Prot) { r.extra = p }

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool {
	base := uintptr(r.ptr)
	return addr >= base && addr < base+uintptr(len(r.data))
}

// Bytes returns the whole reserved range. Touching a page that has not
// been granted access raises a memory fault.
func (r *Region) Bytes() []byte {
	if r.closed.Load() {
		return nil
	}
	return r.data
}

func (r *Region) span(off, n int) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(r.data) {
		return nil, ErrOutOfBounds
	}
	if off%PageSize != 0 {
		return nil, ErrInvalidOffset
	}
	return r.data[off : off+n], nil
}

// Protect changes the protection of [off, off+n).
func (r *Region) Protect(off, n int, prot Prot) error {
	b, err := r.span(off, n)
	if err != nil {
		return err
	}
	return osProtect(b, prot)
}

// Protect changes the protection of b, a page aligned slice of memory
// mapped outside any Region.
func Protect(b []byte, prot Prot) error {
	if uintptr(unsafe.Pointer(unsafe.SliceData(b)))%uintptr(PageSize) != 0 {
		return ErrInvalidOffset
	}
	return osProtect(b, prot)
}

// Advise passes an access hint for [off, off+n) to the kernel.
func (r *Region) Advise(off, n int, pattern AccessPattern) error {
	b, err := r.span(off, n)
	if err != nil {
		return err
	}
	return osAdvise(b, pattern)
}

// Install makes [off, off+len(src)) writable, copies src in and drops the
// range to read-only unless writable is set. The copy length is rounded up
// to whole pages; the tail past src is zeroed.
func (r *Region) Install(off int, src []byte, writable bool) error {
	n := roundUp(len(src))
	b, err := r.span(off, n)
	if err != nil {
		return err
	}
	if err := osProtect(b, ProtRead|ProtWrite|r.extra); err != nil {
		return err
	}
	copied := copy(b, src)
	clear(b[copied:])
	if writable {
		return nil
	}
	return osProtect(b, ProtRead|r.extra)
}

// AllowWrite grants read-write access over an installed range.
func (r *Region) AllowWrite(off, n int) error {
	return r.Protect(off, roundUp(n), ProtRead|ProtWrite|r.extra)
}

// DenyWrite drops an installed range back to read-only so the next store faults.
func (r *Region) DenyWrite(off, n int) error {
	return r.Protect(off, roundUp(n), ProtRead|r.extra)
}

// Revoke discards the pages of [off, off+n) and removes all access.
func (r *Region) Revoke(off, n int) error {
	b, err := r.span(off, roundUp(n))
	if err != nil {
		return err
	}
	if err := osProtect(b, ProtNone); err != nil {
		return err
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// Discard drops the pages of [off, off+n) without touching protection.
// Under userfaultfd the next access faults as missing again.
func (r *Region) Discard(off, n int) error {
	b, err := r.span(off, roundUp(n))
	if err != nil {
		return err
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// Close releases the reservation. It is idempotent.
func (r *Region) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	err := unix.MunmapPtr(r.ptr, uintptr(len(r.data)))
	r.data = nil
	return err
}

func roundUp(n int) int {
	return (n + PageSize - 1) / PageSize * PageSize
}
