//go:build unix

package mmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func osReserve(hint uintptr, size int, fixed bool) (unsafe.Pointer, error) {
	flags := unix.MAP_ANON | unix.MAP_PRIVATE | reserveFlags
	if fixed {
		flags |= fixedNoReplace
	}
	addr := unsafe.Pointer(hint) //nolint:govet // hint is an address outside the Go heap
	return unix.MmapPtr(-1, 0, addr, uintptr(size), unix.PROT_NONE, flags)
}

func osProt(prot Prot) int {
	p := unix.PROT_NONE
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

func osProtect(b []byte, prot Prot) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mprotect(b, osProt(prot))
}

func osMapFile(f *os.File, off int64, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), off, size, prot, unix.MAP_SHARED)
}

func osSync(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Msync(b, unix.MS_SYNC)
}

func osAdvise(data []byte, pattern AccessPattern) error {
	if len(data) == 0 {
		return nil
	}

	var advice int
	switch pattern {
	case AccessSequential:
		advice = unix.MADV_SEQUENTIAL
	case AccessRandom:
		advice = unix.MADV_RANDOM
	case AccessWillNeed:
		advice = unix.MADV_WILLNEED
	case AccessDontNeed:
		advice = unix.MADV_DONTNEED
	default:
		advice = unix.MADV_NORMAL
	}

	// On Linux, madvise requires page-aligned addresses.
	// If the slice isn't page-aligned, we silently succeed since
	// the hint is advisory and non-critical.
	err := unix.Madvise(data, advice)
	if err == unix.EINVAL {
		return nil
	}
	return err
}
