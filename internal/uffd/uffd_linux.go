//go:build linux

package uffd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers and flags from linux/userfaultfd.h.
const (
	uffdAPI = 0xAA

	ioctlAPI          = 0xc018aa3f
	ioctlRegister     = 0xc020aa00
	ioctlUnregister   = 0x8010aa01
	ioctlWake         = 0x8010aa02
	ioctlCopy         = 0xc028aa03
	ioctlZeroPage     = 0xc020aa04
	ioctlWriteProtect = 0xc018aa06

	registerModeMissing = 1
	registerModeWP      = 2

	copyModeWP         = 2
	writeProtectModeWP = 1

	featurePagefaultFlagWP = 1

	eventPagefault = 0x12

	pagefaultFlagWrite = 1
	pagefaultFlagWP    = 2

	userModeOnly = 1

	msgSize = 32
)

type uffdioAPI struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegister struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

type uffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeroPage struct {
	Range    uffdioRange
	Mode     uint64
	ZeroPage int64
}

type uffdioWriteProtect struct {
	Range uffdioRange
	Mode  uint64
}

// FD is an open userfaultfd.
type FD struct {
	fd     int
	wp     bool
	closed atomic.Bool
	wake   [2]int
}

// Open creates a userfaultfd and negotiates the API. Write-protect faults
// are enabled when the kernel offers them.
func Open() (*FD, error) {
	fd, err := open(unix.O_CLOEXEC | unix.O_NONBLOCK | userModeOnly)
	if err != nil {
		// Kernels before 5.11 reject UFFD_USER_MODE_ONLY.
		fd, err = open(unix.O_CLOEXEC | unix.O_NONBLOCK)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	api := uffdioAPI{API: uffdAPI, Features: featurePagefaultFlagWP}
	if err := ioctl(fd, ioctlAPI, unsafe.Pointer(&api)); err != nil {
		// Retry without write-protect support, which needs a fresh fd.
		unix.Close(fd)
		if fd, err = open(unix.O_CLOEXEC | unix.O_NONBLOCK); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		api = uffdioAPI{API: uffdAPI}
		if err := ioctl(fd, ioctlAPI, unsafe.Pointer(&api)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	u := &FD{fd: fd, wp: api.Features&featurePagefaultFlagWP != 0}
	if err := unix.Pipe2(u.wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return u, nil
}

func open(flags int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(flags), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// WriteProtect reports whether write-protect faults are available.
func (u *FD) WriteProtect() bool { return u.wp }

// Register starts delivering missing-page faults (and write-protect faults
// when available) for [addr, addr+size).
func (u *FD) Register(addr uintptr, size int) error {
	mode := uint64(registerModeMissing)
	if u.wp {
		mode |= registerModeWP
	}
	reg := uffdioRegister{
		Range: uffdioRange{Start: uint64(addr), Len: uint64(size)},
		Mode:  mode,
	}
	return ioctl(u.fd, ioctlRegister, unsafe.Pointer(&reg))
}

// Unregister stops fault delivery for [addr, addr+size).
func (u *FD) Unregister(addr uintptr, size int) error {
	r := uffdioRange{Start: uint64(addr), Len: uint64(size)}
	return ioctl(u.fd, ioctlUnregister, unsafe.Pointer(&r))
}

// Copy atomically populates the missing pages at dst with src and wakes
// the faulting threads. With protect set the pages arrive write-protected.
func (u *FD) Copy(dst uintptr, src []byte, protect bool) error {
	if len(src) == 0 {
		return nil
	}
	c := uffdioCopy{
		Dst: uint64(dst),
		Src: uint64(uintptr(unsafe.Pointer(&src[0]))),
		Len: uint64(len(src)),
	}
	if protect && u.wp {
		c.Mode = copyModeWP
	}
	err := ioctl(u.fd, ioctlCopy, unsafe.Pointer(&c))
	runtime.KeepAlive(src)
	if errors.Is(err, unix.EEXIST) {
		// Another fault already populated the range.
		return u.Wake(dst, len(src))
	}
	return err
}

// ZeroPage maps zero pages at [addr, addr+size).
func (u *FD) ZeroPage(addr uintptr, size int) error {
	z := uffdioZeroPage{Range: uffdioRange{Start: uint64(addr), Len: uint64(size)}}
	err := ioctl(u.fd, ioctlZeroPage, unsafe.Pointer(&z))
	if errors.Is(err, unix.EEXIST) {
		return u.Wake(addr, size)
	}
	return err
}

// SetWriteProtect toggles write protection on populated pages. Clearing it
// wakes threads blocked on a write-protect fault.
func (u *FD) SetWriteProtect(addr uintptr, size int, protect bool) error {
	if !u.wp {
		return nil
	}
	w := uffdioWriteProtect{Range: uffdioRange{Start: uint64(addr), Len: uint64(size)}}
	if protect {
		w.Mode = writeProtectModeWP
	}
	return ioctl(u.fd, ioctlWriteProtect, unsafe.Pointer(&w))
}

// Wake resumes threads blocked on faults in [addr, addr+size).
func (u *FD) Wake(addr uintptr, size int) error {
	r := uffdioRange{Start: uint64(addr), Len: uint64(size)}
	return ioctl(u.fd, ioctlWake, unsafe.Pointer(&r))
}

// Read blocks until the next page fault, ctx is done, or the FD is closed.
func (u *FD) Read(ctx context.Context) (Fault, error) {
	var buf [msgSize]byte
	for {
		if u.closed.Load() {
			return Fault{}, ErrClosed
		}
		n, err := unix.Read(u.fd, buf[:])
		switch {
		case err == nil && n == msgSize:
			if buf[0] != eventPagefault {
				continue
			}
			flags := binary.LittleEndian.Uint64(buf[8:16])
			return Fault{
				Addr:         uintptr(binary.LittleEndian.Uint64(buf[16:24])),
				Write:        flags&pagefaultFlagWrite != 0,
				WriteProtect: flags&pagefaultFlagWP != 0,
			}, nil
		case err == nil:
			return Fault{}, fmt.Errorf("uffd: short message of %d bytes", n)
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		default:
			return Fault{}, err
		}

		if err := ctx.Err(); err != nil {
			return Fault{}, err
		}
		fds := []unix.PollFd{
			{Fd: int32(u.fd), Events: unix.POLLIN},
			{Fd: int32(u.wake[0]), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, pollInterval); err != nil && !errors.Is(err, unix.EINTR) {
			return Fault{}, err
		}
	}
}

// Close stops Read and releases the descriptor.
func (u *FD) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	_, _ = unix.Write(u.wake[1], []byte{0})
	unix.Close(u.wake[0])
	unix.Close(u.wake[1])
	return unix.Close(u.fd)
}
