// Package uffd delivers page faults of registered ranges through a Linux
// userfaultfd, so a poller goroutine can populate memory on first touch
// without a signal handler.
package uffd

import "errors"

var (
	// ErrUnavailable is returned by Open when the kernel or its sysctl
	// settings do not allow userfaultfd.
	ErrUnavailable = errors.New("uffd: userfaultfd unavailable")
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("uffd: closed")
)

// pollInterval bounds how long Read waits before rechecking its context.
const pollInterval = 100 // milliseconds

// Fault is one page-fault event.
type Fault struct {
	// Addr is the faulting address, rounded down to a page by the kernel.
	Addr uintptr
	// Write is set for store faults.
	Write bool
	// WriteProtect is set when a store hit a write-protected page.
	WriteProtect bool
}
