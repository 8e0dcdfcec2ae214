// Package driver defines the backing-store contract of a mapping and the
// built-in drivers: a constant-filled dummy, an in-memory buffer, a file
// accessed with positional I/O and a direct file mapping.
package driver

import (
	"context"
	"errors"
)

var (
	// ErrOutOfRange is returned for I/O outside a fixed-size store.
	ErrOutOfRange = errors.New("driver: out of range")
	// ErrClosed is returned by I/O on a closed driver.
	ErrClosed = errors.New("driver: closed")
)

// Driver moves segment contents between a mapping and its backing store.
//
// A read past the end of the store returns the bytes that exist and a nil
// error; the mapping zero-fills the rest.
type Driver interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	// Sync makes [off, off+size) durable. size 0 means everything.
	Sync(ctx context.Context, off, size int64) error
	Close() error
}

// DirectMapper is implemented by drivers that can hand out their storage
// as memory. A mapping over such a driver has no fault path.
type DirectMapper interface {
	DirectMap(size, off int64, writable bool) ([]byte, error)
	DirectUnmap(b []byte) error
	// DirectSync writes back b, which starts off bytes into a slice
	// returned by DirectMap.
	DirectSync(b []byte, off int64) error
}

// Lease is an exclusive or shared claim on a byte range of a store.
type Lease struct {
	ID    string
	Off   int64
	Size  int64
	Write bool
}

// RangeLocker is implemented by drivers that enforce range ownership
// between mappings.
type RangeLocker interface {
	EstablishMapping(ctx context.Context, off, size int64, write bool) (Lease, error)
	EraseMapping(ctx context.Context, l Lease) error
}

// ThreadSafetyChecker is implemented by drivers that tell whether
// concurrent I/O on distinct segments is allowed.
type ThreadSafetyChecker interface {
	ThreadSafe() bool
}

// Factory builds a driver, typically the target of a copy-on-write.
type Factory func(ctx context.Context) (Driver, error)

// IsThreadSafe reports whether d accepts concurrent I/O. Drivers that do
// not say are assumed to.
func IsThreadSafe(d Driver) bool {
	if c, ok := d.(ThreadSafetyChecker); ok {
		return c.ThreadSafe()
	}
	return true
}
