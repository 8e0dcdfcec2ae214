//go:build unix

package mmap

import (
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Mapping represents a shared memory-mapped window of a file.
// It owns the underlying byte slice and is responsible for unmapping it.
type Mapping struct {
	data     []byte
	offset   int64
	writable bool
	closed   atomic.Bool
}

// MapFile maps size bytes of f starting at off. off must be page aligned.
// A writable mapping grows the file to cover the window first.
func MapFile(f *os.File, off int64, size int, writable bool) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	if off < 0 || off%int64(PageSize) != 0 {
		return nil, ErrInvalidOffset
	}

	if writable {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if end := off + int64(size); fi.Size() < end {
			if err := f.Truncate(end); err != nil {
				return nil, err
			}
		}
	}

	data, err := osMapFile(f, off, size, writable)
	if err != nil {
		return nil, err
	}

	return &Mapping{
		data:     data,
		offset:   off,
		writable: writable,
	}, nil
}

// Open maps the whole file at path as read-only.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		m := &Mapping{}
		m.closed.Store(true)
		return m, nil
	}
	return MapFile(f, 0, int(fi.Size()), false)
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return unix.Munmap(m.data)
}

// Bytes returns the underlying byte slice.
// Warning: The slice is valid only until Close() is called.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int {
	return len(m.data)
}

// Offset returns the file offset of the first mapped byte.
func (m *Mapping) Offset() int64 {
	return m.offset
}

// Sync flushes [off, off+n) of the window back to the file.
func (m *Mapping) Sync(off, n int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(m.data) {
		return ErrOutOfBounds
	}
	// msync needs a page-aligned start.
	start := off / PageSize * PageSize
	return osSync(m.data[start : off+n])
}

// Advise provides hints to the kernel about how the memory will be accessed.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osAdvise(m.data, pattern)
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (n int, err error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, ErrInvalidOffset
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n = copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
