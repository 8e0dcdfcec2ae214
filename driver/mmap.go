//go:build unix

package driver

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/hupe1980/ummapio/internal/mmap"
)

// Mmap maps a file straight into memory. Reads and writes through the
// Driver interface use positional I/O on the same file.
type Mmap struct {
	*FD
	file *os.File

	mu   sync.Mutex
	maps map[uintptr]*mmap.Mapping
}

// NewMmap wraps f. The driver owns f.
func NewMmap(f *os.File) *Mmap {
	return &Mmap{FD: NewFD(f), file: f, maps: make(map[uintptr]*mmap.Mapping)}
}

// DirectMap maps size bytes of the file at off with MAP_SHARED.
func (d *Mmap) DirectMap(size, off int64, writable bool) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	m, err := mmap.MapFile(d.file, off, int(size), writable)
	if err != nil {
		return nil, fmt.Errorf("driver: direct map: %w", err)
	}
	b := m.Bytes()

	d.mu.Lock()
	d.maps[base(b)] = m
	d.mu.Unlock()
	return b, nil
}

// DirectUnmap releases a slice returned by DirectMap.
func (d *Mmap) DirectUnmap(b []byte) error {
	d.mu.Lock()
	m, ok := d.maps[base(b)]
	delete(d.maps, base(b))
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown direct mapping", ErrOutOfRange)
	}
	return m.Close()
}

// DirectSync msyncs b, a window starting off bytes into a direct mapping.
func (d *Mmap) DirectSync(b []byte, off int64) error {
	if len(b) == 0 {
		return nil
	}
	start := base(b) - uintptr(off)

	d.mu.Lock()
	m, ok := d.maps[start]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown direct mapping", ErrOutOfRange)
	}
	return m.Sync(int(off), len(b))
}

// Close unmaps every remaining direct mapping and closes the file.
func (d *Mmap) Close() error {
	d.mu.Lock()
	maps := d.maps
	d.maps = make(map[uintptr]*mmap.Mapping)
	d.mu.Unlock()

	for _, m := range maps {
		_ = m.Close()
	}
	return d.FD.Close()
}

func base(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
