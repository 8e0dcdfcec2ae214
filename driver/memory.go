package driver

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a fixed-size in-memory store.
type Memory struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMemory returns a zeroed store of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{data: make([]byte, size)}
}

// NewMemoryFrom returns a store over a copy of data.
func NewMemoryFrom(data []byte) *Memory {
	return &Memory{data: append([]byte(nil), data...)}
}

func (m *Memory) span(n int, off int64) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(n) > int64(len(m.data)) {
		return 0, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+int64(n), len(m.data))
	}
	return int(off), nil
}

func (m *Memory) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, err := m.span(len(p), off)
	if err != nil {
		return 0, err
	}
	return copy(p, m.data[start:]), nil
}

func (m *Memory) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start, err := m.span(len(p), off)
	if err != nil {
		return 0, err
	}
	return copy(m.data[start:], p), nil
}

func (m *Memory) Sync(context.Context, int64, int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Size returns the store size.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

// Bytes returns a copy of the contents.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

func (m *Memory) ThreadSafe() bool { return true }
