package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/ummapio/policy"
)

// OnFault resolves a memory fault at addr. A missing segment is loaded
// from the driver; a write to a clean segment makes it dirty. The policies
// learn about the touch after the segment lock is released and may evict
// segments of any mapping from there.
func (m *Mapping) OnFault(addr uintptr, write bool) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.Direct() {
		return nil
	}
	if !m.Contains(addr) {
		return fmt.Errorf("%w: %#x outside mapping", ErrAccessViolation, addr)
	}
	if write && !m.writable {
		return fmt.Errorf("%w: write to read-only mapping at %#x", ErrAccessViolation, addr)
	}

	idx := int(int64(addr-m.Addr()) / m.segSize)
	start := time.Now()
	wasMapped, wasDirty, err := m.touch(context.Background(), idx, write)
	m.metrics.RecordFault(write, !wasMapped, time.Since(start))
	if err != nil {
		return err
	}
	return m.notifyTouch(idx, write, wasMapped, wasDirty)
}

// touch applies a fault to segment idx under its lock.
func (m *Mapping) touch(ctx context.Context, idx int, write bool) (wasMapped, wasDirty bool, err error) {
	off, n := m.segOff(idx)

	m.locks.lock(idx)
	defer m.locks.unlock(idx)

	if m.closed.Load() {
		return false, false, ErrClosed
	}
	s := &m.state[idx]
	wasMapped, wasDirty = s.is(flagMapped), s.is(flagDirty)

	switch {
	case !wasMapped:
		if err := m.load(ctx, idx, off, n, write); err != nil {
			return false, false, err
		}
		s.flags |= flagMapped
		if write {
			s.flags |= flagDirty
		}
	case write && !wasDirty:
		if err := m.pager.allowWrite(int(off), int(m.segSize)); err != nil {
			return wasMapped, wasDirty, fmt.Errorf("mapping: grant write on segment %d: %w", idx, err)
		}
		s.flags |= flagDirty
	default:
		// Lost a race against another fault on the same segment.
		if err := m.pager.wake(int(off), int(m.segSize)); err != nil {
			return wasMapped, wasDirty, err
		}
	}

	if write {
		s.touched = time.Now().UnixNano()
		if !wasDirty {
			m.markDirty(idx)
		}
	}
	return wasMapped, wasDirty, nil
}

// load fills a staging buffer and installs it. Nothing is installed when
// the driver fails. Must hold the segment lock.
func (m *Mapping) load(ctx context.Context, idx int, off int64, n int, write bool) error {
	if err := m.res.AcquireMemory(ctx, m.segSize); err != nil {
		return err
	}
	defer m.res.ReleaseMemory(m.segSize)

	bp := m.getBuf()
	defer m.putBuf(bp)
	buf := *bp

	read := 0
	if m.state[idx].is(flagNeedsRead) {
		var err error
		read, err = m.Driver().ReadAt(ctx, buf[:n], m.storageOffset+off)
		if err != nil {
			return ioError("read", idx, m.storageOffset+off, err)
		}
	}
	clear(buf[read:])

	if err := m.pager.install(int(off), buf, write); err != nil {
		return fmt.Errorf("mapping: install segment %d: %w", idx, err)
	}
	return nil
}

func (m *Mapping) notifyTouch(idx int, write, wasMapped, wasDirty bool) error {
	var errs []error
	for _, p := range []policy.Policy{m.local, m.global} {
		if p == nil {
			continue
		}
		if err := p.NotifyTouch(m, idx, write, wasMapped, wasDirty); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Prefetch loads every missing segment of [offset, offset+size) read-only,
// as read faults would.
func (m *Mapping) Prefetch(ctx context.Context, offset, size int64) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.Direct() {
		return nil
	}
	first, last := m.segmentRange("Prefetch", offset, size)
	for idx := first; idx < last; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.locks.lock(idx)
		mapped := m.state[idx].is(flagMapped)
		m.locks.unlock(idx)
		if mapped {
			continue
		}

		wasMapped, wasDirty, err := m.touch(ctx, idx, false)
		if err != nil {
			return err
		}
		if wasMapped {
			continue
		}
		if err := m.notifyTouch(idx, false, wasMapped, wasDirty); err != nil {
			return err
		}
	}
	return nil
}

// Evict writes segment idx back if dirty and releases it. source is the
// policy that picked the victim; the other policy is told about the
// eviction. A failed write-back leaves the segment resident and dirty.
func (m *Mapping) Evict(source policy.Policy, idx int) error {
	if idx < 0 || idx >= m.segments {
		return fmt.Errorf("%w: segment %d of %d", ErrAccessViolation, idx, m.segments)
	}
	if m.Direct() {
		return nil
	}

	evicted, dirty, err := m.evict(context.Background(), idx)
	m.metrics.RecordEviction(dirty, err)
	if err != nil {
		m.logger.Warn("evict failed", slog.Int("segment", idx), "error", err)
		return err
	}
	if evicted {
		m.notifyEvict(source, idx)
	}
	return nil
}

func (m *Mapping) evict(ctx context.Context, idx int) (evicted, dirty bool, err error) {
	off, n := m.segOff(idx)

	m.locks.lock(idx)
	defer m.locks.unlock(idx)

	s := &m.state[idx]
	if m.closed.Load() || !s.is(flagMapped) {
		return false, false, nil
	}
	dirty = s.is(flagDirty)
	if dirty {
		if err := m.pager.denyWrite(int(off), int(m.segSize)); err != nil {
			return false, true, fmt.Errorf("mapping: protect segment %d: %w", idx, err)
		}
		if err := m.writeBack(ctx, idx, off, n); err != nil {
			_ = m.pager.allowWrite(int(off), int(m.segSize))
			return false, true, err
		}
	}
	if err := m.pager.revoke(int(off), int(m.segSize)); err != nil {
		return false, dirty, fmt.Errorf("mapping: revoke segment %d: %w", idx, err)
	}
	if dirty {
		s.flags |= flagNeedsRead
		m.clearDirty(idx, idx+1)
	}
	s.flags &^= flagMapped | flagDirty
	return true, dirty, nil
}

// writeBack writes n bytes of the region at off to the driver. Must hold
// the locks of every covered segment.
func (m *Mapping) writeBack(ctx context.Context, idx int, off int64, n int) error {
	if err := m.res.AcquireIO(ctx, n); err != nil {
		return err
	}
	src := m.region.Bytes()[off : off+int64(n)]
	if _, err := m.Driver().WriteAt(ctx, src, m.storageOffset+off); err != nil {
		return ioError("write", idx, m.storageOffset+off, err)
	}
	return nil
}

// notifyEvict tells every policy except source that idx is gone.
func (m *Mapping) notifyEvict(source policy.Policy, idx int) {
	if m.local != nil && m.local != source {
		m.local.NotifyEvict(m, idx)
	}
	if m.global != nil && m.global != source {
		m.global.NotifyEvict(m, idx)
	}
}

// segmentRange converts a byte range to [first, last) segments. size 0
// means to the end.
func (m *Mapping) segmentRange(op string, offset, size int64) (first, last int) {
	if size == 0 {
		size = m.size - offset
	}
	if offset < 0 || size < 0 || offset+size > m.alignedSize {
		contract(op, "range [%d, %d) outside mapping of %d bytes", offset, offset+size, m.size)
	}
	first = int(offset / m.segSize)
	last = int((offset + size + m.segSize - 1) / m.segSize)
	return first, last
}
