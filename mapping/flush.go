package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ummapio/driver"
)

type run struct{ first, last int }

// Flush writes back the dirty segments of a range. Contiguous dirty
// segments go out as a single driver write; written segments become
// read-only again so the next store marks them dirty.
func (m *Mapping) Flush(ctx context.Context, opts FlushOptions) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.Direct() {
		return m.flushDirect(ctx, opts)
	}

	start := time.Now()
	first, last := m.segmentRange("Flush", opts.Offset, opts.Size)

	var writes, segs atomic.Int64
	var written atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers())
	for _, r := range m.dirtyRuns(first, last) {
		g.Go(func() error {
			w, s, b, err := m.flushRun(gctx, r)
			writes.Add(int64(w))
			segs.Add(int64(s))
			written.Add(b)
			return err
		})
	}
	err := g.Wait()

	if err == nil && opts.Sync {
		off, _ := m.segOff(first)
		end := min(int64(last)*m.segSize, m.size)
		if serr := m.Driver().Sync(ctx, m.storageOffset+off, end-off); serr != nil {
			err = ioError("sync", first, m.storageOffset+off, serr)
		}
	}
	if err == nil && opts.Evict {
		err = m.evictRange(first, last)
	}

	m.metrics.RecordFlush(int(segs.Load()), int(writes.Load()), written.Load(), time.Since(start), err)
	return err
}

func (m *Mapping) workers() int {
	if !driver.IsThreadSafe(m.Driver()) {
		return 1
	}
	return max(m.res.Workers(), 1)
}

// dirtyRuns returns the runs of contiguous dirty segments in [first, last).
func (m *Mapping) dirtyRuns(first, last int) []run {
	m.dirtyMu.Lock()
	it := m.dirty.Iterator()
	it.AdvanceIfNeeded(uint32(first))
	var runs []run
	for it.HasNext() {
		v := int(it.Next())
		if v >= last {
			break
		}
		if n := len(runs); n > 0 && runs[n-1].last == v {
			runs[n-1].last++
			continue
		}
		runs = append(runs, run{first: v, last: v + 1})
	}
	m.dirtyMu.Unlock()
	return runs
}

// flushRun writes back one run. The set may have changed since the run was
// computed, so it is split again under the locks.
func (m *Mapping) flushRun(ctx context.Context, r run) (writes, segs int, bytes int64, err error) {
	unlock := m.locks.lockRange(r.first, r.last)
	defer unlock()

	if m.closed.Load() {
		return 0, 0, 0, ErrClosed
	}

	for idx := r.first; idx < r.last; {
		if !m.state[idx].is(flagDirty) {
			idx++
			continue
		}
		end := idx + 1
		for end < r.last && m.state[end].is(flagDirty) {
			end++
		}

		off, _ := m.segOff(idx)
		n := int(min(int64(end)*m.segSize, m.size) - off)
		// Stop writers first so no store lands between the copy and the
		// clean mark.
		span := (end - idx) * int(m.segSize)
		if err := m.pager.denyWrite(int(off), span); err != nil {
			return writes, segs, bytes, fmt.Errorf("mapping: protect segments [%d, %d): %w", idx, end, err)
		}
		if err := m.writeBack(ctx, idx, off, n); err != nil {
			_ = m.pager.allowWrite(int(off), span)
			return writes, segs, bytes, err
		}
		for i := idx; i < end; i++ {
			m.state[i].flags = m.state[i].flags&^flagDirty | flagNeedsRead
		}
		m.clearDirty(idx, end)

		writes++
		segs += end - idx
		bytes += int64(n)
		idx = end
	}
	return writes, segs, bytes, nil
}

func (m *Mapping) evictRange(first, last int) error {
	var errs []error
	for idx := first; idx < last; idx++ {
		if err := m.Evict(nil, idx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mapping) flushDirect(ctx context.Context, opts FlushOptions) error {
	first, last := m.segmentRange("Flush", opts.Offset, opts.Size)
	off := int64(first) * m.segSize
	end := min(int64(last)*m.segSize, m.size)

	dm := m.Driver().(driver.DirectMapper)
	if err := dm.DirectSync(m.direct[off:end], off); err != nil {
		return ioError("sync", first, m.storageOffset+off, err)
	}
	if opts.Sync {
		if err := m.Driver().Sync(ctx, m.storageOffset+off, end-off); err != nil {
			return ioError("sync", first, m.storageOffset+off, err)
		}
	}
	return nil
}

// CopyToDriver writes the content of every segment below upperBound to
// dst: resident segments from memory, the others from the current driver.
// Segments are copied in parallel on background worker slots.
func (m *Mapping) CopyToDriver(ctx context.Context, dst driver.Driver, upperBound int64) error {
	if m.closed.Load() {
		return ErrClosed
	}
	limit := min(upperBound, m.size)
	if limit <= 0 {
		return nil
	}
	segs := int((limit + m.segSize - 1) / m.segSize)

	g, gctx := errgroup.WithContext(ctx)
	workers := m.workers()
	if !driver.IsThreadSafe(dst) {
		workers = 1
	}
	g.SetLimit(workers)
	for idx := range segs {
		g.Go(func() error {
			if err := m.res.AcquireBackground(gctx); err != nil {
				return err
			}
			defer m.res.ReleaseBackground()
			return m.copySegment(gctx, dst, idx, limit)
		})
	}
	return g.Wait()
}

func (m *Mapping) copySegment(ctx context.Context, dst driver.Driver, idx int, limit int64) error {
	off, n := m.segOff(idx)
	n = int(min(int64(n), limit-off))

	bp := m.getBuf()
	defer m.putBuf(bp)
	buf := (*bp)[:n]

	m.locks.lock(idx)
	s := m.state[idx]
	switch {
	case m.direct != nil:
		copy(buf, m.direct[off:])
	case s.is(flagMapped):
		copy(buf, m.region.Bytes()[off:])
	case s.is(flagNeedsRead):
		read, err := m.Driver().ReadAt(ctx, buf, m.storageOffset+off)
		if err != nil {
			m.locks.unlock(idx)
			return ioError("read", idx, m.storageOffset+off, err)
		}
		clear(buf[read:])
	default:
		clear(buf)
	}
	m.locks.unlock(idx)

	if _, err := dst.WriteAt(ctx, buf, m.storageOffset+off); err != nil {
		return ioError("copy", idx, m.storageOffset+off, err)
	}
	return nil
}

// DropClean releases every resident clean segment so its next access
// reloads from the driver. Dirty segments are kept.
func (m *Mapping) DropClean() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.Direct() {
		return nil
	}
	var errs []error
	for idx := range m.state {
		off, _ := m.segOff(idx)

		m.locks.lock(idx)
		s := &m.state[idx]
		dropped := false
		if s.is(flagMapped) && !s.is(flagDirty) {
			if err := m.pager.revoke(int(off), int(m.segSize)); err != nil {
				errs = append(errs, fmt.Errorf("mapping: revoke segment %d: %w", idx, err))
			} else {
				s.flags = s.flags&^flagMapped | flagNeedsRead
				dropped = true
			}
		}
		m.locks.unlock(idx)

		if dropped {
			m.notifyEvict(nil, idx)
		}
	}
	return errors.Join(errs...)
}

// MarkCleanAsDirty makes every resident clean segment dirty so the next
// flush writes it out.
func (m *Mapping) MarkCleanAsDirty() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.Direct() {
		return nil
	}
	if !m.writable {
		return fmt.Errorf("%w: read-only mapping", ErrAccessViolation)
	}
	var errs []error
	for idx := range m.state {
		off, _ := m.segOff(idx)

		m.locks.lock(idx)
		s := &m.state[idx]
		if s.is(flagMapped) && !s.is(flagDirty) {
			if err := m.pager.allowWrite(int(off), int(m.segSize)); err != nil {
				errs = append(errs, fmt.Errorf("mapping: grant write on segment %d: %w", idx, err))
			} else {
				s.flags |= flagDirty
				m.markDirty(idx)
			}
		}
		m.locks.unlock(idx)
	}
	return errors.Join(errs...)
}
