package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/ummapio/driver"
	"github.com/hupe1980/ummapio/internal/mmap"
	"github.com/hupe1980/ummapio/internal/resource"
	"github.com/hupe1980/ummapio/policy"
)

const (
	flagMapped uint8 = 1 << iota
	flagDirty
	flagNeedsRead
)

type segment struct {
	flags   uint8
	touched int64
}

func (s *segment) is(f uint8) bool { return s.flags&f != 0 }

// Mapping is a reserved address range whose segments are loaded from a
// driver on first access, tracked while resident and written back when
// dirty.
type Mapping struct {
	size          int64
	alignedSize   int64
	segSize       int64
	storageOffset int64
	segments      int
	writable      bool
	autoClose     bool

	region *mmap.Region
	pager  pager
	direct []byte
	lease  *driver.Lease

	drvMu sync.RWMutex
	drv   driver.Driver

	local  policy.Policy
	global policy.Policy

	state []segment
	locks stripes

	dirtyMu sync.Mutex
	dirty   *roaring.Bitmap

	bufs    sync.Pool
	logger  *slog.Logger
	metrics Metrics
	res     *resource.Controller
	closed  atomic.Bool
}

// New reserves the address range and registers with the policies.
// Invalid geometry panics with a *ContractError.
func New(cfg Config) (*Mapping, error) {
	validate(cfg)

	segs := int((cfg.Size + cfg.SegmentSize - 1) / cfg.SegmentSize)
	m := &Mapping{
		size:          cfg.Size,
		alignedSize:   int64(segs) * cfg.SegmentSize,
		segSize:       cfg.SegmentSize,
		storageOffset: cfg.StorageOffset,
		segments:      segs,
		writable:      cfg.Protection&ProtWrite != 0,
		autoClose:     cfg.AutoCloseDriver,
		drv:           cfg.Driver,
		local:         cfg.Local,
		global:        cfg.Global,
		state:         make([]segment, segs),
		locks:         newStripes(segs, cfg.ThreadUnsafe),
		dirty:         roaring.New(),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		res:           cfg.Resources,
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	segSize := int(cfg.SegmentSize)
	m.bufs.New = func() any {
		b := make([]byte, segSize)
		return &b
	}

	initial := uint8(flagNeedsRead)
	if cfg.SkipFirstRead {
		initial = 0
	}
	for i := range m.state {
		m.state[i].flags = initial
	}

	if err := m.reserve(cfg); err != nil {
		return nil, err
	}

	if rl, ok := cfg.Driver.(driver.RangeLocker); ok {
		l, err := rl.EstablishMapping(context.Background(), m.storageOffset, m.size, m.writable)
		if err != nil {
			_ = m.release()
			return nil, fmt.Errorf("mapping: establish range: %w", err)
		}
		m.lease = &l
	}

	if !m.Direct() {
		if err := m.registerPolicies(); err != nil {
			_ = m.eraseLease(context.Background())
			_ = m.release()
			return nil, err
		}
	}

	m.logger = m.logger.With(slog.String("mapping", fmt.Sprintf("%#x", m.Addr())))
	return m, nil
}

func validate(cfg Config) {
	page := int64(mmap.PageSize)
	switch {
	case cfg.Size <= 0 || cfg.Size%page != 0:
		contract("New", "size %d is not a positive multiple of the page size %d", cfg.Size, page)
	case cfg.SegmentSize <= 0 || cfg.SegmentSize%page != 0:
		contract("New", "segment size %d is not a positive multiple of the page size %d", cfg.SegmentSize, page)
	case cfg.Size%cfg.SegmentSize != 0 && !cfg.AllowShortTail:
		contract("New", "size %d is not a multiple of segment size %d", cfg.Size, cfg.SegmentSize)
	case cfg.StorageOffset < 0:
		contract("New", "negative storage offset %d", cfg.StorageOffset)
	case cfg.Driver == nil:
		contract("New", "no driver")
	case cfg.Protection&ProtReadWrite == 0:
		contract("New", "mapping grants no access")
	}
}

func (m *Mapping) reserve(cfg Config) error {
	if dm, ok := cfg.Driver.(driver.DirectMapper); ok {
		b, err := dm.DirectMap(m.alignedSize, m.storageOffset, m.writable)
		if err != nil {
			return fmt.Errorf("mapping: direct map: %w", err)
		}
		if cfg.Protection&ProtExec != 0 {
			if err := mmap.Protect(b, cfg.Protection.mmap()|mmap.ProtRead); err != nil {
				_ = dm.DirectUnmap(b)
				return fmt.Errorf("mapping: direct map: %w", err)
			}
		}
		m.direct = b
		return nil
	}

	r, err := mmap.Reserve(cfg.AddressHint, int(m.alignedSize), cfg.Fixed)
	if err != nil {
		return fmt.Errorf("mapping: reserve %d bytes: %w", m.alignedSize, err)
	}
	r.SetExtraProt(cfg.Protection.mmap() & mmap.ProtExec)
	m.region = r
	if cfg.Userfaultfd == nil {
		m.pager = protPager{r: r}
		return nil
	}
	p, err := newUffdPager(r, cfg.Userfaultfd, cfg.Protection)
	if err != nil {
		_ = r.Close()
		return fmt.Errorf("mapping: register userfaultfd: %w", err)
	}
	m.pager = p
	return nil
}

func (m *Mapping) registerPolicies() error {
	if m.local != nil {
		if err := m.local.Register(m, m.segments); err != nil {
			return fmt.Errorf("mapping: local policy: %w", err)
		}
	}
	if m.global != nil {
		if err := m.global.Register(m, m.segments); err != nil {
			if m.local != nil {
				m.local.Unregister(m)
			}
			return fmt.Errorf("mapping: global policy: %w", err)
		}
	}
	return nil
}

func (m *Mapping) release() error {
	if m.direct != nil {
		dm := m.Driver().(driver.DirectMapper)
		err := dm.DirectUnmap(m.direct)
		m.direct = nil
		return err
	}
	if m.pager != nil {
		return m.pager.close()
	}
	return nil
}

func (m *Mapping) eraseLease(ctx context.Context) error {
	if m.lease == nil {
		return nil
	}
	rl, ok := m.Driver().(driver.RangeLocker)
	if !ok {
		return nil
	}
	err := rl.EraseMapping(ctx, *m.lease)
	m.lease = nil
	return err
}

// Close optionally flushes, leaves the policies, releases the range and
// closes an owned driver. When the sync flush fails nothing is torn down:
// the mapping stays open with its dirty segments so the caller can retry,
// possibly after switching drivers.
func (m *Mapping) Close(ctx context.Context, sync bool) error {
	if m.closed.Load() {
		return nil
	}

	if sync {
		if err := m.Flush(ctx, FlushOptions{Sync: true}); err != nil {
			return err
		}
	}

	var errs []error
	if m.local != nil {
		m.local.Unregister(m)
	}
	if m.global != nil {
		m.global.Unregister(m)
	}

	// Wait out evictions that picked a victim before the unregister.
	unlock := m.locks.lockAll()
	if m.closed.Swap(true) {
		unlock()
		return errors.Join(errs...)
	}
	unlock()

	errs = append(errs, m.release(), m.eraseLease(ctx))
	if m.autoClose {
		errs = append(errs, m.Driver().Close())
	}
	return errors.Join(errs...)
}

// Addr returns the base address.
func (m *Mapping) Addr() uintptr {
	if m.direct != nil {
		return uintptr(unsafe.Pointer(&m.direct[0]))
	}
	return m.region.Addr()
}

// Bytes returns the mapped range. Touching a segment that is not resident
// faults.
func (m *Mapping) Bytes() []byte {
	if m.direct != nil {
		return m.direct[:m.size]
	}
	b := m.region.Bytes()
	if b == nil {
		return nil
	}
	return b[:m.size]
}

// Contains reports whether addr falls inside the mapping.
func (m *Mapping) Contains(addr uintptr) bool {
	base := m.Addr()
	return addr >= base && addr < base+uintptr(m.size)
}

// Size returns the mapped length in bytes.
func (m *Mapping) Size() int64 { return m.size }

// AlignedSize returns Size rounded up to whole segments.
func (m *Mapping) AlignedSize() int64 { return m.alignedSize }

// SegmentSize returns the unit of loading, eviction and accounting.
func (m *Mapping) SegmentSize() int64 { return m.segSize }

// Segments returns the number of segments, a short tail included.
func (m *Mapping) Segments() int { return m.segments }

// Writable reports whether loaded segments accept stores.
func (m *Mapping) Writable() bool { return m.writable }

// StorageOffset is where the mapping starts inside the driver.
func (m *Mapping) StorageOffset() int64 { return m.storageOffset }

// Direct reports whether the driver supplies the memory itself.
func (m *Mapping) Direct() bool { return m.direct != nil }

// Closed reports whether Close has completed.
func (m *Mapping) Closed() bool { return m.closed.Load() }

// Driver returns the current driver.
func (m *Mapping) Driver() driver.Driver {
	m.drvMu.RLock()
	defer m.drvMu.RUnlock()
	return m.drv
}

// SetDriver swaps the driver and returns the previous one. Callers make
// sure no fault is in flight.
func (m *Mapping) SetDriver(d driver.Driver) driver.Driver {
	m.drvMu.Lock()
	defer m.drvMu.Unlock()
	old := m.drv
	m.drv = d
	return old
}

// AutoCloseDriver reports whether Close also closes the driver.
func (m *Mapping) AutoCloseDriver() bool { return m.autoClose }

// LocalPolicy returns the policy private to this mapping, if any.
func (m *Mapping) LocalPolicy() policy.Policy { return m.local }

// GlobalPolicy returns the shared policy, if any.
func (m *Mapping) GlobalPolicy() policy.Policy { return m.global }

// SegmentStatus returns the state of the segment holding offset.
func (m *Mapping) SegmentStatus(offset int64) SegmentStatus {
	if offset < 0 || offset >= m.alignedSize {
		contract("SegmentStatus", "offset %d outside [0, %d)", offset, m.alignedSize)
	}
	idx := int(offset / m.segSize)
	m.locks.lock(idx)
	s := m.state[idx]
	m.locks.unlock(idx)

	st := SegmentStatus{
		Mapped:    s.is(flagMapped),
		Dirty:     s.is(flagDirty),
		NeedsRead: s.is(flagNeedsRead),
	}
	if s.touched != 0 {
		st.Touched = time.Unix(0, s.touched)
	}
	return st
}

// SkipFirstRead makes every segment zero-fill on its next load instead of
// reading the driver.
func (m *Mapping) SkipFirstRead() {
	for i := range m.state {
		m.locks.lock(i)
		m.state[i].flags &^= flagNeedsRead
		m.locks.unlock(i)
	}
}

// segOff returns the region offset and the I/O length of segment idx.
func (m *Mapping) segOff(idx int) (off int64, n int) {
	off = int64(idx) * m.segSize
	return off, int(min(m.segSize, m.size-off))
}

func (m *Mapping) markDirty(idx int) {
	m.dirtyMu.Lock()
	m.dirty.Add(uint32(idx))
	m.dirtyMu.Unlock()
}

func (m *Mapping) clearDirty(first, last int) {
	m.dirtyMu.Lock()
	m.dirty.RemoveRange(uint64(first), uint64(last))
	m.dirtyMu.Unlock()
}

// DirtySegments returns the number of dirty segments.
func (m *Mapping) DirtySegments() int {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	return int(m.dirty.GetCardinality())
}

func (m *Mapping) getBuf() *[]byte { return m.bufs.Get().(*[]byte) }

func (m *Mapping) putBuf(b *[]byte) { m.bufs.Put(b) }
