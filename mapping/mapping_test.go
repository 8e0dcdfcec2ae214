package mapping

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ummapio/driver"
	"github.com/hupe1980/ummapio/internal/mmap"
	"github.com/hupe1980/ummapio/policy"
)

var page = int64(mmap.PageSize)

// countingDriver records driver reads and writes and can fail writes.
type countingDriver struct {
	*driver.Memory
	mu        sync.Mutex
	reads     int
	writes    [][2]int64
	failWrite error
}

func (d *countingDriver) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	d.mu.Lock()
	d.reads++
	d.mu.Unlock()
	return d.Memory.ReadAt(ctx, p, off)
}

func (d *countingDriver) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func newCounting(size int64) *countingDriver {
	return &countingDriver{Memory: driver.NewMemory(int(size))}
}

func (d *countingDriver) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	d.mu.Lock()
	fail := d.failWrite
	if fail == nil {
		d.writes = append(d.writes, [2]int64{off, int64(len(p))})
	}
	d.mu.Unlock()
	if fail != nil {
		return 0, fail
	}
	return d.Memory.WriteAt(ctx, p, off)
}

func (d *countingDriver) Writes() [][2]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][2]int64(nil), d.writes...)
}

func (d *countingDriver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

func newMapping(t *testing.T, cfg Config) *Mapping {
	t.Helper()
	if cfg.Protection == 0 {
		cfg.Protection = ProtReadWrite
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = page
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background(), false) })
	return m
}

// store simulates a trapped store: fault first, then write.
func store(t *testing.T, m *Mapping, off int64, p []byte) {
	t.Helper()
	for o := off; o < off+int64(len(p)); o = (o/m.SegmentSize() + 1) * m.SegmentSize() {
		require.NoError(t, m.OnFault(m.Addr()+uintptr(o), true))
	}
	copy(m.Bytes()[off:], p)
}

func load(t *testing.T, m *Mapping, off int64, n int) []byte {
	t.Helper()
	for o := off; o < off+int64(n); o = (o/m.SegmentSize() + 1) * m.SegmentSize() {
		require.NoError(t, m.OnFault(m.Addr()+uintptr(o), false))
	}
	return append([]byte(nil), m.Bytes()[off:off+int64(n)]...)
}

func TestNew_Contract(t *testing.T) {
	d := driver.NewDummy(0)
	assertContract := func(cfg Config) {
		t.Helper()
		defer func() {
			r := recover()
			var ce *ContractError
			require.True(t, errors.As(r.(error), &ce), "panic %v", r)
		}()
		_, _ = New(cfg)
	}

	assertContract(Config{Size: 3 * page, SegmentSize: 2 * page, Driver: d, Protection: ProtRead})
	assertContract(Config{Size: page + 1, SegmentSize: page, Driver: d, Protection: ProtRead})
	assertContract(Config{Size: page, SegmentSize: page, Protection: ProtRead})
	assertContract(Config{Size: page, SegmentSize: page / 2, Driver: d, Protection: ProtRead})

	m := newMapping(t, Config{Size: 3 * page, SegmentSize: 2 * page, Driver: d, AllowShortTail: true})
	assert.Equal(t, 2, m.Segments())
	assert.Equal(t, 4*page, m.AlignedSize())
	assert.Equal(t, 3*page, m.Size())
}

func TestOnFault_FirstTouch(t *testing.T) {
	m := newMapping(t, Config{Size: 8 * page, Driver: driver.NewDummy(32)})

	for i := range m.Segments() {
		st := m.SegmentStatus(int64(i) * page)
		assert.False(t, st.Mapped)
		assert.False(t, st.Dirty)
		assert.True(t, st.NeedsRead)
		assert.True(t, st.Touched.IsZero())
	}

	assert.Equal(t, byte(32), load(t, m, 0, 1)[0])
	st := m.SegmentStatus(0)
	assert.True(t, st.Mapped)
	assert.False(t, st.Dirty)
	assert.True(t, st.Touched.IsZero())
	assert.False(t, m.SegmentStatus(page).Mapped)

	store(t, m, page, []byte{64})
	st = m.SegmentStatus(page)
	assert.True(t, st.Mapped)
	assert.True(t, st.Dirty)
	assert.False(t, st.Touched.IsZero())
	assert.Equal(t, byte(64), m.Bytes()[page])
	assert.Equal(t, byte(32), m.Bytes()[page+1])
	assert.Equal(t, 1, m.DirtySegments())

	// A repeated read fault on a resident segment changes nothing.
	require.NoError(t, m.OnFault(m.Addr(), false))
	assert.False(t, m.SegmentStatus(0).Dirty)
}

func TestOnFault_ReadOnlyAndOutside(t *testing.T) {
	m := newMapping(t, Config{Size: 2 * page, Driver: driver.NewDummy(1), Protection: ProtRead})

	assert.ErrorIs(t, m.OnFault(m.Addr(), true), ErrAccessViolation)
	assert.ErrorIs(t, m.OnFault(m.Addr()+uintptr(2*page), false), ErrAccessViolation)
	assert.False(t, m.SegmentStatus(0).Mapped)
}

func TestOnFault_SkipFirstRead(t *testing.T) {
	m := newMapping(t, Config{Size: 2 * page, Driver: driver.NewDummy(9)})
	m.SkipFirstRead()
	assert.False(t, m.SegmentStatus(0).NeedsRead)
	assert.Equal(t, make([]byte, 16), load(t, m, 0, 16))
}

func TestOnFault_ReadFailureInstallsNothing(t *testing.T) {
	d := driver.NewMemory(int(page))
	m := newMapping(t, Config{Size: 2 * page, Driver: d})

	err := m.OnFault(m.Addr()+uintptr(page), false)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
	assert.Equal(t, 1, ioErr.Segment)
	assert.ErrorIs(t, err, driver.ErrOutOfRange)
	assert.False(t, m.SegmentStatus(page).Mapped)
}

func TestMapping_RoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newCounting(8 * page)
	pattern := bytes.Repeat([]byte("ummapio!"), int(8*page)/8)

	m, err := New(Config{Size: 8 * page, SegmentSize: 2 * page, Driver: d, Protection: ProtReadWrite})
	require.NoError(t, err)
	store(t, m, 0, pattern)
	require.NoError(t, m.Close(ctx, true))
	assert.True(t, m.Closed())
	require.NoError(t, m.Close(ctx, true))

	m2 := newMapping(t, Config{Size: 8 * page, SegmentSize: 2 * page, Driver: d})
	assert.Equal(t, pattern, load(t, m2, 0, len(pattern)))
}

func TestFlush_CoalescesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newCounting(8 * page)
	m := newMapping(t, Config{Size: 8 * page, Driver: d})

	for _, seg := range []int64{0, 1, 2, 5} {
		store(t, m, seg*page, []byte{byte(seg + 1)})
	}
	require.NoError(t, m.Flush(ctx, FlushOptions{Sync: true}))
	assert.Equal(t, [][2]int64{{0, 3 * page}, {5 * page, page}}, sortedWrites(d.Writes()))
	assert.Zero(t, m.DirtySegments())
	assert.False(t, m.SegmentStatus(page).Dirty)
	assert.True(t, m.SegmentStatus(page).Mapped)

	d.Reset()
	require.NoError(t, m.Flush(ctx, FlushOptions{}))
	assert.Empty(t, d.Writes())

	// Writing again after a flush faults and dirties the segment again.
	store(t, m, 2*page, []byte{42})
	require.NoError(t, m.Flush(ctx, FlushOptions{Offset: 2 * page, Size: page}))
	assert.Equal(t, [][2]int64{{2 * page, page}}, d.Writes())

	got := make([]byte, 1)
	_, err := d.ReadAt(ctx, got, 2*page)
	require.NoError(t, err)
	assert.Equal(t, byte(42), got[0])
}

func sortedWrites(w [][2]int64) [][2]int64 {
	for i := 1; i < len(w); i++ {
		for j := i; j > 0 && w[j][0] < w[j-1][0]; j-- {
			w[j], w[j-1] = w[j-1], w[j]
		}
	}
	return w
}

func TestFlush_ShortTailClampsIO(t *testing.T) {
	ctx := context.Background()
	d := newCounting(3 * page)
	m := newMapping(t, Config{Size: 3 * page, SegmentSize: 2 * page, Driver: d, AllowShortTail: true})

	store(t, m, 2*page, []byte("tail"))
	require.NoError(t, m.Flush(ctx, FlushOptions{Offset: 2 * page}))
	assert.Equal(t, [][2]int64{{2 * page, page}}, d.Writes())
}

func TestFlush_Evict(t *testing.T) {
	ctx := context.Background()
	d := newCounting(4 * page)
	local := policy.NewFifo(4*page, true)
	m := newMapping(t, Config{Size: 4 * page, Driver: d, Local: local})

	store(t, m, 0, []byte{1})
	load(t, m, page, 1)
	assert.Equal(t, 2*page, local.CurrentMemory())

	require.NoError(t, m.Flush(ctx, FlushOptions{Evict: true}))
	assert.False(t, m.SegmentStatus(0).Mapped)
	assert.False(t, m.SegmentStatus(page).Mapped)
	assert.Zero(t, local.CurrentMemory())
	assert.Equal(t, byte(1), load(t, m, 0, 1)[0])
}

func TestFlush_RangeOutsideMappingPanics(t *testing.T) {
	m := newMapping(t, Config{Size: 2 * page, Driver: driver.NewDummy(0)})
	assert.Panics(t, func() {
		_ = m.Flush(context.Background(), FlushOptions{Offset: page, Size: 2 * page})
	})
}

func TestEvict_FifoNotifiesOtherPolicy(t *testing.T) {
	local := policy.NewFifo(2*page, true)
	global := policy.NewFifo(64*page, false)
	m := newMapping(t, Config{Size: 8 * page, Driver: driver.NewDummy(3), Local: local, Global: global})

	load(t, m, 0, 1)
	load(t, m, page, 1)
	load(t, m, 2*page, 1)
	assert.False(t, m.SegmentStatus(0).Mapped)
	assert.Equal(t, 2*page, global.CurrentMemory())

	load(t, m, 3*page, 1)
	assert.False(t, m.SegmentStatus(page).Mapped)
	load(t, m, 4*page, 1)
	assert.False(t, m.SegmentStatus(2*page).Mapped)

	assert.Equal(t, 2*page, local.CurrentMemory())
	assert.Equal(t, 2*page, global.CurrentMemory())
	for _, seg := range []int64{3, 4} {
		assert.True(t, m.SegmentStatus(seg*page).Mapped)
	}
}

func TestEvict_FailedWriteBackKeepsSegment(t *testing.T) {
	d := newCounting(8 * page)
	local := policy.NewFifo(2*page, true)
	m := newMapping(t, Config{Size: 8 * page, Driver: d, Local: local})

	store(t, m, 0, []byte{7})
	store(t, m, page, []byte{8})

	boom := errors.New("disk on fire")
	d.mu.Lock()
	d.failWrite = boom
	d.mu.Unlock()

	err := m.OnFault(m.Addr()+uintptr(2*page), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var ee *policy.EvictError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 0, ee.Segment)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "write", ioErr.Op)

	st := m.SegmentStatus(0)
	assert.True(t, st.Mapped)
	assert.True(t, st.Dirty)
	assert.Equal(t, byte(7), m.Bytes()[0])
	assert.Equal(t, 3*page, local.CurrentMemory())

	d.mu.Lock()
	d.failWrite = nil
	d.mu.Unlock()
	require.NoError(t, local.ShrinkMemory())
	assert.False(t, m.SegmentStatus(0).Mapped)
	assert.Equal(t, 2*page, local.CurrentMemory())
}

func TestEvict_UnmappedIsNoop(t *testing.T) {
	m := newMapping(t, Config{Size: 2 * page, Driver: driver.NewDummy(0)})
	require.NoError(t, m.Evict(nil, 1))
	assert.ErrorIs(t, m.Evict(nil, 2), ErrAccessViolation)
}

func TestPrefetch(t *testing.T) {
	local := policy.NewFifo(8*page, true)
	m := newMapping(t, Config{Size: 8 * page, Driver: driver.NewDummy(5), Local: local})

	require.NoError(t, m.Prefetch(context.Background(), page, 3*page))
	for seg := int64(0); seg < 8; seg++ {
		st := m.SegmentStatus(seg * page)
		assert.Equal(t, seg >= 1 && seg <= 3, st.Mapped, "segment %d", seg)
		assert.False(t, st.Dirty)
	}
	assert.Equal(t, 3*page, local.CurrentMemory())
	assert.Equal(t, byte(5), m.Bytes()[2*page])
}

func TestDropCleanAndMarkCleanAsDirty(t *testing.T) {
	d := newCounting(4 * page)
	local := policy.NewFifo(4*page, true)
	m := newMapping(t, Config{Size: 4 * page, Driver: d, Local: local})

	load(t, m, 0, 1)
	store(t, m, page, []byte{9})
	load(t, m, 2*page, 1)

	require.NoError(t, m.DropClean())
	assert.False(t, m.SegmentStatus(0).Mapped)
	assert.False(t, m.SegmentStatus(2*page).Mapped)
	st := m.SegmentStatus(page)
	assert.True(t, st.Mapped)
	assert.True(t, st.Dirty)
	assert.Equal(t, page, local.CurrentMemory())

	load(t, m, 0, 1)
	require.NoError(t, m.MarkCleanAsDirty())
	assert.True(t, m.SegmentStatus(0).Dirty)
	assert.Equal(t, 2, m.DirtySegments())

	// The segment is writable without another fault.
	m.Bytes()[0] = 11
	require.NoError(t, m.Flush(context.Background(), FlushOptions{}))
	assert.Equal(t, [][2]int64{{0, 2 * page}}, d.Writes())
}

func TestCopyToDriver(t *testing.T) {
	ctx := context.Background()
	src := driver.NewMemoryFrom(bytes.Repeat([]byte{'x'}, int(4*page)))
	m := newMapping(t, Config{Size: 4 * page, Driver: src})

	store(t, m, page, []byte("yy"))

	dst := driver.NewMemory(int(4 * page))
	require.NoError(t, m.CopyToDriver(ctx, dst, 3*page))

	got := dst.Bytes()
	assert.Equal(t, bytes.Repeat([]byte{'x'}, int(page)), got[:page])
	assert.Equal(t, "yyx", string(got[page:page+3]))
	assert.Equal(t, make([]byte, page), got[3*page:])

	// The source is untouched until a flush.
	assert.Equal(t, byte('x'), src.Bytes()[page])
}

func TestSetDriver(t *testing.T) {
	a, b := driver.NewDummy(1), driver.NewDummy(2)
	m := newMapping(t, Config{Size: page, Driver: a})
	assert.Same(t, a, m.SetDriver(b).(*driver.Dummy))
	assert.Same(t, b, m.Driver().(*driver.Dummy))
}

func TestClose_AutoCloseDriver(t *testing.T) {
	d := driver.NewMemory(int(page))
	m, err := New(Config{Size: page, SegmentSize: page, Driver: d, Protection: ProtReadWrite, AutoCloseDriver: true})
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background(), true))
	assert.ErrorIs(t, d.Sync(context.Background(), 0, 0), driver.ErrClosed)
	assert.ErrorIs(t, m.OnFault(0, false), ErrClosed)
}

func TestClose_FailedSyncKeepsMappingOpen(t *testing.T) {
	ctx := context.Background()
	d := newCounting(2 * page)
	local := policy.NewFifo(2*page, true)
	m, err := New(Config{Size: 2 * page, SegmentSize: page, Driver: d, Protection: ProtReadWrite, Local: local})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(ctx, false) })

	store(t, m, page, []byte{42})

	boom := errors.New("disk on fire")
	d.mu.Lock()
	d.failWrite = boom
	d.mu.Unlock()

	require.ErrorIs(t, m.Close(ctx, true), boom)
	assert.False(t, m.Closed())
	st := m.SegmentStatus(page)
	assert.True(t, st.Mapped)
	assert.True(t, st.Dirty)
	assert.Equal(t, page, local.CurrentMemory())
	assert.Equal(t, byte(42), m.Bytes()[page])

	// A retry against a working driver persists the data.
	good := driver.NewMemory(int(2 * page))
	m.SetDriver(good)
	require.NoError(t, m.Close(ctx, true))
	assert.True(t, m.Closed())
	assert.Equal(t, byte(42), good.Bytes()[page])
	assert.Zero(t, local.CurrentMemory())
}

func TestOnFault_ConcurrentSameSegmentReadsOnce(t *testing.T) {
	d := newCounting(4 * page)
	_, err := d.Memory.WriteAt(context.Background(), []byte{0x5a}, page)
	require.NoError(t, err)
	m := newMapping(t, Config{Size: 4 * page, Driver: d})

	const workers = 16
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- m.OnFault(m.Addr()+uintptr(page)+uintptr(w), w%2 == 0)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, d.Reads())
	st := m.SegmentStatus(page)
	assert.True(t, st.Mapped)
	assert.True(t, st.Dirty)
	assert.Equal(t, byte(0x5a), m.Bytes()[page])
	assert.False(t, m.SegmentStatus(0).Mapped)
}

func TestMapping_ThreadUnsafe(t *testing.T) {
	m := newMapping(t, Config{Size: 4 * page, Driver: driver.NewDummy(4), ThreadUnsafe: true})
	store(t, m, 3*page, []byte{1})
	assert.True(t, m.SegmentStatus(3*page).Dirty)
}

func TestMapping_Concurrent(t *testing.T) {
	local := policy.NewFifo(4*page, true)
	m := newMapping(t, Config{Size: 16 * page, Driver: driver.NewMemory(int(16 * page)), Local: local})

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 64 {
				seg := int64((i*7 + w) % 16)
				_ = m.OnFault(m.Addr()+uintptr(seg*page), i%3 == 0)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, local.CurrentMemory(), 4*page)
	mapped := 0
	for seg := int64(0); seg < 16; seg++ {
		st := m.SegmentStatus(seg * page)
		if st.Dirty {
			assert.True(t, st.Mapped)
		}
		if st.Mapped {
			mapped++
		}
	}
	// A victim re-touched while its eviction is in flight may stay
	// accounted until the next eviction, never the other way round.
	assert.LessOrEqual(t, mapped, int(local.CurrentMemory()/page))
}
