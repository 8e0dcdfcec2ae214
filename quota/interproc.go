//go:build unix

package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hupe1980/ummapio/internal/mmap"
)

// Table layout: lock word (holder pid, 0 when free), live process count,
// slot high-water mark, padding, then one pid per slot.
const (
	offLock      = 0
	offProcesses = 4
	offIndexMax  = 8
	offSlots     = 16
)

// InterProc splits totalAllowed bytes evenly between every process (more
// precisely every InterProc instance) attached to the same named table.
// Joining or leaving signals the peers, which rebalance their own local
// policies against the new share.
type InterProc struct {
	*Local

	name   string
	path   string
	total  int64
	table  *mmap.Mapping
	words  []int32
	slot   int
	pid    int32
	cfg    config
	logger *slog.Logger

	sigCh  chan os.Signal
	poke   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	deferMu  sync.Mutex
	deferred bool
	pending  bool
}

var peers = struct {
	sync.Mutex
	byPath map[string]map[*InterProc]struct{}
}{byPath: make(map[string]map[*InterProc]struct{})}

// NewInterProc opens or creates the table ummapio-<name>, claims a slot and
// tells every other member to rebalance.
func NewInterProc(name string, totalAllowed int64, opts ...Option) (*InterProc, error) {
	cfg := applyOptions(opts)
	path := filepath.Join(cfg.dir, "ummapio-"+name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("quota: open table: %w", err)
	}
	defer f.Close()

	table, err := mmap.MapFile(f, 0, mmap.PageSize, true)
	if err != nil {
		return nil, fmt.Errorf("quota: map table: %w", err)
	}
	b := table.Bytes()

	q := &InterProc{
		Local:  NewLocal(totalAllowed, opts...),
		name:   name,
		path:   path,
		total:  totalAllowed,
		table:  table,
		words:  unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4),
		pid:    int32(os.Getpid()),
		cfg:    cfg,
		logger: cfg.logger.With(slog.String("quota", name)),
		sigCh:  make(chan os.Signal, 1),
		poke:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.Local.hook = q

	signal.Notify(q.sigCh, cfg.signal)
	if err := q.join(); err != nil {
		signal.Stop(q.sigCh)
		_ = table.Close()
		return nil, err
	}

	peers.Lock()
	if peers.byPath[path] == nil {
		peers.byPath[path] = make(map[*InterProc]struct{})
	}
	peers.byPath[path][q] = struct{}{}
	peers.Unlock()

	q.wg.Add(1)
	go q.loop()

	q.notifyPeers()
	if err := q.Update(); err != nil {
		q.logger.Warn("initial rebalance failed", "error", err)
	}
	return q, nil
}

func (q *InterProc) slots() int { return len(q.words) - offSlots/4 }

func (q *InterProc) slotPtr(i int) *int32 { return &q.words[offSlots/4+i] }

func (q *InterProc) word(off int) *int32 { return &q.words[off/4] }

// lock takes the table spinlock. A holder that died while holding it is
// detected after the lock timeout and the lock is stolen.
func (q *InterProc) lock() {
	lw := (*uint32)(unsafe.Pointer(q.word(offLock)))
	start := time.Now()
	for spins := 0; ; spins++ {
		if atomic.CompareAndSwapUint32(lw, 0, uint32(q.pid)) {
			return
		}
		if time.Since(start) > q.cfg.lockTimeout {
			holder := atomic.LoadUint32(lw)
			if holder != 0 && !alive(int32(holder)) &&
				atomic.CompareAndSwapUint32(lw, holder, uint32(q.pid)) {
				q.logger.Warn("stole table lock from dead process", slog.Int("pid", int(holder)))
				return
			}
			start = time.Now()
		}
		if spins < 64 {
			continue
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func (q *InterProc) unlock() {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(q.word(offLock))), 0)
}

func alive(pid int32) bool {
	return !errors.Is(unix.Kill(int(pid), 0), unix.ESRCH)
}

// join claims the first free or dead slot. Caller holds no lock.
func (q *InterProc) join() error {
	q.lock()
	defer q.unlock()

	q.pruneLocked()
	for i := range q.slots() {
		if atomic.CompareAndSwapInt32(q.slotPtr(i), 0, q.pid) {
			q.slot = i
			if im := q.word(offIndexMax); atomic.LoadInt32(im) <= int32(i) {
				atomic.StoreInt32(im, int32(i+1))
			}
			q.recountLocked()
			return nil
		}
	}
	return ErrTableFull
}

// pruneLocked clears slots of dead processes.
func (q *InterProc) pruneLocked() {
	n := int(atomic.LoadInt32(q.word(offIndexMax)))
	for i := range min(n, q.slots()) {
		pid := atomic.LoadInt32(q.slotPtr(i))
		if pid != 0 && pid != q.pid && !alive(pid) {
			atomic.StoreInt32(q.slotPtr(i), 0)
			q.logger.Info("pruned dead process", slog.Int("pid", int(pid)))
		}
	}
	q.recountLocked()
}

func (q *InterProc) recountLocked() {
	n := int(atomic.LoadInt32(q.word(offIndexMax)))
	var live, high int32
	for i := range min(n, q.slots()) {
		if atomic.LoadInt32(q.slotPtr(i)) != 0 {
			live++
			high = int32(i + 1)
		}
	}
	atomic.StoreInt32(q.word(offProcesses), live)
	atomic.StoreInt32(q.word(offIndexMax), high)
}

// Processes returns the number of live members of the table.
func (q *InterProc) Processes() int {
	return int(atomic.LoadInt32(q.word(offProcesses)))
}

// notifyPeers signals every other live process and pokes in-process peers.
func (q *InterProc) notifyPeers() {
	q.lock()
	q.pruneLocked()
	n := int(atomic.LoadInt32(q.word(offIndexMax)))
	seen := map[int32]bool{q.pid: true}
	var targets []int32
	for i := range min(n, q.slots()) {
		pid := atomic.LoadInt32(q.slotPtr(i))
		if pid != 0 && !seen[pid] {
			seen[pid] = true
			targets = append(targets, pid)
		}
	}
	q.unlock()

	sig, _ := q.cfg.signal.(unix.Signal)
	for _, pid := range targets {
		if err := unix.Kill(int(pid), sig); err != nil {
			q.logger.Debug("signal peer failed", slog.Int("pid", int(pid)), "error", err)
		}
	}

	peers.Lock()
	for p := range peers.byPath[q.path] {
		if p != q {
			p.wake()
		}
	}
	peers.Unlock()
}

func (q *InterProc) wake() {
	select {
	case q.poke <- struct{}{}:
	default:
	}
}

func (q *InterProc) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.sigCh:
		case <-q.poke:
		}
		q.deferMu.Lock()
		if q.deferred {
			q.pending = true
			q.deferMu.Unlock()
			continue
		}
		q.deferMu.Unlock()
		if err := q.Update(); err != nil {
			q.logger.Warn("rebalance on peer request failed", "error", err)
		}
	}
}

// Update recomputes this instance's share (total / live members) and runs
// the local rebalance against it.
func (q *InterProc) Update() error {
	if q.closed.Load() {
		return ErrClosed
	}
	q.lock()
	q.pruneLocked()
	procs := int64(max(q.Processes(), 1))
	q.unlock()

	q.setStatic(q.total / procs)
	return q.Local.Update()
}

// Defer postpones rebalances requested by peers until RunDeferred.
func (q *InterProc) Defer() {
	q.deferMu.Lock()
	defer q.deferMu.Unlock()
	q.deferred = true
}

// RunDeferred resumes peer-requested rebalances and runs one if any was
// requested meanwhile.
func (q *InterProc) RunDeferred() error {
	q.deferMu.Lock()
	pending := q.pending
	q.deferred, q.pending = false, false
	q.deferMu.Unlock()

	if !pending {
		return nil
	}
	return q.Update()
}

// Close releases the slot, tells the peers and unmaps the table.
func (q *InterProc) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	signal.Stop(q.sigCh)
	close(q.done)
	q.wg.Wait()

	peers.Lock()
	delete(peers.byPath[q.path], q)
	if len(peers.byPath[q.path]) == 0 {
		delete(peers.byPath, q.path)
	}
	peers.Unlock()

	q.lock()
	atomic.StoreInt32(q.slotPtr(q.slot), 0)
	q.recountLocked()
	q.unlock()

	q.notifyPeers()
	return q.table.Close()
}

// Path returns the location of the shared table.
func (q *InterProc) Path() string { return q.path }
