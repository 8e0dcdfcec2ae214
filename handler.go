package ummapio

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/ummapio/driver"
	"github.com/hupe1980/ummapio/internal/resource"
	"github.com/hupe1980/ummapio/mapping"
	"github.com/hupe1980/ummapio/policy"
	"github.com/hupe1980/ummapio/registry"
)

// Quota is the budget named policies share. *quota.Local and
// *quota.InterProc satisfy it.
type Quota interface {
	RegisterPolicy(p policy.Policy) error
	UnregisterPolicy(p policy.Policy)
	Update() error
}

// CleanAction is what ApplySwitch does with resident clean segments.
type CleanAction int

const (
	// NoAction keeps clean segments resident with their current content.
	NoAction CleanAction = iota
	// DropClean releases clean segments so they reload from the new driver.
	DropClean
	// MarkCleanAsDirty makes clean segments dirty so they are written to
	// the new driver.
	MarkCleanAsDirty
)

func (a CleanAction) String() string {
	switch a {
	case NoAction:
		return "none"
	case DropClean:
		return "drop-clean"
	case MarkCleanAsDirty:
		return "mark-clean-as-dirty"
	default:
		return fmt.Sprintf("CleanAction(%d)", int(a))
	}
}

// Handler owns the mappings of a process: it routes faults to them, keeps
// the named shared policies and swaps drivers under running mappings.
type Handler struct {
	logger  *Logger
	metrics MetricsCollector
	res     *resource.Controller
	quota   Quota

	ranges   *registry.Registry[*mapping.Mapping]
	policies *registry.Policies

	// swap is held shared while a fault is resolved and exclusively while
	// a mapping changes its driver.
	swap sync.RWMutex

	varsMu sync.RWMutex
	vars   map[string]string

	poller *poller
	closed atomic.Bool
}

// New creates a handler. Faults are resolved through Access unless
// WithUserfaultfd is given and available.
func New(opts ...Option) *Handler {
	o := applyOptions(opts)
	if o.resources.MaxBackgroundWorkers <= 0 {
		o.resources.MaxBackgroundWorkers = int64(runtime.NumCPU())
	}

	h := &Handler{
		logger:   o.logger,
		metrics:  o.metricsCollector,
		res:      resource.NewController(o.resources),
		quota:    o.quota,
		ranges:   registry.New[*mapping.Mapping](),
		policies: registry.NewPolicies(),
		vars:     make(map[string]string),
	}

	if o.userfaultfd {
		p, err := startPoller(h)
		if err != nil {
			h.logger.Warn("userfaultfd unavailable, faults need Access", "error", err)
		} else {
			h.poller = p
		}
	}
	return h
}

// Userfaultfd reports whether faults are served by a userfaultfd poller.
func (h *Handler) Userfaultfd() bool { return h.poller != nil }

// Map creates a mapping of size bytes split into segments of segmentSize
// over d. Unless WithAutoCloseDriver(false) is given, the mapping owns d
// once Map succeeds.
//
// Invalid geometry and an unknown policy group panic with *ContractError.
func (h *Handler) Map(size, segmentSize int64, d driver.Driver, opts ...MapOption) (*mapping.Mapping, error) {
	ctx := context.Background()
	if h.closed.Load() {
		return nil, ErrClosed
	}
	o := applyMapOptions(opts)

	var global policy.Policy
	if o.group != "" && o.group != "none" {
		p, ok := h.policies.Get(o.group)
		if !ok {
			contract("Map", "unknown policy group %q", o.group)
		}
		global = p
	}

	cfg := mapping.Config{
		AddressHint:     o.addressHint,
		Fixed:           o.fixed,
		Size:            size,
		SegmentSize:     segmentSize,
		StorageOffset:   o.storageOffset,
		Protection:      o.protection,
		Driver:          d,
		Local:           o.local,
		Global:          global,
		SkipFirstRead:   o.skipFirstRead,
		AllowShortTail:  o.shortTail,
		ThreadUnsafe:    o.threadUnsafe,
		AutoCloseDriver: o.autoClose,
		Logger:          h.logger.Logger,
		Metrics:         h.metrics,
		Resources:       h.res,
	}
	if h.poller != nil {
		cfg.Userfaultfd = h.poller.fd
	}

	m, err := mapping.New(cfg)
	if err != nil {
		h.logger.LogMap(ctx, 0, size, segmentSize, err)
		return nil, err
	}
	if err := h.register(m); err != nil {
		_ = m.Close(ctx, false)
		contract("Map", "%v", err)
	}
	h.logger.LogMap(ctx, m.Addr(), size, segmentSize, nil)
	return m, nil
}

func (h *Handler) register(m *mapping.Mapping) error {
	return h.ranges.Register(registry.Range[*mapping.Mapping]{
		Base:  m.Addr(),
		End:   m.Addr() + uintptr(m.AlignedSize()),
		Owner: m,
	})
}

// lookup returns the mapping holding addr.
func (h *Handler) lookup(addr uintptr) (*mapping.Mapping, error) {
	m, ok := h.ranges.Resolve(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownAddress, addr)
	}
	return m, nil
}

// Mapping returns the mapping holding addr.
func (h *Handler) Mapping(addr uintptr) (*mapping.Mapping, bool) {
	return h.ranges.Resolve(addr)
}

// Mappings returns the number of live mappings.
func (h *Handler) Mappings() int { return h.ranges.Len() }

// Unmap releases the mapping holding addr, writing dirty segments back
// first when sync is set.
func (h *Handler) Unmap(ctx context.Context, addr uintptr, sync bool) error {
	m, err := h.lookup(addr)
	if err != nil {
		return err
	}
	h.ranges.Unregister(m)
	err = translateError(m.Close(ctx, sync))
	if err != nil && !m.Closed() {
		// The flush failed before teardown; keep the mapping reachable.
		if rerr := h.register(m); rerr != nil {
			contract("Unmap", "%v", rerr)
		}
	}
	h.logger.LogUnmap(ctx, m.Addr(), sync, err)
	return err
}

// Flush writes back the dirty segments of [addr, addr+size), widened to
// segment boundaries. size 0 means to the end of the mapping. With evict
// set the segments are released afterwards, with sync set the driver is
// asked to make them durable.
//
// A range leaving the mapping panics with *ContractError.
func (h *Handler) Flush(ctx context.Context, addr uintptr, size int64, evict, sync bool) error {
	m, err := h.lookup(addr)
	if err != nil {
		return err
	}
	err = translateError(m.Flush(ctx, mapping.FlushOptions{
		Offset: int64(addr - m.Addr()),
		Size:   size,
		Sync:   sync,
		Evict:  evict,
	}))
	h.logger.LogFlush(ctx, addr, size, evict, err)
	return err
}

// Prefetch loads the missing segments of [addr, addr+size) read-only.
func (h *Handler) Prefetch(ctx context.Context, addr uintptr, size int64) error {
	m, err := h.lookup(addr)
	if err != nil {
		return err
	}
	return translateError(m.Prefetch(ctx, int64(addr-m.Addr()), size))
}

// Evict writes back and releases the segment holding addr.
func (h *Handler) Evict(ctx context.Context, addr uintptr) error {
	m, err := h.lookup(addr)
	if err != nil {
		return err
	}
	idx := int(int64(addr-m.Addr()) / m.SegmentSize())
	err = m.Evict(nil, idx)
	h.logger.WithMapping(m.Addr()).LogEvict(ctx, idx, err)
	return err
}

// SkipFirstRead makes every segment of the mapping holding addr zero-fill
// on its next load instead of reading the driver.
func (h *Handler) SkipFirstRead(addr uintptr) error {
	m, err := h.lookup(addr)
	if err != nil {
		return err
	}
	m.SkipFirstRead()
	return nil
}

// RegisterPolicy publishes p under name for WithPolicyGroup. A shared
// policy also joins the handler quota.
func (h *Handler) RegisterPolicy(name string, p policy.Policy) error {
	if err := h.policies.Register(name, p); err != nil {
		return err
	}
	if h.quota != nil && !p.Local() {
		if err := h.quota.RegisterPolicy(p); err != nil {
			_, _ = h.policies.Unregister(name)
			return err
		}
	}
	h.logger.WithPolicy(name).Debug("policy registered", "max_memory", FormatSize(p.MaxMemory()))
	return nil
}

// UnregisterPolicy removes name and returns the policy bound to it.
// Mappings that joined it keep using it until they are unmapped.
func (h *Handler) UnregisterPolicy(name string) (policy.Policy, error) {
	p, err := h.policies.Unregister(name)
	if err != nil {
		return nil, err
	}
	if h.quota != nil && !p.Local() {
		h.quota.UnregisterPolicy(p)
	}
	return p, nil
}

// Policy returns the policy registered under name.
func (h *Handler) Policy(name string) (policy.Policy, bool) {
	return h.policies.Get(name)
}

// PolicyNames returns the registered policy names in sorted order.
func (h *Handler) PolicyNames() []string {
	return h.policies.Names()
}

// UpdateQuota rebalances the handler quota. It is a no-op without one.
func (h *Handler) UpdateQuota(ctx context.Context) error {
	if h.quota == nil {
		return nil
	}
	start := time.Now()
	err := h.quota.Update()
	d := time.Since(start)
	h.metrics.RecordQuotaUpdate(d, err)
	h.logger.LogQuotaUpdate(ctx, len(h.policies.Names()), d, err)
	return err
}

// ApplyCow moves the mapping holding addr onto a driver built by factory.
// Every segment is copied: resident ones from memory, the others from the
// current driver. Later write-backs go to the new driver only, so the old
// one keeps the content it had before the swap. The old driver is closed
// when the mapping owns it.
//
// Stores into already writable segments are not seen by the copy; the
// caller quiesces writers for the duration.
func (h *Handler) ApplyCow(ctx context.Context, addr uintptr, factory driver.Factory) error {
	m, err := h.lookup(addr)
	if err != nil {
		return err
	}
	start := time.Now()
	err = h.applyCow(ctx, m, factory)
	d := time.Since(start)
	h.metrics.RecordCow(d, err)
	h.logger.LogCow(ctx, m.Addr(), d, err)
	return err
}

func (h *Handler) applyCow(ctx context.Context, m *mapping.Mapping, factory driver.Factory) error {
	if m.Direct() {
		return ErrCowUnsupported
	}
	h.swap.Lock()
	defer h.swap.Unlock()

	unregister := h.detach(m)
	defer unregister()

	d, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("ummapio: build driver: %w", err)
	}
	if err := m.CopyToDriver(ctx, d, m.Size()); err != nil {
		_ = d.Close()
		return translateError(err)
	}
	h.replaceDriver(m, d)
	return nil
}

// ApplySwitch points the mapping holding addr at a driver built by
// factory without copying anything, then applies action to the resident
// clean segments. Dirty segments are written to the new driver.
func (h *Handler) ApplySwitch(ctx context.Context, addr uintptr, factory driver.Factory, action CleanAction) error {
	m, err := h.lookup(addr)
	if err != nil {
		return err
	}
	start := time.Now()
	err = h.applySwitch(ctx, m, factory, action)
	h.metrics.RecordSwitch(time.Since(start), err)
	h.logger.LogSwitch(ctx, m.Addr(), action, err)
	return err
}

func (h *Handler) applySwitch(ctx context.Context, m *mapping.Mapping, factory driver.Factory, action CleanAction) error {
	if m.Direct() {
		return ErrCowUnsupported
	}
	h.swap.Lock()
	defer h.swap.Unlock()

	unregister := h.detach(m)
	defer unregister()

	d, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("ummapio: build driver: %w", err)
	}
	h.replaceDriver(m, d)

	switch action {
	case DropClean:
		return translateError(m.DropClean())
	case MarkCleanAsDirty:
		return translateError(m.MarkCleanAsDirty())
	default:
		return nil
	}
}

// detach takes m out of the registry so no fault is routed to it and
// returns the function putting it back.
func (h *Handler) detach(m *mapping.Mapping) func() {
	h.ranges.Unregister(m)
	return func() {
		if err := h.register(m); err != nil {
			contract("register", "%v", err)
		}
	}
}

func (h *Handler) replaceDriver(m *mapping.Mapping, d driver.Driver) {
	old := m.SetDriver(d)
	if !m.AutoCloseDriver() {
		return
	}
	if err := old.Close(); err != nil {
		h.logger.WithMapping(m.Addr()).Warn("closing replaced driver failed", "error", err)
	}
}

// OnFault resolves a fault at addr. It is the entry point of every fault
// source.
func (h *Handler) OnFault(addr uintptr, write bool) error {
	h.swap.RLock()
	defer h.swap.RUnlock()

	m, err := h.lookup(addr)
	if err == nil {
		err = translateError(m.OnFault(addr, write))
	}
	if err != nil {
		h.logger.LogFault(context.Background(), addr, write, err)
	}
	return err
}

// Close unmaps every remaining mapping without writing it back and stops
// the fault source. It does not close the quota.
func (h *Handler) Close(ctx context.Context) error {
	if h.closed.Swap(true) {
		return nil
	}

	var left []*mapping.Mapping
	h.ranges.Each(func(r registry.Range[*mapping.Mapping]) bool {
		left = append(left, r.Owner)
		return true
	})
	if len(left) > 0 {
		h.logger.WarnContext(ctx, "closing handler with live mappings", "mappings", len(left))
	}

	var errs []error
	for _, m := range left {
		h.ranges.Unregister(m)
		errs = append(errs, m.Close(ctx, false))
	}
	if h.poller != nil {
		errs = append(errs, h.poller.close())
	}
	return errors.Join(errs...)
}
