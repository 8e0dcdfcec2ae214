package ummapio

import (
	"log/slog"

	"github.com/hupe1980/ummapio/internal/resource"
	"github.com/hupe1980/ummapio/mapping"
	"github.com/hupe1980/ummapio/policy"
)

// ResourceConfig bounds the background workers, write-back bandwidth and
// staging memory shared by every mapping of a handler.
type ResourceConfig = resource.Config

// Protection is the access a mapping grants once a segment is loaded.
type Protection = mapping.Prot

const (
	ProtRead      = mapping.ProtRead
	ProtWrite     = mapping.ProtWrite
	ProtExec      = mapping.ProtExec
	ProtReadWrite = mapping.ProtReadWrite
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	resources        ResourceConfig
	quota            Quota
	userfaultfd      bool
}

// Option configures a Handler.
type Option func(*options)

// WithMetricsCollector sets a custom metrics collector.
//
// If nil is passed, NoopMetricsCollector is used.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel sets the log level (creates a text logger to stderr).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithResourceConfig limits the parallelism, bandwidth and staging memory
// of fault, flush and copy-on-write work.
func WithResourceConfig(cfg ResourceConfig) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithQuota makes every policy registered by name join q. The handler
// does not close q.
func WithQuota(q Quota) Option {
	return func(o *options) {
		o.quota = q
	}
}

// WithUserfaultfd resolves faults of paged mappings from a userfaultfd
// poller so plain loads and stores work outside Access. The handler falls
// back to Access when the kernel refuses the descriptor.
//
// The poller blocks faulting goroutines inside the kernel, so it needs a
// free P to run on (GOMAXPROCS >= 2).
func WithUserfaultfd() Option {
	return func(o *options) {
		o.userfaultfd = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}

type mapOptions struct {
	addressHint   uintptr
	fixed         bool
	storageOffset int64
	protection    Protection
	local         policy.Policy
	group         string
	skipFirstRead bool
	shortTail     bool
	threadUnsafe  bool
	autoClose     bool
}

// MapOption configures a single mapping.
type MapOption func(*mapOptions)

// WithAddressHint asks for the mapping to start at addr. With fixed set
// the address is mandatory.
func WithAddressHint(addr uintptr, fixed bool) MapOption {
	return func(o *mapOptions) {
		o.addressHint = addr
		o.fixed = fixed
	}
}

// WithStorageOffset maps the driver starting at off instead of 0.
func WithStorageOffset(off int64) MapOption {
	return func(o *mapOptions) {
		o.storageOffset = off
	}
}

// WithProtection sets the access granted to loaded segments. The default
// is ProtReadWrite.
func WithProtection(p Protection) MapOption {
	return func(o *mapOptions) {
		o.protection = p
	}
}

// WithLocalPolicy gives the mapping a private eviction policy.
func WithLocalPolicy(p policy.Policy) MapOption {
	return func(o *mapOptions) {
		o.local = p
	}
}

// WithPolicyGroup joins the shared policy registered under name. The
// empty name and "none" mean no shared policy.
func WithPolicyGroup(name string) MapOption {
	return func(o *mapOptions) {
		o.group = name
	}
}

// WithSkipFirstRead zero-fills segments on first access instead of
// reading the driver.
func WithSkipFirstRead() MapOption {
	return func(o *mapOptions) {
		o.skipFirstRead = true
	}
}

// WithShortTail accepts a size that is not a multiple of the segment size.
// I/O on the last segment is clamped to the size.
func WithShortTail() MapOption {
	return func(o *mapOptions) {
		o.shortTail = true
	}
}

// WithThreadUnsafe drops segment locking. Only for mappings touched by a
// single goroutine.
func WithThreadUnsafe() MapOption {
	return func(o *mapOptions) {
		o.threadUnsafe = true
	}
}

// WithAutoCloseDriver controls whether Unmap closes the driver. The
// default is true.
func WithAutoCloseDriver(on bool) MapOption {
	return func(o *mapOptions) {
		o.autoClose = on
	}
}

func applyMapOptions(optFns []MapOption) mapOptions {
	o := mapOptions{
		protection: ProtReadWrite,
		autoClose:  true,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}
