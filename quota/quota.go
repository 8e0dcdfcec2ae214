package quota

import (
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"
)

var (
	// ErrQuotaTooSmall is returned when the per-policy share cannot hold
	// one segment of some registered policy.
	ErrQuotaTooSmall = errors.New("quota: share smaller than a segment")
	// ErrQuotaStalled is returned when shrinking the biggest consumer
	// frees nothing, usually because its evictions fail.
	ErrQuotaStalled = errors.New("quota: rebalance made no progress")
	// ErrTableFull is returned when every slot of the shared table is held
	// by a live process.
	ErrTableFull = errors.New("quota: process table full")
	// ErrAlreadyRegistered is returned when a policy joins the same quota twice.
	ErrAlreadyRegistered = errors.New("quota: policy already registered")
	// ErrClosed is returned by operations on a closed InterProc quota.
	ErrClosed = errors.New("quota: closed")
)

type config struct {
	logger      *slog.Logger
	dir         string
	signal      os.Signal
	lockTimeout time.Duration
}

// Option configures a quota.
type Option func(*config)

// WithLogger sets the logger for rebalance events.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithDir places the inter-process table in dir instead of /dev/shm.
func WithDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithSignal changes the signal peers use to request a rebalance.
func WithSignal(sig os.Signal) Option {
	return func(c *config) { c.signal = sig }
}

// WithLockTimeout bounds how long the table spinlock is awaited before a
// holder is checked for liveness.
func WithLockTimeout(d time.Duration) Option {
	return func(c *config) { c.lockTimeout = d }
}

func applyOptions(opts []Option) config {
	c := config{
		logger:      slog.New(slog.DiscardHandler),
		dir:         "/dev/shm",
		signal:      syscall.SIGUSR1,
		lockTimeout: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
