package mapping

import (
	"log/slog"
	"time"

	"github.com/hupe1980/ummapio/driver"
	"github.com/hupe1980/ummapio/internal/mmap"
	"github.com/hupe1980/ummapio/internal/resource"
	"github.com/hupe1980/ummapio/internal/uffd"
	"github.com/hupe1980/ummapio/policy"
)

// Prot is the access a mapping grants once a segment is loaded.
type Prot int

const (
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	// ProtExec lets loaded segments hold code. It needs ProtRead or ProtWrite.
	ProtExec Prot = 4

	ProtReadWrite = ProtRead | ProtWrite
)

func (p Prot) mmap() mmap.Prot {
	var out mmap.Prot
	if p&ProtRead != 0 {
		out |= mmap.ProtRead
	}
	if p&ProtWrite != 0 {
		out |= mmap.ProtWrite
	}
	if p&ProtExec != 0 {
		out |= mmap.ProtExec
	}
	return out
}

// Config describes a mapping.
type Config struct {
	// AddressHint is the preferred base address; 0 lets the kernel choose.
	AddressHint uintptr
	// Fixed makes AddressHint mandatory.
	Fixed bool

	Size          int64
	SegmentSize   int64
	StorageOffset int64
	Protection    Prot

	Driver driver.Driver
	Local  policy.Policy
	Global policy.Policy

	// SkipFirstRead zero-fills segments on first access instead of reading.
	SkipFirstRead bool
	// AllowShortTail accepts a Size that is not a multiple of SegmentSize.
	AllowShortTail bool
	// ThreadUnsafe drops segment locking for single-goroutine use.
	ThreadUnsafe bool
	// AutoCloseDriver closes Driver when the mapping closes.
	AutoCloseDriver bool

	// Userfaultfd, when set, delivers faults of the mapping through the
	// descriptor instead of memory protection.
	Userfaultfd *uffd.FD

	Logger    *slog.Logger
	Metrics   Metrics
	Resources *resource.Controller
}

// Metrics receives per-mapping events.
type Metrics interface {
	RecordFault(write, loaded bool, d time.Duration)
	RecordEviction(dirty bool, err error)
	RecordFlush(segments, writes int, bytes int64, d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordFault(bool, bool, time.Duration)             {}
func (noopMetrics) RecordEviction(bool, error)                        {}
func (noopMetrics) RecordFlush(int, int, int64, time.Duration, error) {}

// SegmentStatus is a snapshot of one segment.
type SegmentStatus struct {
	Mapped    bool
	Dirty     bool
	NeedsRead bool
	// Touched is the time of the last write fault, zero if none.
	Touched time.Time
}

// FlushOptions selects what Flush writes back.
type FlushOptions struct {
	// Offset and Size bound the range in bytes. Size 0 means to the end.
	Offset int64
	Size   int64
	// Sync asks the driver to make the range durable.
	Sync bool
	// Evict releases every resident segment of the range afterwards.
	Evict bool
}
