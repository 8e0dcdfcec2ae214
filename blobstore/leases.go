package blobstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseConflict is returned when a lease overlaps a lease held by
// someone else and at least one of them is a write lease.
var ErrLeaseConflict = errors.New("blobstore: lease conflict")

// Lease is a claim on the byte range [Off, Off+Size) of one object.
type Lease struct {
	ID    string
	Off   int64
	Size  int64
	Write bool
	// Expires is zero for leases that never expire.
	Expires time.Time
}

// Overlaps reports whether both leases cover a common byte.
func (l Lease) Overlaps(o Lease) bool {
	return l.Off < o.Off+o.Size && o.Off < l.Off+l.Size
}

// Conflicts reports whether l and o cannot be held at the same time.
func (l Lease) Conflicts(o Lease) bool {
	return (l.Write || o.Write) && l.Overlaps(o)
}

// Expired reports whether the lease is past its deadline at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.Expires.IsZero() && !now.Before(l.Expires)
}

// Leaser grants range leases on keys. Readers share, writers are exclusive.
type Leaser interface {
	// Acquire grants l on key, assigning an ID when l.ID is empty.
	Acquire(ctx context.Context, key string, l Lease) (Lease, error)
	// Release drops the lease with the given ID. Unknown IDs are ignored.
	Release(ctx context.Context, key, id string) error
}

// NewLeaseID returns a random lease identifier.
func NewLeaseID() string {
	return uuid.NewString()
}

// MemoryLeaser is a process-local Leaser.
type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[string][]Lease
	now    func() time.Time
}

// NewMemoryLeaser creates an empty MemoryLeaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{
		leases: make(map[string][]Lease),
		now:    time.Now,
	}
}

func (m *MemoryLeaser) Acquire(ctx context.Context, key string, l Lease) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	if l.ID == "" {
		l.ID = NewLeaseID()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	held := LiveLeases(m.leases[key], m.now())
	for _, h := range held {
		if h.ID != l.ID && h.Conflicts(l) {
			return Lease{}, ErrLeaseConflict
		}
	}
	m.leases[key] = append(held, l)
	return l, nil
}

func (m *MemoryLeaser) Release(ctx context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.leases[key][:0]
	for _, h := range m.leases[key] {
		if h.ID != id {
			held = append(held, h)
		}
	}
	if len(held) == 0 {
		delete(m.leases, key)
		return nil
	}
	m.leases[key] = held
	return nil
}

// Held returns the live leases on key.
func (m *MemoryLeaser) Held(key string) []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LiveLeases(m.leases[key], m.now())
}

// LiveLeases returns the leases that have not expired at now. The result
// never aliases leases.
func LiveLeases(leases []Lease, now time.Time) []Lease {
	out := make([]Lease, 0, len(leases))
	for _, l := range leases {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	return out
}
