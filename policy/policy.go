package policy

import (
	"errors"
	"fmt"
)

// Owner is something whose segments a policy tracks, usually a mapping.
type Owner interface {
	// Evict writes back and releases one segment. source is the policy
	// that chose the victim; the owner notifies its other policy.
	Evict(source Policy, segment int) error
	// SegmentSize is the accounting unit of every segment of the owner.
	SegmentSize() int64
}

// QuotaHook is the quota a policy reports growth to.
type QuotaHook interface {
	// Update rebalances the budget after a policy grew past its notify limit.
	Update() error
	// CheckSegment fails when size exceeds the per-policy share of the quota.
	CheckSegment(size int64) error
}

// Policy decides which resident segments to evict under a memory budget.
//
// Implementations never call an Owner or their QuotaHook while holding
// their own lock, so an eviction may re-enter any policy.
type Policy interface {
	// Register allocates per-segment tracking for owner.
	Register(owner Owner, segments int) error
	// Unregister drops every tracked segment of owner without evicting it.
	Unregister(owner Owner)
	// NotifyTouch records a fault on segment and evicts others to stay in budget.
	NotifyTouch(owner Owner, segment int, write, wasMapped, wasDirty bool) error
	// NotifyEvict forgets a segment another policy evicted.
	NotifyEvict(owner Owner, segment int)

	CurrentMemory() int64
	MaxMemory() int64
	DynamicMaxMemory() int64
	SetDynamicMaxMemory(v int64)
	SetNotifyLimit(v int64)
	// ShrinkMemory evicts until CurrentMemory fits DynamicMaxMemory.
	ShrinkMemory() error
	SetQuota(q QuotaHook)
	// Local reports whether the policy serves a single owner.
	Local() bool
	// MaxSegmentSize is the largest segment size among registered owners.
	MaxSegmentSize() int64
}

var (
	// ErrBudgetTooSmall is returned by Register when one segment of the
	// owner exceeds the policy budget.
	ErrBudgetTooSmall = errors.New("policy: segment larger than memory budget")
	// ErrLocalPolicyShared is returned by Register on a second owner of a local policy.
	ErrLocalPolicyShared = errors.New("policy: local policy already has an owner")
	// ErrAlreadyRegistered is returned by Register for a known owner.
	ErrAlreadyRegistered = errors.New("policy: owner already registered")
	// ErrUnknownOwner is returned when a notification names an unregistered owner.
	ErrUnknownOwner = errors.New("policy: unknown owner")
	// ErrInvalidWindow is returned for a sliding window outside (0, maxMemory].
	ErrInvalidWindow = errors.New("policy: invalid sliding window")
)

// EvictError reports a victim whose eviction failed. The segment stays
// tracked by the policy.
type EvictError struct {
	Segment int
	cause   error
}

func (e *EvictError) Error() string {
	return fmt.Sprintf("policy: evict segment %d: %v", e.Segment, e.cause)
}

func (e *EvictError) Unwrap() error { return e.cause }
