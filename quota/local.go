package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/hupe1980/ummapio/policy"
)

// Local shares a static memory budget between the policies of this process.
type Local struct {
	mu       sync.Mutex
	static   int64
	policies []policy.Policy
	hook     policy.QuotaHook
	logger   *slog.Logger
}

// NewLocal returns a quota of staticMax bytes.
func NewLocal(staticMax int64, opts ...Option) *Local {
	c := applyOptions(opts)
	q := &Local{static: staticMax, logger: c.logger}
	q.hook = q
	return q
}

// StaticMaxMemory returns the budget shared by every policy.
func (q *Local) StaticMaxMemory() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.static
}

// Policies returns a snapshot of the registered policies.
func (q *Local) Policies() []policy.Policy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.policies)
}

// RegisterPolicy subscribes p and rebalances.
func (q *Local) RegisterPolicy(p policy.Policy) error {
	q.mu.Lock()
	if slices.Contains(q.policies, p) {
		q.mu.Unlock()
		return ErrAlreadyRegistered
	}
	if err := checkShare(q.static, append(slices.Clone(q.policies), p)); err != nil {
		q.mu.Unlock()
		return err
	}
	q.policies = append(q.policies, p)
	p.SetQuota(q.hook)
	q.updateNotifyLimitLocked()
	q.mu.Unlock()

	return q.Update()
}

// UnregisterPolicy detaches p, restores its own budget and rebalances the rest.
func (q *Local) UnregisterPolicy(p policy.Policy) {
	q.mu.Lock()
	i := slices.Index(q.policies, p)
	if i < 0 {
		q.mu.Unlock()
		return
	}
	q.policies = slices.Delete(q.policies, i, i+1)
	p.SetQuota(nil)
	p.SetDynamicMaxMemory(p.MaxMemory())
	p.SetNotifyLimit(math.MaxInt64)
	q.updateNotifyLimitLocked()
	q.mu.Unlock()

	if err := q.Update(); err != nil {
		q.logger.Warn("rebalance after unregister failed", "error", err)
	}
}

// setStatic changes the budget and redistributes limits without shrinking.
func (q *Local) setStatic(v int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.static = v
	q.updateNotifyLimitLocked()
}

// CheckSegment fails with ErrQuotaTooSmall when a segment of size bytes
// does not fit the per-policy share of the budget.
func (q *Local) CheckSegment(size int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	share := q.static / int64(max(len(q.policies), 1))
	if share < size {
		return fmt.Errorf("%w: share %d, segment %d", ErrQuotaTooSmall, share, size)
	}
	return nil
}

func checkShare(static int64, policies []policy.Policy) error {
	if len(policies) == 0 {
		return nil
	}
	share := static / int64(len(policies))
	for _, p := range policies {
		if seg := p.MaxSegmentSize(); share < seg {
			return fmt.Errorf("%w: share %d, segment %d", ErrQuotaTooSmall, share, seg)
		}
	}
	return nil
}

func (q *Local) updateNotifyLimitLocked() {
	n := int64(len(q.policies))
	if n == 0 {
		return
	}
	avg := q.static / n
	for _, p := range q.policies {
		p.SetDynamicMaxMemory(min(p.MaxMemory(), q.static))
		p.SetNotifyLimit(avg)
	}
}

// Update shrinks the biggest consumer towards the average until the sum of
// all policies fits the budget. Each step halves the distance between the
// consumer and the average.
func (q *Local) Update() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rebalanceLocked()
}

func (q *Local) rebalanceLocked() error {
	n := int64(len(q.policies))
	if n == 0 {
		return nil
	}
	avg := q.static / n
	total := q.usedLocked()

	var errs []error
	for total > q.static {
		biggest := q.policies[0]
		for _, p := range q.policies[1:] {
			if p.CurrentMemory() > biggest.CurrentMemory() {
				biggest = p
			}
		}
		cur := biggest.CurrentMemory()
		limit := avg + (cur-avg)/2
		biggest.SetDynamicMaxMemory(limit)
		if err := biggest.ShrinkMemory(); err != nil {
			errs = append(errs, err)
		}

		next := q.usedLocked()
		q.logger.Debug("quota rebalanced",
			slog.Int64("limit", limit),
			slog.Int64("before", total),
			slog.Int64("after", next),
		)
		if next >= total {
			errs = append(errs, fmt.Errorf("%w: %d bytes over %d", ErrQuotaStalled, next, q.static))
			break
		}
		total = next
	}
	return errors.Join(errs...)
}

func (q *Local) usedLocked() int64 {
	var total int64
	for _, p := range q.policies {
		total += p.CurrentMemory()
	}
	return total
}

// UsedMemory returns the sum of every policy's current memory.
func (q *Local) UsedMemory() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usedLocked()
}
