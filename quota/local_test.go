package quota

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ummapio/policy"
)

const page = 4096

type owner struct {
	mu   sync.Mutex
	fail bool
	n    int
}

func (o *owner) Evict(policy.Policy, int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("write-back failed")
	}
	o.n++
	return nil
}

func (o *owner) SegmentSize() int64 { return page }

type newPolicy func(max int64) policy.Policy

var kinds = map[string]newPolicy{
	"fifo": func(max int64) policy.Policy { return policy.NewFifo(max, true) },
	"lifo": func(max int64) policy.Policy { return policy.NewLifo(max, true) },
	"window": func(max int64) policy.Policy {
		p, err := policy.NewFifoWindow(max, page, true)
		if err != nil {
			panic(err)
		}
		return p
	},
}

func attach(t *testing.T, p policy.Policy, o policy.Owner) {
	t.Helper()
	require.NoError(t, p.Register(o, 16))
}

func touchN(t *testing.T, p policy.Policy, o policy.Owner, n int) {
	t.Helper()
	for s := range n {
		require.NoError(t, p.NotifyTouch(o, s, false, false, false))
	}
}

func TestLocal_ReachOne(t *testing.T) {
	for name, mk := range kinds {
		t.Run(name, func(t *testing.T) {
			q := NewLocal(2 * page)
			p := mk(4 * page)
			o := &owner{}
			attach(t, p, o)
			require.NoError(t, q.RegisterPolicy(p))

			assert.Equal(t, int64(2*page), p.DynamicMaxMemory())
			touchN(t, p, o, 5)
			assert.Equal(t, int64(2*page), p.CurrentMemory())
			assert.Equal(t, int64(2*page), q.UsedMemory())
		})
	}
}

func TestLocal_ReachTwo(t *testing.T) {
	for name, mk := range kinds {
		t.Run(name, func(t *testing.T) {
			q := NewLocal(2 * page)
			p1, p2 := mk(4*page), mk(4*page)
			o1, o2 := &owner{}, &owner{}
			attach(t, p1, o1)
			attach(t, p2, o2)
			require.NoError(t, q.RegisterPolicy(p1))
			require.NoError(t, q.RegisterPolicy(p2))

			touchN(t, p1, o1, 2)
			touchN(t, p2, o2, 2)

			assert.Equal(t, int64(page), p1.CurrentMemory())
			assert.Equal(t, int64(page), p2.CurrentMemory())
			assert.LessOrEqual(t, q.UsedMemory(), q.StaticMaxMemory())
		})
	}
}

func TestLocal_Unbalanced(t *testing.T) {
	for name, mk := range kinds {
		t.Run(name, func(t *testing.T) {
			q := NewLocal(4 * page)
			p1, p2 := mk(8*page), mk(8*page)
			o1, o2 := &owner{}, &owner{}
			attach(t, p1, o1)
			attach(t, p2, o2)
			require.NoError(t, q.RegisterPolicy(p1))
			require.NoError(t, q.RegisterPolicy(p2))

			touchN(t, p1, o1, 1)
			touchN(t, p2, o2, 8)

			assert.Equal(t, int64(page), p1.CurrentMemory())
			assert.Equal(t, int64(3*page), p2.CurrentMemory())
		})
	}
}

func TestLocal_RegisterErrors(t *testing.T) {
	q := NewLocal(page)
	p1, p2 := policy.NewFifo(4*page, true), policy.NewFifo(4*page, true)
	attach(t, p1, &owner{})
	attach(t, p2, &owner{})

	require.NoError(t, q.RegisterPolicy(p1))
	assert.ErrorIs(t, q.RegisterPolicy(p1), ErrAlreadyRegistered)
	assert.ErrorIs(t, q.RegisterPolicy(p2), ErrQuotaTooSmall)
	assert.Len(t, q.Policies(), 1)
}

func TestLocal_CheckSegment(t *testing.T) {
	q := NewLocal(2 * page)
	assert.NoError(t, q.CheckSegment(2*page))
	assert.ErrorIs(t, q.CheckSegment(3*page), ErrQuotaTooSmall)

	// Policies subscribed before any owner still shrink the share.
	ps := []policy.Policy{
		policy.NewFifo(4*page, true),
		policy.NewFifo(4*page, true),
		policy.NewFifo(4*page, true),
	}
	for _, p := range ps {
		require.NoError(t, q.RegisterPolicy(p))
	}
	assert.ErrorIs(t, q.CheckSegment(page), ErrQuotaTooSmall)
	assert.ErrorIs(t, ps[2].Register(&owner{}, 16), ErrQuotaTooSmall)
	assert.Zero(t, ps[2].CurrentMemory())

	q.UnregisterPolicy(ps[2])
	require.NoError(t, q.CheckSegment(page))
	attach(t, ps[0], &owner{})
}

func TestLocal_Stalled(t *testing.T) {
	q := NewLocal(2 * page)
	p1, p2 := policy.NewFifo(4*page, true), policy.NewFifo(4*page, true)
	o1, o2 := &owner{}, &owner{fail: true}
	attach(t, p1, o1)
	attach(t, p2, o2)
	require.NoError(t, q.RegisterPolicy(p1))
	require.NoError(t, q.RegisterPolicy(p2))

	touchN(t, p1, o1, 2)
	require.NoError(t, p2.NotifyTouch(o2, 0, false, false, false))
	err := p2.NotifyTouch(o2, 1, false, false, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaStalled)
	var ee *policy.EvictError
	assert.ErrorAs(t, err, &ee)
	// The failed victim stays accounted.
	assert.Equal(t, int64(2*page), p2.CurrentMemory())
}

func TestLocal_UnregisterRestoresBudget(t *testing.T) {
	q := NewLocal(2 * page)
	p1, p2 := policy.NewFifo(4*page, true), policy.NewFifo(4*page, true)
	attach(t, p1, &owner{})
	attach(t, p2, &owner{})
	require.NoError(t, q.RegisterPolicy(p1))
	require.NoError(t, q.RegisterPolicy(p2))
	assert.Equal(t, int64(page), p2.NotifyLimit())

	q.UnregisterPolicy(p2)
	q.UnregisterPolicy(p2)

	assert.Equal(t, int64(4*page), p2.DynamicMaxMemory())
	assert.Equal(t, int64(math.MaxInt64), p2.NotifyLimit())
	assert.Equal(t, int64(2*page), p1.DynamicMaxMemory())
	assert.Equal(t, int64(2*page), p1.NotifyLimit())
}
