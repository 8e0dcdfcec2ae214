package policy

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = 4096

type fakeOwner struct {
	mu      sync.Mutex
	segSize int64
	evicted []int
	fail    map[int]error
}

func newOwner() *fakeOwner {
	return &fakeOwner{segSize: page, fail: map[int]error{}}
}

func (o *fakeOwner) Evict(_ Policy, seg int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[seg]; err != nil {
		return err
	}
	o.evicted = append(o.evicted, seg)
	return nil
}

func (o *fakeOwner) SegmentSize() int64 { return o.segSize }

func (o *fakeOwner) Evicted() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.evicted...)
}

type countingQuota struct {
	updates int
	limit   int64
}

func (q *countingQuota) Update() error {
	q.updates++
	return nil
}

var errShare = errors.New("share too small")

func (q *countingQuota) CheckSegment(size int64) error {
	if q.limit > 0 && size > q.limit {
		return errShare
	}
	return nil
}

func touch(t *testing.T, p Policy, o Owner, segs ...int) {
	t.Helper()
	for _, s := range segs {
		require.NoError(t, p.NotifyTouch(o, s, true, false, false))
	}
}

func TestFifo_EvictsOldest(t *testing.T) {
	p := NewFifo(2*page, true)
	o := newOwner()
	require.NoError(t, p.Register(o, 8))

	touch(t, p, o, 0, 1, 2)
	assert.Equal(t, []int{0}, o.Evicted())
	touch(t, p, o, 3)
	assert.Equal(t, []int{0, 1}, o.Evicted())
	touch(t, p, o, 4)
	assert.Equal(t, []int{0, 1, 2}, o.Evicted())
	assert.Equal(t, int64(2*page), p.CurrentMemory())
}

func TestFifo_RefreshMovesToTail(t *testing.T) {
	p := NewFifo(2*page, true)
	o := newOwner()
	require.NoError(t, p.Register(o, 8))

	touch(t, p, o, 0, 1, 0, 2)
	assert.Equal(t, []int{1}, o.Evicted())
	assert.Equal(t, int64(2*page), p.CurrentMemory())
}

func TestLifo_StackDiscipline(t *testing.T) {
	p := NewLifo(2*page, true)
	o := newOwner()
	require.NoError(t, p.Register(o, 8))

	touch(t, p, o, 0, 1, 2)
	assert.Equal(t, []int{1}, o.Evicted())
	touch(t, p, o, 3)
	assert.Equal(t, []int{1, 2}, o.Evicted())
	assert.Equal(t, int64(2*page), p.CurrentMemory())

	require.NoError(t, p.ShrinkMemory())
	p.SetDynamicMaxMemory(page)
	require.NoError(t, p.ShrinkMemory())
	assert.Equal(t, []int{1, 2, 3}, o.Evicted())
}

func TestFifoWindow_OnlySlidingRotates(t *testing.T) {
	p, err := NewFifoWindow(4*page, page, true)
	require.NoError(t, err)
	o := newOwner()
	require.NoError(t, p.Register(o, 8))

	touch(t, p, o, 0, 1, 2, 3)
	assert.Empty(t, o.Evicted())
	touch(t, p, o, 4)
	assert.Equal(t, []int{3}, o.Evicted())
	touch(t, p, o, 5)
	assert.Equal(t, []int{3, 4}, o.Evicted())

	fixed, sliding := p.Windows()
	assert.Equal(t, int64(3*page), fixed)
	assert.Equal(t, int64(page), sliding)
	assert.Equal(t, int64(4*page), p.CurrentMemory())

	// Shrink takes the sliding window first, then the oldest fixed.
	p.SetDynamicMaxMemory(2 * page)
	require.NoError(t, p.ShrinkMemory())
	assert.Equal(t, []int{3, 4, 5, 0}, o.Evicted())
	assert.Equal(t, int64(2*page), p.CurrentMemory())
}

func TestFifoWindow_InvalidWindow(t *testing.T) {
	_, err := NewFifoWindow(4*page, 0, false)
	assert.ErrorIs(t, err, ErrInvalidWindow)
	_, err = NewFifoWindow(4*page, 5*page, false)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestPolicy_FailedEvictionIsPutBack(t *testing.T) {
	for name, p := range map[string]Policy{
		"fifo": NewFifo(2*page, true),
		"lifo": NewLifo(2*page, true),
	} {
		t.Run(name, func(t *testing.T) {
			o := newOwner()
			boom := errors.New("write-back failed")
			o.fail[0] = boom
			o.fail[1] = boom
			require.NoError(t, p.Register(o, 8))

			touch(t, p, o, 0, 1)
			err := p.NotifyTouch(o, 2, true, false, false)
			var ee *EvictError
			require.ErrorAs(t, err, &ee)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, int64(3*page), p.CurrentMemory())

			clear(o.fail)
			require.NoError(t, p.ShrinkMemory())
			assert.Equal(t, int64(2*page), p.CurrentMemory())
			assert.Len(t, o.Evicted(), 1)
		})
	}
}

func TestPolicy_RegisterErrors(t *testing.T) {
	local := NewFifo(page, true)
	o1, o2 := newOwner(), newOwner()
	require.NoError(t, local.Register(o1, 4))
	assert.ErrorIs(t, local.Register(o1, 4), ErrAlreadyRegistered)
	assert.ErrorIs(t, local.Register(o2, 4), ErrLocalPolicyShared)

	global := NewLifo(page, false)
	big := &fakeOwner{segSize: 2 * page}
	assert.ErrorIs(t, global.Register(big, 4), ErrBudgetTooSmall)
	require.NoError(t, global.Register(o1, 4))
	require.NoError(t, global.Register(o2, 4))
	assert.Equal(t, 2, global.Owners())
	assert.Equal(t, int64(page), global.MaxSegmentSize())
	assert.False(t, global.Local())

	assert.ErrorIs(t, global.NotifyTouch(big, 0, false, false, false), ErrUnknownOwner)
	assert.ErrorIs(t, global.NotifyTouch(o1, 9, false, false, false), ErrUnknownOwner)
}

func TestPolicy_UnregisterAndNotifyEvict(t *testing.T) {
	p := NewFifo(8*page, false)
	o1, o2 := newOwner(), newOwner()
	require.NoError(t, p.Register(o1, 4))
	require.NoError(t, p.Register(o2, 4))

	touch(t, p, o1, 0, 1, 2)
	touch(t, p, o2, 0)
	assert.Equal(t, int64(4*page), p.CurrentMemory())

	p.NotifyEvict(o1, 1)
	p.NotifyEvict(o1, 1)
	assert.Equal(t, int64(3*page), p.CurrentMemory())

	p.Unregister(o1)
	assert.Equal(t, int64(page), p.CurrentMemory())

	// The freed block is reused by the next owner.
	o3 := newOwner()
	require.NoError(t, p.Register(o3, 2))
	touch(t, p, o3, 1)
	assert.Equal(t, int64(2*page), p.CurrentMemory())
	assert.Empty(t, o1.Evicted())
}

func TestPolicy_NotifiesQuotaOnGrowth(t *testing.T) {
	p := NewFifo(8*page, true)
	q := &countingQuota{}
	p.SetQuota(q)
	p.SetNotifyLimit(2 * page)
	o := newOwner()
	require.NoError(t, p.Register(o, 8))

	touch(t, p, o, 0, 1)
	assert.Equal(t, 0, q.updates)
	touch(t, p, o, 2)
	assert.Equal(t, 1, q.updates)
	// A refresh is not growth.
	touch(t, p, o, 2)
	assert.Equal(t, 1, q.updates)
	touch(t, p, o, 3)
	assert.Equal(t, 2, q.updates)
	assert.Equal(t, int64(2*page), p.NotifyLimit())
}

func TestPolicy_RegisterChecksQuotaShare(t *testing.T) {
	p := NewFifo(8*page, false)
	p.SetQuota(&countingQuota{limit: page})

	big := &fakeOwner{segSize: 2 * page}
	assert.ErrorIs(t, p.Register(big, 4), errShare)
	assert.Equal(t, 0, p.Owners())

	require.NoError(t, p.Register(newOwner(), 4))

	// Detached from the quota only the policy budget applies.
	p.SetQuota(nil)
	require.NoError(t, p.Register(big, 4))
}
