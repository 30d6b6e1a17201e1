package renderer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

func acquire(t *testing.T, q *CommandQueue) *CommandList {
	t.Helper()
	cl, err := q.AcquireCommandList()
	require.NoError(t, err)
	return cl
}

func submit(t *testing.T, q *CommandQueue, lists ...*CommandList) uint64 {
	t.Helper()
	v, err := q.Submit(lists...)
	require.NoError(t, err)
	return v
}

func TestAllocatorNeverResetWhileInFlight(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListDirect)
	native := q.Native().(*soft.Queue)

	native.Pause()
	seen := map[*soft.CommandAllocator]bool{}
	for i := 0; i < 5; i++ {
		cl := acquire(t, q)
		alloc := q.listAllocators[cl.id].(*soft.CommandAllocator)
		assert.False(t, alloc.InFlight(), "allocator %d handed out while in flight", i)
		assert.False(t, seen[alloc], "allocator %d reused before its fence completed", i)
		seen[alloc] = true
		submit(t, q, cl)
	}
	assert.Len(t, seen, 5)
	native.Resume()

	result, err := q.Flush()
	require.NoError(t, err)
	require.Equal(t, WaitComplete, result)

	cl := acquire(t, q)
	alloc := q.listAllocators[cl.id].(*soft.CommandAllocator)
	assert.True(t, seen[alloc], "completed allocator should be recycled")
	assert.Equal(t, 1, alloc.Resets())
	assert.Empty(t, sd.ValidationMessages())
}

func TestCommandListsAreRecycled(t *testing.T) {
	d, _ := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListDirect)

	first := acquire(t, q)
	second := acquire(t, q)
	assert.NotSame(t, first, second)
	submit(t, q, first, second)

	// lists come back in submission order without waiting for the fence
	assert.Same(t, first, acquire(t, q))
	assert.Same(t, second, acquire(t, q))
	assert.Equal(t, 2, q.lists.Len())
}

func TestSubmitFenceValuesStrictlyIncrease(t *testing.T) {
	d, _ := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListCompute)

	var last uint64
	for i := 0; i < 10; i++ {
		v := submit(t, q, acquire(t, q))
		assert.Greater(t, v, last)
		last = v

		if i%3 == 0 {
			s, err := q.Signal()
			require.NoError(t, err)
			assert.Greater(t, s, last)
			last = s
		}
	}
	assert.Equal(t, last, q.FenceValue())
}

func TestCopyBufferEndToEnd(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListCopy)
	data := floatBytes(1, 2, 3)

	cl := acquire(t, q)
	buf := NewBuffer("three floats")
	require.NoError(t, cl.CopyBuffer(buf, 3, 4, data, driver.ResourceFlagNone))
	// destination and staging buffer
	assert.Equal(t, 2, cl.NumTrackedObjects())

	v := submit(t, q, cl)
	assert.Equal(t, 0, cl.NumTrackedObjects())
	assert.Equal(t, WaitComplete, q.WaitForFenceValue(v))
	assert.True(t, q.IsFenceComplete(v))

	res := buf.Resource()
	require.NotNil(t, res)
	assert.Equal(t, int32(1), res.RefCount())
	native := res.Native().(*soft.Resource)
	assert.Equal(t, data, native.Bytes()[:12])
	assert.Equal(t, uint64(12), buf.SizeInBytes())

	st, ok := d.Registry().State(res.ID())
	require.True(t, ok)
	assert.Equal(t, NewResourceState(driver.StateCopyDest), st)

	buf.Release()
	assert.True(t, native.Released())
	assert.Empty(t, sd.ValidationMessages())
}

func TestCopyBufferRejectsShortData(t *testing.T) {
	d, _ := newTestDevice(t)
	cl := acquire(t, d.CommandQueue(driver.CommandListCopy))
	err := cl.CopyBuffer(NewBuffer("short"), 4, 4, floatBytes(1), driver.ResourceFlagNone)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestTrackedObjectsLiveUntilFenceCompletes(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListCopy)
	native := q.Native().(*soft.Queue)

	vb := NewVertexBuffer("vertices")
	native.Pause()
	cl := acquire(t, q)
	require.NoError(t, cl.CopyVertexBuffer(vb, 3, 12, floatBytes(0, 0, 0, 1, 0, 0, 0, 1, 0)))
	v := submit(t, q, cl)

	// acquiring retires completed work only
	acquire(t, q)
	assert.Equal(t, int32(2), vb.Resource().RefCount())
	assert.False(t, q.IsFenceComplete(v))

	native.Resume()
	assert.Equal(t, WaitComplete, q.WaitForFenceValue(v))
	assert.Equal(t, int32(1), vb.Resource().RefCount())

	view := vb.View()
	assert.Equal(t, uint32(36), view.SizeInBytes)
	assert.Equal(t, uint32(12), view.StrideInBytes)
	vb.Release()
	assert.Empty(t, sd.ValidationMessages())
}

func TestWaitForFenceValueTimesOut(t *testing.T) {
	d, _ := newTestDevice(t, func(o *DeviceOptions) { o.FenceTimeout = 20 * time.Millisecond })
	q := d.CommandQueue(driver.CommandListDirect)
	native := q.Native().(*soft.Queue)

	native.Pause()
	v := submit(t, q, acquire(t, q))
	assert.Equal(t, WaitTimedOut, q.WaitForFenceValue(v))
	assert.False(t, q.IsFenceComplete(v))

	native.Resume()
	assert.Eventually(t, func() bool { return q.IsFenceComplete(v) }, time.Second, time.Millisecond)
	assert.Equal(t, WaitComplete, q.WaitForFenceValue(v))
}

func TestSubmitRejectsForeignList(t *testing.T) {
	d, _ := newTestDevice(t)
	direct := d.CommandQueue(driver.CommandListDirect)
	compute := d.CommandQueue(driver.CommandListCompute)

	acquire(t, direct)
	other := acquire(t, compute)
	other.id = 7
	_, err := direct.Submit(other)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = direct.Submit()
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestFailedSubmitLeavesStatesUntouched(t *testing.T) {
	d, sd := newTestDevice(t)
	direct := d.CommandQueue(driver.CommandListDirect)
	compute := d.CommandQueue(driver.CommandListCompute)

	res, err := d.CreateBuffer(driver.HeapDefault, 64, driver.ResourceFlagNone, driver.StateCommon, "r")
	require.NoError(t, err)
	defer res.Release()

	a := acquire(t, direct)
	a.Transition(res, driver.StateCopyDest, driver.AllSubresources, false)
	foreign := acquire(t, compute)

	_, err = direct.Submit(a, foreign)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	st, ok := d.Registry().State(res.ID())
	require.True(t, ok)
	assert.Equal(t, NewResourceState(driver.StateCommon), st)

	_, err = direct.Submit(a, a)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	st, _ = d.Registry().State(res.ID())
	assert.Equal(t, NewResourceState(driver.StateCommon), st)

	// a rejected list is still recording and can be submitted on its own
	assert.Equal(t, WaitComplete, direct.WaitForFenceValue(submit(t, direct, a)))
	st, _ = d.Registry().State(res.ID())
	assert.Equal(t, NewResourceState(driver.StateCopyDest), st)

	b := acquire(t, direct)
	b.Transition(res, driver.StateCopySource, driver.AllSubresources, false)
	assert.Equal(t, WaitComplete, direct.WaitForFenceValue(submit(t, direct, b)))

	require.NoError(t, compute.Discard(foreign))
	assert.Empty(t, sd.ValidationMessages())
}

func TestFailedCloseDiscardsLists(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListDirect)

	res, err := d.CreateBuffer(driver.HeapDefault, 64, driver.ResourceFlagNone, driver.StateCommon, "r")
	require.NoError(t, err)
	defer res.Release()

	first := acquire(t, q)
	first.Transition(res, driver.StateCopyDest, driver.AllSubresources, false)
	broken := acquire(t, q)
	require.NoError(t, broken.Native().Close())

	_, err = q.Submit(first, broken)
	require.ErrorIs(t, err, soft.ErrInvalidCall)
	st, _ := d.Registry().State(res.ID())
	assert.Equal(t, NewResourceState(driver.StateCommon), st)
	assert.Nil(t, q.listAllocators[first.id])
	assert.Nil(t, q.listAllocators[broken.id])
	reported := len(sd.ValidationMessages())

	// both lists and their allocators are back in the pools
	again := acquire(t, q)
	assert.True(t, again == first || again == broken)
	again.Transition(res, driver.StateCopyDest, driver.AllSubresources, false)
	assert.Equal(t, WaitComplete, q.WaitForFenceValue(submit(t, q, again)))
	st, _ = d.Registry().State(res.ID())
	assert.Equal(t, NewResourceState(driver.StateCopyDest), st)
	assert.Len(t, sd.ValidationMessages(), reported)
}

func TestDiscard(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListCopy)

	cl := acquire(t, q)
	alloc := q.listAllocators[cl.id].(*soft.CommandAllocator)
	buf := NewBuffer("dropped")
	require.NoError(t, cl.CopyBuffer(buf, 3, 4, floatBytes(1, 2, 3), driver.ResourceFlagNone))
	require.Equal(t, 2, cl.NumTrackedObjects())

	require.NoError(t, q.Discard(cl))
	assert.Zero(t, cl.NumTrackedObjects())
	assert.Equal(t, int32(1), buf.Resource().RefCount())
	st, _ := d.Registry().State(buf.Resource().ID())
	assert.Equal(t, NewResourceState(driver.StateCommon), st)

	assert.ErrorIs(t, q.Discard(cl), core.ErrInvalidArgument)
	_, err := q.Submit(cl)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	again := acquire(t, q)
	assert.Same(t, cl, again)
	assert.Same(t, alloc, q.listAllocators[again.id])
	assert.Equal(t, 1, alloc.Resets())
	assert.Equal(t, WaitComplete, q.WaitForFenceValue(submit(t, q, again)))

	buf.Release()
	assert.Empty(t, sd.ValidationMessages())
}

func TestClosedQueue(t *testing.T) {
	d, _ := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListDirect)
	submit(t, q, acquire(t, q))
	require.NoError(t, d.Close())

	_, err := q.AcquireCommandList()
	assert.ErrorIs(t, err, core.ErrQueueClosed)
	_, err = q.Submit(&CommandList{})
	assert.ErrorIs(t, err, core.ErrQueueClosed)
}
