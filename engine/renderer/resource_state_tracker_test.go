package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

func TestTransitionToSameStateIsNoOp(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListDirect)
	res, err := d.CreateBuffer(driver.HeapDefault, 256, driver.ResourceFlagNone, driver.StateCommon, "buffer")
	require.NoError(t, err)
	defer res.Release()

	cl := acquire(t, q)
	cl.Transition(res, driver.StateCopyDest, driver.AllSubresources, false)
	cl.Transition(res, driver.StateCopyDest, driver.AllSubresources, false)
	assert.Equal(t, 1, cl.tracker.PendingBarriers())

	v := submit(t, q, cl)
	require.Equal(t, WaitComplete, q.WaitForFenceValue(v))
	stats := sd.Stats()
	assert.Equal(t, uint64(1), stats.BarrierCalls)
	assert.Equal(t, uint64(1), stats.Barriers)

	// the next list starts from the merged registry state
	cl = acquire(t, q)
	cl.Transition(res, driver.StateCopyDest, driver.AllSubresources, true)
	assert.Equal(t, 0, cl.tracker.PendingBarriers())
	v = submit(t, q, cl)
	require.Equal(t, WaitComplete, q.WaitForFenceValue(v))
	assert.Equal(t, uint64(1), sd.Stats().BarrierCalls)
	assert.Empty(t, sd.ValidationMessages())
}

func TestTransitionResolvesBeforeStateFromList(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListDirect)
	res, err := d.CreateBuffer(driver.HeapDefault, 256, driver.ResourceFlagNone, driver.StateCommon, "buffer")
	require.NoError(t, err)
	defer res.Release()

	cl := acquire(t, q)
	cl.Transition(res, driver.StateCopyDest, driver.AllSubresources, false)
	cl.Transition(res, driver.StateCopySource, driver.AllSubresources, false)
	require.Len(t, cl.tracker.barriers, 2)
	assert.Equal(t, driver.StateCommon, cl.tracker.barriers[0].Before)
	assert.Equal(t, driver.StateCopyDest, cl.tracker.barriers[1].Before)
	assert.Equal(t, driver.StateCopySource, cl.tracker.barriers[1].After)

	// the registry is untouched until submission
	st, _ := d.Registry().State(res.ID())
	assert.Equal(t, driver.StateCommon, st.State)
	assert.Equal(t, driver.StateCopySource, cl.ResourceState(res).State)

	v := submit(t, q, cl)
	require.Equal(t, WaitComplete, q.WaitForFenceValue(v))
	st, _ = d.Registry().State(res.ID())
	assert.Equal(t, driver.StateCopySource, st.State)
	assert.Equal(t, uint64(1), sd.Stats().BarrierCalls)
	assert.Empty(t, sd.ValidationMessages())
}

func TestTransitionDivergedSubresources(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListDirect)
	tex, err := d.CreateTexture(driver.Tex2DDesc(driver.FormatR8G8B8A8Unorm, 8, 8, 1, 2, driver.ResourceFlagNone), nil, "mips")
	require.NoError(t, err)
	defer tex.Release()
	require.Equal(t, uint32(2), tex.Desc().SubresourceCount())

	cl := acquire(t, q)
	cl.Transition(tex.Resource, driver.StateCopySource, 1, false)
	assert.False(t, cl.ResourceState(tex.Resource).Uniform())

	cl.Transition(tex.Resource, driver.StateCopyDest, driver.AllSubresources, false)
	require.Len(t, cl.tracker.barriers, 3)
	assert.Equal(t, uint32(0), cl.tracker.barriers[1].Subresource)
	assert.Equal(t, driver.StateCommon, cl.tracker.barriers[1].Before)
	assert.Equal(t, uint32(1), cl.tracker.barriers[2].Subresource)
	assert.Equal(t, driver.StateCopySource, cl.tracker.barriers[2].Before)

	v := submit(t, q, cl)
	require.Equal(t, WaitComplete, q.WaitForFenceValue(v))
	st, _ := d.Registry().State(tex.ID())
	assert.True(t, st.Uniform())
	assert.Equal(t, driver.StateCopyDest, st.State)
	assert.Empty(t, sd.ValidationMessages())
}

func TestUAVBarrier(t *testing.T) {
	d, sd := newTestDevice(t)
	q := d.CommandQueue(driver.CommandListCompute)
	res, err := d.CreateBuffer(driver.HeapDefault, 256, driver.ResourceFlagAllowUnorderedAccess, driver.StateUnorderedAccess, "uav")
	require.NoError(t, err)
	defer res.Release()

	cl := acquire(t, q)
	cl.UAVBarrier(res, true)
	cl.UAVBarrier(nil, true)
	assert.Equal(t, 0, cl.tracker.PendingBarriers())
	v := submit(t, q, cl)
	require.Equal(t, WaitComplete, q.WaitForFenceValue(v))
	assert.Equal(t, uint64(2), sd.Stats().BarrierCalls)
	assert.Empty(t, sd.ValidationMessages())
}

func TestRegistryMergeSkipsRemovedResources(t *testing.T) {
	r := NewResourceStateRegistry()
	kept, removed := NewResourceID(), NewResourceID()
	r.AddResource(kept, driver.StateCommon)
	r.AddResource(removed, driver.StateCommon)
	r.RemoveResource(removed)

	partial := ResourceState{}
	partial.Set(2, driver.StateCopyDest)
	r.Merge(map[ResourceID]ResourceState{
		kept:    partial,
		removed: NewResourceState(driver.StateRenderTarget),
	})

	assert.Equal(t, 1, r.Len())
	_, ok := r.State(removed)
	assert.False(t, ok)

	st, ok := r.State(kept)
	require.True(t, ok)
	assert.False(t, st.Uniform())
	s, known := st.Get(2)
	assert.True(t, known)
	assert.Equal(t, driver.StateCopyDest, s)
	s, _ = st.Get(0)
	assert.Equal(t, driver.StateCommon, s)
}

func TestResourceStateSetAll(t *testing.T) {
	var s ResourceState
	_, known := s.Get(driver.AllSubresources)
	assert.False(t, known)

	s.Set(1, driver.StateRenderTarget)
	s.Set(driver.AllSubresources, driver.StatePixelShaderResource)
	assert.True(t, s.Uniform())
	st, known := s.Get(1)
	assert.True(t, known)
	assert.Equal(t, driver.StatePixelShaderResource, st)
}
