package renderer

import (
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// ResourceStateTracker is the per command list view of resource states. The
// before state of a transition comes from the states this list already
// recorded, falling back to the registry.
type ResourceStateTracker struct {
	registry *ResourceStateRegistry
	barriers []driver.ResourceBarrier
	final    map[ResourceID]ResourceState
}

func NewResourceStateTracker(registry *ResourceStateRegistry) *ResourceStateTracker {
	return &ResourceStateTracker{
		registry: registry,
		final:    make(map[ResourceID]ResourceState),
	}
}

// Current returns the state the resource will be in at this point of the list.
func (t *ResourceStateTracker) Current(res *Resource) ResourceState {
	global, ok := t.registry.State(res.ID())
	if !ok {
		core.LogWarn("resource `%s` is not registered, assuming it is in the common state", res.Name())
		global = NewResourceState(driver.StateCommon)
	}
	if local, ok := t.final[res.ID()]; ok {
		return global.overlay(local)
	}
	return global
}

// TransitionResource queues the barriers needed to move res to after. Nothing
// is queued for subresources already in that state.
func (t *ResourceStateTracker) TransitionResource(res *Resource, after driver.ResourceState, subresource uint32) {
	current := t.Current(res)

	if subresource == driver.AllSubresources && !current.Uniform() {
		// subresources diverged: transition each one on its own
		count := res.Desc().SubresourceCount()
		for sub := uint32(0); sub < count; sub++ {
			before, _ := current.Get(sub)
			if before != after {
				t.barriers = append(t.barriers, driver.TransitionBarrier(res.Native(), before, after, sub))
			}
		}
	} else {
		before, _ := current.Get(subresource)
		if before != after {
			t.barriers = append(t.barriers, driver.TransitionBarrier(res.Native(), before, after, subresource))
		}
	}

	local := t.final[res.ID()]
	local.Set(subresource, after)
	t.final[res.ID()] = local
}

// UAVBarrier orders unordered access to res. A nil resource orders all of them.
func (t *ResourceStateTracker) UAVBarrier(res *Resource) {
	var native driver.Resource
	if res != nil {
		native = res.Native()
	}
	t.barriers = append(t.barriers, driver.UAVBarrier(native))
}

// PendingBarriers returns the number of queued barriers.
func (t *ResourceStateTracker) PendingBarriers() int {
	return len(t.barriers)
}

// FlushResourceBarriers emits every queued barrier in one native call and
// returns how many were emitted.
func (t *ResourceStateTracker) FlushResourceBarriers(cl driver.CommandList) int {
	n := len(t.barriers)
	if n == 0 {
		return 0
	}
	cl.ResourceBarrier(t.barriers)
	t.barriers = t.barriers[:0]
	core.BarriersEmitted.Add(float64(n))
	return n
}

// CommitFinalResourceStates merges the states recorded by this list into the
// registry.
func (t *ResourceStateTracker) CommitFinalResourceStates() {
	t.registry.Merge(t.final)
	t.final = make(map[ResourceID]ResourceState)
}

func (t *ResourceStateTracker) Reset() {
	t.barriers = t.barriers[:0]
	t.final = make(map[ResourceID]ResourceState)
}
