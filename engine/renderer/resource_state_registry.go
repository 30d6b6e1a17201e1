package renderer

import (
	"sync"

	"github.com/google/uuid"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// ResourceID identifies a resource in the state registry. The registry only
// records states: it never keeps the resource alive.
type ResourceID uuid.UUID

func NewResourceID() ResourceID {
	return ResourceID(uuid.New())
}

func (id ResourceID) String() string {
	return uuid.UUID(id).String()
}

// ResourceState is the state of a resource as a whole plus any subresources
// that diverged from it.
type ResourceState struct {
	// Known is false when only individual subresources were recorded.
	Known        bool
	State        driver.ResourceState
	Subresources map[uint32]driver.ResourceState
}

func NewResourceState(state driver.ResourceState) ResourceState {
	return ResourceState{Known: true, State: state}
}

// Set records the state of one subresource, or of the whole resource when
// subresource is AllSubresources.
func (s *ResourceState) Set(subresource uint32, state driver.ResourceState) {
	if subresource == driver.AllSubresources {
		s.Known = true
		s.State = state
		s.Subresources = nil
		return
	}
	if s.Subresources == nil {
		s.Subresources = make(map[uint32]driver.ResourceState)
	}
	s.Subresources[subresource] = state
}

// Get returns the state of a subresource. For AllSubresources it reports the
// whole-resource state, which is only meaningful when no subresource diverged.
func (s ResourceState) Get(subresource uint32) (driver.ResourceState, bool) {
	if subresource != driver.AllSubresources {
		if st, ok := s.Subresources[subresource]; ok {
			return st, true
		}
	}
	return s.State, s.Known
}

// Uniform reports whether every subresource shares the whole-resource state.
func (s ResourceState) Uniform() bool {
	return s.Known && len(s.Subresources) == 0
}

func (s ResourceState) clone() ResourceState {
	out := ResourceState{Known: s.Known, State: s.State}
	if len(s.Subresources) > 0 {
		out.Subresources = make(map[uint32]driver.ResourceState, len(s.Subresources))
		for k, v := range s.Subresources {
			out.Subresources[k] = v
		}
	}
	return out
}

// overlay applies the states recorded in top on top of s.
func (s ResourceState) overlay(top ResourceState) ResourceState {
	if top.Known {
		return top.clone()
	}
	out := s.clone()
	for sub, st := range top.Subresources {
		out.Set(sub, st)
	}
	return out
}

// ResourceStateRegistry is the authoritative resource state table shared by
// every queue and command list of a device. Command lists read it while
// recording and merge their final states into it on submission. Only one list
// may write a given resource's state at a time.
type ResourceStateRegistry struct {
	mu     sync.RWMutex
	states map[ResourceID]ResourceState
}

func NewResourceStateRegistry() *ResourceStateRegistry {
	return &ResourceStateRegistry{
		states: make(map[ResourceID]ResourceState),
	}
}

// AddResource registers a resource in its creation state.
func (r *ResourceStateRegistry) AddResource(id ResourceID, state driver.ResourceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[id] = NewResourceState(state)
}

func (r *ResourceStateRegistry) RemoveResource(id ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
}

func (r *ResourceStateRegistry) State(id ResourceID) (ResourceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	if !ok {
		return ResourceState{}, false
	}
	return s.clone(), true
}

func (r *ResourceStateRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Merge applies final per-list states. Resources removed in the meantime are
// skipped.
func (r *ResourceStateRegistry) Merge(final map[ResourceID]ResourceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range final {
		cur, ok := r.states[id]
		if !ok {
			continue
		}
		r.states[id] = cur.overlay(st)
	}
}
