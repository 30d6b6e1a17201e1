package renderer

import (
	"sync/atomic"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Releaser is anything a command list keeps alive until the GPU is done with it.
type Releaser interface {
	Release()
}

type releaseFunc func()

func (f releaseFunc) Release() { f() }

// Resource is a reference counted GPU resource registered in the device's
// state registry. The registry entry goes away with the last reference.
type Resource struct {
	id       ResourceID
	registry *ResourceStateRegistry
	native   driver.Resource
	desc     driver.ResourceDesc
	clear    *driver.ClearValue
	refs     atomic.Int32
}

func newResource(registry *ResourceStateRegistry, native driver.Resource, state driver.ResourceState, clear *driver.ClearValue) *Resource {
	r := &Resource{
		id:       NewResourceID(),
		registry: registry,
		native:   native,
		desc:     native.Desc(),
		clear:    clear,
	}
	r.refs.Store(1)
	registry.AddResource(r.id, state)
	return r
}

func (r *Resource) ID() ResourceID {
	return r.id
}

func (r *Resource) Native() driver.Resource {
	return r.native
}

func (r *Resource) Desc() driver.ResourceDesc {
	return r.desc
}

func (r *Resource) ClearValue() *driver.ClearValue {
	return r.clear
}

func (r *Resource) Name() string {
	return r.native.Name()
}

func (r *Resource) SetName(name string) {
	r.native.SetName(name)
}

func (r *Resource) GPUVirtualAddress() uint64 {
	return r.native.GPUVirtualAddress()
}

func (r *Resource) AddRef() *Resource {
	r.refs.Add(1)
	return r
}

// RefCount is the number of live references.
func (r *Resource) RefCount() int32 {
	return r.refs.Load()
}

func (r *Resource) Release() {
	switch n := r.refs.Add(-1); {
	case n == 0:
		r.registry.RemoveResource(r.id)
		r.native.Release()
	case n < 0:
		core.LogError("resource `%s` released more times than referenced", r.Name())
	}
}
