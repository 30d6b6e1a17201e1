package soft

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Resource implements driver.Resource with host memory.
type Resource struct {
	dev     *Device
	heap    driver.HeapType
	desc    driver.ResourceDesc
	address uint64
	data    []byte

	mu     sync.Mutex
	name   string
	states []driver.ResourceState
	mapped int

	// back buffers are owned by their swapchain and only count references
	swapchain *Swapchain
	refs      atomic.Int32
	released  atomic.Bool
}

func newResource(d *Device, heap driver.HeapType, desc driver.ResourceDesc, initial driver.ResourceState, size uint64) *Resource {
	r := &Resource{
		dev:    d,
		heap:   heap,
		desc:   desc,
		data:   make([]byte, size),
		states: make([]driver.ResourceState, desc.SubresourceCount()),
	}
	for i := range r.states {
		r.states[i] = initial
	}
	return r
}

func (r *Resource) Desc() driver.ResourceDesc {
	return r.desc
}

func (r *Resource) Heap() driver.HeapType {
	return r.heap
}

func (r *Resource) Map() ([]byte, error) {
	if r.heap == driver.HeapDefault {
		return nil, r.dev.invalidCall("map of default heap resource %s", formatResource(r))
	}
	if r.released.Load() {
		return nil, r.dev.invalidCall("map of released resource %s", formatResource(r))
	}
	r.mu.Lock()
	r.mapped++
	r.mu.Unlock()
	return r.data, nil
}

func (r *Resource) Unmap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapped > 0 {
		r.mapped--
	}
}

func (r *Resource) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

func (r *Resource) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

func (r *Resource) GPUVirtualAddress() uint64 {
	return r.address
}

func (r *Resource) Release() {
	if r.swapchain != nil {
		if r.refs.Add(-1) < 0 {
			r.refs.Store(0)
			r.dev.report("back buffer %s released more times than it was acquired", formatResource(r))
		}
		return
	}
	if r.released.Swap(true) {
		r.dev.report("double release of resource %s", formatResource(r))
		return
	}
	r.dev.forgetAddress(r)
}

// State returns the GPU-side state of a subresource, as of the last executed
// command.
func (r *Resource) State(subresource uint32) driver.ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subresource == driver.AllSubresources {
		subresource = 0
	}
	return r.states[subresource]
}

// Released reports whether the last reference to the resource is gone.
func (r *Resource) Released() bool {
	return r.released.Load()
}

// Bytes exposes the backing memory for inspection in tests.
func (r *Resource) Bytes() []byte {
	return r.data
}

// transition applies a barrier on the GPU timeline and reports before-state
// mismatches.
func (r *Resource) transition(b driver.ResourceBarrier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	apply := func(sub uint32) {
		if r.states[sub] != b.Before {
			r.dev.report("barrier on %s subresource %d: before state %s does not match current state %s",
				formatResourceLocked(r), sub, b.Before, r.states[sub])
		}
		r.states[sub] = b.After
	}
	if b.Subresource == driver.AllSubresources {
		for i := range r.states {
			apply(uint32(i))
		}
		return
	}
	if b.Subresource >= uint32(len(r.states)) {
		r.dev.report("barrier on %s: subresource %d out of range", formatResourceLocked(r), b.Subresource)
		return
	}
	apply(b.Subresource)
}

// requireState reports when any subresource is missing the wanted bits.
func (r *Resource) requireState(want driver.ResourceState, op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.states {
		ok := s.Has(want)
		if want == driver.StateCommon {
			ok = s == driver.StateCommon
		}
		if !ok {
			r.dev.report("%s: %s subresource %d is in state %s, want %s", op, formatResourceLocked(r), i, s, want)
			return false
		}
	}
	return true
}

// requireAnyState reports unless some subresource state intersects want.
func (r *Resource) requireAnyState(want driver.ResourceState, op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[0]&want == 0 {
		r.dev.report("%s: %s is in state %s, want one of %s", op, formatResourceLocked(r), r.states[0], want)
		return false
	}
	return true
}

func (r *Resource) alive(op string) bool {
	if r.released.Load() {
		r.dev.report("%s: resource %s was released while the GPU still uses it", op, formatResource(r))
		return false
	}
	return true
}

func formatResourceLocked(r *Resource) string {
	if r.name != "" {
		return "`" + r.name + "`"
	}
	return "<unnamed>"
}

// subresourceOffset returns the byte offset and size of a texture subresource.
func (r *Resource) subresourceOffset(sub uint32) (offset uint64, width uint64, height uint32) {
	mips := uint32(r.desc.MipLevels)
	mip := sub % mips
	slice := sub / mips
	bpp := uint64(r.desc.Format.BytesPerPixel())

	var sliceSize uint64
	w, h := r.desc.Width, r.desc.Height
	for m := uint32(0); m < mips; m++ {
		if m == mip {
			offset = sliceSize
			width, height = w, h
		}
		sliceSize += w * uint64(h) * bpp
		w = max(w/2, 1)
		h = max(h/2, 1)
	}
	return uint64(slice)*sliceSize + offset, width, height
}

// fill writes the clear value into every texel of mip 0 of each slice.
func (r *Resource) fillColor(color [4]float32) {
	var texel []byte
	switch r.desc.Format {
	case driver.FormatR8G8B8A8Unorm:
		texel = []byte{unorm8(color[0]), unorm8(color[1]), unorm8(color[2]), unorm8(color[3])}
	case driver.FormatB8G8R8A8Unorm:
		texel = []byte{unorm8(color[2]), unorm8(color[1]), unorm8(color[0]), unorm8(color[3])}
	case driver.FormatR32Float:
		texel = binary.LittleEndian.AppendUint32(nil, math.Float32bits(color[0]))
	default:
		r.dev.report("clear of %s: unsupported format %d", formatResource(r), r.desc.Format)
		return
	}
	r.fill(texel)
}

func (r *Resource) fillDepth(depth float32) {
	r.fill(binary.LittleEndian.AppendUint32(nil, math.Float32bits(depth)))
}

func (r *Resource) fill(texel []byte) {
	for slice := uint32(0); slice < uint32(r.desc.DepthOrArraySize); slice++ {
		off, w, h := r.subresourceOffset(slice * uint32(r.desc.MipLevels))
		n := w * uint64(h)
		for i := uint64(0); i < n; i++ {
			copy(r.data[off+i*uint64(len(texel)):], texel)
		}
	}
}

func unorm8(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(v*255 + 0.5)
}
