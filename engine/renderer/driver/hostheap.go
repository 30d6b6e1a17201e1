package driver

import (
	"fmt"
	"sync"
)

type ViewKind int

const (
	ViewNone ViewKind = iota
	ViewRenderTarget
	ViewDepthStencil
	ViewShaderResource
	ViewUnorderedAccess
)

// Descriptor is the host-side content of one descriptor slot.
type Descriptor struct {
	Kind     ViewKind
	Resource Resource
}

// HostHeapTable keeps descriptor heaps in host memory for backends without a
// native descriptor heap object. Handles encode the heap id in the upper 32
// bits and the byte offset of the slot in the lower 32 bits.
type HostHeapTable struct {
	mu     sync.RWMutex
	heaps  map[uint32]*HostDescriptorHeap
	nextID uint32
}

func NewHostHeapTable() *HostHeapTable {
	return &HostHeapTable{
		heaps:  make(map[uint32]*HostDescriptorHeap),
		nextID: 1,
	}
}

// HostDescriptorHeap implements DescriptorHeap over a slice of slots.
type HostDescriptorHeap struct {
	desc      DescriptorHeapDesc
	id        uint32
	increment uint32
	slots     []Descriptor
	table     *HostHeapTable
}

func (t *HostHeapTable) Create(desc DescriptorHeapDesc, increment uint32) (*HostDescriptorHeap, error) {
	if desc.NumDescriptors == 0 || increment == 0 {
		return nil, fmt.Errorf("descriptor heap with %d descriptors and increment %d", desc.NumDescriptors, increment)
	}
	if desc.ShaderVisible && (desc.Type == DescriptorHeapRtv || desc.Type == DescriptorHeapDsv) {
		return nil, fmt.Errorf("%s heaps cannot be shader visible", desc.Type)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	h := &HostDescriptorHeap{
		desc:      desc,
		id:        t.nextID,
		increment: increment,
		slots:     make([]Descriptor, desc.NumDescriptors),
		table:     t,
	}
	t.nextID++
	t.heaps[h.id] = h
	return h, nil
}

func (t *HostHeapTable) resolve(ptr uint64) (*HostDescriptorHeap, uint32, error) {
	id := uint32(ptr >> 32)
	offset := uint32(ptr)

	t.mu.RLock()
	h, ok := t.heaps[id]
	t.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("descriptor handle %#x does not belong to a live heap", ptr)
	}
	if offset%h.increment != 0 {
		return nil, 0, fmt.Errorf("descriptor handle %#x is not aligned to the heap increment", ptr)
	}
	index := offset / h.increment
	if index >= uint32(len(h.slots)) {
		return nil, 0, fmt.Errorf("descriptor handle %#x is past the end of heap %d", ptr, id)
	}
	return h, index, nil
}

func (t *HostHeapTable) Resolve(handle CPUDescriptorHandle) (*HostDescriptorHeap, uint32, error) {
	return t.resolve(uint64(handle.Ptr))
}

func (t *HostHeapTable) ResolveGPU(handle GPUDescriptorHandle) (*HostDescriptorHeap, uint32, error) {
	h, index, err := t.resolve(handle.Ptr)
	if err != nil {
		return nil, 0, err
	}
	if !h.desc.ShaderVisible {
		return nil, 0, fmt.Errorf("gpu descriptor handle %#x refers to a non shader visible heap", handle.Ptr)
	}
	return h, index, nil
}

func (t *HostHeapTable) Write(handle CPUDescriptorHandle, d Descriptor) error {
	h, index, err := t.Resolve(handle)
	if err != nil {
		return err
	}
	t.mu.Lock()
	h.slots[index] = d
	t.mu.Unlock()
	return nil
}

func (t *HostHeapTable) Read(handle CPUDescriptorHandle) (Descriptor, error) {
	h, index, err := t.Resolve(handle)
	if err != nil {
		return Descriptor{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return h.slots[index], nil
}

// ReadRange returns count descriptors starting at a shader visible handle.
func (t *HostHeapTable) ReadRange(handle GPUDescriptorHandle, count uint32) ([]Descriptor, error) {
	h, index, err := t.ResolveGPU(handle)
	if err != nil {
		return nil, err
	}
	if index+count > uint32(len(h.slots)) {
		return nil, fmt.Errorf("descriptor range [%d, %d) is past the end of the heap", index, index+count)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Descriptor, count)
	copy(out, h.slots[index:index+count])
	return out, nil
}

// Copy copies count contiguous descriptors of heap type ht from src to dest.
func (t *HostHeapTable) Copy(count uint32, dest, src CPUDescriptorHandle, ht DescriptorHeapType) error {
	dh, di, err := t.Resolve(dest)
	if err != nil {
		return err
	}
	sh, si, err := t.Resolve(src)
	if err != nil {
		return err
	}
	if dh.desc.Type != ht || sh.desc.Type != ht {
		return fmt.Errorf("descriptor copy of type %s between %s and %s heaps", ht, sh.desc.Type, dh.desc.Type)
	}
	if di+count > uint32(len(dh.slots)) || si+count > uint32(len(sh.slots)) {
		return fmt.Errorf("descriptor copy of %d descriptors out of range", count)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(dh.slots[di:di+count], sh.slots[si:si+count])
	return nil
}

func (h *HostDescriptorHeap) Desc() DescriptorHeapDesc {
	return h.desc
}

func (h *HostDescriptorHeap) CPUStart() CPUDescriptorHandle {
	return CPUDescriptorHandle{Ptr: uintptr(uint64(h.id) << 32)}
}

func (h *HostDescriptorHeap) GPUStart() GPUDescriptorHandle {
	if !h.desc.ShaderVisible {
		return GPUDescriptorHandle{}
	}
	return GPUDescriptorHandle{Ptr: uint64(h.id) << 32}
}

func (h *HostDescriptorHeap) Release() {
	h.table.mu.Lock()
	defer h.table.mu.Unlock()
	delete(h.table.heaps, h.id)
}
