package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const (
	// descriptor increments mirror common hardware so handle arithmetic
	// mistakes surface the same way
	incrementCbvSrvUav = 32
	incrementSampler   = 32
	incrementRtv       = 32
	incrementDsv       = 32

	resourceAlignment = 64 * 1024
)

// Stats counts the work the GPU timeline executed.
type Stats struct {
	BarrierCalls uint64
	Barriers     uint64
	Copies       uint64
	Clears       uint64
	Draws        uint64
	Dispatches   uint64
	Executions   uint64
	Presents     uint64
}

// Device implements driver.Device.
type Device struct {
	debug   bool
	surface driver.SurfaceProvider
	heaps   *driver.HostHeapTable

	mu          sync.Mutex
	nextAddress uint64
	byAddress   map[uint64]*Resource
	queues      []*Queue
	rtTier      driver.RaytracingTier

	validationMu sync.Mutex
	validation   []string

	barrierCalls atomic.Uint64
	barriers     atomic.Uint64
	copies       atomic.Uint64
	clears       atomic.Uint64
	draws        atomic.Uint64
	dispatches   atomic.Uint64
	executions   atomic.Uint64
	presents     atomic.Uint64
}

func NewDevice(opts driver.Options) *Device {
	core.LogInfo("Creating software device (debug layer: %t)", opts.Debug)
	return &Device{
		debug:       opts.Debug,
		surface:     opts.Surface,
		heaps:       driver.NewHostHeapTable(),
		nextAddress: resourceAlignment,
		byAddress:   make(map[uint64]*Resource),
		rtTier:      driver.RaytracingTier1_0,
	}
}

func (d *Device) CreateCommandQueue(t driver.CommandListType) (driver.Queue, error) {
	q, err := newQueue(d, t)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
	return q, nil
}

func (d *Device) CreateFence(initialValue uint64) (driver.Fence, error) {
	return newFence(initialValue), nil
}

func (d *Device) CreateCommandAllocator(t driver.CommandListType) (driver.CommandAllocator, error) {
	return &CommandAllocator{dev: d, typ: t}, nil
}

func (d *Device) CreateCommandList(t driver.CommandListType, alloc driver.CommandAllocator) (driver.CommandList, error) {
	cl := &CommandList{dev: d, typ: t}
	if err := cl.Reset(alloc); err != nil {
		return nil, err
	}
	return cl, nil
}

func (d *Device) CreateCommittedResource(heap driver.HeapType, desc driver.ResourceDesc, initialState driver.ResourceState, clear *driver.ClearValue) (driver.Resource, error) {
	switch heap {
	case driver.HeapUpload:
		if initialState != driver.StateGenericRead {
			return nil, d.invalidCall("upload heap resources must start in GenericRead, got %s", initialState)
		}
	case driver.HeapReadback:
		if initialState != driver.StateCopyDest {
			return nil, d.invalidCall("readback heap resources must start in CopyDest, got %s", initialState)
		}
	}
	if heap != driver.HeapDefault && desc.Dimension != driver.DimensionBuffer {
		return nil, d.invalidCall("textures can only live in the default heap")
	}
	size := desc.ByteSize()
	if size == 0 {
		return nil, d.invalidCall("resource with zero size")
	}
	if clear != nil && desc.Flags&(driver.ResourceFlagAllowRenderTarget|driver.ResourceFlagAllowDepthStencil) == 0 {
		return nil, d.invalidCall("clear value given for a resource that is neither a render target nor a depth stencil")
	}

	r := newResource(d, heap, desc, initialState, size)
	if desc.Dimension == driver.DimensionBuffer {
		d.mu.Lock()
		r.address = d.nextAddress
		d.nextAddress += (size + resourceAlignment - 1) / resourceAlignment * resourceAlignment
		d.byAddress[r.address] = r
		d.mu.Unlock()
	}
	return r, nil
}

func (d *Device) forgetAddress(r *Resource) {
	if r.address == 0 {
		return
	}
	d.mu.Lock()
	delete(d.byAddress, r.address)
	d.mu.Unlock()
}

// resourceContaining returns the live buffer whose address range holds address.
func (d *Device) resourceContaining(address uint64) *Resource {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.byAddress[address]; ok {
		return r
	}
	for base, r := range d.byAddress {
		if address >= base && address < base+uint64(len(r.data)) {
			return r
		}
	}
	return nil
}

func (d *Device) CreateDescriptorHeap(desc driver.DescriptorHeapDesc) (driver.DescriptorHeap, error) {
	h, err := d.heaps.Create(desc, d.DescriptorHandleIncrementSize(desc.Type))
	if err != nil {
		return nil, d.invalidCall("%s", err)
	}
	return h, nil
}

func (d *Device) CreateSwapchain(queue driver.Queue, desc driver.SwapchainDesc) (driver.Swapchain, error) {
	q, ok := queue.(*Queue)
	if !ok || q.typ != driver.CommandListDirect {
		return nil, d.invalidCall("swapchains present from a direct queue of this device")
	}
	return newSwapchain(d, q, desc)
}

func (d *Device) CreatePipelineState(desc driver.PipelineStateDesc) (driver.PipelineState, error) {
	return newPipelineState(d, desc)
}

func (d *Device) DescriptorHandleIncrementSize(t driver.DescriptorHeapType) uint32 {
	switch t {
	case driver.DescriptorHeapCbvSrvUav:
		return incrementCbvSrvUav
	case driver.DescriptorHeapSampler:
		return incrementSampler
	case driver.DescriptorHeapRtv:
		return incrementRtv
	case driver.DescriptorHeapDsv:
		return incrementDsv
	}
	return 0
}

func (d *Device) writeView(res driver.Resource, dest driver.CPUDescriptorHandle, kind driver.ViewKind, heapType driver.DescriptorHeapType) error {
	h, _, err := d.heaps.Resolve(dest)
	if err != nil {
		return d.invalidCall("%s", err)
	}
	if h.Desc().Type != heapType {
		return d.invalidCall("view written into a %s heap, want %s", h.Desc().Type, heapType)
	}
	r, err := d.resource(res)
	if err != nil {
		return err
	}
	var flag driver.ResourceFlags
	switch kind {
	case driver.ViewRenderTarget:
		flag = driver.ResourceFlagAllowRenderTarget
	case driver.ViewDepthStencil:
		flag = driver.ResourceFlagAllowDepthStencil
	case driver.ViewUnorderedAccess:
		flag = driver.ResourceFlagAllowUnorderedAccess
	}
	if r.desc.Flags&flag != flag {
		return d.invalidCall("resource `%s` does not allow this view kind", r.Name())
	}
	return d.heaps.Write(dest, driver.Descriptor{Kind: kind, Resource: r})
}

func (d *Device) CreateRenderTargetView(res driver.Resource, dest driver.CPUDescriptorHandle) error {
	return d.writeView(res, dest, driver.ViewRenderTarget, driver.DescriptorHeapRtv)
}

func (d *Device) CreateDepthStencilView(res driver.Resource, dest driver.CPUDescriptorHandle) error {
	return d.writeView(res, dest, driver.ViewDepthStencil, driver.DescriptorHeapDsv)
}

func (d *Device) CreateShaderResourceView(res driver.Resource, dest driver.CPUDescriptorHandle) error {
	return d.writeView(res, dest, driver.ViewShaderResource, driver.DescriptorHeapCbvSrvUav)
}

func (d *Device) CreateUnorderedAccessView(res driver.Resource, dest driver.CPUDescriptorHandle) error {
	return d.writeView(res, dest, driver.ViewUnorderedAccess, driver.DescriptorHeapCbvSrvUav)
}

func (d *Device) CopyDescriptorsSimple(count uint32, dest, src driver.CPUDescriptorHandle, t driver.DescriptorHeapType) error {
	if err := d.heaps.Copy(count, dest, src, t); err != nil {
		return d.invalidCall("%s", err)
	}
	return nil
}

func (d *Device) AccelerationStructurePrebuildInfo(inputs driver.AccelerationStructureInputs) driver.AccelerationStructurePrebuildInfo {
	var primitives uint64
	if inputs.Type == driver.AccelerationStructureTopLevel {
		primitives = uint64(inputs.NumInstances)
	} else {
		for _, g := range inputs.Geometry {
			if g.IndexBuffer != nil {
				primitives += uint64(g.IndexCount / 3)
			} else {
				primitives += uint64(g.VertexCount / 3)
			}
		}
	}
	size := (64 + 64*primitives + 255) &^ 255
	return driver.AccelerationStructurePrebuildInfo{
		ResultDataMaxSizeInBytes: size,
		ScratchDataSizeInBytes:   size,
	}
}

func (d *Device) RaytracingTier() driver.RaytracingTier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rtTier
}

// SetRaytracingTier overrides the reported ray tracing tier.
func (d *Device) SetRaytracingTier(tier driver.RaytracingTier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rtTier = tier
}

func (d *Device) AdapterDescription() driver.AdapterDesc {
	return driver.AdapterDesc{
		Description: "Prism Software Adapter",
		Software:    true,
	}
}

func (d *Device) Stats() Stats {
	return Stats{
		BarrierCalls: d.barrierCalls.Load(),
		Barriers:     d.barriers.Load(),
		Copies:       d.copies.Load(),
		Clears:       d.clears.Load(),
		Draws:        d.draws.Load(),
		Dispatches:   d.dispatches.Load(),
		Executions:   d.executions.Load(),
		Presents:     d.presents.Load(),
	}
}

func (d *Device) Close() {
	d.mu.Lock()
	queues := d.queues
	d.queues = nil
	d.mu.Unlock()
	for _, q := range queues {
		q.Release()
	}
}

// resource unwraps a driver.Resource created by this device.
func (d *Device) resource(res driver.Resource) (*Resource, error) {
	r, ok := res.(*Resource)
	if !ok || r == nil || r.dev != d {
		return nil, d.invalidCall("resource %T was not created by this device", res)
	}
	if r.released.Load() {
		return nil, d.invalidCall("use of released resource `%s`", r.Name())
	}
	return r, nil
}

func formatResource(r *Resource) string {
	if r == nil {
		return "<nil>"
	}
	if n := r.Name(); n != "" {
		return fmt.Sprintf("`%s`", n)
	}
	return fmt.Sprintf("%p", r)
}
