package driver

// Device creates every native object and hosts the descriptor operations.
type Device interface {
	CreateCommandQueue(t CommandListType) (Queue, error)
	CreateFence(initialValue uint64) (Fence, error)
	CreateCommandAllocator(t CommandListType) (CommandAllocator, error)
	// CreateCommandList returns a list in the recording state, bound to alloc.
	CreateCommandList(t CommandListType, alloc CommandAllocator) (CommandList, error)
	CreateCommittedResource(heap HeapType, desc ResourceDesc, initialState ResourceState, clear *ClearValue) (Resource, error)
	CreateDescriptorHeap(desc DescriptorHeapDesc) (DescriptorHeap, error)
	CreateSwapchain(queue Queue, desc SwapchainDesc) (Swapchain, error)
	CreatePipelineState(desc PipelineStateDesc) (PipelineState, error)

	DescriptorHandleIncrementSize(t DescriptorHeapType) uint32
	CreateRenderTargetView(res Resource, dest CPUDescriptorHandle) error
	CreateDepthStencilView(res Resource, dest CPUDescriptorHandle) error
	CreateShaderResourceView(res Resource, dest CPUDescriptorHandle) error
	CreateUnorderedAccessView(res Resource, dest CPUDescriptorHandle) error
	CopyDescriptorsSimple(count uint32, dest, src CPUDescriptorHandle, t DescriptorHeapType) error

	AccelerationStructurePrebuildInfo(inputs AccelerationStructureInputs) AccelerationStructurePrebuildInfo
	RaytracingTier() RaytracingTier
	AdapterDescription() AdapterDesc

	// Close destroys the device. Every object created from it must be
	// released first.
	Close()
}

// Queue executes closed command lists in submission order.
type Queue interface {
	Type() CommandListType
	ExecuteCommandLists(lists ...CommandList) error
	// Signal sets the fence to value once every previously executed list
	// completed on the GPU.
	Signal(fence Fence, value uint64) error
	Release()
}

// Fence is a GPU-to-CPU counter.
type Fence interface {
	CompletedValue() uint64
	// Done returns a channel closed once the completed value reaches v, and
	// a func that drops the wait when the caller gives up early.
	Done(v uint64) (<-chan struct{}, func())
	Release()
}

// CommandAllocator owns the memory lists record into.
type CommandAllocator interface {
	Type() CommandListType
	// Reset reclaims the recording memory. Resetting while the GPU still
	// executes a list recorded into it is undefined.
	Reset() error
	Release()
}

// CommandList records GPU commands.
type CommandList interface {
	Type() CommandListType
	Close() error
	Reset(alloc CommandAllocator) error

	ResourceBarrier(barriers []ResourceBarrier)
	CopyBufferRegion(dst Resource, dstOffset uint64, src Resource, srcOffset uint64, numBytes uint64)
	CopyResource(dst, src Resource)
	CopyTextureToBuffer(dst Resource, footprint PlacedFootprint, src Resource, subresource uint32)
	ClearRenderTargetView(rtv CPUDescriptorHandle, color [4]float32)
	ClearDepthStencilView(dsv CPUDescriptorHandle, depth float32, stencil uint8)

	SetDescriptorHeaps(heaps ...DescriptorHeap)
	SetPipelineState(pso PipelineState)
	SetGraphicsRootDescriptorTable(rootIndex uint32, base GPUDescriptorHandle)
	SetComputeRootDescriptorTable(rootIndex uint32, base GPUDescriptorHandle)
	SetGraphicsRoot32BitConstants(rootIndex uint32, values []uint32, destOffset uint32)
	SetGraphicsRootConstantBufferView(rootIndex uint32, address uint64)
	SetComputeRootConstantBufferView(rootIndex uint32, address uint64)
	IASetVertexBuffers(startSlot uint32, views ...VertexBufferView)
	IASetIndexBuffer(view *IndexBufferView)
	RSSetViewports(viewports ...Viewport)
	RSSetScissorRects(rects ...Rect)
	OMSetRenderTargets(rtvs []CPUDescriptorHandle, dsv *CPUDescriptorHandle)
	DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32)
	DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32)
	Dispatch(x, y, z uint32)

	BuildRaytracingAccelerationStructure(desc AccelerationStructureBuildDesc)
	DispatchRays(desc DispatchRaysDesc)

	Release()
}

// Resource is a committed GPU memory allocation.
type Resource interface {
	Desc() ResourceDesc
	Heap() HeapType
	// Map returns the CPU view of an upload or readback resource.
	Map() ([]byte, error)
	Unmap()
	SetName(name string)
	Name() string
	GPUVirtualAddress() uint64
	Release()
}

type DescriptorHeap interface {
	Desc() DescriptorHeapDesc
	CPUStart() CPUDescriptorHandle
	// GPUStart is only meaningful for shader visible heaps.
	GPUStart() GPUDescriptorHandle
	Release()
}

type Swapchain interface {
	BufferCount() uint32
	CurrentBackBufferIndex() uint32
	// Buffer returns back buffer i. The caller owns a reference and must
	// release it before calling ResizeBuffers.
	Buffer(i uint32) (Resource, error)
	ResizeBuffers(width, height uint32) error
	Present(syncInterval uint32, flags PresentFlags) error
	TearingSupported() bool
	Release()
}

type PipelineState interface {
	Name() string
	Desc() PipelineStateDesc
	Release()
}
