package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// CommandAllocator implements driver.CommandAllocator over a VkCommandPool.
// Command buffers handed out since the last Reset are recycled by it.
type CommandAllocator struct {
	dev     *Device
	typ     driver.CommandListType
	pool    vk.CommandPool
	buffers []vk.CommandBuffer
	next    int
}

func newCommandAllocator(d *Device, t driver.CommandListType) (*CommandAllocator, error) {
	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.families.byType[t],
	}
	a := &CommandAllocator{dev: d, typ: t}
	if res := vk.CreateCommandPool(d.handle, &poolCreateInfo, nil, &a.pool); res != vk.Success {
		err := resultError(res, "vkCreateCommandPool")
		core.LogError(err.Error())
		return nil, err
	}
	return a, nil
}

func (a *CommandAllocator) Type() driver.CommandListType {
	return a.typ
}

func (a *CommandAllocator) take() (vk.CommandBuffer, error) {
	if a.next < len(a.buffers) {
		cb := a.buffers[a.next]
		a.next++
		return cb, nil
	}
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        a.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	buffers := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(a.dev.handle, &allocateInfo, buffers); res != vk.Success {
		err := resultError(res, "vkAllocateCommandBuffers")
		core.LogError(err.Error())
		return nil, err
	}
	a.buffers = append(a.buffers, buffers[0])
	a.next++
	return buffers[0], nil
}

func (a *CommandAllocator) Reset() error {
	if res := vk.ResetCommandPool(a.dev.handle, a.pool, 0); res != vk.Success {
		return resultError(res, "vkResetCommandPool")
	}
	a.next = 0
	return nil
}

func (a *CommandAllocator) Release() {
	if a.pool == nil {
		return
	}
	vk.DestroyCommandPool(a.dev.handle, a.pool, nil)
	a.pool = nil
	a.buffers = nil
}

// CommandList implements driver.CommandList by recording straight into a
// VkCommandBuffer. Graphics pipelines are not compiled, so draws and
// dispatches are dropped with a warning.
type CommandList struct {
	dev    *Device
	typ    driver.CommandListType
	alloc  *CommandAllocator
	buffer vk.CommandBuffer
	closed bool

	pso           driver.PipelineState
	heaps         []driver.DescriptorHeap
	renderTargets []driver.CPUDescriptorHandle
	depthStencil  *driver.CPUDescriptorHandle
}

func (l *CommandList) Type() driver.CommandListType {
	return l.typ
}

func (l *CommandList) Close() error {
	if l.closed {
		return fmt.Errorf("vulkan: command list closed twice")
	}
	if res := vk.EndCommandBuffer(l.buffer); res != vk.Success {
		return resultError(res, "vkEndCommandBuffer")
	}
	l.closed = true
	return nil
}

func (l *CommandList) Reset(alloc driver.CommandAllocator) error {
	a, ok := alloc.(*CommandAllocator)
	if !ok || a.dev != l.dev {
		return errForeignObject
	}
	if a.typ != l.typ {
		return fmt.Errorf("vulkan: %s command list reset with a %s allocator", l.typ, a.typ)
	}
	cb, err := a.take()
	if err != nil {
		return err
	}
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(cb, &beginInfo); res != vk.Success {
		err := resultError(res, "vkBeginCommandBuffer")
		core.LogError(err.Error())
		return err
	}
	l.alloc = a
	l.buffer = cb
	l.closed = false
	l.pso = nil
	l.heaps = nil
	l.renderTargets = nil
	l.depthStencil = nil
	return nil
}

func (l *CommandList) resource(res driver.Resource) *Resource {
	r, err := l.dev.resource(res)
	if err != nil {
		core.LogError("command list: %s", err)
		return nil
	}
	return r
}

func (l *CommandList) ResourceBarrier(barriers []driver.ResourceBarrier) {
	var (
		srcStage vk.PipelineStageFlags
		dstStage vk.PipelineStageFlags
		memory   []vk.MemoryBarrier
		buffers  []vk.BufferMemoryBarrier
		images   []vk.ImageMemoryBarrier
	)
	for _, b := range barriers {
		switch b.Type {
		case driver.BarrierTransition:
			r := l.resource(b.Resource)
			if r == nil {
				continue
			}
			before := resolveState(b.Before, r, l.typ)
			after := resolveState(b.After, r, l.typ)
			srcStage |= before.stage
			dstStage |= after.stage
			if !r.isImage() {
				buffers = append(buffers, vk.BufferMemoryBarrier{
					SType:               vk.StructureTypeBufferMemoryBarrier,
					SrcAccessMask:       before.access,
					DstAccessMask:       after.access,
					SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
					DstQueueFamilyIndex: vk.QueueFamilyIgnored,
					Buffer:              r.buffer,
					Offset:              0,
					Size:                vk.DeviceSize(vk.WholeSize),
				})
				continue
			}
			oldLayout := before.layout
			if r.layoutKnown.CompareAndSwap(false, true) {
				oldLayout = vk.ImageLayoutUndefined
			}
			images = append(images, vk.ImageMemoryBarrier{
				SType:               vk.StructureTypeImageMemoryBarrier,
				SrcAccessMask:       before.access,
				DstAccessMask:       after.access,
				OldLayout:           oldLayout,
				NewLayout:           after.layout,
				SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
				DstQueueFamilyIndex: vk.QueueFamilyIgnored,
				Image:               r.image,
				SubresourceRange:    r.subresourceRange(b.Subresource),
			})
		case driver.BarrierUAV:
			shader := resolveState(driver.StateUnorderedAccess, &Resource{}, l.typ)
			srcStage |= shader.stage
			dstStage |= shader.stage
			memory = append(memory, vk.MemoryBarrier{
				SType:         vk.StructureTypeMemoryBarrier,
				SrcAccessMask: vk.AccessFlags(vk.AccessShaderWriteBit),
				DstAccessMask: vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit),
			})
		case driver.BarrierAliasing:
			srcStage |= vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
			dstStage |= vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
			memory = append(memory, vk.MemoryBarrier{
				SType:         vk.StructureTypeMemoryBarrier,
				SrcAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
				DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
			})
		}
	}
	if len(memory)+len(buffers)+len(images) == 0 {
		return
	}
	vk.CmdPipelineBarrier(l.buffer, srcStage, dstStage, 0,
		uint32(len(memory)), memory,
		uint32(len(buffers)), buffers,
		uint32(len(images)), images)
}

// hostBarrier makes transfer writes into a readback buffer visible to the CPU
// once the submission's fence completed.
func (l *CommandList) hostBarrier(dst *Resource) {
	if dst.heap != driver.HeapReadback {
		return
	}
	vk.CmdPipelineBarrier(l.buffer,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageHostBit), 0,
		1, []vk.MemoryBarrier{{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: vk.AccessFlags(vk.AccessTransferWriteBit),
			DstAccessMask: vk.AccessFlags(vk.AccessHostReadBit),
		}},
		0, nil, 0, nil)
}

func (l *CommandList) CopyBufferRegion(dst driver.Resource, dstOffset uint64, src driver.Resource, srcOffset uint64, numBytes uint64) {
	d, s := l.resource(dst), l.resource(src)
	if d == nil || s == nil || numBytes == 0 {
		return
	}
	vk.CmdCopyBuffer(l.buffer, s.buffer, d.buffer, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(numBytes),
	}})
	l.hostBarrier(d)
}

func (l *CommandList) CopyResource(dst, src driver.Resource) {
	d, s := l.resource(dst), l.resource(src)
	if d == nil || s == nil {
		return
	}
	if !d.isImage() && !s.isImage() {
		l.CopyBufferRegion(dst, 0, src, 0, min(d.size, s.size))
		return
	}
	if !d.isImage() || !s.isImage() {
		core.LogError("command list: CopyResource between a buffer and a texture, use CopyTextureToBuffer")
		return
	}
	regions := make([]vk.ImageCopy, 0, s.desc.MipLevels)
	w, h := uint32(s.desc.Width), s.desc.Height
	for mip := uint32(0); mip < uint32(s.desc.MipLevels); mip++ {
		regions = append(regions, vk.ImageCopy{
			SrcSubresource: vk.ImageSubresourceLayers{AspectMask: s.aspect, MipLevel: mip, LayerCount: uint32(s.desc.DepthOrArraySize)},
			DstSubresource: vk.ImageSubresourceLayers{AspectMask: d.aspect, MipLevel: mip, LayerCount: uint32(d.desc.DepthOrArraySize)},
			Extent:         vk.Extent3D{Width: w, Height: h, Depth: 1},
		})
		w, h = max(w/2, 1), max(h/2, 1)
	}
	vk.CmdCopyImage(l.buffer,
		s.image, vk.ImageLayoutTransferSrcOptimal,
		d.image, vk.ImageLayoutTransferDstOptimal,
		uint32(len(regions)), regions)
}

func (l *CommandList) CopyTextureToBuffer(dst driver.Resource, footprint driver.PlacedFootprint, src driver.Resource, subresource uint32) {
	d, s := l.resource(dst), l.resource(src)
	if d == nil || s == nil {
		return
	}
	bpp := footprint.Format.BytesPerPixel()
	if bpp == 0 {
		core.LogError("command list: footprint with unknown format")
		return
	}
	vk.CmdCopyImageToBuffer(l.buffer, s.image, vk.ImageLayoutTransferSrcOptimal, d.buffer, 1, []vk.BufferImageCopy{{
		BufferOffset:      vk.DeviceSize(footprint.Offset),
		BufferRowLength:   footprint.RowPitch / bpp,
		BufferImageHeight: footprint.Height,
		ImageSubresource:  s.subresourceLayers(subresource),
		ImageExtent:       vk.Extent3D{Width: footprint.Width, Height: footprint.Height, Depth: 1},
	}})
	l.hostBarrier(d)
}

func (l *CommandList) viewTarget(handle driver.CPUDescriptorHandle, kind driver.ViewKind) *Resource {
	desc, err := l.dev.heaps.Read(handle)
	if err != nil {
		core.LogError("command list: %s", err)
		return nil
	}
	if desc.Kind != kind || desc.Resource == nil {
		core.LogError("command list: descriptor %#x does not hold the expected view", handle.Ptr)
		return nil
	}
	r, ok := desc.Resource.(*Resource)
	if !ok {
		return nil
	}
	return r
}

func (l *CommandList) ClearRenderTargetView(rtv driver.CPUDescriptorHandle, color [4]float32) {
	r := l.viewTarget(rtv, driver.ViewRenderTarget)
	if r == nil {
		return
	}
	var clear vk.ClearColorValue
	*(*[4]float32)(unsafe.Pointer(&clear)) = color
	rng := r.subresourceRange(driver.AllSubresources)
	vk.CmdClearColorImage(l.buffer, r.image, vk.ImageLayoutGeneral, &clear, 1, []vk.ImageSubresourceRange{rng})
}

func (l *CommandList) ClearDepthStencilView(dsv driver.CPUDescriptorHandle, depth float32, stencil uint8) {
	r := l.viewTarget(dsv, driver.ViewDepthStencil)
	if r == nil {
		return
	}
	clear := vk.ClearDepthStencilValue{Depth: depth, Stencil: uint32(stencil)}
	rng := r.subresourceRange(driver.AllSubresources)
	vk.CmdClearDepthStencilImage(l.buffer, r.image, vk.ImageLayoutGeneral, &clear, 1, []vk.ImageSubresourceRange{rng})
}

func (l *CommandList) SetDescriptorHeaps(heaps ...driver.DescriptorHeap) {
	l.heaps = append(l.heaps[:0], heaps...)
}

func (l *CommandList) SetPipelineState(pso driver.PipelineState) {
	l.pso = pso
}

// Root arguments have no native binding without a compiled pipeline layout.
func (l *CommandList) SetGraphicsRootDescriptorTable(rootIndex uint32, base driver.GPUDescriptorHandle) {}

func (l *CommandList) SetComputeRootDescriptorTable(rootIndex uint32, base driver.GPUDescriptorHandle) {}

func (l *CommandList) SetGraphicsRoot32BitConstants(rootIndex uint32, values []uint32, destOffset uint32) {
}

func (l *CommandList) SetGraphicsRootConstantBufferView(rootIndex uint32, address uint64) {}

func (l *CommandList) SetComputeRootConstantBufferView(rootIndex uint32, address uint64) {}

func (l *CommandList) IASetVertexBuffers(startSlot uint32, views ...driver.VertexBufferView) {
	if l.typ != driver.CommandListDirect || len(views) == 0 {
		return
	}
	buffers := make([]vk.Buffer, 0, len(views))
	offsets := make([]vk.DeviceSize, 0, len(views))
	for _, v := range views {
		r, offset, ok := l.dev.bufferAt(v.BufferLocation)
		if !ok {
			core.LogError("command list: vertex buffer address %#x is not a live buffer", v.BufferLocation)
			return
		}
		buffers = append(buffers, r.buffer)
		offsets = append(offsets, vk.DeviceSize(offset))
	}
	vk.CmdBindVertexBuffers(l.buffer, startSlot, uint32(len(buffers)), buffers, offsets)
}

func (l *CommandList) IASetIndexBuffer(view *driver.IndexBufferView) {
	if l.typ != driver.CommandListDirect || view == nil {
		return
	}
	r, offset, ok := l.dev.bufferAt(view.BufferLocation)
	if !ok {
		core.LogError("command list: index buffer address %#x is not a live buffer", view.BufferLocation)
		return
	}
	indexType := vk.IndexTypeUint32
	if view.Format == driver.FormatR16Uint {
		indexType = vk.IndexTypeUint16
	}
	vk.CmdBindIndexBuffer(l.buffer, r.buffer, vk.DeviceSize(offset), indexType)
}

func (l *CommandList) RSSetViewports(viewports ...driver.Viewport) {
	if l.typ != driver.CommandListDirect || len(viewports) == 0 {
		return
	}
	out := make([]vk.Viewport, len(viewports))
	for i, v := range viewports {
		out[i] = vk.Viewport{
			X:        v.TopLeftX,
			Y:        v.TopLeftY,
			Width:    v.Width,
			Height:   v.Height,
			MinDepth: v.MinDepth,
			MaxDepth: v.MaxDepth,
		}
	}
	vk.CmdSetViewport(l.buffer, 0, uint32(len(out)), out)
}

func (l *CommandList) RSSetScissorRects(rects ...driver.Rect) {
	if l.typ != driver.CommandListDirect || len(rects) == 0 {
		return
	}
	out := make([]vk.Rect2D, len(rects))
	for i, r := range rects {
		out[i] = vk.Rect2D{
			Offset: vk.Offset2D{X: r.Left, Y: r.Top},
			Extent: vk.Extent2D{Width: uint32(r.Right - r.Left), Height: uint32(r.Bottom - r.Top)},
		}
	}
	vk.CmdSetScissor(l.buffer, 0, uint32(len(out)), out)
}

func (l *CommandList) OMSetRenderTargets(rtvs []driver.CPUDescriptorHandle, dsv *driver.CPUDescriptorHandle) {
	l.renderTargets = append(l.renderTargets[:0], rtvs...)
	l.depthStencil = dsv
}

func (l *CommandList) skipWork(op string) {
	l.dev.warnDraw.Do(func() {
		name := "<none>"
		if l.pso != nil {
			name = l.pso.Name()
		}
		core.LogWarn("vulkan: %s skipped, pipeline `%s` has no native pipeline object", op, name)
	})
}

func (l *CommandList) DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32) {
	l.skipWork("draw")
}

func (l *CommandList) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	l.skipWork("indexed draw")
}

func (l *CommandList) Dispatch(x, y, z uint32) {
	l.skipWork("dispatch")
}

func (l *CommandList) BuildRaytracingAccelerationStructure(desc driver.AccelerationStructureBuildDesc) {
	l.dev.warnRays.Do(func() {
		core.LogWarn("vulkan: ray tracing is not supported by this backend")
	})
}

func (l *CommandList) DispatchRays(desc driver.DispatchRaysDesc) {
	l.dev.warnRays.Do(func() {
		core.LogWarn("vulkan: ray tracing is not supported by this backend")
	})
}

// Release is a no-op, the command buffer belongs to its allocator's pool.
func (l *CommandList) Release() {
	l.buffer = nil
	l.alloc = nil
}
