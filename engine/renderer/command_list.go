package renderer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const (
	// constant buffer views must start on 256 byte boundaries
	constantBufferAlignment = 256
	vertexDataAlignment     = 16
)

// CommandList records work for one queue. It owns the per-list state tracker,
// an upload allocator, one dynamic descriptor heap per shader visible heap
// type and the objects that must outlive the list's execution.
// It is not safe for concurrent use.
type CommandList struct {
	id     uint32
	device *Device
	typ    driver.CommandListType
	native driver.CommandList

	tracker      *ResourceStateTracker
	upload       *UploadBuffer
	dynamicHeaps [2]*DynamicDescriptorHeap
	boundHeaps   [driver.NumDescriptorHeapTypes]driver.DescriptorHeap

	rootSignature *driver.RootSignatureDesc
	pso           *PipelineState
	tracked       []Releaser
	recording     bool
}

func newCommandList(device *Device, t driver.CommandListType, alloc driver.CommandAllocator) (*CommandList, error) {
	native, err := device.native.CreateCommandList(t, alloc)
	if err != nil {
		core.LogError("failed to create %s command list: %s", t, err)
		return nil, err
	}
	cl := &CommandList{
		device:  device,
		typ:     t,
		native:  native,
		tracker: NewResourceStateTracker(device.registry),
		upload:  NewUploadBuffer(device, device.opts.UploadPageSize),

		recording: true,
	}
	cl.dynamicHeaps[driver.DescriptorHeapCbvSrvUav] = NewDynamicDescriptorHeap(device, driver.DescriptorHeapCbvSrvUav, dynamicHeapSize)
	cl.dynamicHeaps[driver.DescriptorHeapSampler] = NewDynamicDescriptorHeap(device, driver.DescriptorHeapSampler, dynamicSamplerHeapSize)
	return cl, nil
}

func (cl *CommandList) Type() driver.CommandListType {
	return cl.typ
}

func (cl *CommandList) Native() driver.CommandList {
	return cl.native
}

func (cl *CommandList) Device() *Device {
	return cl.device
}

// Transition queues a barrier moving res to after. The before state is taken
// from this list, or from the registry when this list did not touch res yet.
func (cl *CommandList) Transition(res *Resource, after driver.ResourceState, subresource uint32, flushNow bool) {
	if res == nil {
		return
	}
	cl.tracker.TransitionResource(res, after, subresource)
	if flushNow {
		cl.FlushResourceBarriers()
	}
}

func (cl *CommandList) UAVBarrier(res *Resource, flushNow bool) {
	cl.tracker.UAVBarrier(res)
	if flushNow {
		cl.FlushResourceBarriers()
	}
}

// FlushResourceBarriers emits all queued barriers as one native call.
func (cl *CommandList) FlushResourceBarriers() {
	cl.tracker.FlushResourceBarriers(cl.native)
}

// ResourceState returns the state res is in at this point of the list.
func (cl *CommandList) ResourceState(res *Resource) ResourceState {
	return cl.tracker.Current(res)
}

func (cl *CommandList) CopyResource(dst, src *Resource) {
	cl.Transition(dst, driver.StateCopyDest, driver.AllSubresources, false)
	cl.Transition(src, driver.StateCopySource, driver.AllSubresources, true)
	cl.native.CopyResource(dst.Native(), src.Native())
	cl.TrackResource(dst)
	cl.TrackResource(src)
}

// CopyBuffer gives buf a new default heap resource of numElements *
// elementSize bytes. When data is not nil it is uploaded through a staging
// resource that stays alive until the list's submission completed.
func (cl *CommandList) CopyBuffer(buf *Buffer, numElements, elementSize uint32, data []byte, flags driver.ResourceFlags) error {
	size := uint64(numElements) * uint64(elementSize)
	if size == 0 {
		// nothing to create, the buffer is left empty
		buf.setResource(nil, 0, elementSize)
		return nil
	}
	if data != nil && uint64(len(data)) < size {
		return fmt.Errorf("copy %d bytes into buffer `%s` from %d bytes: %w", size, buf.Name(), len(data), core.ErrInvalidArgument)
	}

	dst, err := cl.device.createCommittedResource(driver.HeapDefault, driver.BufferDesc(size, flags), driver.StateCommon, buf.Name())
	if err != nil {
		return err
	}

	if data != nil {
		staging, err := cl.device.createCommittedResource(driver.HeapUpload, driver.BufferDesc(size, driver.ResourceFlagNone), driver.StateGenericRead, buf.Name()+" (staging)")
		if err != nil {
			dst.Release()
			return err
		}
		mapped, err := staging.Native().Map()
		if err != nil {
			staging.Release()
			dst.Release()
			return fmt.Errorf("map staging buffer: %w", err)
		}
		copy(mapped, data[:size])
		staging.Native().Unmap()

		cl.Transition(dst, driver.StateCopyDest, driver.AllSubresources, true)
		cl.native.CopyBufferRegion(dst.Native(), 0, staging.Native(), 0, size)

		cl.TrackResource(staging)
		// the list holds its own reference from now on
		staging.Release()
	}
	cl.TrackResource(dst)
	buf.setResource(dst, numElements, elementSize)
	return nil
}

func (cl *CommandList) CopyVertexBuffer(vb *VertexBuffer, numVertices, vertexStride uint32, data []byte) error {
	return cl.CopyBuffer(&vb.Buffer, numVertices, vertexStride, data, driver.ResourceFlagNone)
}

// CopyIndexBuffer uploads 16 or 32 bit indices.
func (cl *CommandList) CopyIndexBuffer(ib *IndexBuffer, numIndices uint32, format driver.Format, data []byte) error {
	if format != driver.FormatR16Uint && format != driver.FormatR32Uint {
		return fmt.Errorf("index format %d: %w", format, core.ErrInvalidArgument)
	}
	ib.format = format
	return cl.CopyBuffer(&ib.Buffer, numIndices, format.BytesPerPixel(), data, driver.ResourceFlagNone)
}

// CopyTextureToBuffer copies subresource 0 of tex into a readback buffer and
// puts tex back into the state it had before the copy.
func (cl *CommandList) CopyTextureToBuffer(dst *Resource, footprint driver.PlacedFootprint, tex *Texture) {
	before, _ := cl.ResourceState(tex.Resource).Get(0)
	cl.Transition(tex.Resource, driver.StateCopySource, driver.AllSubresources, true)
	cl.native.CopyTextureToBuffer(dst.Native(), footprint, tex.Native(), 0)
	cl.Transition(tex.Resource, before, driver.AllSubresources, false)
	cl.TrackResource(dst)
	cl.TrackResource(tex.Resource)
}

func (cl *CommandList) ClearTexture(tex *Texture, color [4]float32) {
	cl.Transition(tex.Resource, driver.StateRenderTarget, driver.AllSubresources, true)
	cl.native.ClearRenderTargetView(tex.RenderTargetView(), color)
	cl.TrackResource(tex.Resource)
}

func (cl *CommandList) ClearDepthStencilTexture(tex *Texture, depth float32, stencil uint8) {
	cl.Transition(tex.Resource, driver.StateDepthWrite, driver.AllSubresources, true)
	cl.native.ClearDepthStencilView(tex.DepthStencilView(), depth, stencil)
	cl.TrackResource(tex.Resource)
}

func (cl *CommandList) SetVertexBuffer(slot uint32, vb *VertexBuffer) {
	if vb.Resource() == nil {
		return
	}
	cl.Transition(vb.Resource(), driver.StateVertexAndConstantBuffer, driver.AllSubresources, false)
	cl.native.IASetVertexBuffers(slot, vb.View())
	cl.TrackResource(vb.Resource())
}

// SetDynamicVertexBuffer binds vertex data written to this list's upload buffer.
func (cl *CommandList) SetDynamicVertexBuffer(slot, numVertices, vertexStride uint32, data []byte) error {
	size := uint64(numVertices) * uint64(vertexStride)
	if uint64(len(data)) < size {
		return fmt.Errorf("dynamic vertex buffer of %d bytes from %d bytes: %w", size, len(data), core.ErrInvalidArgument)
	}
	alloc, err := cl.upload.Allocate(size, vertexDataAlignment)
	if err != nil {
		return err
	}
	copy(alloc.CPU, data)
	cl.native.IASetVertexBuffers(slot, driver.VertexBufferView{
		BufferLocation: alloc.GPU,
		SizeInBytes:    uint32(size),
		StrideInBytes:  vertexStride,
	})
	return nil
}

func (cl *CommandList) SetIndexBuffer(ib *IndexBuffer) {
	if ib.Resource() == nil {
		return
	}
	cl.Transition(ib.Resource(), driver.StateIndexBuffer, driver.AllSubresources, false)
	view := ib.View()
	cl.native.IASetIndexBuffer(&view)
	cl.TrackResource(ib.Resource())
}

// SetGraphicsDynamicConstantBuffer copies data into the upload buffer and
// binds it to a constant buffer view root parameter.
func (cl *CommandList) SetGraphicsDynamicConstantBuffer(rootIndex uint32, data []byte) error {
	alloc, err := cl.upload.Allocate(uint64(len(data)), constantBufferAlignment)
	if err != nil {
		return err
	}
	copy(alloc.CPU, data)
	cl.native.SetGraphicsRootConstantBufferView(rootIndex, alloc.GPU)
	return nil
}

// SetGraphicsDynamicConstantMatrix is SetGraphicsDynamicConstantBuffer for a
// row-major 4x4 float matrix.
func (cl *CommandList) SetGraphicsDynamicConstantMatrix(rootIndex uint32, m [16]float32) error {
	buf := make([]byte, 0, 64)
	for _, v := range m {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return cl.SetGraphicsDynamicConstantBuffer(rootIndex, buf)
}

func (cl *CommandList) SetGraphics32BitConstants(rootIndex uint32, values []uint32) {
	cl.native.SetGraphicsRoot32BitConstants(rootIndex, values, 0)
}

func (cl *CommandList) SetViewport(vp driver.Viewport) {
	cl.native.RSSetViewports(vp)
}

func (cl *CommandList) SetScissorRect(r driver.Rect) {
	cl.native.RSSetScissorRects(r)
}

// SetRenderTargets binds color targets and an optional depth target,
// transitioning them into writable states.
func (cl *CommandList) SetRenderTargets(targets []*Texture, depth *Texture) {
	rtvs := make([]driver.CPUDescriptorHandle, 0, len(targets))
	for _, t := range targets {
		cl.Transition(t.Resource, driver.StateRenderTarget, driver.AllSubresources, false)
		rtvs = append(rtvs, t.RenderTargetView())
		cl.TrackResource(t.Resource)
	}
	var dsv *driver.CPUDescriptorHandle
	if depth != nil {
		cl.Transition(depth.Resource, driver.StateDepthWrite, driver.AllSubresources, false)
		h := depth.DepthStencilView()
		dsv = &h
		cl.TrackResource(depth.Resource)
	}
	cl.native.OMSetRenderTargets(rtvs, dsv)
}

// SetPipelineState binds pso and lays the dynamic descriptor heaps out for its
// root signature.
func (cl *CommandList) SetPipelineState(pso *PipelineState) error {
	if cl.pso == pso {
		return nil
	}
	desc := pso.Desc().RootSignature
	if err := cl.SetRootSignature(desc); err != nil {
		return err
	}
	cl.native.SetPipelineState(pso.Native())
	cl.pso = pso
	cl.TrackObject(pso.AddRef())
	return nil
}

func (cl *CommandList) SetRootSignature(rs driver.RootSignatureDesc) error {
	cl.rootSignature = &rs
	for _, h := range cl.dynamicHeaps {
		if err := h.ParseRootSignature(rs); err != nil {
			return err
		}
	}
	return nil
}

// SetShaderResourceView stages the texture's SRV into a descriptor table,
// transitioning it into stateAfter first.
func (cl *CommandList) SetShaderResourceView(rootIndex, offset uint32, tex *Texture, stateAfter driver.ResourceState) error {
	return cl.setView(rootIndex, offset, tex.Resource, tex.ShaderResourceView(), stateAfter)
}

func (cl *CommandList) SetUnorderedAccessView(rootIndex, offset uint32, tex *Texture) error {
	return cl.setView(rootIndex, offset, tex.Resource, tex.UnorderedAccessView(), driver.StateUnorderedAccess)
}

// SetShaderResourceViewHandle stages an arbitrary CPU descriptor, e.g. the
// SRV of an acceleration structure.
func (cl *CommandList) SetShaderResourceViewHandle(rootIndex, offset uint32, res *Resource, handle driver.CPUDescriptorHandle, stateAfter driver.ResourceState) error {
	return cl.setView(rootIndex, offset, res, handle, stateAfter)
}

func (cl *CommandList) setView(rootIndex, offset uint32, res *Resource, handle driver.CPUDescriptorHandle, stateAfter driver.ResourceState) error {
	if handle.IsNull() {
		return fmt.Errorf("resource `%s` has no such view: %w", res.Name(), core.ErrInvalidArgument)
	}
	cl.Transition(res, stateAfter, driver.AllSubresources, false)
	if err := cl.dynamicHeaps[driver.DescriptorHeapCbvSrvUav].StageDescriptors(rootIndex, offset, 1, handle); err != nil {
		return err
	}
	cl.TrackResource(res)
	return nil
}

// SetDescriptorHeap binds a shader visible heap, rebinding the whole set when
// it changed.
func (cl *CommandList) SetDescriptorHeap(t driver.DescriptorHeapType, heap driver.DescriptorHeap) {
	if cl.boundHeaps[t] == heap {
		return
	}
	cl.boundHeaps[t] = heap
	heaps := make([]driver.DescriptorHeap, 0, 2)
	for _, h := range cl.boundHeaps {
		if h != nil {
			heaps = append(heaps, h)
		}
	}
	cl.native.SetDescriptorHeaps(heaps...)
}

func (cl *CommandList) commitForDraw() error {
	cl.FlushResourceBarriers()
	for _, h := range cl.dynamicHeaps {
		if err := h.CommitStagedDescriptorsForDraw(cl); err != nil {
			return err
		}
	}
	return nil
}

func (cl *CommandList) commitForDispatch() error {
	cl.FlushResourceBarriers()
	for _, h := range cl.dynamicHeaps {
		if err := h.CommitStagedDescriptorsForDispatch(cl); err != nil {
			return err
		}
	}
	return nil
}

func (cl *CommandList) Draw(vertexCount, instanceCount, startVertex, startInstance uint32) error {
	if err := cl.commitForDraw(); err != nil {
		return err
	}
	cl.native.DrawInstanced(vertexCount, instanceCount, startVertex, startInstance)
	return nil
}

func (cl *CommandList) DrawIndexed(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) error {
	if err := cl.commitForDraw(); err != nil {
		return err
	}
	cl.native.DrawIndexedInstanced(indexCount, instanceCount, startIndex, baseVertex, startInstance)
	return nil
}

func (cl *CommandList) Dispatch(x, y, z uint32) error {
	if err := cl.commitForDispatch(); err != nil {
		return err
	}
	cl.native.Dispatch(x, y, z)
	return nil
}

// BuildAccelerationStructure records a build into dest using scratch. Both
// must be buffers allowing unordered access.
func (cl *CommandList) BuildAccelerationStructure(inputs driver.AccelerationStructureInputs, dest, scratch *Resource) {
	cl.Transition(dest, driver.StateRaytracingAccelerationStructure, driver.AllSubresources, false)
	cl.Transition(scratch, driver.StateUnorderedAccess, driver.AllSubresources, false)
	cl.FlushResourceBarriers()
	cl.native.BuildRaytracingAccelerationStructure(driver.AccelerationStructureBuildDesc{
		Inputs:  inputs,
		Dest:    dest.Native(),
		Scratch: scratch.Native(),
	})
	cl.TrackResource(dest)
	cl.TrackResource(scratch)
}

func (cl *CommandList) DispatchRays(desc driver.DispatchRaysDesc) error {
	if err := cl.commitForDispatch(); err != nil {
		return err
	}
	cl.native.DispatchRays(desc)
	return nil
}

// TrackResource keeps a reference to res until the list's work completed.
func (cl *CommandList) TrackResource(res *Resource) {
	if res == nil {
		return
	}
	cl.tracked = append(cl.tracked, res.AddRef())
}

// TrackObject keeps an already referenced object until the list's work
// completed.
func (cl *CommandList) TrackObject(obj Releaser) {
	cl.tracked = append(cl.tracked, obj)
}

// NumTrackedObjects returns how many objects the list currently retains.
func (cl *CommandList) NumTrackedObjects() int {
	return len(cl.tracked)
}

// ReleaseTrackedObjects drops every retained object. Only call it once the
// GPU finished the work that references them. Lists that will not be
// submitted go back through CommandQueue.Discard instead.
func (cl *CommandList) ReleaseTrackedObjects() {
	for _, obj := range cl.tracked {
		obj.Release()
	}
	cl.tracked = nil
}

// close flushes pending barriers and ends recording.
func (cl *CommandList) close() error {
	cl.FlushResourceBarriers()
	cl.recording = false
	if err := cl.native.Close(); err != nil {
		core.LogError("failed to close %s command list: %s", cl.typ, err)
		return err
	}
	return nil
}

// retire hands over everything that must live until the submission completed.
func (cl *CommandList) retire() []Releaser {
	out := cl.tracked
	cl.tracked = nil
	if r := cl.upload.retire(); r != nil {
		out = append(out, r)
	}
	for _, h := range cl.dynamicHeaps {
		if r := h.retire(); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// discard drops everything recorded so far without executing it. Pending
// barriers and final states are forgotten, retained objects are released
// right away.
func (cl *CommandList) discard() {
	if cl.recording {
		cl.recording = false
		if err := cl.native.Close(); err != nil {
			core.LogWarn("failed to close discarded %s command list: %s", cl.typ, err)
		}
	}
	for _, obj := range cl.retire() {
		obj.Release()
	}
	cl.tracker.Reset()
}

// reset starts a new recording into alloc.
func (cl *CommandList) reset(alloc driver.CommandAllocator) error {
	if err := cl.native.Reset(alloc); err != nil {
		core.LogError("failed to reset %s command list: %s", cl.typ, err)
		return err
	}
	cl.recording = true
	cl.tracker.Reset()
	for _, h := range cl.dynamicHeaps {
		h.Reset()
	}
	cl.boundHeaps = [driver.NumDescriptorHeapTypes]driver.DescriptorHeap{}
	cl.rootSignature = nil
	cl.pso = nil
	return nil
}

func (cl *CommandList) release() {
	cl.ReleaseTrackedObjects()
	cl.upload.Release()
	for _, h := range cl.dynamicHeaps {
		h.Release()
	}
	cl.native.Release()
}
