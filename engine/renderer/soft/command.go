package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// CommandAllocator implements driver.CommandAllocator.
type CommandAllocator struct {
	dev      *Device
	typ      driver.CommandListType
	inFlight atomic.Int32

	mu            sync.Mutex
	recordingList *CommandList
	resets        int
}

func (a *CommandAllocator) Type() driver.CommandListType {
	return a.typ
}

func (a *CommandAllocator) Reset() error {
	if n := a.inFlight.Load(); n > 0 {
		err := fmt.Errorf("%d executions pending: %w", n, ErrAllocatorInFlight)
		a.dev.report("%s", err)
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recordingList != nil {
		return a.dev.invalidCall("allocator reset while a command list is recording into it")
	}
	a.resets++
	return nil
}

// Resets returns how many times the allocator was successfully reset.
func (a *CommandAllocator) Resets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resets
}

// InFlight reports whether a list recorded into the allocator is still executing.
func (a *CommandAllocator) InFlight() bool {
	return a.inFlight.Load() > 0
}

func (a *CommandAllocator) Release() {}

type command func(ctx *execContext)

type recording struct {
	alloc *CommandAllocator
	cmds  []command
}

// execContext is the pipeline state of one list execution.
type execContext struct {
	pso            *PipelineState
	heaps          []*driver.HostDescriptorHeap
	graphicsTables map[uint32]driver.GPUDescriptorHandle
	computeTables  map[uint32]driver.GPUDescriptorHandle
	rtvs           []*Resource
	dsv            *Resource
	viewports      int
	// default heap buffers bound as input, checked at draw time
	vertexBuffers []*Resource
	indexBuffer   *Resource
}

func (rec *recording) execute(d *Device) {
	ctx := &execContext{
		graphicsTables: make(map[uint32]driver.GPUDescriptorHandle),
		computeTables:  make(map[uint32]driver.GPUDescriptorHandle),
	}
	for _, cmd := range rec.cmds {
		cmd(ctx)
	}
}

// CommandList implements driver.CommandList.
type CommandList struct {
	dev       *Device
	typ       driver.CommandListType
	recording bool
	alloc     *CommandAllocator
	cmds      []command
	closedRec *recording
}

func (cl *CommandList) Type() driver.CommandListType {
	return cl.typ
}

func (cl *CommandList) Close() error {
	if !cl.recording {
		return cl.dev.invalidCall("Close of a command list that is not recording")
	}
	cl.recording = false
	cl.closedRec = &recording{alloc: cl.alloc, cmds: cl.cmds}
	cl.cmds = nil
	cl.alloc.mu.Lock()
	cl.alloc.recordingList = nil
	cl.alloc.mu.Unlock()
	return nil
}

func (cl *CommandList) takeRecording() *recording {
	rec := cl.closedRec
	cl.closedRec = nil
	return rec
}

func (cl *CommandList) Reset(alloc driver.CommandAllocator) error {
	if cl.recording {
		return cl.dev.invalidCall("Reset of a command list that is still recording")
	}
	a, ok := alloc.(*CommandAllocator)
	if !ok || a.dev != cl.dev {
		return cl.dev.invalidCall("allocator %T was not created by this device", alloc)
	}
	if a.typ != cl.typ {
		return cl.dev.invalidCall("%s allocator used with a %s command list", a.typ, cl.typ)
	}
	a.mu.Lock()
	if a.recordingList != nil {
		a.mu.Unlock()
		return cl.dev.invalidCall("allocator is already bound to a recording command list")
	}
	a.recordingList = cl
	a.mu.Unlock()

	cl.alloc = a
	cl.recording = true
	cl.cmds = nil
	cl.closedRec = nil
	return nil
}

func (cl *CommandList) record(cmd command) {
	if !cl.recording {
		cl.dev.report("command recorded into a closed command list")
		return
	}
	cl.cmds = append(cl.cmds, cmd)
}

func (cl *CommandList) ResourceBarrier(barriers []driver.ResourceBarrier) {
	if len(barriers) == 0 {
		return
	}
	batch := make([]driver.ResourceBarrier, len(barriers))
	copy(batch, barriers)
	resources := make([]*Resource, len(batch))
	for i, b := range batch {
		if b.Resource == nil {
			if b.Type != driver.BarrierUAV {
				cl.dev.report("transition barrier without a resource")
				return
			}
			continue
		}
		r, err := cl.dev.resource(b.Resource)
		if err != nil {
			return
		}
		if b.Type == driver.BarrierTransition && b.Before == b.After {
			cl.dev.report("barrier on %s with identical before and after state %s", formatResource(r), b.Before)
		}
		resources[i] = r
	}

	cl.record(func(ctx *execContext) {
		cl.dev.barrierCalls.Add(1)
		cl.dev.barriers.Add(uint64(len(batch)))
		for i, b := range batch {
			r := resources[i]
			switch b.Type {
			case driver.BarrierTransition:
				if r.alive("ResourceBarrier") {
					r.transition(b)
				}
			case driver.BarrierUAV:
				if r != nil && r.alive("ResourceBarrier") {
					r.requireAnyState(driver.StateUnorderedAccess|driver.StateRaytracingAccelerationStructure, "UAV barrier")
				}
			}
		}
	})
}

func (cl *CommandList) CopyBufferRegion(dst driver.Resource, dstOffset uint64, src driver.Resource, srcOffset uint64, numBytes uint64) {
	d, err := cl.dev.resource(dst)
	if err != nil {
		return
	}
	s, err := cl.dev.resource(src)
	if err != nil {
		return
	}
	if d.desc.Dimension != driver.DimensionBuffer || s.desc.Dimension != driver.DimensionBuffer {
		cl.dev.report("CopyBufferRegion between non-buffer resources")
		return
	}
	if dstOffset+numBytes > uint64(len(d.data)) || srcOffset+numBytes > uint64(len(s.data)) {
		cl.dev.report("CopyBufferRegion of %d bytes out of range", numBytes)
		return
	}
	cl.record(func(ctx *execContext) {
		if !d.alive("CopyBufferRegion") || !s.alive("CopyBufferRegion") {
			return
		}
		okDst := d.requireState(driver.StateCopyDest, "CopyBufferRegion destination")
		okSrc := s.requireState(driver.StateCopySource, "CopyBufferRegion source")
		if okDst && okSrc {
			copy(d.data[dstOffset:dstOffset+numBytes], s.data[srcOffset:srcOffset+numBytes])
		}
		cl.dev.copies.Add(1)
	})
}

func (cl *CommandList) CopyResource(dst, src driver.Resource) {
	d, err := cl.dev.resource(dst)
	if err != nil {
		return
	}
	s, err := cl.dev.resource(src)
	if err != nil {
		return
	}
	if len(d.data) != len(s.data) || d.desc.Dimension != s.desc.Dimension {
		cl.dev.report("CopyResource between incompatible resources %s and %s", formatResource(d), formatResource(s))
		return
	}
	cl.record(func(ctx *execContext) {
		if !d.alive("CopyResource") || !s.alive("CopyResource") {
			return
		}
		okDst := d.requireState(driver.StateCopyDest, "CopyResource destination")
		okSrc := s.requireState(driver.StateCopySource, "CopyResource source")
		if okDst && okSrc {
			copy(d.data, s.data)
		}
		cl.dev.copies.Add(1)
	})
}

func (cl *CommandList) CopyTextureToBuffer(dst driver.Resource, fp driver.PlacedFootprint, src driver.Resource, subresource uint32) {
	d, err := cl.dev.resource(dst)
	if err != nil {
		return
	}
	s, err := cl.dev.resource(src)
	if err != nil {
		return
	}
	if s.desc.Dimension != driver.DimensionTexture2D || d.desc.Dimension != driver.DimensionBuffer {
		cl.dev.report("CopyTextureToBuffer expects a texture source and a buffer destination")
		return
	}
	if subresource >= s.desc.SubresourceCount() {
		cl.dev.report("CopyTextureToBuffer subresource %d out of range", subresource)
		return
	}
	off, w, h := s.subresourceOffset(subresource)
	rowBytes := w * uint64(s.desc.Format.BytesPerPixel())
	if uint64(fp.RowPitch) < rowBytes || fp.Height < h {
		cl.dev.report("CopyTextureToBuffer footprint smaller than the subresource")
		return
	}
	if fp.Offset+uint64(fp.RowPitch)*uint64(h-1)+rowBytes > uint64(len(d.data)) {
		cl.dev.report("CopyTextureToBuffer destination buffer too small")
		return
	}
	cl.record(func(ctx *execContext) {
		if !d.alive("CopyTextureToBuffer") || !s.alive("CopyTextureToBuffer") {
			return
		}
		okDst := d.requireState(driver.StateCopyDest, "CopyTextureToBuffer destination")
		okSrc := s.requireState(driver.StateCopySource, "CopyTextureToBuffer source")
		if okDst && okSrc {
			for y := uint64(0); y < uint64(h); y++ {
				row := s.data[off+y*rowBytes : off+(y+1)*rowBytes]
				copy(d.data[fp.Offset+y*uint64(fp.RowPitch):], row)
			}
		}
		cl.dev.copies.Add(1)
	})
}

func (cl *CommandList) viewResource(h driver.CPUDescriptorHandle, kind driver.ViewKind, op string) *Resource {
	desc, err := cl.dev.heaps.Read(h)
	if err != nil {
		cl.dev.report("%s: %s", op, err)
		return nil
	}
	if desc.Kind != kind || desc.Resource == nil {
		cl.dev.report("%s: descriptor %#x does not hold the expected view", op, h.Ptr)
		return nil
	}
	r, err := cl.dev.resource(desc.Resource)
	if err != nil {
		return nil
	}
	return r
}

func (cl *CommandList) ClearRenderTargetView(rtv driver.CPUDescriptorHandle, color [4]float32) {
	r := cl.viewResource(rtv, driver.ViewRenderTarget, "ClearRenderTargetView")
	if r == nil {
		return
	}
	cl.record(func(ctx *execContext) {
		if r.alive("ClearRenderTargetView") && r.requireState(driver.StateRenderTarget, "ClearRenderTargetView") {
			r.fillColor(color)
		}
		cl.dev.clears.Add(1)
	})
}

func (cl *CommandList) ClearDepthStencilView(dsv driver.CPUDescriptorHandle, depth float32, stencil uint8) {
	r := cl.viewResource(dsv, driver.ViewDepthStencil, "ClearDepthStencilView")
	if r == nil {
		return
	}
	cl.record(func(ctx *execContext) {
		if r.alive("ClearDepthStencilView") && r.requireState(driver.StateDepthWrite, "ClearDepthStencilView") {
			r.fillDepth(depth)
		}
		cl.dev.clears.Add(1)
	})
}

func (cl *CommandList) SetDescriptorHeaps(heaps ...driver.DescriptorHeap) {
	bound := make([]*driver.HostDescriptorHeap, 0, len(heaps))
	seen := map[driver.DescriptorHeapType]bool{}
	for _, h := range heaps {
		hh, ok := h.(*driver.HostDescriptorHeap)
		if !ok {
			cl.dev.report("SetDescriptorHeaps: heap %T was not created by this device", h)
			return
		}
		if !hh.Desc().ShaderVisible {
			cl.dev.report("SetDescriptorHeaps: heap is not shader visible")
			return
		}
		if seen[hh.Desc().Type] {
			cl.dev.report("SetDescriptorHeaps: more than one %s heap", hh.Desc().Type)
			return
		}
		seen[hh.Desc().Type] = true
		bound = append(bound, hh)
	}
	cl.record(func(ctx *execContext) {
		ctx.heaps = bound
	})
}

func (cl *CommandList) SetPipelineState(pso driver.PipelineState) {
	p, ok := pso.(*PipelineState)
	if !ok {
		cl.dev.report("SetPipelineState: pipeline %T was not created by this device", pso)
		return
	}
	cl.record(func(ctx *execContext) {
		ctx.pso = p
	})
}

func (cl *CommandList) SetGraphicsRootDescriptorTable(rootIndex uint32, base driver.GPUDescriptorHandle) {
	cl.record(func(ctx *execContext) {
		ctx.graphicsTables[rootIndex] = base
	})
}

func (cl *CommandList) SetComputeRootDescriptorTable(rootIndex uint32, base driver.GPUDescriptorHandle) {
	cl.record(func(ctx *execContext) {
		ctx.computeTables[rootIndex] = base
	})
}

func (cl *CommandList) SetGraphicsRoot32BitConstants(rootIndex uint32, values []uint32, destOffset uint32) {
	cl.record(func(ctx *execContext) {})
}

func (cl *CommandList) setRootCBV(rootIndex uint32, address uint64, op string) {
	cl.record(func(ctx *execContext) {
		if ctx.pso == nil {
			cl.dev.report("%s before a pipeline state is set", op)
			return
		}
		params := ctx.pso.desc.RootSignature.Parameters
		if rootIndex >= uint32(len(params)) || params[rootIndex].Type != driver.RootParameterConstantBufferView {
			cl.dev.report("%s: root parameter %d is not a constant buffer view", op, rootIndex)
			return
		}
		r := cl.dev.resourceContaining(address)
		if r == nil {
			cl.dev.report("%s: address %#x is not backed by a live buffer", op, address)
			return
		}
		if r.heap != driver.HeapUpload {
			r.requireState(driver.StateVertexAndConstantBuffer, op)
		}
	})
}

func (cl *CommandList) SetGraphicsRootConstantBufferView(rootIndex uint32, address uint64) {
	cl.setRootCBV(rootIndex, address, "SetGraphicsRootConstantBufferView")
}

func (cl *CommandList) SetComputeRootConstantBufferView(rootIndex uint32, address uint64) {
	cl.setRootCBV(rootIndex, address, "SetComputeRootConstantBufferView")
}

func (cl *CommandList) IASetVertexBuffers(startSlot uint32, views ...driver.VertexBufferView) {
	vbs := make([]driver.VertexBufferView, len(views))
	copy(vbs, views)
	cl.record(func(ctx *execContext) {
		ctx.vertexBuffers = ctx.vertexBuffers[:0]
		for _, v := range vbs {
			if r := cl.dev.resourceContaining(v.BufferLocation); r != nil && r.heap == driver.HeapDefault {
				ctx.vertexBuffers = append(ctx.vertexBuffers, r)
			}
		}
	})
}

func (cl *CommandList) IASetIndexBuffer(view *driver.IndexBufferView) {
	if view == nil {
		return
	}
	v := *view
	cl.record(func(ctx *execContext) {
		ctx.indexBuffer = nil
		if r := cl.dev.resourceContaining(v.BufferLocation); r != nil && r.heap == driver.HeapDefault {
			ctx.indexBuffer = r
		}
	})
}

func (cl *CommandList) RSSetViewports(viewports ...driver.Viewport) {
	n := len(viewports)
	cl.record(func(ctx *execContext) {
		ctx.viewports = n
	})
}

func (cl *CommandList) RSSetScissorRects(rects ...driver.Rect) {
	cl.record(func(ctx *execContext) {})
}

func (cl *CommandList) OMSetRenderTargets(rtvs []driver.CPUDescriptorHandle, dsv *driver.CPUDescriptorHandle) {
	targets := make([]*Resource, 0, len(rtvs))
	for _, h := range rtvs {
		r := cl.viewResource(h, driver.ViewRenderTarget, "OMSetRenderTargets")
		if r == nil {
			return
		}
		targets = append(targets, r)
	}
	var depth *Resource
	if dsv != nil {
		depth = cl.viewResource(*dsv, driver.ViewDepthStencil, "OMSetRenderTargets")
		if depth == nil {
			return
		}
	}
	cl.record(func(ctx *execContext) {
		ctx.rtvs = targets
		ctx.dsv = depth
	})
}

func (cl *CommandList) validateDraw(ctx *execContext, op string) {
	if ctx.pso == nil || ctx.pso.desc.Type != driver.PipelineGraphics {
		cl.dev.report("%s without a graphics pipeline state", op)
		return
	}
	if len(ctx.rtvs) == 0 && ctx.dsv == nil {
		cl.dev.report("%s without render targets", op)
	}
	if ctx.viewports == 0 {
		cl.dev.report("%s without a viewport", op)
	}
	for _, r := range ctx.rtvs {
		if r.alive(op) {
			r.requireState(driver.StateRenderTarget, op)
		}
	}
	if ctx.dsv != nil && ctx.dsv.alive(op) {
		ctx.dsv.requireAnyState(driver.StateDepthWrite|driver.StateDepthRead, op)
	}
	for _, r := range ctx.vertexBuffers {
		if r.alive(op) {
			r.requireState(driver.StateVertexAndConstantBuffer, op)
		}
	}
	if ctx.indexBuffer != nil && op == "DrawIndexedInstanced" && ctx.indexBuffer.alive(op) {
		ctx.indexBuffer.requireState(driver.StateIndexBuffer, op)
	}
	cl.validateTables(ctx, ctx.graphicsTables, op)
}

// validateTables checks every descriptor table of the bound root signature
// and returns the descriptors they reference.
func (cl *CommandList) validateTables(ctx *execContext, tables map[uint32]driver.GPUDescriptorHandle, op string) []driver.Descriptor {
	var out []driver.Descriptor
	for i, param := range ctx.pso.desc.RootSignature.Parameters {
		if param.Type != driver.RootParameterDescriptorTable {
			continue
		}
		base, ok := tables[uint32(i)]
		if !ok {
			cl.dev.report("%s: root parameter %d is not bound", op, i)
			continue
		}
		heap, _, err := cl.dev.heaps.ResolveGPU(base)
		if err != nil {
			cl.dev.report("%s: root parameter %d: %s", op, i, err)
			continue
		}
		bound := false
		for _, h := range ctx.heaps {
			if h == heap {
				bound = true
			}
		}
		if !bound {
			cl.dev.report("%s: root parameter %d references a heap that is not bound", op, i)
			continue
		}
		descs, err := cl.dev.heaps.ReadRange(base, param.NumDescriptors)
		if err != nil {
			cl.dev.report("%s: root parameter %d: %s", op, i, err)
			continue
		}
		for _, d := range descs {
			if d.Resource == nil {
				continue
			}
			r := d.Resource.(*Resource)
			if !r.alive(op) {
				continue
			}
			switch d.Kind {
			case driver.ViewShaderResource:
				r.requireAnyState(driver.StatePixelShaderResource|driver.StateNonPixelShaderResource|
					driver.StateRaytracingAccelerationStructure, op)
			case driver.ViewUnorderedAccess:
				r.requireState(driver.StateUnorderedAccess, op)
			}
		}
		out = append(out, descs...)
	}
	return out
}

func (cl *CommandList) DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32) {
	cl.record(func(ctx *execContext) {
		cl.validateDraw(ctx, "DrawInstanced")
		cl.dev.draws.Add(1)
	})
}

func (cl *CommandList) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	cl.record(func(ctx *execContext) {
		cl.validateDraw(ctx, "DrawIndexedInstanced")
		cl.dev.draws.Add(1)
	})
}

func (cl *CommandList) Dispatch(x, y, z uint32) {
	cl.record(func(ctx *execContext) {
		if ctx.pso == nil || ctx.pso.desc.Type != driver.PipelineCompute {
			cl.dev.report("Dispatch without a compute pipeline state")
		} else {
			cl.validateTables(ctx, ctx.computeTables, "Dispatch")
		}
		cl.dev.dispatches.Add(1)
	})
}

func (cl *CommandList) BuildRaytracingAccelerationStructure(desc driver.AccelerationStructureBuildDesc) {
	if cl.dev.RaytracingTier() == driver.RaytracingTierNotSupported {
		cl.dev.report("BuildRaytracingAccelerationStructure on a device without ray tracing")
		return
	}
	dest, err := cl.dev.resource(desc.Dest)
	if err != nil {
		return
	}
	scratch, err := cl.dev.resource(desc.Scratch)
	if err != nil {
		return
	}
	var inputs []*Resource
	if desc.Inputs.Type == driver.AccelerationStructureTopLevel {
		if desc.Inputs.Instances != nil {
			r, err := cl.dev.resource(desc.Inputs.Instances)
			if err != nil {
				return
			}
			inputs = append(inputs, r)
		}
	} else {
		for _, g := range desc.Inputs.Geometry {
			for _, res := range []driver.Resource{g.VertexBuffer, g.IndexBuffer} {
				if res == nil {
					continue
				}
				r, err := cl.dev.resource(res)
				if err != nil {
					return
				}
				inputs = append(inputs, r)
			}
		}
	}
	info := cl.dev.AccelerationStructurePrebuildInfo(desc.Inputs)
	if uint64(len(dest.data)) < info.ResultDataMaxSizeInBytes || uint64(len(scratch.data)) < info.ScratchDataSizeInBytes {
		cl.dev.report("acceleration structure buffers smaller than the prebuild info")
		return
	}
	cl.record(func(ctx *execContext) {
		const op = "BuildRaytracingAccelerationStructure"
		if !dest.alive(op) || !scratch.alive(op) {
			return
		}
		dest.requireState(driver.StateRaytracingAccelerationStructure, op)
		scratch.requireState(driver.StateUnorderedAccess, op)
		for _, r := range inputs {
			if r.alive(op) {
				r.requireAnyState(driver.StateGenericRead|driver.StateNonPixelShaderResource|
					driver.StateRaytracingAccelerationStructure, op)
			}
		}
		dest.data[0] = byte(desc.Inputs.Type) + 1
		cl.dev.dispatches.Add(1)
	})
}

// DispatchRays shades every texel of the UAV bound to the compute root
// signature with a gradient in place of real ray tracing.
func (cl *CommandList) DispatchRays(desc driver.DispatchRaysDesc) {
	if cl.dev.RaytracingTier() == driver.RaytracingTierNotSupported {
		cl.dev.report("DispatchRays on a device without ray tracing")
		return
	}
	cl.record(func(ctx *execContext) {
		if ctx.pso == nil || ctx.pso.desc.Type != driver.PipelineRaytracing {
			cl.dev.report("DispatchRays without a ray tracing pipeline state")
			return
		}
		for _, d := range cl.validateTables(ctx, ctx.computeTables, "DispatchRays") {
			if d.Kind != driver.ViewUnorderedAccess || d.Resource == nil {
				continue
			}
			r := d.Resource.(*Resource)
			if r.desc.Dimension == driver.DimensionTexture2D && r.alive("DispatchRays") {
				shadeGradient(r, desc.Width, desc.Height)
			}
		}
		cl.dev.dispatches.Add(1)
	})
}

func shadeGradient(r *Resource, width, height uint32) {
	w := min(uint64(width), r.desc.Width)
	h := min(height, r.desc.Height)
	for y := uint32(0); y < h; y++ {
		for x := uint64(0); x < w; x++ {
			c := [4]float32{float32(x) / float32(w), float32(y) / float32(h), 0.5, 1}
			off := (uint64(y)*r.desc.Width + x) * 4
			switch r.desc.Format {
			case driver.FormatR8G8B8A8Unorm:
				copy(r.data[off:], []byte{unorm8(c[0]), unorm8(c[1]), unorm8(c[2]), 255})
			case driver.FormatB8G8R8A8Unorm:
				copy(r.data[off:], []byte{unorm8(c[2]), unorm8(c[1]), unorm8(c[0]), 255})
			}
		}
	}
}

func (cl *CommandList) Release() {
	if cl.recording && cl.alloc != nil {
		cl.alloc.mu.Lock()
		if cl.alloc.recordingList == cl {
			cl.alloc.recordingList = nil
		}
		cl.alloc.mu.Unlock()
	}
	cl.recording = false
}
