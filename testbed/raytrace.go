package testbed

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const (
	raytraceLibrary = "shaders/raytrace.hlsl"
	// size of one top-level instance description
	instanceDescSize = 64
)

// u0: the ray tracing output
var raytraceRootSignature = driver.RootSignatureDesc{
	Parameters: []driver.RootParameter{
		{Type: driver.RootParameterDescriptorTable, HeapType: driver.DescriptorHeapCbvSrvUav, NumDescriptors: 1},
	},
}

// RaytraceGame is the cube sample plus a ray traced view of the same mesh,
// toggled with the space bar. The acceleration structures are built once
// and the ray tracing output is copied into the back buffer every frame.
type RaytraceGame struct {
	*CubeGame

	useRaytracing bool
	bottomLevel   *renderer.Resource
	topLevel      *renderer.Resource
	instances     *renderer.Resource
	output        *renderer.Texture
	pipeline      *renderer.PipelineState
}

func NewRaytraceGame() *RaytraceGame {
	return &RaytraceGame{CubeGame: NewCubeGame()}
}

func (g *RaytraceGame) Initialize(ctx *engine.Context) error {
	if err := ctx.Device.QueryRaytracingSupport(driver.RaytracingTier1_0); err != nil {
		core.LogError("Raytracing not supported on device: %s", err)
		return err
	}
	return g.CubeGame.Initialize(ctx)
}

func (g *RaytraceGame) LoadContent() error {
	if err := g.CubeGame.LoadContent(); err != nil {
		return err
	}
	if err := g.createAccelerationStructures(); err != nil {
		return err
	}

	blobs, err := loadAll(g.ctx.Assets, g.ctx.Jobs, raytraceLibrary)
	if err != nil {
		return err
	}
	pso, err := g.ctx.Device.CreatePipelineState(driver.PipelineStateDesc{
		Name:          "Raytrace",
		Type:          driver.PipelineRaytracing,
		RootSignature: raytraceRootSignature,
		Library:       blobs[raytraceLibrary],
	})
	if err != nil {
		return err
	}
	g.pipeline = pso

	width, height := g.ctx.Swapchain.Size()
	return g.createOutput(width, height)
}

// createAccelerationStructures builds the bottom level structure of the cube
// and a top level structure with a single identity instance of it, then
// waits for the build.
func (g *RaytraceGame) createAccelerationStructures() error {
	device := g.ctx.Device
	cl, err := g.direct.AcquireCommandList()
	if err != nil {
		return err
	}

	cl.Transition(g.vertexBuffer.Resource(), driver.StateNonPixelShaderResource, driver.AllSubresources, false)
	cl.Transition(g.indexBuffer.Resource(), driver.StateNonPixelShaderResource, driver.AllSubresources, false)

	bottomInputs := driver.AccelerationStructureInputs{
		Type: driver.AccelerationStructureBottomLevel,
		Geometry: []driver.RaytracingGeometry{{
			VertexBuffer: g.vertexBuffer.Resource().Native(),
			VertexCount:  uint32(len(cubeVertices)),
			VertexStride: 24,
			VertexFormat: driver.FormatR32G32B32Float,
			IndexBuffer:  g.indexBuffer.Resource().Native(),
			IndexCount:   uint32(len(cubeIndices)),
			IndexFormat:  driver.FormatR16Uint,
		}},
	}
	g.bottomLevel, err = g.buildAccelerationStructure(cl, bottomInputs, "Bottom Level AS")
	if err != nil {
		return err
	}
	cl.UAVBarrier(g.bottomLevel, false)

	g.instances, err = device.CreateBuffer(driver.HeapUpload, instanceDescSize, driver.ResourceFlagNone, driver.StateGenericRead, "Instance Descs")
	if err != nil {
		return err
	}
	data, err := g.instances.Native().Map()
	if err != nil {
		return fmt.Errorf("map instance descs: %w", err)
	}
	writeInstanceDesc(data, g.bottomLevel.GPUVirtualAddress())
	g.instances.Native().Unmap()

	topInputs := driver.AccelerationStructureInputs{
		Type:         driver.AccelerationStructureTopLevel,
		Instances:    g.instances.Native(),
		NumInstances: 1,
	}
	g.topLevel, err = g.buildAccelerationStructure(cl, topInputs, "Top Level AS")
	if err != nil {
		return err
	}
	cl.UAVBarrier(g.topLevel, false)

	fenceValue, err := g.direct.Submit(cl)
	if err != nil {
		return err
	}
	if g.direct.WaitForFenceValue(fenceValue) == renderer.WaitTimedOut {
		return fmt.Errorf("build acceleration structures: %w", core.ErrFenceTimeout)
	}
	return nil
}

// buildAccelerationStructure allocates the result and scratch buffers from the
// prebuild info and records the build. The list keeps the scratch buffer
// alive until the build completed.
func (g *RaytraceGame) buildAccelerationStructure(cl *renderer.CommandList, inputs driver.AccelerationStructureInputs, name string) (*renderer.Resource, error) {
	device := g.ctx.Device
	info := device.Native().AccelerationStructurePrebuildInfo(inputs)
	result, err := device.CreateBuffer(driver.HeapDefault, info.ResultDataMaxSizeInBytes,
		driver.ResourceFlagAllowUnorderedAccess|driver.ResourceFlagAccelerationStruct,
		driver.StateRaytracingAccelerationStructure, name)
	if err != nil {
		return nil, err
	}
	scratch, err := device.CreateBuffer(driver.HeapDefault, info.ScratchDataSizeInBytes,
		driver.ResourceFlagAllowUnorderedAccess, driver.StateCommon, name+" Scratch")
	if err != nil {
		result.Release()
		return nil, err
	}
	cl.BuildAccelerationStructure(inputs, result, scratch)
	scratch.Release()
	return result, nil
}

// writeInstanceDesc writes an identity transform, instance mask 0xFF and the
// bottom level address.
func writeInstanceDesc(dst []byte, bottomLevel uint64) {
	transform := [12]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
	for i, v := range transform {
		binary.LittleEndian.PutUint32(dst[i*4:], gomath.Float32bits(v))
	}
	// InstanceID 0, InstanceMask 0xFF
	binary.LittleEndian.PutUint32(dst[48:], 0xFF<<24)
	// hit group index 0, no flags
	binary.LittleEndian.PutUint32(dst[52:], 0)
	binary.LittleEndian.PutUint64(dst[56:], bottomLevel)
}

func (g *RaytraceGame) createOutput(width, height uint32) error {
	if g.output != nil {
		g.output.Release()
		g.output = nil
	}
	output, err := g.ctx.Device.CreateTexture(
		driver.Tex2DDesc(driver.FormatR8G8B8A8Unorm, uint64(max(width, 1)), max(height, 1), 1, 1, driver.ResourceFlagAllowUnorderedAccess),
		nil, "Raytracing Output")
	if err != nil {
		return err
	}
	g.output = output
	return nil
}

func (g *RaytraceGame) Render(e engine.RenderEvent) error {
	if !g.useRaytracing {
		return g.CubeGame.Render(e)
	}

	cl, err := g.direct.AcquireCommandList()
	if err != nil {
		return err
	}
	if err := cl.SetPipelineState(g.pipeline); err != nil {
		return err
	}
	if err := cl.SetUnorderedAccessView(0, 0, g.output); err != nil {
		return err
	}
	if err := cl.DispatchRays(driver.DispatchRaysDesc{
		Width:  g.output.Width(),
		Height: g.output.Height(),
	}); err != nil {
		return err
	}
	cl.UAVBarrier(g.output.Resource, false)
	cl.CopyResource(g.ctx.Swapchain.CurrentRenderTarget().Resource, g.output.Resource)
	return present(g.ctx, g.direct, cl)
}

func (g *RaytraceGame) OnResize(width, height uint32) error {
	if err := g.CubeGame.OnResize(width, height); err != nil {
		return err
	}
	if g.output == nil {
		return nil
	}
	// the cube flushed the direct queue while resizing its depth buffer
	return g.createOutput(width, height)
}

func (g *RaytraceGame) OnKey(e engine.KeyEvent) {
	if e.Pressed && e.KeyCode == core.KEY_SPACE {
		g.useRaytracing = !g.useRaytracing
		core.LogInfo("ray tracing %t", g.useRaytracing)
		return
	}
	g.CubeGame.OnKey(e)
}

func (g *RaytraceGame) UnloadContent() {
	for _, r := range []**renderer.Resource{&g.topLevel, &g.bottomLevel, &g.instances} {
		if *r != nil {
			(*r).Release()
			*r = nil
		}
	}
	if g.output != nil {
		g.output.Release()
		g.output = nil
	}
	if g.pipeline != nil {
		g.pipeline.Release()
		g.pipeline = nil
	}
	g.CubeGame.UnloadContent()
}

func (g *RaytraceGame) Destroy() {
	g.UnloadContent()
}

func (g *RaytraceGame) UseRaytracing() bool {
	return g.useRaytracing
}
