package testbed

import (
	"fmt"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const (
	cubeVertexShader = "shaders/cube_vs.hlsl"
	cubePixelShader  = "shaders/cube_ps.hlsl"
)

var cubeVertices = []math.VertexPosColor{
	{Position: math.NewVec3(-1, -1, -1), Color: math.NewVec3(0, 0, 0)}, // 0
	{Position: math.NewVec3(-1, 1, -1), Color: math.NewVec3(0, 1, 0)},  // 1
	{Position: math.NewVec3(1, 1, -1), Color: math.NewVec3(1, 1, 0)},   // 2
	{Position: math.NewVec3(1, -1, -1), Color: math.NewVec3(1, 0, 0)},  // 3
	{Position: math.NewVec3(-1, -1, 1), Color: math.NewVec3(0, 0, 1)},  // 4
	{Position: math.NewVec3(-1, 1, 1), Color: math.NewVec3(0, 1, 1)},   // 5
	{Position: math.NewVec3(1, 1, 1), Color: math.NewVec3(1, 1, 1)},    // 6
	{Position: math.NewVec3(1, -1, 1), Color: math.NewVec3(1, 0, 1)},   // 7
}

var cubeIndices = []uint16{
	0, 1, 2, 0, 2, 3,
	4, 6, 5, 4, 7, 6,
	4, 5, 1, 4, 1, 0,
	3, 2, 6, 3, 6, 7,
	1, 5, 6, 1, 6, 2,
	4, 0, 3, 4, 3, 7,
}

// A single 32-bit constant root parameter holding the MVP matrix.
var cubeRootSignature = driver.RootSignatureDesc{
	Parameters: []driver.RootParameter{
		{Type: driver.RootParameter32BitConstants, Num32BitValues: 16},
	},
}

// CubeGame draws a spinning colored cube. Geometry is uploaded on the copy
// queue, the depth buffer follows the window size and the pipeline is rebuilt
// when its shaders change on disk.
type CubeGame struct {
	ctx    *engine.Context
	direct *renderer.CommandQueue
	upload *renderer.CommandQueue

	vertexBuffer *renderer.VertexBuffer
	indexBuffer  *renderer.IndexBuffer
	depthBuffer  *renderer.Texture
	pipeline     *renderer.PipelineState

	viewport driver.Viewport
	scissor  driver.Rect
	fov      float32

	model      math.Mat4
	view       math.Mat4
	projection math.Mat4

	contentLoaded bool
	reloads       int
}

func NewCubeGame() *CubeGame {
	return &CubeGame{
		fov:     45,
		scissor: driver.Rect{Right: 1<<31 - 1, Bottom: 1<<31 - 1},
	}
}

func (g *CubeGame) Initialize(ctx *engine.Context) error {
	core.LogInfo("initializing cube sample...")
	g.ctx = ctx
	g.direct = ctx.Device.CommandQueue(driver.CommandListDirect)
	g.upload = ctx.Device.CommandQueue(driver.CommandListCopy)
	width, height := ctx.Swapchain.Size()
	g.viewport = driver.Viewport{Width: float32(width), Height: float32(height), MaxDepth: 1}
	return nil
}

func (g *CubeGame) LoadContent() error {
	cl, err := g.upload.AcquireCommandList()
	if err != nil {
		return err
	}
	g.vertexBuffer = renderer.NewVertexBuffer("Cube Vertex Buffer")
	if err := cl.CopyVertexBuffer(g.vertexBuffer, uint32(len(cubeVertices)), 24, vertexBytes(cubeVertices)); err != nil {
		return err
	}
	g.indexBuffer = renderer.NewIndexBuffer("Cube Index Buffer")
	if err := cl.CopyIndexBuffer(g.indexBuffer, uint32(len(cubeIndices)), driver.FormatR16Uint, indexBytes(cubeIndices)); err != nil {
		return err
	}
	fenceValue, err := g.upload.Submit(cl)
	if err != nil {
		return err
	}
	// the direct queue never waits on the copy queue, so the upload is waited on here
	if g.upload.WaitForFenceValue(fenceValue) == renderer.WaitTimedOut {
		return fmt.Errorf("upload cube geometry: %w", core.ErrFenceTimeout)
	}

	pso, err := g.createPipeline()
	if err != nil {
		return err
	}
	g.pipeline = pso

	g.ctx.Assets.OnChange(cubeVertexShader, g.onShaderChanged)
	g.ctx.Assets.OnChange(cubePixelShader, g.onShaderChanged)

	g.contentLoaded = true
	width, height := g.ctx.Swapchain.Size()
	return g.resizeDepthBuffer(width, height)
}

func (g *CubeGame) createPipeline() (*renderer.PipelineState, error) {
	blobs, err := loadAll(g.ctx.Assets, g.ctx.Jobs, cubeVertexShader, cubePixelShader)
	if err != nil {
		return nil, err
	}
	return g.ctx.Device.CreatePipelineState(driver.PipelineStateDesc{
		Name:          "Cube",
		Type:          driver.PipelineGraphics,
		RootSignature: cubeRootSignature,
		VS:            blobs[cubeVertexShader],
		PS:            blobs[cubePixelShader],
		InputLayout: []driver.InputElement{
			{SemanticName: "POSITION", Format: driver.FormatR32G32B32Float, Offset: 0},
			{SemanticName: "COLOR", Format: driver.FormatR32G32B32Float, Offset: 12},
		},
		RTVFormats: []driver.Format{driver.FormatR8G8B8A8Unorm},
		DSVFormat:  driver.FormatD32Float,
	})
}

// onShaderChanged rebuilds the pipeline. The old one is only released after
// the direct queue was flushed; a broken shader keeps the old pipeline.
func (g *CubeGame) onShaderChanged(name string) {
	pso, err := g.createPipeline()
	if err != nil {
		core.LogError("failed to reload cube pipeline after `%s` changed: %s", name, err)
		return
	}
	if result, err := g.direct.Flush(); err != nil || result == renderer.WaitTimedOut {
		core.LogError("failed to flush before pipeline reload: %v (%s)", err, result)
		pso.Release()
		return
	}
	if g.pipeline != nil {
		g.pipeline.Release()
	}
	g.pipeline = pso
	g.reloads++
	core.LogInfo("cube pipeline reloaded (%d)", g.reloads)
}

func (g *CubeGame) resizeDepthBuffer(width, height uint32) error {
	if !g.contentLoaded {
		return nil
	}
	width, height = max(width, 1), max(height, 1)

	if result, err := g.direct.Flush(); err != nil {
		return err
	} else if result == renderer.WaitTimedOut {
		return fmt.Errorf("resize depth buffer: %w", core.ErrFenceTimeout)
	}
	if g.depthBuffer != nil {
		g.depthBuffer.Release()
		g.depthBuffer = nil
	}

	clearValue := &driver.ClearValue{Format: driver.FormatD32Float, Depth: 1}
	depth, err := g.ctx.Device.CreateTexture(
		driver.Tex2DDesc(driver.FormatD32Float, uint64(width), height, 1, 0, driver.ResourceFlagAllowDepthStencil),
		clearValue, "Depth Buffer")
	if err != nil {
		return err
	}
	g.depthBuffer = depth
	return nil
}

func (g *CubeGame) UnloadContent() {
	g.contentLoaded = false
	if g.pipeline != nil {
		g.pipeline.Release()
		g.pipeline = nil
	}
	if g.depthBuffer != nil {
		g.depthBuffer.Release()
		g.depthBuffer = nil
	}
	if g.vertexBuffer != nil {
		g.vertexBuffer.Release()
	}
	if g.indexBuffer != nil {
		g.indexBuffer.Release()
	}
}

func (g *CubeGame) Update(e engine.UpdateEvent) {
	angle := float32(e.TotalTime * 90.0)
	axis := math.NewVec3(0, 1, 1).Normalized()
	g.model = math.NewMat4RotationAxis(axis, math.DegToRad(angle))

	eye := math.NewVec3(0, 0, -10)
	focus := math.NewVec3(0, 0, 0)
	up := math.NewVec3(0, 1, 0)
	g.view = math.NewMat4LookAtLH(eye, focus, up)

	aspect := g.viewport.Width / math.Max(g.viewport.Height, 1)
	g.projection = math.NewMat4PerspectiveLH(math.DegToRad(g.fov), aspect, 0.1, 100.0)
}

// recordCube clears the current back buffer and the depth buffer and draws
// the cube into them.
func (g *CubeGame) recordCube(cl *renderer.CommandList) error {
	backBuffer := g.ctx.Swapchain.CurrentRenderTarget()
	cl.ClearTexture(backBuffer, [4]float32{0.4, 0.6, 0.9, 1.0})
	cl.ClearDepthStencilTexture(g.depthBuffer, 1, 0)

	if err := cl.SetPipelineState(g.pipeline); err != nil {
		return err
	}
	cl.SetVertexBuffer(0, g.vertexBuffer)
	cl.SetIndexBuffer(g.indexBuffer)
	cl.SetViewport(g.viewport)
	cl.SetScissorRect(g.scissor)
	cl.SetRenderTargets([]*renderer.Texture{backBuffer}, g.depthBuffer)

	mvp := g.model.Mul(g.view).Mul(g.projection)
	cl.SetGraphics32BitConstants(0, matrixWords(mvp))
	return cl.DrawIndexed(uint32(len(cubeIndices)), 1, 0, 0, 0)
}

func (g *CubeGame) Render(e engine.RenderEvent) error {
	cl, err := g.direct.AcquireCommandList()
	if err != nil {
		return err
	}
	if err := g.recordCube(cl); err != nil {
		return err
	}
	return present(g.ctx, g.direct, cl)
}

func (g *CubeGame) OnResize(width, height uint32) error {
	g.viewport = driver.Viewport{Width: float32(width), Height: float32(height), MaxDepth: 1}
	return g.resizeDepthBuffer(width, height)
}

// OnKey zooms with '-' and '=' in steps of five degrees.
func (g *CubeGame) OnKey(e engine.KeyEvent) {
	if !e.Pressed {
		return
	}
	switch e.KeyCode {
	case '-':
		g.zoom(g.fov + 5)
	case '=':
		g.zoom(g.fov - 5)
	}
}

// OnMouseWheel zooms in when the wheel moves away from the user.
func (g *CubeGame) OnMouseWheel(e engine.MouseWheelEvent) {
	g.zoom(g.fov - e.WheelDelta)
}

func (g *CubeGame) zoom(fov float32) {
	g.fov = math.Clamp(fov, 12, 90)
	core.LogDebug("FOV: %.0f", g.fov)
}

// Destroy also covers content left behind by a failed LoadContent.
func (g *CubeGame) Destroy() {
	g.UnloadContent()
}

func (g *CubeGame) FOV() float32 {
	return g.fov
}

func (g *CubeGame) Reloads() int {
	return g.reloads
}
