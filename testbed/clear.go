package testbed

import (
	gomath "math"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// ClearGame clears the back buffer to a slowly cycling color and waits for
// every frame after presenting it.
type ClearGame struct {
	ctx   *engine.Context
	queue *renderer.CommandQueue
	color [4]float32
	// pulse toggles the color animation, space bar
	pulse bool
}

func NewClearGame() *ClearGame {
	return &ClearGame{
		color: [4]float32{0.4, 0.6, 0.9, 1.0},
		pulse: true,
	}
}

func (g *ClearGame) Initialize(ctx *engine.Context) error {
	core.LogInfo("initializing clear sample...")
	g.ctx = ctx
	g.queue = ctx.Device.CommandQueue(driver.CommandListDirect)
	return nil
}

func (g *ClearGame) LoadContent() error {
	return nil
}

func (g *ClearGame) UnloadContent() {}

func (g *ClearGame) Update(e engine.UpdateEvent) {
	if !g.pulse {
		return
	}
	t := e.TotalTime
	g.color[0] = float32(0.5 + 0.5*gomath.Sin(t))
	g.color[1] = float32(0.5 + 0.5*gomath.Sin(t+2))
	g.color[2] = float32(0.5 + 0.5*gomath.Sin(t+4))
}

func (g *ClearGame) Render(e engine.RenderEvent) error {
	cl, err := g.queue.AcquireCommandList()
	if err != nil {
		return err
	}
	cl.ClearTexture(g.ctx.Swapchain.CurrentRenderTarget(), g.color)
	return present(g.ctx, g.queue, cl)
}

func (g *ClearGame) OnResize(width, height uint32) error {
	return nil
}

func (g *ClearGame) OnKey(e engine.KeyEvent) {
	if e.Pressed && e.KeyCode == core.KEY_SPACE {
		g.pulse = !g.pulse
	}
}

func (g *ClearGame) OnMouseWheel(e engine.MouseWheelEvent) {}

func (g *ClearGame) Destroy() {}

// Color is the clear color of the next frame.
func (g *ClearGame) Color() [4]float32 {
	return g.color
}
