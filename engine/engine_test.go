package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	_ "github.com/spaghettifunk/prism/engine/renderer/soft"
)

type recordingGame struct {
	ctx   *Context
	calls []string

	initErr    error
	loadErr    error
	renderErr  error
	quitAfter  uint64
	updates    int
	renders    int
	resizes    [][2]uint32
	keys       []KeyEvent
	wheel      []float32
	lastUpdate UpdateEvent
}

func (g *recordingGame) Initialize(ctx *Context) error {
	g.ctx = ctx
	g.calls = append(g.calls, "Initialize")
	return g.initErr
}

func (g *recordingGame) LoadContent() error {
	g.calls = append(g.calls, "LoadContent")
	return g.loadErr
}

func (g *recordingGame) UnloadContent() {
	g.calls = append(g.calls, "UnloadContent")
}

func (g *recordingGame) Update(e UpdateEvent) {
	g.updates++
	g.lastUpdate = e
}

func (g *recordingGame) Render(e RenderEvent) error {
	g.renders++
	if g.renderErr != nil {
		return g.renderErr
	}
	queue := g.ctx.Device.CommandQueue(driver.CommandListDirect)
	cl, err := queue.AcquireCommandList()
	if err != nil {
		return err
	}
	cl.ClearTexture(g.ctx.Swapchain.CurrentRenderTarget(), [4]float32{1, 0, 0, 1})
	if _, err := queue.Submit(cl); err != nil {
		return err
	}
	if _, err := g.ctx.Swapchain.Present(); err != nil {
		return err
	}
	if g.ctx.Swapchain.WaitForBackBuffer() == renderer.WaitTimedOut {
		return core.ErrFenceTimeout
	}
	if g.quitAfter > 0 && e.FrameIndex+1 == g.quitAfter {
		g.ctx.Quit()
	}
	return nil
}

func (g *recordingGame) OnResize(width, height uint32) error {
	g.resizes = append(g.resizes, [2]uint32{width, height})
	return nil
}

func (g *recordingGame) OnKey(e KeyEvent) {
	g.keys = append(g.keys, e)
}

func (g *recordingGame) OnMouseWheel(e MouseWheelEvent) {
	g.wheel = append(g.wheel, e.WheelDelta)
}

func (g *recordingGame) Destroy() {
	g.calls = append(g.calls, "Destroy")
}

func newTestConfig(t *testing.T, frames uint64) *ApplicationConfig {
	t.Helper()
	cfg := NewApplicationConfig(core.DefaultConfig())
	cfg.Headless = true
	cfg.Frames = frames
	cfg.StartWidth = 32
	cfg.StartHeight = 32
	cfg.VSync = false
	cfg.LogLevel = core.LogLevelError
	cfg.Renderer.Warp = true
	cfg.Assets = core.AssetsConfig{Dir: t.TempDir()}
	return cfg
}

func TestRunLifecycle(t *testing.T) {
	g := &recordingGame{}
	e := New(newTestConfig(t, 3))

	assert.Equal(t, ExitOK, e.Run(g))
	assert.Equal(t, []string{"Initialize", "LoadContent", "UnloadContent", "Destroy"}, g.calls)
	assert.Equal(t, 3, g.updates)
	assert.Equal(t, 3, g.renders)
	assert.Equal(t, uint64(3), e.FrameCount())
	assert.Equal(t, uint64(2), g.lastUpdate.FrameIndex)
	assert.GreaterOrEqual(t, g.lastUpdate.TotalTime, 0.0)
	assert.Equal(t, EngineStageUninitialized, e.Stage())
}

func TestRunContextIsPopulated(t *testing.T) {
	g := &recordingGame{}
	require.Equal(t, ExitOK, New(newTestConfig(t, 1)).Run(g))

	require.NotNil(t, g.ctx)
	assert.NotNil(t, g.ctx.Device)
	assert.NotNil(t, g.ctx.Swapchain)
	assert.NotNil(t, g.ctx.Assets)
	assert.NotNil(t, g.ctx.Jobs)
	assert.NotNil(t, g.ctx.Window)
	assert.NotNil(t, g.ctx.Events)
}

func TestRunInitializeFailure(t *testing.T) {
	g := &recordingGame{initErr: errors.New("no")}

	assert.Equal(t, ExitInitFailure, New(newTestConfig(t, 3)).Run(g))
	assert.Equal(t, []string{"Initialize", "Destroy"}, g.calls)
	assert.Zero(t, g.renders)
}

func TestRunLoadContentFailure(t *testing.T) {
	g := &recordingGame{loadErr: errors.New("missing shader")}

	assert.Equal(t, ExitContentFailure, New(newTestConfig(t, 3)).Run(g))
	assert.Equal(t, []string{"Initialize", "LoadContent", "Destroy"}, g.calls)
	assert.Zero(t, g.renders)
}

func TestRunRenderFailure(t *testing.T) {
	g := &recordingGame{renderErr: fmt.Errorf("device removed: %w", core.ErrFenceTimeout)}

	assert.Equal(t, ExitInitFailure, New(newTestConfig(t, 3)).Run(g))
	assert.Equal(t, 1, g.renders)
	assert.Equal(t, []string{"Initialize", "LoadContent", "UnloadContent", "Destroy"}, g.calls)
}

func TestRunBootFailure(t *testing.T) {
	cfg := newTestConfig(t, 3)
	// no hardware driver is registered in this binary
	cfg.Headless = false
	cfg.Renderer.Warp = false
	g := &recordingGame{}

	e := New(cfg)
	e.SetWindow(platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames))
	assert.Equal(t, ExitInitFailure, e.Run(g))
	assert.Empty(t, g.calls)
}

func TestQuitFromGame(t *testing.T) {
	g := &recordingGame{quitAfter: 2}
	e := New(newTestConfig(t, 0))

	assert.Equal(t, ExitOK, e.Run(g))
	assert.Equal(t, uint64(2), e.FrameCount())
}

func TestEscapeQuits(t *testing.T) {
	cfg := newTestConfig(t, 0)
	g := &recordingGame{}
	e := New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, 0)
	window.PressKey(core.KEY_ESCAPE)
	e.SetWindow(window)

	assert.Equal(t, ExitOK, e.Run(g))
	assert.Zero(t, g.renders)
}

func TestKeysAreForwarded(t *testing.T) {
	cfg := newTestConfig(t, 2)
	g := &recordingGame{}
	e := New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames)
	window.PressKey(core.KEY_SPACE)
	e.SetWindow(window)

	require.Equal(t, ExitOK, e.Run(g))
	require.Len(t, g.keys, 2)
	assert.True(t, g.keys[0].Pressed)
	assert.False(t, g.keys[1].Pressed)
	assert.Equal(t, core.KEY_SPACE, g.keys[0].KeyCode)
}

func TestMouseWheelIsForwarded(t *testing.T) {
	cfg := newTestConfig(t, 2)
	g := &recordingGame{}
	e := New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames)
	window.Scroll(1)
	window.Scroll(-2.5)
	e.SetWindow(window)

	require.Equal(t, ExitOK, e.Run(g))
	assert.Equal(t, []float32{1, -2.5}, g.wheel)
}

func TestVKeyTogglesVSync(t *testing.T) {
	cfg := newTestConfig(t, 2)
	g := &recordingGame{}
	e := New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames)
	window.PressKey(core.KEY_V)
	e.SetWindow(window)

	var vsync bool
	g.quitAfter = 1
	require.Equal(t, ExitOK, e.Run(&vsyncRecorder{recordingGame: g, vsync: &vsync}))
	assert.True(t, vsync)
}

type vsyncRecorder struct {
	*recordingGame
	vsync *bool
}

func (p *vsyncRecorder) Render(e RenderEvent) error {
	*p.vsync = p.ctx.Swapchain.VSync()
	return p.recordingGame.Render(e)
}

func TestResizeIsForwarded(t *testing.T) {
	cfg := newTestConfig(t, 2)
	g := &recordingGame{}
	e := New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames)
	e.SetWindow(window)
	window.Resize(48, 16)

	require.Equal(t, ExitOK, e.Run(g))
	assert.Equal(t, [][2]uint32{{48, 16}}, g.resizes)
}

func TestMinimizedWindowSuspends(t *testing.T) {
	cfg := newTestConfig(t, 3)
	g := &recordingGame{}
	e := New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames)
	e.SetWindow(window)
	window.Resize(0, 0)

	require.Equal(t, ExitOK, e.Run(g))
	assert.Zero(t, g.renders)
	assert.Empty(t, g.resizes)
}

func TestNewApplicationConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Window.Title = "cube"
	cfg.Window.Frames = 10
	cfg.Metrics.Addr = ":9100"

	app := NewApplicationConfig(cfg)
	assert.Equal(t, "cube", app.Name)
	assert.Equal(t, uint32(1280), app.StartWidth)
	assert.Equal(t, uint32(720), app.StartHeight)
	assert.Equal(t, uint64(10), app.Frames)
	assert.Equal(t, ":9100", app.MetricsAddr)
	assert.True(t, app.VSync)
	assert.Equal(t, cfg.Renderer, app.Renderer)
}
