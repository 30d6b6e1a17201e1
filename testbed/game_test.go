package testbed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

// recorder records what the software device saw before the game is destroyed.
type recorder struct {
	engine.Game
	ctx        *engine.Context
	before     func(ctx *engine.Context)
	stats      soft.Stats
	validation []string
}

func (r *recorder) Initialize(ctx *engine.Context) error {
	r.ctx = ctx
	if r.before != nil {
		r.before(ctx)
	}
	return r.Game.Initialize(ctx)
}

func (r *recorder) Destroy() {
	if r.ctx != nil {
		sd := r.ctx.Device.Native().(*soft.Device)
		r.stats = sd.Stats()
		r.validation = sd.ValidationMessages()
	}
	r.Game.Destroy()
}

func writeShaders(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shaders"), 0o755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), []byte("// "+name+"\n"), 0o644))
	}
}

func newTestConfig(t *testing.T, frames uint64) *engine.ApplicationConfig {
	t.Helper()
	cfg := engine.NewApplicationConfig(core.DefaultConfig())
	cfg.Headless = true
	cfg.Frames = frames
	cfg.StartWidth = 64
	cfg.StartHeight = 48
	cfg.VSync = false
	cfg.LogLevel = core.LogLevelError
	cfg.Renderer.Warp = true
	cfg.Renderer.Debug = true
	cfg.Assets = core.AssetsConfig{Dir: t.TempDir()}
	return cfg
}

func TestNew(t *testing.T) {
	assert.Equal(t, []string{"clear", "cube", "raytrace"}, Names())

	g, err := New("cube")
	require.NoError(t, err)
	assert.IsType(t, &CubeGame{}, g)

	_, err = New("teapot")
	assert.Error(t, err)
}

func TestClearGameRunsFrameBudget(t *testing.T) {
	cfg := newTestConfig(t, 5)
	rec := &recorder{Game: NewClearGame()}

	e := engine.New(cfg)
	assert.Equal(t, engine.ExitOK, e.Run(rec))
	assert.Equal(t, uint64(5), e.FrameCount())
	assert.Equal(t, uint64(5), rec.stats.Presents)
	assert.Equal(t, uint64(5), rec.stats.Clears)
	assert.Empty(t, rec.validation)
}

func TestClearGameCapture(t *testing.T) {
	cfg := newTestConfig(t, 2)
	cfg.Capture = filepath.Join(t.TempDir(), "frame.bmp")

	require.Equal(t, engine.ExitOK, engine.New(cfg).Run(NewClearGame()))

	f, err := os.Open(cfg.Capture)
	require.NoError(t, err)
	defer f.Close()
	img, err := bmp.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
}

func TestClearGameSpaceStopsPulse(t *testing.T) {
	g := NewClearGame()
	before := g.Color()
	g.OnKey(engine.KeyEvent{KeyEvent: core.KeyEvent{KeyCode: core.KEY_SPACE}, Pressed: true})
	g.Update(engine.UpdateEvent{TotalTime: 3})
	assert.Equal(t, before, g.Color())
}

func TestCubeGameDrawsEveryFrame(t *testing.T) {
	cfg := newTestConfig(t, 4)
	writeShaders(t, cfg.Assets.Dir, cubeVertexShader, cubePixelShader)
	rec := &recorder{Game: NewCubeGame()}

	assert.Equal(t, engine.ExitOK, engine.New(cfg).Run(rec))
	assert.Equal(t, uint64(4), rec.stats.Draws)
	assert.Equal(t, uint64(4), rec.stats.Presents)
	assert.Empty(t, rec.validation)
}

func TestCubeGameMissingShaders(t *testing.T) {
	cfg := newTestConfig(t, 4)
	rec := &recorder{Game: NewCubeGame()}

	assert.Equal(t, engine.ExitContentFailure, engine.New(cfg).Run(rec))
	assert.Zero(t, rec.stats.Presents)
}

func TestCubeGameResize(t *testing.T) {
	cfg := newTestConfig(t, 4)
	writeShaders(t, cfg.Assets.Dir, cubeVertexShader, cubePixelShader)
	g := NewCubeGame()
	rec := &recorder{Game: g}

	e := engine.New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames)
	window.Resize(80, 60)
	e.SetWindow(window)

	assert.Equal(t, engine.ExitOK, e.Run(rec))
	assert.Equal(t, float32(80), g.viewport.Width)
	assert.Equal(t, float32(60), g.viewport.Height)
	assert.Empty(t, rec.validation)
}

func TestCubeGameZoomIsClamped(t *testing.T) {
	g := NewCubeGame()
	zoomIn := engine.KeyEvent{KeyEvent: core.KeyEvent{KeyCode: '='}, Pressed: true}
	for i := 0; i < 20; i++ {
		g.OnKey(zoomIn)
	}
	assert.Equal(t, float32(12), g.FOV())

	zoomOut := engine.KeyEvent{KeyEvent: core.KeyEvent{KeyCode: '-'}, Pressed: true}
	for i := 0; i < 20; i++ {
		g.OnKey(zoomOut)
	}
	assert.Equal(t, float32(90), g.FOV())
}

func TestCubeGameWheelZoomIsClamped(t *testing.T) {
	g := NewCubeGame()
	g.OnMouseWheel(engine.MouseWheelEvent{WheelDelta: 3})
	assert.Equal(t, float32(42), g.FOV())

	g.OnMouseWheel(engine.MouseWheelEvent{WheelDelta: 100})
	assert.Equal(t, float32(12), g.FOV())

	g.OnMouseWheel(engine.MouseWheelEvent{WheelDelta: -100})
	assert.Equal(t, float32(90), g.FOV())
}

func TestCubeGameZoomsWithWheel(t *testing.T) {
	cfg := newTestConfig(t, 2)
	writeShaders(t, cfg.Assets.Dir, cubeVertexShader, cubePixelShader)
	g := NewCubeGame()

	e := engine.New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames)
	window.Scroll(10)
	e.SetWindow(window)

	assert.Equal(t, engine.ExitOK, e.Run(&recorder{Game: g}))
	assert.Equal(t, float32(35), g.FOV())
}

func TestRaytraceGameToggle(t *testing.T) {
	cfg := newTestConfig(t, 3)
	writeShaders(t, cfg.Assets.Dir, cubeVertexShader, cubePixelShader, raytraceLibrary)
	g := NewRaytraceGame()
	rec := &recorder{Game: g}

	e := engine.New(cfg)
	window := platform.NewHeadless(e.Events(), cfg.StartWidth, cfg.StartHeight, cfg.Frames)
	window.PressKey(core.KEY_SPACE)
	e.SetWindow(window)

	assert.Equal(t, engine.ExitOK, e.Run(rec))
	assert.True(t, g.UseRaytracing())
	// two acceleration structure builds plus one dispatch per frame
	assert.Equal(t, uint64(2+3), rec.stats.Dispatches)
	assert.Zero(t, rec.stats.Draws)
	assert.Equal(t, uint64(3), rec.stats.Presents)
	assert.Empty(t, rec.validation)
}

func TestRaytraceGameRastersByDefault(t *testing.T) {
	cfg := newTestConfig(t, 2)
	writeShaders(t, cfg.Assets.Dir, cubeVertexShader, cubePixelShader, raytraceLibrary)
	g := NewRaytraceGame()
	rec := &recorder{Game: g}

	assert.Equal(t, engine.ExitOK, engine.New(cfg).Run(rec))
	assert.False(t, g.UseRaytracing())
	assert.Equal(t, uint64(2), rec.stats.Draws)
	assert.Empty(t, rec.validation)
}

func TestRaytraceGameWithoutSupport(t *testing.T) {
	cfg := newTestConfig(t, 2)
	writeShaders(t, cfg.Assets.Dir, cubeVertexShader, cubePixelShader, raytraceLibrary)
	rec := &recorder{
		Game: NewRaytraceGame(),
		before: func(ctx *engine.Context) {
			ctx.Device.Native().(*soft.Device).SetRaytracingTier(driver.RaytracingTierNotSupported)
		},
	}

	assert.Equal(t, engine.ExitInitFailure, engine.New(cfg).Run(rec))
	assert.Zero(t, rec.stats.Presents)
}

func TestWriteInstanceDesc(t *testing.T) {
	buf := make([]byte, instanceDescSize)
	writeInstanceDesc(buf, 0x1122334455667788)
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, buf[0:4])
	assert.Equal(t, byte(0xFF), buf[51])
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, buf[56:64])
}
