package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/prism/engine/assets"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/systems"
)

// Process exit codes returned by Run.
const (
	ExitOK             = 0
	ExitInitFailure    = 1
	ExitContentFailure = 2
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	config       *ApplicationConfig
	currentStage Stage
	game         Game
	isRunning    atomic.Bool
	isSuspended  bool
	fatal        error

	events        *core.EventBus
	window        platform.Window
	ownsWindow    bool
	device        *renderer.Device
	swapchain     *renderer.Swapchain
	assetManager  *assets.AssetManager
	jobs          *systems.JobSystem
	metricsServer *http.Server
	ctx           *Context

	clock    *core.Clock
	lastTime float64
	frame    uint64
	// back buffer index of the last frame handed to the game's Render
	lastPresented int64
}

func New(cfg *ApplicationConfig) *Engine {
	e := &Engine{
		config:        cfg,
		currentStage:  EngineStageUninitialized,
		events:        core.NewEventBus(),
		clock:         core.NewClock(),
		lastPresented: -1,
	}
	return e
}

// Events is the bus the engine dispatches window and asset events on.
func (e *Engine) Events() *core.EventBus {
	return e.events
}

// SetWindow replaces the window the engine would create. It must be called
// before Run and the window must fire its events on Events().
func (e *Engine) SetWindow(w platform.Window) {
	e.window = w
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

// FrameCount is the number of frames rendered so far.
func (e *Engine) FrameCount() uint64 {
	return e.frame
}

// Shutdown asks the loop to stop after the current frame. It is safe to call
// from any goroutine.
func (e *Engine) Shutdown() error {
	e.isRunning.Store(false)
	return nil
}

// Run boots the engine, drives game until it quits and tears everything
// down. The result is the process exit code.
func (e *Engine) Run(game Game) int {
	e.game = game
	core.SetLogLevel(e.config.LogLevel)

	e.currentStage = EngineStageBooting
	if err := e.boot(); err != nil {
		core.LogError("failed to boot engine: %s", err)
		e.teardown()
		return ExitInitFailure
	}
	e.currentStage = EngineStageBootComplete

	e.ctx = &Context{
		Config:    e.config,
		Device:    e.device,
		Swapchain: e.swapchain,
		Assets:    e.assetManager,
		Jobs:      e.jobs,
		Window:    e.window,
		Events:    e.events,
	}

	e.currentStage = EngineStageInitializing
	if err := game.Initialize(e.ctx); err != nil {
		core.LogError("failed to initialize game: %s", err)
		e.flush()
		game.Destroy()
		e.teardown()
		return ExitInitFailure
	}
	e.currentStage = EngineStageInitialized

	if err := game.LoadContent(); err != nil {
		core.LogError("failed to load content: %s", err)
		e.flush()
		game.Destroy()
		e.teardown()
		return ExitContentFailure
	}

	code := e.loop()

	e.currentStage = EngineStageShuttingDown
	if e.config.Capture != "" && code == ExitOK {
		if err := e.capture(e.config.Capture); err != nil {
			core.LogError("failed to capture frame: %s", err)
		}
	}
	if err := e.flush(); err != nil && code == ExitOK {
		code = ExitInitFailure
	}
	game.UnloadContent()
	game.Destroy()
	e.teardown()
	return code
}

func (e *Engine) boot() error {
	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e.onEvent)
	e.events.Register(core.EVENT_CODE_KEY_PRESSED, e.onKey)
	e.events.Register(core.EVENT_CODE_KEY_RELEASED, e.onKey)
	e.events.Register(core.EVENT_CODE_MOUSE_WHEEL, e.onMouseWheel)
	e.events.Register(core.EVENT_CODE_RESIZED, e.onResized)

	if e.window == nil {
		if e.config.Headless {
			e.window = platform.NewHeadless(e.events, e.config.StartWidth, e.config.StartHeight, e.config.Frames)
		} else {
			p := platform.New(e.events)
			if err := p.Startup(e.config.Name, e.config.StartPosX, e.config.StartPosY, e.config.StartWidth, e.config.StartHeight); err != nil {
				return err
			}
			e.window = p
		}
		e.ownsWindow = true
	}

	opts := renderer.DeviceOptionsFromConfig(e.config.Renderer)
	opts.AppName = e.config.Name
	if e.config.Headless {
		if !opts.Warp {
			core.LogWarn("headless mode has no surface, using the software adapter")
			opts.Warp = true
		}
	} else {
		opts.Surface = e.window
	}
	device, err := renderer.SelectDevice(opts)
	if err != nil {
		return err
	}
	e.device = device

	width, height := e.window.FramebufferSize()
	if width == 0 || height == 0 {
		width, height = e.config.StartWidth, e.config.StartHeight
	}
	swapchain, err := device.CreateSwapchain(width, height, e.config.VSync)
	if err != nil {
		return err
	}
	e.swapchain = swapchain

	am, err := assets.NewAssetManager(e.config.Assets.Dir, e.events)
	if err != nil {
		return err
	}
	e.assetManager = am
	if err := am.Initialize(e.config.Assets.Watch); err != nil {
		return err
	}

	jobs, err := systems.NewJobSystem(runtime.NumCPU(), 64)
	if err != nil {
		return err
	}
	e.jobs = jobs

	if e.config.MetricsAddr != "" {
		e.metricsServer = core.ServeMetrics(e.config.MetricsAddr)
	}
	return nil
}

func (e *Engine) loop() int {
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)
	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()
	titleTime := e.lastTime

	for e.isRunning.Load() {
		if !e.window.PumpMessages() {
			break
		}
		if !e.isRunning.Load() {
			break
		}
		if e.fatal != nil {
			core.LogError("engine stopped: %s", e.fatal)
			return ExitInitFailure
		}
		e.assetManager.DispatchChanges()

		e.clock.Update()
		current := e.clock.Elapsed()
		delta := current - e.lastTime
		e.lastTime = current

		if e.isSuspended {
			// nothing to present into while minimized
			time.Sleep(10 * time.Millisecond)
			continue
		}

		e.game.Update(UpdateEvent{DeltaTime: delta, TotalTime: current, FrameIndex: e.frame})
		e.lastPresented = int64(e.swapchain.CurrentBackBufferIndex())
		if err := e.game.Render(RenderEvent{DeltaTime: delta, TotalTime: current, FrameIndex: e.frame}); err != nil {
			core.LogError("failed to render frame %d: %s", e.frame, err)
			return ExitInitFailure
		}
		e.frame++
		core.MetricsUpdate(delta)

		if current-titleTime >= 1.0 {
			fps, ms := core.MetricsFrame()
			e.window.SetTitle(fmt.Sprintf("%s - %.0f fps (%.2f ms)", e.config.Name, fps, ms))
			titleTime = current
		}
	}
	return ExitOK
}

// flush waits for the direct and copy queues. A timed out flush is fatal.
func (e *Engine) flush() error {
	if e.device == nil {
		return nil
	}
	for _, t := range []driver.CommandListType{driver.CommandListDirect, driver.CommandListCopy} {
		q := e.device.CommandQueue(t)
		if q == nil {
			continue
		}
		result, err := q.Flush()
		if err != nil {
			core.LogError("failed to flush %s queue: %s", t, err)
			return err
		}
		if result == renderer.WaitTimedOut {
			core.LogError("timed out flushing %s queue", t)
			return fmt.Errorf("flush %s queue: %w", t, core.ErrFenceTimeout)
		}
	}
	return nil
}

// capture writes the last presented back buffer to path.
func (e *Engine) capture(path string) error {
	if e.lastPresented < 0 {
		return errors.New("no frame was presented")
	}
	tex := e.swapchain.BackBuffer(uint32(e.lastPresented))
	if tex == nil {
		return fmt.Errorf("back buffer %d is gone", e.lastPresented)
	}
	if err := renderer.CaptureTexture(e.device.CommandQueue(driver.CommandListDirect), tex, path); err != nil {
		return err
	}
	core.LogInfo("Captured frame %d to `%s`", e.frame, path)
	return nil
}

func (e *Engine) teardown() {
	if e.swapchain != nil {
		if err := e.swapchain.Release(); err != nil {
			core.LogError("failed to release swapchain: %s", err)
		}
		e.swapchain = nil
	}
	if e.device != nil {
		if err := e.device.Close(); err != nil {
			core.LogError("failed to close device: %s", err)
		}
		e.device = nil
	}
	if e.assetManager != nil {
		e.assetManager.Shutdown()
	}
	if e.jobs != nil {
		_ = e.jobs.Shutdown()
	}
	if e.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := e.metricsServer.Shutdown(ctx); err != nil {
			core.LogWarn("failed to stop metrics endpoint: %s", err)
		}
		cancel()
		e.metricsServer = nil
	}
	if e.window != nil && e.ownsWindow {
		if err := e.window.Shutdown(); err != nil {
			core.LogError("failed to shut down window: %s", err)
		}
	}
	e.events.Shutdown()
	e.currentStage = EngineStageUninitialized
}

func (e *Engine) onEvent(context core.EventContext) bool {
	switch context.Type {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning.Store(false)
		return true
	}
	return false
}

func (e *Engine) onKey(context core.EventContext) bool {
	key, ok := context.Data.(*core.KeyEvent)
	if !ok {
		return false
	}
	pressed := context.Type == core.EVENT_CODE_KEY_PRESSED
	if pressed {
		switch key.KeyCode {
		case core.KEY_ESCAPE:
			// Technically firing an event to itself, but there may be other listeners.
			e.events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
			return true
		case core.KEY_V:
			if e.swapchain != nil {
				e.swapchain.ToggleVSync()
				core.LogDebug("vsync %t", e.swapchain.VSync())
			}
		}
	}
	if e.game != nil && e.currentStage >= EngineStageInitialized {
		e.game.OnKey(KeyEvent{KeyEvent: *key, Pressed: pressed})
	}
	return true
}

func (e *Engine) onMouseWheel(context core.EventContext) bool {
	wheel, ok := context.Data.(*core.MouseWheelEvent)
	if !ok {
		return false
	}
	if e.game != nil && e.currentStage >= EngineStageInitialized {
		e.game.OnMouseWheel(MouseWheelEvent{WheelDelta: wheel.Delta})
	}
	return true
}

func (e *Engine) onResized(context core.EventContext) bool {
	size, ok := context.Data.(*core.ResizeEvent)
	if !ok {
		return false
	}
	if size.Width == 0 || size.Height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return true
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	if e.swapchain == nil {
		return true
	}
	if err := e.swapchain.Resize(size.Width, size.Height); err != nil {
		e.fatal = err
		return true
	}
	if e.game != nil && e.currentStage >= EngineStageInitialized {
		if err := e.game.OnResize(size.Width, size.Height); err != nil {
			e.fatal = err
		}
	}
	return true
}
