package engine

import (
	"github.com/spaghettifunk/prism/engine/assets"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/systems"
)

// Game is implemented by the samples. Every method runs on the engine thread.
type Game interface {
	// Initialize is called once the device and swapchain exist. An error
	// exits with code 1.
	Initialize(ctx *Context) error
	// LoadContent uploads the game's GPU content. An error exits with code 2.
	LoadContent() error
	// UnloadContent is called after the queues were flushed.
	UnloadContent()
	Update(e UpdateEvent)
	Render(e RenderEvent) error
	// OnResize is called after the swapchain was resized.
	OnResize(width, height uint32) error
	OnKey(e KeyEvent)
	OnMouseWheel(e MouseWheelEvent)
	Destroy()
}

// Context is what the engine hands to a game.
type Context struct {
	Config    *ApplicationConfig
	Device    *renderer.Device
	Swapchain *renderer.Swapchain
	Assets    *assets.AssetManager
	Jobs      *systems.JobSystem
	Window    platform.Window
	Events    *core.EventBus
}

// Quit stops the engine after the current frame.
func (c *Context) Quit() {
	c.Events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
}

type UpdateEvent struct {
	// seconds since the previous frame
	DeltaTime float64
	// seconds since the loop started
	TotalTime  float64
	FrameIndex uint64
}

type RenderEvent struct {
	DeltaTime  float64
	TotalTime  float64
	FrameIndex uint64
}

type KeyEvent struct {
	core.KeyEvent
	Pressed bool
}

type MouseWheelEvent struct {
	// notches, positive away from the user
	WheelDelta float32
}
