package platform

import (
	"fmt"
	"runtime"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

// Window is what the engine needs from the host: a surface for the swapchain
// and a message pump feeding the event bus.
type Window interface {
	driver.SurfaceProvider
	// PumpMessages dispatches pending OS messages. It returns false once the
	// window asked to close.
	PumpMessages() bool
	SetTitle(title string)
	Shutdown() error
}

type Platform struct {
	Window *glfw.Window

	events *core.EventBus
	width  uint32
	height uint32
}

var _ Window = (*Platform)(nil)

func New(events *core.EventBus) *Platform {
	return &Platform{events: events}
}

func (p *Platform) Startup(applicationName string, x uint32, y uint32, width uint32, height uint32) error {
	if err := glfw.Init(); err != nil {
		core.LogError("failed to initialize glfw: %s", err)
		return err
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return fmt.Errorf("glfw: vulkan loader not found: %w", driver.ErrNotInstalled)
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(width), int(height), applicationName, nil, nil)
	if err != nil {
		core.LogError("failed to create window: %s", err)
		glfw.Terminate()
		return err
	}
	p.Window = window

	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetScrollCallback(p.scrollCallback)
	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetCloseCallback(p.closeCallback)
	p.Window.SetPos(int(x), int(y))
	p.Window.Show()

	fw, fh := p.Window.GetFramebufferSize()
	p.width, p.height = uint32(fw), uint32(fh)
	return nil
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
	}
	glfw.Terminate()
	return nil
}

func (p *Platform) PumpMessages() bool {
	if p.Window == nil {
		return false
	}
	glfw.PollEvents()
	return !p.Window.ShouldClose()
}

func (p *Platform) SetTitle(title string) {
	if p.Window != nil {
		p.Window.SetTitle(title)
	}
}

func (p *Platform) FramebufferSize() (uint32, uint32) {
	return p.width, p.height
}

func (p *Platform) RequiredInstanceExtensions() []string {
	if p.Window == nil {
		return nil
	}
	return p.Window.GetRequiredInstanceExtensions()
}

func (p *Platform) CreateWindowSurface(instance interface{}) (uintptr, error) {
	if p.Window == nil {
		return 0, fmt.Errorf("glfw: no window: %w", driver.ErrNotSupported)
	}
	return p.Window.CreateWindowSurface(instance, nil)
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	code, ok := translateKey(key)
	if !ok {
		return
	}
	e := &core.KeyEvent{
		KeyCode: code,
		Shift:   mods&glfw.ModShift != 0,
		Control: mods&glfw.ModControl != 0,
		Alt:     mods&glfw.ModAlt != 0,
	}
	switch action {
	case glfw.Press, glfw.Repeat:
		p.events.Fire(core.EventContext{Type: core.EVENT_CODE_KEY_PRESSED, Data: e})
	case glfw.Release:
		p.events.Fire(core.EventContext{Type: core.EVENT_CODE_KEY_RELEASED, Data: e})
	}
}

// only the vertical offset is forwarded
func (p *Platform) scrollCallback(w *glfw.Window, xoff, yoff float64) {
	if yoff == 0 {
		return
	}
	p.events.Fire(core.EventContext{
		Type: core.EVENT_CODE_MOUSE_WHEEL,
		Data: &core.MouseWheelEvent{Delta: float32(yoff)},
	})
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	p.width, p.height = uint32(width), uint32(height)
	p.events.Fire(core.EventContext{
		Type: core.EVENT_CODE_RESIZED,
		Data: &core.ResizeEvent{Width: p.width, Height: p.height},
	})
}

func (p *Platform) closeCallback(w *glfw.Window) {
	p.events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
}

// translateKey maps glfw keys onto engine key codes. Printable keys share
// their ASCII value.
func translateKey(key glfw.Key) (core.KeyCode, bool) {
	switch key {
	case glfw.KeyEscape:
		return core.KEY_ESCAPE, true
	case glfw.KeyF11:
		return core.KEY_F11, true
	case glfw.KeyUnknown:
		return 0, false
	}
	if key >= glfw.KeySpace && key <= glfw.KeyGraveAccent {
		return core.KeyCode(key), true
	}
	return 0, false
}
