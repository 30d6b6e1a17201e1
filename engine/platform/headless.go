package platform

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Headless is a window without an OS surface. It runs a fixed number of
// frames, or forever when frames is zero, and accepts injected input so tests
// and offline captures can drive the engine.
type Headless struct {
	events *core.EventBus

	mu      sync.Mutex
	width   uint32
	height  uint32
	title   string
	frames  uint64
	pumped  uint64
	closed  bool
	pending []core.EventContext
}

var _ Window = (*Headless)(nil)

func NewHeadless(events *core.EventBus, width, height uint32, frames uint64) *Headless {
	return &Headless{
		events: events,
		width:  width,
		height: height,
		frames: frames,
	}
}

// PumpMessages dispatches injected events in order. Once the frame budget is
// spent a quit event is fired and false is returned.
func (h *Headless) PumpMessages() bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	pending := h.pending
	h.pending = nil
	h.pumped++
	quit := h.frames > 0 && h.pumped > h.frames
	if quit {
		h.closed = true
	}
	h.mu.Unlock()

	for _, e := range pending {
		h.events.Fire(e)
	}
	if quit {
		core.LogDebug("Headless frame budget of %d spent", h.frames)
		h.events.Fire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
		return false
	}
	return true
}

// Resize queues a resize that is delivered on the next pump.
func (h *Headless) Resize(width, height uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.width, h.height = width, height
	h.pending = append(h.pending, core.EventContext{
		Type: core.EVENT_CODE_RESIZED,
		Data: &core.ResizeEvent{Width: width, Height: height},
	})
}

// PressKey queues a press followed by a release of code.
func (h *Headless) PressKey(code core.KeyCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := &core.KeyEvent{KeyCode: code}
	h.pending = append(h.pending,
		core.EventContext{Type: core.EVENT_CODE_KEY_PRESSED, Data: e},
		core.EventContext{Type: core.EVENT_CODE_KEY_RELEASED, Data: e},
	)
}

// Scroll queues a wheel movement of delta notches.
func (h *Headless) Scroll(delta float32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, core.EventContext{
		Type: core.EVENT_CODE_MOUSE_WHEEL,
		Data: &core.MouseWheelEvent{Delta: delta},
	})
}

func (h *Headless) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *Headless) Pumped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pumped
}

func (h *Headless) SetTitle(title string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.title = title
}

func (h *Headless) Title() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.title
}

func (h *Headless) Shutdown() error {
	h.Close()
	return nil
}

func (h *Headless) FramebufferSize() (uint32, uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.width, h.height
}

func (h *Headless) RequiredInstanceExtensions() []string {
	return nil
}

func (h *Headless) CreateWindowSurface(instance interface{}) (uintptr, error) {
	return 0, fmt.Errorf("headless window has no surface: %w", driver.ErrNotSupported)
}
