package core

import "sync"

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01
	// Keyboard key pressed. Data is a *KeyEvent.
	EVENT_CODE_KEY_PRESSED SystemEventCode = 0x02
	// Keyboard key released. Data is a *KeyEvent.
	EVENT_CODE_KEY_RELEASED SystemEventCode = 0x03
	// Mouse wheel moved. Data is a *MouseWheelEvent.
	EVENT_CODE_MOUSE_WHEEL SystemEventCode = 0x07
	// Resized/resolution changed from the OS. Data is a *ResizeEvent.
	EVENT_CODE_RESIZED SystemEventCode = 0x08
	// A watched asset changed on disk. Data is a *AssetEvent.
	EVENT_CODE_ASSET_CHANGED SystemEventCode = 0x09

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

type KeyCode uint16

const (
	KEY_ESCAPE KeyCode = 0x1B
	KEY_SPACE  KeyCode = 0x20
	KEY_F11    KeyCode = 0x7A
	KEY_V      KeyCode = 0x56
)

type KeyEvent struct {
	KeyCode KeyCode
	Shift   bool
	Control bool
	Alt     bool
}

// Delta is positive when the wheel moves away from the user.
type MouseWheelEvent struct {
	Delta float32
}

type ResizeEvent struct {
	Width  uint32
	Height uint32
}

type AssetEvent struct {
	Name string
	Path string
}

type EventContext struct {
	Type SystemEventCode
	Data interface{}
}

// Should return true if handled.
type FnOnEvent func(context EventContext) bool

// EventBus dispatches events synchronously on the caller's goroutine. Handlers
// run in registration order and the first one returning true stops dispatch.
type EventBus struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]FnOnEvent
}

func NewEventBus() *EventBus {
	return &EventBus{
		registered: make(map[SystemEventCode][]FnOnEvent),
	}
}

func (b *EventBus) Register(code SystemEventCode, onEvent FnOnEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[code] = append(b.registered[code], onEvent)
}

// Fire returns true if a listener handled the event.
func (b *EventBus) Fire(context EventContext) bool {
	b.mu.RLock()
	listeners := b.registered[context.Type]
	b.mu.RUnlock()

	for _, fn := range listeners {
		if fn(context) {
			// Message has been handled, do not send to other listeners.
			return true
		}
	}
	return false
}

func (b *EventBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = make(map[SystemEventCode][]FnOnEvent)
}
