package platform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

func TestHeadlessQuitsAfterFrameBudget(t *testing.T) {
	bus := core.NewEventBus()
	quits := 0
	bus.Register(core.EVENT_CODE_APPLICATION_QUIT, func(core.EventContext) bool {
		quits++
		return true
	})

	h := NewHeadless(bus, 64, 32, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, h.PumpMessages())
	}
	assert.False(t, h.PumpMessages())
	assert.False(t, h.PumpMessages())
	assert.Equal(t, 1, quits)
}

func TestHeadlessUnlimitedFrames(t *testing.T) {
	h := NewHeadless(core.NewEventBus(), 64, 32, 0)
	for i := 0; i < 100; i++ {
		require.True(t, h.PumpMessages())
	}
	h.Close()
	assert.False(t, h.PumpMessages())
	assert.Equal(t, uint64(100), h.Pumped())
}

func TestHeadlessDeliversInjectedEventsOnPump(t *testing.T) {
	bus := core.NewEventBus()
	var got []core.SystemEventCode
	var size *core.ResizeEvent
	record := func(ctx core.EventContext) bool {
		got = append(got, ctx.Type)
		if r, ok := ctx.Data.(*core.ResizeEvent); ok {
			size = r
		}
		return false
	}
	bus.Register(core.EVENT_CODE_RESIZED, record)
	bus.Register(core.EVENT_CODE_KEY_PRESSED, record)
	bus.Register(core.EVENT_CODE_KEY_RELEASED, record)

	h := NewHeadless(bus, 64, 32, 0)
	h.Resize(128, 96)
	h.PressKey(core.KEY_V)
	assert.Empty(t, got)

	w, hgt := h.FramebufferSize()
	assert.Equal(t, uint32(128), w)
	assert.Equal(t, uint32(96), hgt)

	require.True(t, h.PumpMessages())
	assert.Equal(t, []core.SystemEventCode{
		core.EVENT_CODE_RESIZED,
		core.EVENT_CODE_KEY_PRESSED,
		core.EVENT_CODE_KEY_RELEASED,
	}, got)
	require.NotNil(t, size)
	assert.Equal(t, uint32(128), size.Width)
}

func TestHeadlessHasNoSurface(t *testing.T) {
	h := NewHeadless(core.NewEventBus(), 1, 1, 1)
	assert.Nil(t, h.RequiredInstanceExtensions())
	_, err := h.CreateWindowSurface(nil)
	assert.True(t, errors.Is(err, driver.ErrNotSupported))

	h.SetTitle("prism")
	assert.Equal(t, "prism", h.Title())
}
