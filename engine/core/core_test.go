package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierPoolReusesSlots(t *testing.T) {
	pool := NewIdentifierPool(2)
	a := pool.Acquire("a")
	b := pool.Acquire("b")
	assert.NotEqual(t, a, b)

	require.NoError(t, pool.Release(a))
	assert.True(t, errors.Is(pool.Release(a), ErrInvalidArgument))

	c := pool.Acquire("c")
	assert.Equal(t, a, c)

	owner, ok := pool.Owner(c)
	require.True(t, ok)
	assert.Equal(t, "c", owner)

	assert.True(t, errors.Is(pool.Release(99), ErrInvalidArgument))
}

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prism.toml")
	data := []byte(`
[window]
width = 640

[renderer]
warp = true
descriptor_page_size = 4
fence_timeout_ms = 250

[log]
level = "debug"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(640), cfg.Window.Width)
	// untouched keys keep their defaults
	assert.Equal(t, uint32(720), cfg.Window.Height)
	assert.True(t, cfg.Renderer.Warp)
	assert.Equal(t, uint32(4), cfg.Renderer.DescriptorPageSize)
	assert.Equal(t, uint32(3), cfg.Renderer.FramesInFlight)
	assert.Equal(t, int64(250), cfg.Renderer.FenceTimeout().Milliseconds())
	assert.Equal(t, LogLevelDebug, cfg.Log.Level)
}

func TestLoadConfigRejectsZeroFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prism.toml")
	require.NoError(t, os.WriteFile(path, []byte("[renderer]\nframes_in_flight = 0\n"), 0o644))

	_, err := LoadConfig(path)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestEventBusStopsAtFirstHandler(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	bus.Register(EVENT_CODE_RESIZED, func(ctx EventContext) bool {
		calls++
		ev := ctx.Data.(*ResizeEvent)
		return ev.Width == 10
	})
	bus.Register(EVENT_CODE_RESIZED, func(ctx EventContext) bool {
		calls++
		return true
	})

	assert.True(t, bus.Fire(EventContext{Type: EVENT_CODE_RESIZED, Data: &ResizeEvent{Width: 10, Height: 10}}))
	assert.Equal(t, 1, calls)
	assert.True(t, bus.Fire(EventContext{Type: EVENT_CODE_RESIZED, Data: &ResizeEvent{Width: 20, Height: 10}}))
	assert.Equal(t, 3, calls)
	assert.False(t, bus.Fire(EventContext{Type: EVENT_CODE_APPLICATION_QUIT}))
}
