package renderer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

// observedSwapchain records the queue and back buffer state seen by
// ResizeBuffers.
type observedSwapchain struct {
	driver.Swapchain
	queue *CommandQueue

	completedAtResize []uint64
	refsAtResize      []int
}

func (s *observedSwapchain) ResizeBuffers(width, height uint32) error {
	s.completedAtResize = append(s.completedAtResize, s.queue.CompletedFenceValue())
	s.refsAtResize = append(s.refsAtResize, s.Swapchain.(*soft.Swapchain).OutstandingReferences())
	return s.Swapchain.ResizeBuffers(width, height)
}

type timedOutFlusher struct {
	calls int
}

func (f *timedOutFlusher) Flush() (WaitResult, error) {
	f.calls++
	return WaitTimedOut, nil
}

func newObservedSwapchain(t *testing.T, d *Device, flusher Flusher) (*Swapchain, *observedSwapchain) {
	t.Helper()
	q := d.CommandQueue(driver.CommandListDirect)
	native, err := d.Native().CreateSwapchain(q.Native(), driver.SwapchainDesc{
		Width:       64,
		Height:      64,
		BufferCount: 3,
		Format:      driver.FormatR8G8B8A8Unorm,
	})
	require.NoError(t, err)
	observed := &observedSwapchain{Swapchain: native, queue: q}
	if flusher == nil {
		flusher = q
	}
	sc, err := newSwapchain(d, q, flusher, observed, true)
	require.NoError(t, err)
	return sc, observed
}

func TestSwapchainResizeFlushesFirst(t *testing.T) {
	d, sd := newTestDevice(t)
	sc, observed := newObservedSwapchain(t, d, nil)
	q := d.CommandQueue(driver.CommandListDirect)
	native := q.Native().(*soft.Queue)

	native.Pause()
	cl := acquire(t, q)
	cl.ClearTexture(sc.CurrentRenderTarget(), [4]float32{0.4, 0.6, 0.9, 1})
	v := submit(t, q, cl)
	assert.Equal(t, int32(2), sc.CurrentRenderTarget().RefCount())

	time.AfterFunc(20*time.Millisecond, native.Resume)
	require.NoError(t, sc.Resize(128, 96))

	require.Len(t, observed.completedAtResize, 1)
	assert.Greater(t, observed.completedAtResize[0], v)
	assert.Equal(t, 0, observed.refsAtResize[0])

	w, h := sc.Size()
	assert.Equal(t, uint32(128), w)
	assert.Equal(t, uint32(96), h)
	assert.Equal(t, uint32(128), sc.CurrentRenderTarget().Width())
	assert.Empty(t, sd.ValidationMessages())
	require.NoError(t, sc.Release())
}

func TestSwapchainResizeSameSizeSkipsFlush(t *testing.T) {
	d, _ := newTestDevice(t)
	sc, observed := newObservedSwapchain(t, d, nil)
	before := d.CommandQueue(driver.CommandListDirect).FenceValue()

	require.NoError(t, sc.Resize(64, 64))
	assert.Empty(t, observed.completedAtResize)
	assert.Equal(t, before, d.CommandQueue(driver.CommandListDirect).FenceValue())

	require.NoError(t, sc.Resize(0, 0))
	w, h := sc.Size()
	assert.Equal(t, uint32(1), w)
	assert.Equal(t, uint32(1), h)
	require.NoError(t, sc.Release())
}

func TestSwapchainResizeTimedOutFlush(t *testing.T) {
	d, _ := newTestDevice(t)
	flusher := &timedOutFlusher{}
	sc, observed := newObservedSwapchain(t, d, flusher)

	err := sc.Resize(32, 32)
	assert.ErrorIs(t, err, core.ErrFenceTimeout)
	assert.Equal(t, 1, flusher.calls)
	assert.Empty(t, observed.completedAtResize)
	assert.NotNil(t, sc.CurrentRenderTarget())

	sc.flusher = d.CommandQueue(driver.CommandListDirect)
	require.NoError(t, sc.Release())
}

func TestSwapchainPresent(t *testing.T) {
	d, sd := newTestDevice(t)
	sc, err := d.CreateSwapchain(32, 32, true)
	require.NoError(t, err)
	q := d.CommandQueue(driver.CommandListDirect)

	for frame := 0; frame < 4; frame++ {
		cl := acquire(t, q)
		cl.ClearTexture(sc.CurrentRenderTarget(), [4]float32{1, 0, 0, 1})
		submit(t, q, cl)
		next, err := sc.Present()
		require.NoError(t, err)
		assert.Equal(t, uint32((frame+1)%3), next)
		assert.Equal(t, WaitComplete, sc.WaitForBackBuffer())
	}
	assert.Equal(t, uint64(4), d.Frames().Current())

	sc.ToggleVSync()
	assert.False(t, sc.VSync())
	_, err = sc.Present()
	require.NoError(t, err)

	result, err := q.Flush()
	require.NoError(t, err)
	require.Equal(t, WaitComplete, result)
	assert.Equal(t, uint64(5), sd.Stats().Presents)
	assert.Empty(t, sd.ValidationMessages())
	require.NoError(t, sc.Release())
}
