package renderer

import (
	"fmt"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Flusher drains all GPU work that may reference the swapchain's back buffers.
type Flusher interface {
	Flush() (WaitResult, error)
}

// Swapchain presents the back buffers of a window surface. Each back buffer
// remembers the fence value of the last frame that rendered into it.
type Swapchain struct {
	device  *Device
	queue   *CommandQueue
	flusher Flusher
	native  driver.Swapchain

	width, height uint32
	vsync         bool
	tearing       bool

	backBuffers []*Texture
	fenceValues []uint64
	index       uint32
}

// CreateSwapchain creates a swapchain presenting through the direct queue,
// with one back buffer per frame in flight.
func (d *Device) CreateSwapchain(width, height uint32, vsync bool) (*Swapchain, error) {
	queue := d.CommandQueue(driver.CommandListDirect)
	native, err := d.native.CreateSwapchain(queue.Native(), driver.SwapchainDesc{
		Width:        max(width, 1),
		Height:       max(height, 1),
		BufferCount:  max(d.opts.FramesInFlight, 2),
		Format:       driver.FormatR8G8B8A8Unorm,
		AllowTearing: true,
	})
	if err != nil {
		core.LogError("failed to create swapchain: %s", err)
		return nil, fmt.Errorf("create swapchain: %w", err)
	}
	return newSwapchain(d, queue, queue, native, vsync)
}

func newSwapchain(d *Device, queue *CommandQueue, flusher Flusher, native driver.Swapchain, vsync bool) (*Swapchain, error) {
	sc := &Swapchain{
		device:      d,
		queue:       queue,
		flusher:     flusher,
		native:      native,
		vsync:       vsync,
		tearing:     native.TearingSupported(),
		fenceValues: make([]uint64, native.BufferCount()),
	}
	if err := sc.updateRenderTargetViews(); err != nil {
		native.Release()
		return nil, err
	}
	return sc, nil
}

func (sc *Swapchain) updateRenderTargetViews() error {
	sc.backBuffers = make([]*Texture, sc.native.BufferCount())
	for i := range sc.backBuffers {
		buf, err := sc.native.Buffer(uint32(i))
		if err != nil {
			sc.releaseBackBuffers()
			return fmt.Errorf("get back buffer %d: %w", i, err)
		}
		tex, err := sc.device.wrapTexture(newResource(sc.device.registry, buf, driver.StatePresent, nil))
		if err != nil {
			sc.releaseBackBuffers()
			return err
		}
		sc.backBuffers[i] = tex
	}
	desc := sc.backBuffers[0].Desc()
	sc.width = uint32(desc.Width)
	sc.height = desc.Height
	sc.index = sc.native.CurrentBackBufferIndex()
	return nil
}

func (sc *Swapchain) releaseBackBuffers() {
	for i, tex := range sc.backBuffers {
		if tex != nil {
			tex.Release()
			sc.backBuffers[i] = nil
		}
	}
}

// CurrentRenderTarget is the back buffer the next frame renders into.
func (sc *Swapchain) CurrentRenderTarget() *Texture {
	return sc.backBuffers[sc.index]
}

// BackBuffer returns back buffer i, or nil when i is out of range.
func (sc *Swapchain) BackBuffer(i uint32) *Texture {
	if int(i) >= len(sc.backBuffers) {
		return nil
	}
	return sc.backBuffers[i]
}

func (sc *Swapchain) BufferCount() uint32 {
	return uint32(len(sc.backBuffers))
}

func (sc *Swapchain) CurrentBackBufferIndex() uint32 {
	return sc.index
}

func (sc *Swapchain) Size() (uint32, uint32) {
	return sc.width, sc.height
}

func (sc *Swapchain) VSync() bool {
	return sc.vsync
}

func (sc *Swapchain) SetVSync(vsync bool) {
	sc.vsync = vsync
}

func (sc *Swapchain) ToggleVSync() {
	sc.vsync = !sc.vsync
}

// Present transitions the current back buffer to the present state, submits,
// presents and advances the frame counter. It returns the index of the next
// back buffer; call WaitForBackBuffer before rendering into it.
func (sc *Swapchain) Present() (uint32, error) {
	cl, err := sc.queue.AcquireCommandList()
	if err != nil {
		return sc.index, err
	}
	cl.Transition(sc.CurrentRenderTarget().Resource, driver.StatePresent, driver.AllSubresources, false)
	v, err := sc.queue.Submit(cl)
	if err != nil {
		return sc.index, err
	}
	sc.fenceValues[sc.index] = v

	var syncInterval uint32
	flags := driver.PresentNone
	if sc.vsync {
		syncInterval = 1
	} else if sc.tearing {
		flags = driver.PresentAllowTearing
	}
	if err := sc.native.Present(syncInterval, flags); err != nil {
		core.LogError("failed to present: %s", err)
		return sc.index, fmt.Errorf("present: %w", err)
	}
	core.FramesRendered.Inc()

	sc.index = sc.native.CurrentBackBufferIndex()
	sc.device.frames.Advance()
	sc.device.ReleaseStaleDescriptors()
	return sc.index, nil
}

// WaitForBackBuffer blocks until the GPU finished the last frame rendered
// into the current back buffer.
func (sc *Swapchain) WaitForBackBuffer() WaitResult {
	return sc.queue.WaitForFenceValue(sc.fenceValues[sc.index])
}

// Resize recreates the back buffers for the new client size. All GPU work is
// flushed before the back buffer references are released.
func (sc *Swapchain) Resize(width, height uint32) error {
	width, height = max(width, 1), max(height, 1)
	if width == sc.width && height == sc.height {
		return nil
	}

	result, err := sc.flusher.Flush()
	if err != nil {
		return err
	}
	if result == WaitTimedOut {
		return fmt.Errorf("resize swapchain: %w", core.ErrFenceTimeout)
	}

	sc.releaseBackBuffers()
	if err := sc.native.ResizeBuffers(width, height); err != nil {
		core.LogError("failed to resize swapchain to %dx%d: %s", width, height, err)
		return fmt.Errorf("resize swapchain buffers: %w", err)
	}
	for i := range sc.fenceValues {
		sc.fenceValues[i] = sc.queue.FenceValue()
	}
	core.LogDebug("swapchain resized to %dx%d", width, height)
	return sc.updateRenderTargetViews()
}

// Release flushes the GPU and destroys the swapchain.
func (sc *Swapchain) Release() error {
	result, err := sc.flusher.Flush()
	if err == nil && result == WaitTimedOut {
		err = fmt.Errorf("release swapchain: %w", core.ErrFenceTimeout)
	}
	sc.releaseBackBuffers()
	sc.native.Release()
	return err
}
