package soft

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Swapchain implements driver.Swapchain with back buffers in host memory.
type Swapchain struct {
	dev   *Device
	queue *Queue

	mu      sync.Mutex
	desc    driver.SwapchainDesc
	buffers []*Resource
	current uint32
}

func newSwapchain(d *Device, q *Queue, desc driver.SwapchainDesc) (*Swapchain, error) {
	if desc.BufferCount < 2 {
		return nil, d.invalidCall("swapchain needs at least 2 buffers, got %d", desc.BufferCount)
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, d.invalidCall("swapchain with an empty client area")
	}
	if desc.Format != driver.FormatR8G8B8A8Unorm && desc.Format != driver.FormatB8G8R8A8Unorm {
		return nil, d.invalidCall("swapchain format %d is not presentable", desc.Format)
	}
	sc := &Swapchain{dev: d, queue: q, desc: desc}
	sc.createBuffers()
	return sc, nil
}

func (sc *Swapchain) createBuffers() {
	sc.buffers = make([]*Resource, sc.desc.BufferCount)
	desc := driver.Tex2DDesc(sc.desc.Format, uint64(sc.desc.Width), sc.desc.Height, 1, 1, driver.ResourceFlagAllowRenderTarget)
	for i := range sc.buffers {
		r := newResource(sc.dev, driver.HeapDefault, desc, driver.StatePresent, desc.ByteSize())
		r.swapchain = sc
		r.SetName(fmt.Sprintf("Backbuffer[%d]", i))
		sc.buffers[i] = r
	}
	sc.current = 0
}

func (sc *Swapchain) BufferCount() uint32 {
	return sc.desc.BufferCount
}

func (sc *Swapchain) CurrentBackBufferIndex() uint32 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.current
}

func (sc *Swapchain) Buffer(i uint32) (driver.Resource, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if i >= uint32(len(sc.buffers)) {
		return nil, sc.dev.invalidCall("back buffer %d out of range", i)
	}
	r := sc.buffers[i]
	r.refs.Add(1)
	return r, nil
}

// OutstandingReferences returns the number of back buffer references held by
// callers.
func (sc *Swapchain) OutstandingReferences() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	n := 0
	for _, b := range sc.buffers {
		n += int(b.refs.Load())
	}
	return n
}

func (sc *Swapchain) ResizeBuffers(width, height uint32) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if width == 0 || height == 0 {
		return sc.dev.invalidCall("ResizeBuffers to an empty client area")
	}
	for _, b := range sc.buffers {
		if n := b.refs.Load(); n > 0 {
			return sc.dev.invalidCall("ResizeBuffers with %d outstanding references to %s", n, formatResource(b))
		}
	}
	if !sc.queue.Idle() {
		return sc.dev.invalidCall("ResizeBuffers while the GPU still executes work on the present queue")
	}
	for _, b := range sc.buffers {
		b.released.Store(true)
	}
	sc.desc.Width = width
	sc.desc.Height = height
	sc.createBuffers()
	return nil
}

func (sc *Swapchain) Present(syncInterval uint32, flags driver.PresentFlags) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if flags&driver.PresentAllowTearing != 0 && (!sc.desc.AllowTearing || syncInterval != 0) {
		return sc.dev.invalidCall("Present with tearing requires a tearing swapchain and sync interval 0")
	}
	buf := sc.buffers[sc.current]
	sc.current = (sc.current + 1) % uint32(len(sc.buffers))
	return sc.queue.enqueue("Present", func() {
		if buf.alive("Present") {
			buf.requireState(driver.StatePresent, "Present")
		}
		sc.dev.presents.Add(1)
	}, nil)
}

func (sc *Swapchain) TearingSupported() bool {
	return true
}

func (sc *Swapchain) Release() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, b := range sc.buffers {
		b.released.Store(true)
	}
}
