package vulkan

import (
	"math"
	"slices"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
)

type fenceWaiter struct {
	value uint64
	ch    chan struct{}
}

// Fence implements driver.Fence as a counter over binary VkFences. Every
// Signal takes a VkFence from the free list and a goroutine raises the
// completed value once the GPU reached it.
type Fence struct {
	dev *Device

	mu        sync.Mutex
	completed uint64
	waiters   []fenceWaiter
	free      []vk.Fence
	released  bool

	pending sync.WaitGroup
}

func newFence(d *Device, initial uint64) *Fence {
	return &Fence{dev: d, completed: initial}
}

func (f *Fence) acquire() (vk.Fence, error) {
	f.mu.Lock()
	if n := len(f.free); n > 0 {
		h := f.free[n-1]
		f.free = f.free[:n-1]
		f.mu.Unlock()
		return h, nil
	}
	f.mu.Unlock()

	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	var h vk.Fence
	if res := vk.CreateFence(f.dev.handle, &fenceCreateInfo, nil, &h); res != vk.Success {
		err := resultError(res, "vkCreateFence")
		core.LogError(err.Error())
		return nil, err
	}
	return h, nil
}

func (f *Fence) recycle(h vk.Fence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = append(f.free, h)
}

func (f *Fence) watch(h vk.Fence, value uint64) {
	f.pending.Add(1)
	go func() {
		defer f.pending.Done()
		result := vk.WaitForFences(f.dev.handle, 1, []vk.Fence{h}, vk.True, math.MaxUint64)
		switch result {
		case vk.Success:
		case vk.ErrorDeviceLost:
			core.LogError("vk_fence_wait - VK_ERROR_DEVICE_LOST.")
			return
		default:
			core.LogError("vk_fence_wait - %s", resultString(result))
			return
		}
		if res := vk.ResetFences(f.dev.handle, 1, []vk.Fence{h}); res != vk.Success {
			core.LogError("failed to reset fence: %s", resultString(res))
		} else {
			f.recycle(h)
		}
		f.set(value)
	}()
}

func (f *Fence) set(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v <= f.completed {
		return
	}
	f.completed = v
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= v {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}

func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *Fence) Done(v uint64) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed >= v {
		close(ch)
		return ch, func() {}
	}
	f.waiters = append(f.waiters, fenceWaiter{value: v, ch: ch})
	return ch, func() { f.forget(ch) }
}

func (f *Fence) forget(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiters = slices.DeleteFunc(f.waiters, func(w fenceWaiter) bool { return w.ch == ch })
}

// Release waits for outstanding signals and destroys the VkFences.
func (f *Fence) Release() {
	f.pending.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return
	}
	f.released = true
	for _, h := range f.free {
		vk.DestroyFence(f.dev.handle, h, nil)
	}
	f.free = nil
}
