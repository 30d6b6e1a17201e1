package soft

import (
	"slices"
	"sync"
)

type fenceWaiter struct {
	value uint64
	ch    chan struct{}
}

// Fence implements driver.Fence.
type Fence struct {
	mu        sync.Mutex
	completed uint64
	waiters   []fenceWaiter
}

func newFence(initial uint64) *Fence {
	return &Fence{completed: initial}
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

// set is called from the GPU timeline.
func (f *Fence) set(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

// Waiters returns how many Done channels are still open.
func (f *Fence) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *Fence) Release() {}
