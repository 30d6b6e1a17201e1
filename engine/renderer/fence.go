package renderer

import (
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// WaitResult is the outcome of a bounded fence wait.
type WaitResult int

const (
	WaitComplete WaitResult = iota
	WaitTimedOut
)

func (r WaitResult) String() string {
	switch r {
	case WaitComplete:
		return "complete"
	case WaitTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("WaitResult(%d)", int(r))
}

// Fence issues monotonically increasing values on one queue and waits for the
// GPU to reach them.
type Fence struct {
	native driver.Fence
	queue  driver.Queue
	label  string

	mu    sync.Mutex
	value uint64
}

func NewFence(device driver.Device, queue driver.Queue) (*Fence, error) {
	native, err := device.CreateFence(0)
	if err != nil {
		core.LogError("failed to create fence: %s", err)
		return nil, err
	}
	return &Fence{
		native: native,
		queue:  queue,
		label:  queue.Type().String(),
	}, nil
}

// Signal increments the fence value and asks the queue to set the fence to it
// once all previously submitted work completed.
func (f *Fence) Signal() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.value + 1
	if err := f.queue.Signal(f.native, v); err != nil {
		core.LogError("failed to signal %s fence with value %d: %s", f.label, v, err)
		return 0, fmt.Errorf("signal %s fence: %w", f.label, err)
	}
	f.value = v
	core.QueueCounters.WithLabelValues(f.label, "signal").Inc()
	return v, nil
}

// Value returns the last signaled value.
func (f *Fence) Value() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *Fence) CompletedValue() uint64 {
	return f.native.CompletedValue()
}

func (f *Fence) IsComplete(v uint64) bool {
	return f.native.CompletedValue() >= v
}

// WaitFor blocks until the fence reaches v or the timeout elapses.
func (f *Fence) WaitFor(v uint64, timeout time.Duration) WaitResult {
	if f.IsComplete(v) {
		return WaitComplete
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done, cancel := f.native.Done(v)
	result := WaitComplete
	select {
	case <-done:
	case <-timer.C:
		cancel()
		result = WaitTimedOut
		core.LogWarn("timed out after %s waiting for %s fence value %d (completed %d)", timeout, f.label, v, f.CompletedValue())
		core.QueueCounters.WithLabelValues(f.label, "wait_timeout").Inc()
	}
	core.FenceWaitSeconds.WithLabelValues(f.label, result.String()).Observe(time.Since(start).Seconds())
	return result
}

// Flush signals and waits for the new value, draining all submitted work.
func (f *Fence) Flush(timeout time.Duration) (WaitResult, error) {
	v, err := f.Signal()
	if err != nil {
		return WaitTimedOut, err
	}
	return f.WaitFor(v, timeout), nil
}

func (f *Fence) Release() {
	f.native.Release()
}
