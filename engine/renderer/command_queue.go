package renderer

import (
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type allocatorEntry struct {
	fenceValue uint64
	alloc      driver.CommandAllocator
}

type retireEntry struct {
	fenceValue uint64
	objects    []Releaser
}

// CommandQueue owns one native queue and its fence. Allocators are recycled
// once the fence value of the submission that used them completed; command
// lists are recycled as soon as they are submitted, since they only reference
// their allocator. Objects a list retained are released once its submission
// completed.
type CommandQueue struct {
	device  *Device
	typ     driver.CommandListType
	label   string
	native  driver.Queue
	fence   *Fence
	timeout time.Duration

	mu             sync.Mutex
	allocatorQueue *containers.RingQueue[allocatorEntry]
	listQueue      *containers.RingQueue[*CommandList]
	retireQueue    *containers.RingQueue[retireEntry]
	// lists is the arena of every list created by this queue; the id indexes
	// listAllocators, which holds the allocator a list currently records into.
	lists          *core.IdentifierPool
	listAllocators []driver.CommandAllocator
	closed         bool
}

func newCommandQueue(device *Device, t driver.CommandListType) (*CommandQueue, error) {
	native, err := device.native.CreateCommandQueue(t)
	if err != nil {
		core.LogError("failed to create %s command queue: %s", t, err)
		return nil, err
	}
	fence, err := NewFence(device.native, native)
	if err != nil {
		native.Release()
		return nil, err
	}
	return &CommandQueue{
		device:         device,
		typ:            t,
		label:          t.String(),
		native:         native,
		fence:          fence,
		timeout:        device.opts.FenceTimeout,
		allocatorQueue: containers.NewRingQueue[allocatorEntry](4),
		listQueue:      containers.NewRingQueue[*CommandList](4),
		retireQueue:    containers.NewRingQueue[retireEntry](4),
		lists:          core.NewIdentifierPool(4),
	}, nil
}

func (q *CommandQueue) Type() driver.CommandListType {
	return q.typ
}

func (q *CommandQueue) Native() driver.Queue {
	return q.native
}

// AcquireCommandList returns a list ready for recording. The front allocator
// of the recycle queue is reused only when its fence value completed,
// otherwise a new allocator is created.
func (q *CommandQueue) AcquireCommandList() (*CommandList, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, fmt.Errorf("acquire %s command list: %w", q.label, core.ErrQueueClosed)
	}

	q.retireCompleted()

	alloc, err := q.acquireAllocator()
	if err != nil {
		return nil, err
	}

	var list *CommandList
	if cl, ok := q.listQueue.Dequeue(); ok {
		if err := cl.reset(alloc); err != nil {
			q.allocatorQueue.Enqueue(allocatorEntry{fenceValue: 0, alloc: alloc})
			q.listQueue.Enqueue(cl)
			return nil, err
		}
		list = cl
	} else {
		cl, err := newCommandList(q.device, q.typ, alloc)
		if err != nil {
			q.allocatorQueue.Enqueue(allocatorEntry{fenceValue: 0, alloc: alloc})
			return nil, err
		}
		cl.id = q.lists.Acquire(cl)
		for uint32(len(q.listAllocators)) <= cl.id {
			q.listAllocators = append(q.listAllocators, nil)
		}
		core.QueueCounters.WithLabelValues(q.label, "list_created").Inc()
		list = cl
	}
	q.listAllocators[list.id] = alloc
	return list, nil
}

func (q *CommandQueue) acquireAllocator() (driver.CommandAllocator, error) {
	if entry, ok := q.allocatorQueue.Peek(); ok && q.fence.IsComplete(entry.fenceValue) {
		q.allocatorQueue.Dequeue()
		if err := entry.alloc.Reset(); err != nil {
			core.LogError("failed to reset %s command allocator: %s", q.label, err)
			entry.alloc.Release()
			return nil, err
		}
		core.QueueCounters.WithLabelValues(q.label, "allocator_reused").Inc()
		return entry.alloc, nil
	}
	alloc, err := q.device.native.CreateCommandAllocator(q.typ)
	if err != nil {
		core.LogError("failed to create %s command allocator: %s", q.label, err)
		return nil, err
	}
	core.QueueCounters.WithLabelValues(q.label, "allocator_created").Inc()
	return alloc, nil
}

// Submit closes the lists, executes them in order and signals the fence. The
// returned value completes once all of them finished on the GPU. Lists that
// were not acquired from this queue, or appear twice, are rejected before
// anything is closed. When closing or executing fails the lists are
// discarded and must be acquired again.
func (q *CommandQueue) Submit(lists ...*CommandList) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, fmt.Errorf("submit to %s queue: %w", q.label, core.ErrQueueClosed)
	}
	if len(lists) == 0 {
		return 0, fmt.Errorf("submit of no command lists: %w", core.ErrInvalidArgument)
	}

	seen := make(map[uint32]struct{}, len(lists))
	for _, cl := range lists {
		if !q.owns(cl) {
			return 0, fmt.Errorf("command list was not acquired from the %s queue: %w", q.label, core.ErrInvalidArgument)
		}
		if _, dup := seen[cl.id]; dup {
			return 0, fmt.Errorf("command list submitted twice in one call: %w", core.ErrInvalidArgument)
		}
		seen[cl.id] = struct{}{}
	}

	natives := make([]driver.CommandList, 0, len(lists))
	for _, cl := range lists {
		if err := cl.close(); err != nil {
			q.discard(lists...)
			return 0, err
		}
		natives = append(natives, cl.native)
	}

	if err := q.native.ExecuteCommandLists(natives...); err != nil {
		core.LogError("failed to execute %d command lists on the %s queue: %s", len(natives), q.label, err)
		q.discard(lists...)
		return 0, fmt.Errorf("execute command lists: %w", err)
	}
	for _, cl := range lists {
		cl.tracker.CommitFinalResourceStates()
	}
	v, err := q.fence.Signal()
	if err != nil {
		return 0, err
	}

	for _, cl := range lists {
		q.allocatorQueue.Enqueue(allocatorEntry{fenceValue: v, alloc: q.listAllocators[cl.id]})
		q.listAllocators[cl.id] = nil
		if objects := cl.retire(); len(objects) > 0 {
			q.retireQueue.Enqueue(retireEntry{fenceValue: v, objects: objects})
		}
		q.listQueue.Enqueue(cl)
	}
	core.QueueCounters.WithLabelValues(q.label, "submit").Add(float64(len(lists)))
	return v, nil
}

// Discard gives back a list that will not be submitted. Everything it
// recorded is dropped and its retained objects are released.
func (q *CommandQueue) Discard(cl *CommandList) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("discard on %s queue: %w", q.label, core.ErrQueueClosed)
	}
	if !q.owns(cl) {
		return fmt.Errorf("command list was not acquired from the %s queue: %w", q.label, core.ErrInvalidArgument)
	}
	q.discard(cl)
	return nil
}

// owns reports whether cl was acquired from q and not yet given back. The
// caller holds q.mu.
func (q *CommandQueue) owns(cl *CommandList) bool {
	if cl == nil {
		return false
	}
	owner, ok := q.lists.Owner(cl.id)
	return ok && owner == cl && q.listAllocators[cl.id] != nil
}

// discard returns the lists and their allocators to the recycle queues
// without executing anything. The caller holds q.mu.
func (q *CommandQueue) discard(lists ...*CommandList) {
	for _, cl := range lists {
		cl.discard()
		q.allocatorQueue.Enqueue(allocatorEntry{fenceValue: 0, alloc: q.listAllocators[cl.id]})
		q.listAllocators[cl.id] = nil
		q.listQueue.Enqueue(cl)
	}
	core.QueueCounters.WithLabelValues(q.label, "discard").Add(float64(len(lists)))
}

// Signal inserts a fence signal after all work submitted so far.
func (q *CommandQueue) Signal() (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fence.Signal()
}

func (q *CommandQueue) IsFenceComplete(v uint64) bool {
	return q.fence.IsComplete(v)
}

// FenceValue is the last value signaled on this queue.
func (q *CommandQueue) FenceValue() uint64 {
	return q.fence.Value()
}

func (q *CommandQueue) CompletedFenceValue() uint64 {
	return q.fence.CompletedValue()
}

// WaitForFenceValue blocks until v completed or the device's fence timeout
// elapsed. Objects retired by completed submissions are released.
func (q *CommandQueue) WaitForFenceValue(v uint64) WaitResult {
	result := q.fence.WaitFor(v, q.timeout)
	q.mu.Lock()
	q.retireCompleted()
	q.mu.Unlock()
	return result
}

// Flush waits for all work submitted to the queue.
func (q *CommandQueue) Flush() (WaitResult, error) {
	v, err := q.Signal()
	if err != nil {
		return WaitTimedOut, err
	}
	return q.WaitForFenceValue(v), nil
}

// retireCompleted releases the objects of every completed submission, oldest
// first. The caller holds q.mu.
func (q *CommandQueue) retireCompleted() {
	for {
		entry, ok := q.retireQueue.Peek()
		if !ok || !q.fence.IsComplete(entry.fenceValue) {
			return
		}
		q.retireQueue.Dequeue()
		for _, obj := range entry.objects {
			obj.Release()
		}
	}
}

// Close flushes the queue and destroys every list and allocator it created.
func (q *CommandQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	result, err := q.Flush()
	if err == nil && result == WaitTimedOut {
		err = fmt.Errorf("close %s queue: %w", q.label, core.ErrFenceTimeout)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if err != nil {
		// the GPU may still use everything below
		core.LogError("%s queue closed with work in flight: %s", q.label, err)
		return err
	}

	q.retireCompleted()
	for id := range q.listAllocators {
		if owner, ok := q.lists.Owner(uint32(id)); ok {
			owner.(*CommandList).release()
			_ = q.lists.Release(uint32(id))
		}
		if alloc := q.listAllocators[id]; alloc != nil {
			alloc.Release()
			q.listAllocators[id] = nil
		}
	}
	for !q.allocatorQueue.IsEmpty() {
		entry, _ := q.allocatorQueue.Dequeue()
		entry.alloc.Release()
	}
	for !q.listQueue.IsEmpty() {
		q.listQueue.Dequeue()
	}
	q.fence.Release()
	q.native.Release()
	return nil
}
