package soft

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/systems"
)

// timeline depth before ExecuteCommandLists blocks the CPU
const queueDepth = 1024

// Queue implements driver.Queue. Work runs in submission order on a single
// worker of a job system.
type Queue struct {
	dev     *Device
	typ     driver.CommandListType
	jobs    *systems.JobSystem
	pending atomic.Int64

	mu     sync.Mutex
	paused chan struct{}
	closed bool
}

func newQueue(d *Device, t driver.CommandListType) (*Queue, error) {
	js, err := systems.NewJobSystem(1, queueDepth)
	if err != nil {
		return nil, err
	}
	return &Queue{dev: d, typ: t, jobs: js}, nil
}

func (q *Queue) Type() driver.CommandListType {
	return q.typ
}

// Pause stops the GPU timeline before the next queued job. Jobs keep queuing
// until Resume is called.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused == nil {
		q.paused = make(chan struct{})
	}
}

func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused != nil {
		close(q.paused)
		q.paused = nil
	}
}

// Idle reports whether every submitted job finished executing.
func (q *Queue) Idle() bool {
	return q.pending.Load() == 0
}

func (q *Queue) gate() {
	q.mu.Lock()
	ch := q.paused
	q.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// enqueue schedules run on the timeline. after runs once the job no longer
// counts as pending, so a fence set there observes an idle queue.
func (q *Queue) enqueue(name string, run func(), after func()) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return q.dev.invalidCall("%s on a released %s queue", name, q.typ)
	}

	q.pending.Add(1)
	err := q.jobs.Submit(systems.JobTask{
		Name: name,
		Run: func() error {
			q.gate()
			if run != nil {
				run()
			}
			q.pending.Add(-1)
			if after != nil {
				after()
			}
			return nil
		},
	})
	if err != nil {
		q.pending.Add(-1)
		return fmt.Errorf("%s: %w", name, driver.ErrFatal)
	}
	return nil
}

func (q *Queue) ExecuteCommandLists(lists ...driver.CommandList) error {
	checked := make([]*CommandList, 0, len(lists))
	batches := make([]*recording, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != q.dev {
			return q.dev.invalidCall("command list %T was not created by this device", l)
		}
		if cl.typ != q.typ {
			return q.dev.invalidCall("%s command list executed on a %s queue", cl.typ, q.typ)
		}
		if cl.recording {
			return q.dev.invalidCall("command list executed before Close")
		}
		if cl.closedRec == nil || slices.Contains(checked, cl) {
			return q.dev.invalidCall("command list executed twice without Reset")
		}
		checked = append(checked, cl)
	}
	// nothing is taken until every list passed
	for _, cl := range checked {
		rec := cl.takeRecording()
		rec.alloc.inFlight.Add(1)
		batches = append(batches, rec)
	}

	err := q.enqueue("ExecuteCommandLists", func() {
		for _, rec := range batches {
			rec.execute(q.dev)
			q.dev.executions.Add(1)
			rec.alloc.inFlight.Add(-1)
		}
	}, nil)
	if err != nil {
		for _, rec := range batches {
			rec.alloc.inFlight.Add(-1)
		}
	}
	return err
}

func (q *Queue) Signal(fence driver.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return q.dev.invalidCall("fence %T was not created by this device", fence)
	}
	return q.enqueue("Signal", nil, func() {
		f.set(value)
	})
}

// Release drains the timeline and stops the worker. A paused queue is
// resumed first.
func (q *Queue) Release() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Resume()
	_ = q.jobs.Shutdown()
}
