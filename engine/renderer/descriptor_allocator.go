package renderer

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// DescriptorAllocator hands out CPU visible descriptors of one heap type from
// a growing set of fixed size pages.
type DescriptorAllocator struct {
	device                driver.Device
	heapType              driver.DescriptorHeapType
	numDescriptorsPerHeap uint32
	frames                *FrameCounter
	framesInFlight        uint64

	mu    sync.Mutex
	pages []*DescriptorAllocatorPage
}

func NewDescriptorAllocator(device driver.Device, t driver.DescriptorHeapType, numDescriptorsPerHeap uint32, frames *FrameCounter, framesInFlight uint32) *DescriptorAllocator {
	return &DescriptorAllocator{
		device:                device,
		heapType:              t,
		numDescriptorsPerHeap: numDescriptorsPerHeap,
		frames:                frames,
		framesInFlight:        uint64(framesInFlight),
	}
}

// Allocate returns n contiguous descriptors from the first page that has room,
// creating a new page when none does.
func (a *DescriptorAllocator) Allocate(n uint32) (*DescriptorAllocation, error) {
	if n == 0 {
		return nil, fmt.Errorf("allocate zero %s descriptors: %w", a.heapType, core.ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, page := range a.pages {
		if !page.HasSpace(n) {
			continue
		}
		if alloc := page.Allocate(n); alloc != nil {
			a.updateGauges()
			return alloc, nil
		}
	}

	page, err := a.createPage(max(a.numDescriptorsPerHeap, n))
	if err != nil {
		return nil, err
	}
	alloc := page.Allocate(n)
	a.updateGauges()
	return alloc, nil
}

func (a *DescriptorAllocator) createPage(size uint32) (*DescriptorAllocatorPage, error) {
	page, err := newDescriptorAllocatorPage(a.device, a.heapType, size, a.frames)
	if err != nil {
		core.LogError("failed to create %s descriptor page: %s", a.heapType, err)
		return nil, err
	}
	a.pages = append(a.pages, page)
	core.LogDebug("created %s descriptor page %d with %d descriptors", a.heapType, len(a.pages)-1, size)
	return page, nil
}

// ReleaseStaleDescriptors reclaims ranges freed at least framesInFlight frames
// before frame.
func (a *DescriptorAllocator) ReleaseStaleDescriptors(frame uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, page := range a.pages {
		page.ReleaseStaleDescriptors(frame, a.framesInFlight)
	}
	a.updateGauges()
}

func (a *DescriptorAllocator) NumPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}

func (a *DescriptorAllocator) outstanding() int {
	n := 0
	for _, page := range a.pages {
		n += page.Outstanding()
	}
	return n
}

func (a *DescriptorAllocator) updateGauges() {
	heap := a.heapType.String()
	core.DescriptorGauges.WithLabelValues(heap, "pages").Set(float64(len(a.pages)))
	core.DescriptorGauges.WithLabelValues(heap, "outstanding").Set(float64(a.outstanding()))
}

// Close destroys every page. Allocations that were never freed are reported
// as a leak.
func (a *DescriptorAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	leaked := 0
	for i, page := range a.pages {
		if n := page.Outstanding(); n > 0 {
			core.LogWarn("%s descriptor page %d has %d allocations that were never freed", a.heapType, i, n)
			leaked += n
		}
		page.release()
	}
	a.pages = nil
	a.updateGauges()
	if leaked > 0 {
		return fmt.Errorf("%d %s allocations: %w", leaked, a.heapType, core.ErrDescriptorLeak)
	}
	return nil
}
