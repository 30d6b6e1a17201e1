package renderer

import (
	"sync/atomic"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// DescriptorAllocation is a contiguous range of CPU visible descriptors from
// one page. Share it by pointer only: Free must be called exactly once when
// the owner is done with it, and further calls are no-ops.
type DescriptorAllocation struct {
	descriptor driver.CPUDescriptorHandle
	numHandles uint32
	increment  uint32
	page       *DescriptorAllocatorPage
	freed      atomic.Bool
}

func (a *DescriptorAllocation) IsNull() bool {
	return a == nil || a.descriptor.IsNull()
}

// Handle returns the descriptor at offset inside the range.
func (a *DescriptorAllocation) Handle(offset uint32) driver.CPUDescriptorHandle {
	if a.IsNull() {
		return driver.CPUDescriptorHandle{}
	}
	if offset >= a.numHandles {
		core.LogError("descriptor offset %d out of range (allocation has %d handles)", offset, a.numHandles)
		return driver.CPUDescriptorHandle{}
	}
	return a.descriptor.Offset(offset, a.increment)
}

func (a *DescriptorAllocation) NumHandles() uint32 {
	if a == nil {
		return 0
	}
	return a.numHandles
}

func (a *DescriptorAllocation) Page() *DescriptorAllocatorPage {
	if a == nil {
		return nil
	}
	return a.page
}

// Free hands the range back to its page. The slots become reusable once the
// frame counter moved past the frames still in flight.
func (a *DescriptorAllocation) Free() {
	if a.IsNull() || a.freed.Swap(true) {
		return
	}
	a.page.free(a)
}
