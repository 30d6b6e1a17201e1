package renderer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

const testFramesInFlight = 3

func newTestAllocator(t *testing.T, pageSize uint32) (*DescriptorAllocator, *FrameCounter) {
	t.Helper()
	dev := soft.NewDevice(driver.Options{Software: true})
	t.Cleanup(dev.Close)
	frames := &FrameCounter{}
	return NewDescriptorAllocator(dev, driver.DescriptorHeapCbvSrvUav, pageSize, frames, testFramesInFlight), frames
}

func advanceFrames(frames *FrameCounter, n int) {
	for i := 0; i < n; i++ {
		frames.Advance()
	}
}

func TestAllocatorCreatesPageWhenFull(t *testing.T) {
	a, _ := newTestAllocator(t, 4)

	first, err := a.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, 1, a.NumPages())
	assert.Equal(t, uint32(0), first.Page().NumFreeHandles())

	second, err := a.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, 2, a.NumPages())
	assert.NotSame(t, first.Page(), second.Page())

	first.Free()
	second.Free()
	assert.NoError(t, a.Close())
}

func TestAllocatorRoundTripReusesReclaimedBlock(t *testing.T) {
	a, frames := newTestAllocator(t, 4)

	alloc, err := a.Allocate(4)
	require.NoError(t, err)
	handle := alloc.Handle(0)
	page := alloc.Page()
	alloc.Free()

	// still inside the retention window
	advanceFrames(frames, testFramesInFlight-1)
	a.ReleaseStaleDescriptors(frames.Current())
	assert.Equal(t, uint32(0), page.NumFreeHandles())

	advanceFrames(frames, 1)
	a.ReleaseStaleDescriptors(frames.Current())
	assert.Equal(t, uint32(4), page.NumFreeHandles())

	again, err := a.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, 1, a.NumPages())
	assert.Same(t, page, again.Page())
	assert.Equal(t, handle, again.Handle(0))
	again.Free()
	assert.NoError(t, a.Close())
}

func TestAllocatorCoalescesAdjacentBlocks(t *testing.T) {
	a, frames := newTestAllocator(t, 8)

	left, err := a.Allocate(4)
	require.NoError(t, err)
	right, err := a.Allocate(4)
	require.NoError(t, err)
	page := left.Page()
	require.Same(t, page, right.Page())

	left.Free()
	right.Free()
	advanceFrames(frames, testFramesInFlight)
	a.ReleaseStaleDescriptors(frames.Current())
	assert.Equal(t, []freeBlock{{offset: 0, size: 8}}, page.freeList)

	whole, err := a.Allocate(8)
	require.NoError(t, err)
	assert.Equal(t, 1, a.NumPages())
	assert.Same(t, page, whole.Page())
	whole.Free()
}

func TestPageFreeBlockMergesBothNeighbors(t *testing.T) {
	p := &DescriptorAllocatorPage{}
	p.freeBlock(0, 2)
	p.freeBlock(4, 2)
	assert.Equal(t, []freeBlock{{0, 2}, {4, 2}}, p.freeList)

	p.freeBlock(2, 2)
	assert.Equal(t, []freeBlock{{0, 6}}, p.freeList)

	p.freeBlock(10, 1)
	p.freeBlock(8, 2)
	assert.Equal(t, []freeBlock{{0, 6}, {8, 3}}, p.freeList)
	assert.Equal(t, uint32(9), p.numFreeHandles)

	p.addBlock(6, 2)
	assert.Equal(t, []freeBlock{{0, 6}, {6, 2}, {8, 3}}, p.freeList)
}

func TestAllocationFreeTwiceIsNoOp(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	alloc, err := a.Allocate(2)
	require.NoError(t, err)
	page := alloc.Page()
	assert.Equal(t, 1, page.Outstanding())

	alloc.Free()
	alloc.Free()
	assert.Equal(t, 0, page.Outstanding())
	assert.Len(t, page.stale, 1)

	var null *DescriptorAllocation
	assert.True(t, null.IsNull())
	null.Free()
	assert.Equal(t, driver.CPUDescriptorHandle{}, null.Handle(0))
}

func TestAllocatorCloseReportsLeaks(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	_, err := a.Allocate(1)
	require.NoError(t, err)
	freed, err := a.Allocate(1)
	require.NoError(t, err)
	freed.Free()

	err = a.Close()
	assert.ErrorIs(t, err, core.ErrDescriptorLeak)
	assert.Equal(t, 0, a.NumPages())
}

func TestAllocatorLargeRequestGetsOwnPage(t *testing.T) {
	a, _ := newTestAllocator(t, 4)
	alloc, err := a.Allocate(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), alloc.NumHandles())
	assert.Equal(t, 1, a.NumPages())

	_, err = a.Allocate(0)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	alloc.Free()
}

func TestAllocationHandles(t *testing.T) {
	a, _ := newTestAllocator(t, 8)
	alloc, err := a.Allocate(3)
	require.NoError(t, err)
	h0, h2 := alloc.Handle(0), alloc.Handle(2)
	assert.Equal(t, h0.Ptr+2*32, h2.Ptr)
	assert.True(t, alloc.Handle(3).IsNull())
	alloc.Free()
}

func TestAllocatorConcurrentUse(t *testing.T) {
	a, frames := newTestAllocator(t, 16)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				alloc, err := a.Allocate(uint32(1 + i%3))
				if !assert.NoError(t, err) {
					return
				}
				alloc.Free()
			}
		}()
	}
	wg.Wait()

	advanceFrames(frames, testFramesInFlight)
	a.ReleaseStaleDescriptors(frames.Current())
	assert.NoError(t, a.Close())
}
