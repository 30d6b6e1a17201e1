package renderer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type freeBlock struct {
	offset uint32
	size   uint32
}

type staleDescriptor struct {
	offset uint32
	size   uint32
	frame  uint64
}

// DescriptorAllocatorPage is one CPU visible descriptor heap with a free list
// of (offset, size) runs kept sorted by offset.
type DescriptorAllocatorPage struct {
	heapType       driver.DescriptorHeapType
	heap           driver.DescriptorHeap
	base           driver.CPUDescriptorHandle
	increment      uint32
	numDescriptors uint32
	frames         *FrameCounter

	mu             sync.Mutex
	freeList       []freeBlock
	stale          []staleDescriptor
	numFreeHandles uint32
	outstanding    int
}

func newDescriptorAllocatorPage(device driver.Device, t driver.DescriptorHeapType, numDescriptors uint32, frames *FrameCounter) (*DescriptorAllocatorPage, error) {
	heap, err := device.CreateDescriptorHeap(driver.DescriptorHeapDesc{
		Type:           t,
		NumDescriptors: numDescriptors,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s descriptor page: %w", t, err)
	}
	p := &DescriptorAllocatorPage{
		heapType:       t,
		heap:           heap,
		base:           heap.CPUStart(),
		increment:      device.DescriptorHandleIncrementSize(t),
		numDescriptors: numDescriptors,
		frames:         frames,
	}
	p.addBlock(0, numDescriptors)
	return p, nil
}

func (p *DescriptorAllocatorPage) HeapType() driver.DescriptorHeapType {
	return p.heapType
}

// HasSpace reports whether a run of n contiguous descriptors is free.
func (p *DescriptorAllocatorPage) HasSpace(n uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findBlock(n) >= 0
}

func (p *DescriptorAllocatorPage) NumFreeHandles() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numFreeHandles
}

// Outstanding is the number of allocations not freed yet.
func (p *DescriptorAllocatorPage) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

func (p *DescriptorAllocatorPage) findBlock(n uint32) int {
	for i, b := range p.freeList {
		if b.size >= n {
			return i
		}
	}
	return -1
}

// Allocate takes n descriptors from the first run large enough, or returns nil.
func (p *DescriptorAllocatorPage) Allocate(n uint32) *DescriptorAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.findBlock(n)
	if n == 0 || i < 0 {
		return nil
	}
	block := p.freeList[i]
	if block.size == n {
		p.freeList = append(p.freeList[:i], p.freeList[i+1:]...)
	} else {
		p.freeList[i] = freeBlock{offset: block.offset + n, size: block.size - n}
	}
	p.numFreeHandles -= n
	p.outstanding++

	return &DescriptorAllocation{
		descriptor: p.base.Offset(block.offset, p.increment),
		numHandles: n,
		increment:  p.increment,
		page:       p,
	}
}

func (p *DescriptorAllocatorPage) computeOffset(handle driver.CPUDescriptorHandle) uint32 {
	return uint32((handle.Ptr - p.base.Ptr) / uintptr(p.increment))
}

// free defers the release of an allocation to the current frame.
func (p *DescriptorAllocatorPage) free(a *DescriptorAllocation) {
	offset := p.computeOffset(a.descriptor)
	frame := p.frames.Current()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stale = append(p.stale, staleDescriptor{offset: offset, size: a.numHandles, frame: frame})
	p.outstanding--
}

// ReleaseStaleDescriptors returns to the free list every range freed at least
// framesInFlight frames before frame.
func (p *DescriptorAllocatorPage) ReleaseStaleDescriptors(frame, framesInFlight uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range p.stale {
		if s.frame+framesInFlight > frame {
			break
		}
		p.freeBlock(s.offset, s.size)
		n++
	}
	p.stale = p.stale[n:]
}

// addBlock inserts a free run without merging it with its neighbors.
func (p *DescriptorAllocatorPage) addBlock(offset, size uint32) {
	i := sort.Search(len(p.freeList), func(i int) bool { return p.freeList[i].offset >= offset })
	p.freeList = append(p.freeList, freeBlock{})
	copy(p.freeList[i+1:], p.freeList[i:])
	p.freeList[i] = freeBlock{offset: offset, size: size}
	p.numFreeHandles += size
}

// freeBlock inserts a free run and coalesces it with adjacent runs.
func (p *DescriptorAllocatorPage) freeBlock(offset, size uint32) {
	i := sort.Search(len(p.freeList), func(i int) bool { return p.freeList[i].offset >= offset })

	mergePrev := i > 0 && p.freeList[i-1].offset+p.freeList[i-1].size == offset
	mergeNext := i < len(p.freeList) && offset+size == p.freeList[i].offset

	switch {
	case mergePrev && mergeNext:
		p.freeList[i-1].size += size + p.freeList[i].size
		p.freeList = append(p.freeList[:i], p.freeList[i+1:]...)
	case mergePrev:
		p.freeList[i-1].size += size
	case mergeNext:
		p.freeList[i].offset = offset
		p.freeList[i].size += size
	default:
		p.freeList = append(p.freeList, freeBlock{})
		copy(p.freeList[i+1:], p.freeList[i:])
		p.freeList[i] = freeBlock{offset: offset, size: size}
	}
	p.numFreeHandles += size
}

func (p *DescriptorAllocatorPage) release() {
	p.heap.Release()
}
