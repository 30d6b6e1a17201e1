package renderer

import (
	"fmt"
	"math/bits"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// root signatures are limited to 32 descriptor tables, one bit each
const maxDescriptorTables = 32

type descriptorTableCache struct {
	numDescriptors uint32
	base           uint32
}

// DynamicDescriptorHeap stages CPU visible descriptors per root parameter and
// copies them into a shader visible heap right before a draw or dispatch.
type DynamicDescriptorHeap struct {
	device                *Device
	heapType              driver.DescriptorHeapType
	numDescriptorsPerHeap uint32
	increment             uint32

	tables      [maxDescriptorTables]descriptorTableCache
	handleCache []driver.CPUDescriptorHandle
	tableMask   uint32
	staleMask   uint32

	available      []driver.DescriptorHeap
	used           []driver.DescriptorHeap
	current        driver.DescriptorHeap
	currentCPU     driver.CPUDescriptorHandle
	currentGPU     driver.GPUDescriptorHandle
	numFreeHandles uint32
}

func NewDynamicDescriptorHeap(device *Device, t driver.DescriptorHeapType, numDescriptorsPerHeap uint32) *DynamicDescriptorHeap {
	return &DynamicDescriptorHeap{
		device:                device,
		heapType:              t,
		numDescriptorsPerHeap: numDescriptorsPerHeap,
		increment:             device.native.DescriptorHandleIncrementSize(t),
		handleCache:           make([]driver.CPUDescriptorHandle, numDescriptorsPerHeap),
	}
}

// ParseRootSignature lays out the staging cache for the descriptor tables of
// this heap type. Staged descriptors are dropped.
func (h *DynamicDescriptorHeap) ParseRootSignature(rs driver.RootSignatureDesc) error {
	if len(rs.Parameters) > maxDescriptorTables {
		return fmt.Errorf("root signature with %d parameters: %w", len(rs.Parameters), core.ErrInvalidArgument)
	}
	h.staleMask = 0
	h.tableMask = 0
	h.tables = [maxDescriptorTables]descriptorTableCache{}
	for i := range h.handleCache {
		h.handleCache[i] = driver.CPUDescriptorHandle{}
	}

	var offset uint32
	for i, p := range rs.Parameters {
		if p.Type != driver.RootParameterDescriptorTable || p.HeapType != h.heapType {
			continue
		}
		h.tableMask |= 1 << uint(i)
		h.tables[i] = descriptorTableCache{numDescriptors: p.NumDescriptors, base: offset}
		offset += p.NumDescriptors
	}
	if offset > h.numDescriptorsPerHeap {
		return fmt.Errorf("root signature needs %d %s descriptors, heaps hold %d: %w", offset, h.heapType, h.numDescriptorsPerHeap, core.ErrInvalidArgument)
	}
	return nil
}

// StageDescriptors copies n CPU handles starting at src into the cache of the
// table at rootIndex, starting offset descriptors into the table.
func (h *DynamicDescriptorHeap) StageDescriptors(rootIndex, offset, n uint32, src driver.CPUDescriptorHandle) error {
	if n > h.numDescriptorsPerHeap || rootIndex >= maxDescriptorTables {
		return fmt.Errorf("stage %d descriptors at root %d: %w", n, rootIndex, core.ErrInvalidArgument)
	}
	if h.tableMask&(1<<rootIndex) == 0 {
		return fmt.Errorf("root parameter %d is not a %s descriptor table: %w", rootIndex, h.heapType, core.ErrInvalidArgument)
	}
	table := h.tables[rootIndex]
	if offset+n > table.numDescriptors {
		return fmt.Errorf("stage descriptors [%d, %d) into a table of %d: %w", offset, offset+n, table.numDescriptors, core.ErrInvalidArgument)
	}
	for i := uint32(0); i < n; i++ {
		h.handleCache[table.base+offset+i] = src.Offset(i, h.increment)
	}
	h.staleMask |= 1 << rootIndex
	return nil
}

// StaleDescriptorCount is the number of descriptors the next commit copies.
func (h *DynamicDescriptorHeap) StaleDescriptorCount() uint32 {
	var n uint32
	mask := h.staleMask
	for mask != 0 {
		i := bits.TrailingZeros32(mask)
		n += h.tables[i].numDescriptors
		mask &^= 1 << uint(i)
	}
	return n
}

func (h *DynamicDescriptorHeap) CommitStagedDescriptorsForDraw(cl *CommandList) error {
	return h.commit(cl, cl.native.SetGraphicsRootDescriptorTable)
}

func (h *DynamicDescriptorHeap) CommitStagedDescriptorsForDispatch(cl *CommandList) error {
	return h.commit(cl, cl.native.SetComputeRootDescriptorTable)
}

func (h *DynamicDescriptorHeap) commit(cl *CommandList, setTable func(uint32, driver.GPUDescriptorHandle)) error {
	n := h.StaleDescriptorCount()
	if n == 0 {
		return nil
	}
	if h.current == nil || h.numFreeHandles < n {
		heap, err := h.requestHeap()
		if err != nil {
			return err
		}
		h.current = heap
		h.currentCPU = heap.CPUStart()
		h.currentGPU = heap.GPUStart()
		h.numFreeHandles = h.numDescriptorsPerHeap
		cl.SetDescriptorHeap(h.heapType, heap)
		// a new heap holds none of the previous tables
		h.staleMask = h.tableMask
	}

	mask := h.staleMask
	for mask != 0 {
		root := uint32(bits.TrailingZeros32(mask))
		mask &^= 1 << root
		table := h.tables[root]
		for j := uint32(0); j < table.numDescriptors; j++ {
			src := h.handleCache[table.base+j]
			if src.IsNull() {
				continue
			}
			if err := h.device.native.CopyDescriptorsSimple(1, h.currentCPU.Offset(j, h.increment), src, h.heapType); err != nil {
				return fmt.Errorf("copy staged descriptor: %w", err)
			}
		}
		setTable(root, h.currentGPU)
		h.currentCPU = h.currentCPU.Offset(table.numDescriptors, h.increment)
		h.currentGPU = h.currentGPU.Offset(table.numDescriptors, h.increment)
		h.numFreeHandles -= table.numDescriptors
	}
	h.staleMask = 0
	return nil
}

func (h *DynamicDescriptorHeap) requestHeap() (driver.DescriptorHeap, error) {
	var heap driver.DescriptorHeap
	if n := len(h.available); n > 0 {
		heap = h.available[n-1]
		h.available = h.available[:n-1]
	} else {
		var err error
		heap, err = h.device.native.CreateDescriptorHeap(driver.DescriptorHeapDesc{
			Type:           h.heapType,
			NumDescriptors: h.numDescriptorsPerHeap,
			ShaderVisible:  true,
		})
		if err != nil {
			core.LogError("failed to create shader visible %s heap: %s", h.heapType, err)
			return nil, err
		}
	}
	h.used = append(h.used, heap)
	return heap, nil
}

// NumHeaps returns the number of shader visible heaps owned.
func (h *DynamicDescriptorHeap) NumHeaps() int {
	return len(h.available) + len(h.used)
}

// Reset drops the staged descriptors and the root signature layout.
func (h *DynamicDescriptorHeap) Reset() {
	h.current = nil
	h.currentCPU = driver.CPUDescriptorHandle{}
	h.currentGPU = driver.GPUDescriptorHandle{}
	h.numFreeHandles = 0
	h.tableMask = 0
	h.staleMask = 0
	h.tables = [maxDescriptorTables]descriptorTableCache{}
	for i := range h.handleCache {
		h.handleCache[i] = driver.CPUDescriptorHandle{}
	}
}

// retire detaches the heaps used so far. Releasing the result puts them back
// in the pool.
func (h *DynamicDescriptorHeap) retire() Releaser {
	heaps := h.used
	h.used = nil
	h.current = nil
	h.numFreeHandles = 0
	if len(heaps) == 0 {
		return nil
	}
	return releaseFunc(func() {
		h.available = append(h.available, heaps...)
	})
}

func (h *DynamicDescriptorHeap) Release() {
	for _, heap := range append(h.available, h.used...) {
		heap.Release()
	}
	h.available = nil
	h.used = nil
	h.current = nil
}
