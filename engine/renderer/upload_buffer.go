package renderer

import (
	"fmt"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// UploadAllocation is a CPU writable range and its GPU address.
type UploadAllocation struct {
	CPU []byte
	GPU uint64
}

type uploadPage struct {
	resource *Resource
	cpu      []byte
	gpu      uint64
	size     uint64
	offset   uint64
}

func (p *uploadPage) hasSpace(size, alignment uint64) bool {
	return math.AlignUp(p.offset, alignment)+size <= p.size
}

func (p *uploadPage) allocate(size, alignment uint64) UploadAllocation {
	start := math.AlignUp(p.offset, alignment)
	p.offset = start + size
	return UploadAllocation{
		CPU: p.cpu[start : start+size : start+size],
		GPU: p.gpu + start,
	}
}

// UploadBuffer is a linear allocator over persistently mapped upload heap
// pages. Pages used by a command list go back to the pool once the list's
// submission completed.
type UploadBuffer struct {
	device    *Device
	pageSize  uint64
	available []*uploadPage
	used      []*uploadPage
	current   *uploadPage
}

func NewUploadBuffer(device *Device, pageSize uint64) *UploadBuffer {
	return &UploadBuffer{device: device, pageSize: pageSize}
}

func (u *UploadBuffer) PageSize() uint64 {
	return u.pageSize
}

// Allocate returns size bytes aligned to alignment, which must be a power of two.
func (u *UploadBuffer) Allocate(size, alignment uint64) (UploadAllocation, error) {
	if size == 0 || size > u.pageSize {
		return UploadAllocation{}, fmt.Errorf("upload allocation of %d bytes with page size %d: %w", size, u.pageSize, core.ErrInvalidArgument)
	}
	if alignment == 0 {
		alignment = 1
	}
	if u.current == nil || !u.current.hasSpace(size, alignment) {
		page, err := u.requestPage()
		if err != nil {
			return UploadAllocation{}, err
		}
		u.current = page
	}
	return u.current.allocate(size, alignment), nil
}

func (u *UploadBuffer) requestPage() (*uploadPage, error) {
	var page *uploadPage
	if n := len(u.available); n > 0 {
		page = u.available[n-1]
		u.available = u.available[:n-1]
	} else {
		res, err := u.device.createCommittedResource(driver.HeapUpload, driver.BufferDesc(u.pageSize, driver.ResourceFlagNone), driver.StateGenericRead, "Upload Page")
		if err != nil {
			return nil, err
		}
		cpu, err := res.Native().Map()
		if err != nil {
			res.Release()
			return nil, fmt.Errorf("map upload page: %w", err)
		}
		page = &uploadPage{
			resource: res,
			cpu:      cpu,
			gpu:      res.GPUVirtualAddress(),
			size:     u.pageSize,
		}
	}
	u.used = append(u.used, page)
	return page, nil
}

// NumPages returns the number of pages owned, in use or not.
func (u *UploadBuffer) NumPages() int {
	return len(u.available) + len(u.used)
}

// retire detaches the pages used so far. Releasing the result puts them back
// in the pool.
func (u *UploadBuffer) retire() Releaser {
	pages := u.used
	u.used = nil
	u.current = nil
	if len(pages) == 0 {
		return nil
	}
	return releaseFunc(func() {
		for _, p := range pages {
			p.offset = 0
		}
		u.available = append(u.available, pages...)
	})
}

func (u *UploadBuffer) Release() {
	for _, p := range append(u.available, u.used...) {
		p.resource.Native().Unmap()
		p.resource.Release()
	}
	u.available = nil
	u.used = nil
	u.current = nil
}
