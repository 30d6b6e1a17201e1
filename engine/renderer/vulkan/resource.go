package vulkan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Resource implements driver.Resource over a VkBuffer or a VkImage with a
// dedicated memory allocation.
type Resource struct {
	dev     *Device
	heap    driver.HeapType
	desc    driver.ResourceDesc
	size    uint64
	address uint64

	buffer vk.Buffer
	image  vk.Image
	memory vk.DeviceMemory
	format vk.Format
	aspect vk.ImageAspectFlags

	mu       sync.Mutex
	name     string
	mapped   unsafe.Pointer
	mapCount int
	// layoutKnown turns true after the first transition. Until then the
	// contents are undefined and barriers discard them.
	layoutKnown atomic.Bool

	// swapchain images are owned by their swapchain and only count references
	owner    *Swapchain
	released atomic.Bool
}

func vkFormat(f driver.Format) vk.Format {
	switch f {
	case driver.FormatR8G8B8A8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case driver.FormatB8G8R8A8Unorm:
		return vk.FormatB8g8r8a8Unorm
	case driver.FormatR32G32B32Float:
		return vk.FormatR32g32b32Sfloat
	case driver.FormatR32Float:
		return vk.FormatR32Sfloat
	case driver.FormatR32Uint:
		return vk.FormatR32Uint
	case driver.FormatR16Uint:
		return vk.FormatR16Uint
	case driver.FormatD32Float:
		return vk.FormatD32Sfloat
	}
	return vk.FormatUndefined
}

func driverFormat(f vk.Format) driver.Format {
	switch f {
	case vk.FormatR8g8b8a8Unorm:
		return driver.FormatR8G8B8A8Unorm
	case vk.FormatB8g8r8a8Unorm:
		return driver.FormatB8G8R8A8Unorm
	}
	return driver.FormatUnknown
}

func (d *Device) memoryProperties(heap driver.HeapType) (required, preferred vk.MemoryPropertyFlags) {
	switch heap {
	case driver.HeapUpload:
		required = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
		preferred = required
	case driver.HeapReadback:
		required = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
		preferred = required | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit)
	default:
		required = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
		preferred = required
	}
	return required, preferred
}

func (d *Device) allocate(reqs vk.MemoryRequirements, heap driver.HeapType) (vk.DeviceMemory, error) {
	required, preferred := d.memoryProperties(heap)
	index := d.findMemoryIndex(reqs.MemoryTypeBits, preferred)
	if index < 0 {
		index = d.findMemoryIndex(reqs.MemoryTypeBits, required)
	}
	if index < 0 {
		core.LogWarn("Unable to find suitable memory type!")
		return nil, fmt.Errorf("vulkan: no memory type for heap %d: %w", heap, driver.ErrNoDeviceMemory)
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: uint32(index),
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(d.handle, &allocInfo, nil, &memory); res != vk.Success {
		return nil, resultError(res, "vkAllocateMemory")
	}
	return memory, nil
}

func (d *Device) sharing() (vk.SharingMode, []uint32) {
	families := d.sharingFamilies()
	if len(families) > 1 {
		return vk.SharingModeConcurrent, families
	}
	return vk.SharingModeExclusive, nil
}

func newBuffer(d *Device, heap driver.HeapType, desc driver.ResourceDesc) (*Resource, error) {
	if desc.Width == 0 {
		return nil, fmt.Errorf("vulkan: buffer with zero size")
	}
	mode, families := d.sharing()
	usage := vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit |
		vk.BufferUsageVertexBufferBit | vk.BufferUsageIndexBufferBit |
		vk.BufferUsageUniformBufferBit | vk.BufferUsageStorageBufferBit
	createInfo := vk.BufferCreateInfo{
		SType:                 vk.StructureTypeBufferCreateInfo,
		Size:                  vk.DeviceSize(desc.Width),
		Usage:                 vk.BufferUsageFlags(usage),
		SharingMode:           mode,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
	}
	r := &Resource{dev: d, heap: heap, desc: desc, size: desc.Width}
	if res := vk.CreateBuffer(d.handle, &createInfo, nil, &r.buffer); res != vk.Success {
		return nil, resultError(res, "vkCreateBuffer")
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.handle, r.buffer, &reqs)
	reqs.Deref()
	memory, err := d.allocate(reqs, heap)
	if err != nil {
		vk.DestroyBuffer(d.handle, r.buffer, nil)
		return nil, err
	}
	r.memory = memory
	if res := vk.BindBufferMemory(d.handle, r.buffer, r.memory, 0); res != vk.Success {
		r.destroy()
		return nil, resultError(res, "vkBindBufferMemory")
	}
	// buffers have no layout
	r.layoutKnown.Store(true)
	d.trackAddress(r)
	return r, nil
}

func newImage(d *Device, desc driver.ResourceDesc) (*Resource, error) {
	format := vkFormat(desc.Format)
	if format == vk.FormatUndefined {
		return nil, fmt.Errorf("vulkan: texture format %d is not supported", desc.Format)
	}
	usage := vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit
	aspect := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	if desc.Format.IsDepth() {
		aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	if desc.Flags&driver.ResourceFlagAllowRenderTarget != 0 {
		usage |= vk.ImageUsageColorAttachmentBit
	}
	if desc.Flags&driver.ResourceFlagAllowDepthStencil != 0 {
		usage |= vk.ImageUsageDepthStencilAttachmentBit
	}
	if desc.Flags&driver.ResourceFlagAllowUnorderedAccess != 0 {
		usage |= vk.ImageUsageStorageBit
	}
	mode, families := d.sharing()
	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  uint32(desc.Width),
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:             uint32(desc.MipLevels),
		ArrayLayers:           uint32(desc.DepthOrArraySize),
		Samples:               vk.SampleCount1Bit,
		Tiling:                vk.ImageTilingOptimal,
		Usage:                 vk.ImageUsageFlags(usage),
		SharingMode:           mode,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
		InitialLayout:         vk.ImageLayoutUndefined,
	}
	r := &Resource{
		dev:    d,
		heap:   driver.HeapDefault,
		desc:   desc,
		size:   desc.ByteSize(),
		format: format,
		aspect: aspect,
	}
	if res := vk.CreateImage(d.handle, &createInfo, nil, &r.image); res != vk.Success {
		return nil, resultError(res, "vkCreateImage")
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.handle, r.image, &reqs)
	reqs.Deref()
	memory, err := d.allocate(reqs, driver.HeapDefault)
	if err != nil {
		vk.DestroyImage(d.handle, r.image, nil)
		return nil, err
	}
	r.memory = memory
	if res := vk.BindImageMemory(d.handle, r.image, r.memory, 0); res != vk.Success {
		r.destroy()
		return nil, resultError(res, "vkBindImageMemory")
	}
	return r, nil
}

func (r *Resource) Desc() driver.ResourceDesc {
	return r.desc
}

func (r *Resource) Heap() driver.HeapType {
	return r.heap
}

// Map maps the whole allocation. Nested maps share one mapping.
func (r *Resource) Map() ([]byte, error) {
	if r.heap == driver.HeapDefault {
		return nil, fmt.Errorf("vulkan: map of default heap resource `%s`", r.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapCount == 0 {
		var ptr unsafe.Pointer
		if res := vk.MapMemory(r.dev.handle, r.memory, 0, vk.DeviceSize(r.size), 0, &ptr); res != vk.Success {
			return nil, resultError(res, "vkMapMemory")
		}
		r.mapped = ptr
	}
	r.mapCount++
	return unsafe.Slice((*byte)(r.mapped), r.size), nil
}

func (r *Resource) Unmap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapCount == 0 {
		return
	}
	r.mapCount--
	if r.mapCount == 0 {
		vk.UnmapMemory(r.dev.handle, r.memory)
		r.mapped = nil
	}
}

func (r *Resource) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

func (r *Resource) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

func (r *Resource) GPUVirtualAddress() uint64 {
	return r.address
}

func (r *Resource) Release() {
	if r.owner != nil {
		r.owner.releaseReference()
		return
	}
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	r.destroy()
}

func (r *Resource) destroy() {
	r.dev.forgetAddress(r)
	r.mu.Lock()
	if r.mapCount > 0 {
		vk.UnmapMemory(r.dev.handle, r.memory)
		r.mapCount = 0
		r.mapped = nil
	}
	r.mu.Unlock()
	if r.buffer != nil {
		vk.DestroyBuffer(r.dev.handle, r.buffer, nil)
		r.buffer = nil
	}
	if r.image != nil {
		vk.DestroyImage(r.dev.handle, r.image, nil)
		r.image = nil
	}
	if r.memory != nil {
		vk.FreeMemory(r.dev.handle, r.memory, nil)
		r.memory = nil
	}
}

func (r *Resource) isImage() bool {
	return r.desc.Dimension != driver.DimensionBuffer
}

// subresourceRange addresses one subresource, or all of them for
// driver.AllSubresources.
func (r *Resource) subresourceRange(sub uint32) vk.ImageSubresourceRange {
	if sub == driver.AllSubresources {
		return vk.ImageSubresourceRange{
			AspectMask:     r.aspect,
			BaseMipLevel:   0,
			LevelCount:     uint32(r.desc.MipLevels),
			BaseArrayLayer: 0,
			LayerCount:     uint32(r.desc.DepthOrArraySize),
		}
	}
	mips := uint32(max(r.desc.MipLevels, 1))
	return vk.ImageSubresourceRange{
		AspectMask:     r.aspect,
		BaseMipLevel:   sub % mips,
		LevelCount:     1,
		BaseArrayLayer: sub / mips,
		LayerCount:     1,
	}
}

func (r *Resource) subresourceLayers(sub uint32) vk.ImageSubresourceLayers {
	rng := r.subresourceRange(sub)
	return vk.ImageSubresourceLayers{
		AspectMask:     rng.AspectMask,
		MipLevel:       rng.BaseMipLevel,
		BaseArrayLayer: rng.BaseArrayLayer,
		LayerCount:     1,
	}
}
