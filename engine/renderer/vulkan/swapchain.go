package vulkan

import (
	"fmt"
	"math"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	m "github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type swapchainSupport struct {
	capabilities vk.SurfaceCapabilities
	formats      []vk.SurfaceFormat
	presentModes []vk.PresentMode
}

func querySwapchainSupport(gpu vk.PhysicalDevice, surface vk.Surface) swapchainSupport {
	var s swapchainSupport
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(gpu, surface, &s.capabilities); res != vk.Success {
		return s
	}
	s.capabilities.Deref()
	s.capabilities.CurrentExtent.Deref()
	s.capabilities.MinImageExtent.Deref()
	s.capabilities.MaxImageExtent.Deref()

	var formatCount uint32
	if res := vk.GetPhysicalDeviceSurfaceFormats(gpu, surface, &formatCount, nil); res == vk.Success && formatCount > 0 {
		s.formats = make([]vk.SurfaceFormat, formatCount)
		vk.GetPhysicalDeviceSurfaceFormats(gpu, surface, &formatCount, s.formats)
		for i := range s.formats {
			s.formats[i].Deref()
		}
	}
	var modeCount uint32
	if res := vk.GetPhysicalDeviceSurfacePresentModes(gpu, surface, &modeCount, nil); res == vk.Success && modeCount > 0 {
		s.presentModes = make([]vk.PresentMode, modeCount)
		vk.GetPhysicalDeviceSurfacePresentModes(gpu, surface, &modeCount, s.presentModes)
	}
	return s
}

// Swapchain implements driver.Swapchain. The next image is acquired right
// after every present and waited on with a fence, so CurrentBackBufferIndex
// always names an image the application may render to.
type Swapchain struct {
	dev   *Device
	queue *Queue
	desc  driver.SwapchainDesc

	handle       vk.Swapchain
	format       vk.SurfaceFormat
	presentMode  vk.PresentMode
	tearing      bool
	images       []*Resource
	acquireFence vk.Fence
	renderDone   vk.Semaphore

	mu          sync.Mutex
	index       uint32
	acquired    bool
	outstanding int
}

func newSwapchain(d *Device, q *Queue, desc driver.SwapchainDesc) (*Swapchain, error) {
	if desc.BufferCount < 2 {
		return nil, fmt.Errorf("vulkan: swapchain needs at least 2 buffers, got %d", desc.BufferCount)
	}
	s := &Swapchain{dev: d, queue: q, desc: desc}

	fenceCreateInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if res := vk.CreateFence(d.handle, &fenceCreateInfo, nil, &s.acquireFence); res != vk.Success {
		return nil, resultError(res, "vkCreateFence")
	}
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	if res := vk.CreateSemaphore(d.handle, &semaphoreCreateInfo, nil, &s.renderDone); res != vk.Success {
		vk.DestroyFence(d.handle, s.acquireFence, nil)
		return nil, resultError(res, "vkCreateSemaphore")
	}
	if err := s.create(desc.Width, desc.Height); err != nil {
		s.Release()
		return nil, err
	}
	return s, nil
}

func (s *Swapchain) create(width, height uint32) error {
	support := querySwapchainSupport(s.dev.gpu, s.dev.surface)
	if len(support.formats) == 0 {
		return fmt.Errorf("vulkan: surface reports no formats")
	}

	want := vkFormat(s.desc.Format)
	s.format = support.formats[0]
	for _, f := range support.formats {
		if f.Format == want && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			s.format = f
			break
		}
		if f.Format == vk.FormatB8g8r8a8Unorm && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			s.format = f
		}
	}
	if driverFormat(s.format.Format) == driver.FormatUnknown {
		return fmt.Errorf("vulkan: surface format %d is not presentable by the renderer", s.format.Format)
	}

	s.presentMode = vk.PresentModeFifo
	s.tearing = false
	for _, mode := range support.presentModes {
		if mode == vk.PresentModeImmediate {
			s.tearing = true
		}
	}
	if s.desc.AllowTearing && s.tearing {
		s.presentMode = vk.PresentModeImmediate
	}

	caps := support.capabilities
	extent := vk.Extent2D{Width: width, Height: height}
	if caps.CurrentExtent.Width != math.MaxUint32 {
		extent = caps.CurrentExtent
	}
	extent.Width = m.Clamp(extent.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width)
	extent.Height = m.Clamp(extent.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height)

	imageCount := max(s.desc.BufferCount, caps.MinImageCount)
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	createInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          s.dev.surface,
		MinImageCount:    imageCount,
		ImageFormat:      s.format.Format,
		ImageColorSpace:  s.format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage: vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit |
			vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit),
		PreTransform:   caps.CurrentTransform,
		CompositeAlpha: vk.CompositeAlphaOpaqueBit,
		PresentMode:    s.presentMode,
		Clipped:        vk.True,
		OldSwapchain:   s.handle,
	}
	mode, families := s.dev.sharing()
	createInfo.ImageSharingMode = mode
	createInfo.QueueFamilyIndexCount = uint32(len(families))
	createInfo.PQueueFamilyIndices = families

	var handle vk.Swapchain
	if res := vk.CreateSwapchain(s.dev.handle, &createInfo, nil, &handle); res != vk.Success {
		err := resultError(res, "vkCreateSwapchainKHR")
		core.LogError(err.Error())
		return err
	}
	if s.handle != nil {
		vk.DestroySwapchain(s.dev.handle, s.handle, nil)
	}
	s.handle = handle
	s.desc.Width, s.desc.Height = extent.Width, extent.Height

	var count uint32
	if res := vk.GetSwapchainImages(s.dev.handle, s.handle, &count, nil); res != vk.Success {
		return resultError(res, "vkGetSwapchainImagesKHR")
	}
	images := make([]vk.Image, count)
	if res := vk.GetSwapchainImages(s.dev.handle, s.handle, &count, images); res != vk.Success {
		return resultError(res, "vkGetSwapchainImagesKHR")
	}
	desc := driver.Tex2DDesc(driverFormat(s.format.Format), uint64(extent.Width), extent.Height, 1, 1, driver.ResourceFlagAllowRenderTarget)
	s.images = make([]*Resource, count)
	for i, img := range images {
		s.images[i] = &Resource{
			dev:    s.dev,
			heap:   driver.HeapDefault,
			desc:   desc,
			size:   desc.ByteSize(),
			image:  img,
			format: s.format.Format,
			aspect: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			owner:  s,
		}
	}
	core.LogInfo("Swapchain created: %dx%d, %d images.", extent.Width, extent.Height, count)
	return s.acquire()
}

// acquire fetches the next image and blocks until the presentation engine
// released it.
func (s *Swapchain) acquire() error {
	var index uint32
	res := vk.AcquireNextImage(s.dev.handle, s.handle, math.MaxUint64, vk.NullSemaphore, s.acquireFence, &index)
	switch res {
	case vk.Success, vk.Suboptimal:
	case vk.ErrorOutOfDate:
		core.LogWarn("Swapchain is out of date, waiting for a resize.")
		s.acquired = false
		return nil
	default:
		return resultError(res, "vkAcquireNextImageKHR")
	}
	if res := vk.WaitForFences(s.dev.handle, 1, []vk.Fence{s.acquireFence}, vk.True, math.MaxUint64); res != vk.Success {
		return resultError(res, "vkWaitForFences")
	}
	vk.ResetFences(s.dev.handle, 1, []vk.Fence{s.acquireFence})
	s.index = index
	s.acquired = true
	return nil
}

func (s *Swapchain) BufferCount() uint32 {
	return uint32(len(s.images))
}

func (s *Swapchain) CurrentBackBufferIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *Swapchain) Buffer(i uint32) (driver.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(i) >= len(s.images) {
		return nil, fmt.Errorf("vulkan: back buffer %d of %d", i, len(s.images))
	}
	s.outstanding++
	return s.images[i], nil
}

func (s *Swapchain) releaseReference() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding > 0 {
		s.outstanding--
	}
}

func (s *Swapchain) ResizeBuffers(width, height uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding > 0 {
		return fmt.Errorf("vulkan: ResizeBuffers with %d outstanding back buffer references", s.outstanding)
	}
	if err := s.queue.waitIdle(); err != nil {
		return err
	}
	return s.dev.locks.SafeCall(SwapchainManagement, func() error {
		return s.create(width, height)
	})
}

// Present waits on every submission made so far through a semaphore signaled
// by an empty batch, then queues the image and acquires the next one. The
// present mode is fixed at creation, syncInterval 0 only tears when the
// swapchain was created with AllowTearing.
func (s *Swapchain) Present(syncInterval uint32, flags driver.PresentFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acquired {
		return s.acquire()
	}
	if flags&driver.PresentAllowTearing != 0 && !s.desc.AllowTearing {
		return fmt.Errorf("vulkan: tearing present on a swapchain created without AllowTearing")
	}
	err := s.queue.submit([]vk.SubmitInfo{{
		SType:                vk.StructureTypeSubmitInfo,
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{s.renderDone},
	}}, vk.NullFence)
	if err != nil {
		return err
	}

	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{s.renderDone},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{s.handle},
		PImageIndices:      []uint32{s.index},
	}
	presentQueue := s.dev.queues[s.dev.families.present]
	var result vk.Result
	s.dev.locks.SafeQueueCall(s.dev.families.present, func() error {
		result = vk.QueuePresent(presentQueue, &presentInfo)
		return nil
	})
	switch result {
	case vk.Success:
	case vk.Suboptimal, vk.ErrorOutOfDate:
		core.LogDebug("Swapchain is %s, it will be recreated on the next resize.", resultString(result))
	default:
		return resultError(result, "vkQueuePresentKHR")
	}
	return s.acquire()
}

func (s *Swapchain) TearingSupported() bool {
	return s.tearing
}

func (s *Swapchain) Release() {
	vk.DeviceWaitIdle(s.dev.handle)
	if s.handle != nil {
		vk.DestroySwapchain(s.dev.handle, s.handle, nil)
		s.handle = nil
	}
	if s.renderDone != vk.NullSemaphore {
		vk.DestroySemaphore(s.dev.handle, s.renderDone, nil)
		s.renderDone = vk.NullSemaphore
	}
	if s.acquireFence != vk.NullFence {
		vk.DestroyFence(s.dev.handle, s.acquireFence, nil)
		s.acquireFence = vk.NullFence
	}
	s.images = nil
}
