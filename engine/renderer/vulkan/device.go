package vulkan

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const (
	// descriptor heaps live on the host, handles only need a stable stride
	descriptorIncrement = 32

	addressAlignment = 64 * 1024
)

var errForeignObject = errors.New("vulkan: object was not created by this device")

// queueFamilies holds the family index serving each command list type.
type queueFamilies struct {
	byType  [3]uint32
	present uint32
	// hasPresent is false when the device was opened without a surface.
	hasPresent bool
}

func (f queueFamilies) unique() []uint32 {
	var out []uint32
	add := func(i uint32) {
		for _, o := range out {
			if o == i {
				return
			}
		}
		out = append(out, i)
	}
	for _, i := range f.byType {
		add(i)
	}
	if f.hasPresent {
		add(f.present)
	}
	return out
}

// Device implements driver.Device.
type Device struct {
	drv      *Driver
	instance *instance
	provider driver.SurfaceProvider
	surface  vk.Surface

	gpu        vk.PhysicalDevice
	handle     vk.Device
	properties vk.PhysicalDeviceProperties
	memory     vk.PhysicalDeviceMemoryProperties
	families   queueFamilies
	queues     map[uint32]vk.Queue
	adapter    driver.AdapterDesc

	locks *lockPool
	heaps *driver.HostHeapTable

	mu          sync.Mutex
	nextAddress uint64
	byAddress   map[uint64]*Resource
	closed      bool

	warnDraw sync.Once
	warnRays sync.Once
}

type physicalDeviceCandidate struct {
	gpu        vk.PhysicalDevice
	properties vk.PhysicalDeviceProperties
	families   queueFamilies
	extensions []string
	score      int
}

func newDevice(drv *Driver, inst *instance, opts driver.Options) (*Device, error) {
	d := &Device{
		drv:         drv,
		instance:    inst,
		provider:    opts.Surface,
		locks:       newLockPool(),
		heaps:       driver.NewHostHeapTable(),
		nextAddress: addressAlignment,
		byAddress:   make(map[uint64]*Resource),
		queues:      make(map[uint32]vk.Queue),
	}

	if opts.Surface != nil {
		core.LogDebug("Creating Vulkan surface...")
		ptr, err := opts.Surface.CreateWindowSurface(inst.handle)
		if err != nil || ptr == 0 {
			core.LogError("Failed to create platform surface: %v", err)
			return nil, fmt.Errorf("vulkan surface creation failed: %w", err)
		}
		d.surface = vk.SurfaceFromPointer(ptr)
		core.LogDebug("Vulkan surface created.")
	}

	candidate, err := d.selectPhysicalDevice(opts.Software)
	if err != nil {
		d.destroySurface()
		return nil, err
	}
	d.gpu = candidate.gpu
	d.properties = candidate.properties
	d.families = candidate.families

	vk.GetPhysicalDeviceMemoryProperties(d.gpu, &d.memory)
	d.memory.Deref()
	d.adapter = d.describeAdapter()

	if err := d.createLogicalDevice(candidate.extensions); err != nil {
		d.destroySurface()
		return nil, err
	}
	return d, nil
}

func (d *Device) selectPhysicalDevice(software bool) (*physicalDeviceCandidate, error) {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(d.instance.handle, &count, nil); res != vk.Success {
		return nil, resultError(res, "vkEnumeratePhysicalDevices")
	}
	if count == 0 {
		core.LogError("No devices which support Vulkan were found.")
		return nil, driver.ErrNoDevice
	}
	gpus := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(d.instance.handle, &count, gpus); res != vk.Success {
		return nil, resultError(res, "vkEnumeratePhysicalDevices")
	}

	var best *physicalDeviceCandidate
	for _, gpu := range gpus[:count] {
		c, ok := d.evaluatePhysicalDevice(gpu, software)
		if !ok {
			continue
		}
		if best == nil || c.score > best.score {
			best = c
		}
	}
	if best == nil {
		core.LogError("No physical devices were found which meet the requirements.")
		return nil, driver.ErrNoDevice
	}

	core.LogInfo("Selected device: '%s'.", vk.ToString(best.properties.DeviceName[:]))
	switch best.properties.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		core.LogInfo("GPU type is Integrated.")
	case vk.PhysicalDeviceTypeDiscreteGpu:
		core.LogInfo("GPU type is Discrete.")
	case vk.PhysicalDeviceTypeVirtualGpu:
		core.LogInfo("GPU type is Virtual.")
	case vk.PhysicalDeviceTypeCpu:
		core.LogInfo("GPU type is CPU.")
	default:
		core.LogInfo("GPU type is Unknown.")
	}
	core.LogInfo(
		"Vulkan API version: %d.%d.%d",
		vk.Version.Major(vk.Version(best.properties.ApiVersion)),
		vk.Version.Minor(vk.Version(best.properties.ApiVersion)),
		vk.Version.Patch(vk.Version(best.properties.ApiVersion)),
	)
	return best, nil
}

func (d *Device) evaluatePhysicalDevice(gpu vk.PhysicalDevice, software bool) (*physicalDeviceCandidate, bool) {
	c := &physicalDeviceCandidate{gpu: gpu}
	vk.GetPhysicalDeviceProperties(gpu, &c.properties)
	c.properties.Deref()
	name := vk.ToString(c.properties.DeviceName[:])

	var familyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &familyCount, nil)
	families := make([]vk.QueueFamilyProperties, familyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &familyCount, families)

	graphics, compute, transfer, present := -1, -1, -1, -1
	minTransferScore := 255
	for i := range families[:familyCount] {
		families[i].Deref()
		flags := families[i].QueueFlags
		score := 0
		if flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			if graphics < 0 {
				graphics = i
			}
			score++
		}
		if flags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
			// prefer a family without graphics for async compute
			if compute < 0 || flags&vk.QueueFlags(vk.QueueGraphicsBit) == 0 {
				compute = i
			}
			score++
		}
		if flags&vk.QueueFlags(vk.QueueTransferBit) != 0 && score <= minTransferScore {
			minTransferScore = score
			transfer = i
		}
		if d.surface != vk.NullSurface {
			var supported vk.Bool32
			if res := vk.GetPhysicalDeviceSurfaceSupport(gpu, uint32(i), d.surface, &supported); res == vk.Success && supported == vk.True {
				if present < 0 || i == graphics {
					present = i
				}
			}
		}
	}
	core.LogDebug("%s: graphics %d, compute %d, transfer %d, present %d", name, graphics, compute, transfer, present)

	if graphics < 0 {
		core.LogInfo("Device '%s' has no graphics queue, skipping.", name)
		return nil, false
	}
	if compute < 0 {
		compute = graphics
	}
	if transfer < 0 {
		// graphics and compute families always accept transfer commands
		transfer = graphics
	}
	c.families.byType[driver.CommandListDirect] = uint32(graphics)
	c.families.byType[driver.CommandListCompute] = uint32(compute)
	c.families.byType[driver.CommandListCopy] = uint32(transfer)

	available := deviceExtensions(gpu)
	if d.surface != vk.NullSurface {
		if present < 0 {
			core.LogInfo("Device '%s' cannot present to the surface, skipping.", name)
			return nil, false
		}
		if !containsName(available, vk.KhrSwapchainExtensionName) {
			core.LogInfo("Required extension not found: '%s', skipping device.", vk.KhrSwapchainExtensionName)
			return nil, false
		}
		support := querySwapchainSupport(gpu, d.surface)
		if len(support.formats) == 0 || len(support.presentModes) == 0 {
			core.LogInfo("Required swapchain support not present, skipping device.")
			return nil, false
		}
		c.families.present = uint32(present)
		c.families.hasPresent = true
		c.extensions = append(c.extensions, vk.KhrSwapchainExtensionName)
	}
	if containsName(available, "VK_KHR_portability_subset") {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		c.extensions = append(c.extensions, "VK_KHR_portability_subset")
	}

	switch c.properties.DeviceType {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		c.score = 400
	case vk.PhysicalDeviceTypeIntegratedGpu:
		c.score = 300
	case vk.PhysicalDeviceTypeVirtualGpu:
		c.score = 200
	case vk.PhysicalDeviceTypeCpu:
		c.score = 100
	}
	if software {
		if c.properties.DeviceType != vk.PhysicalDeviceTypeCpu {
			core.LogInfo("Device '%s' is not a software rasterizer, skipping.", name)
			return nil, false
		}
	} else if runtime.GOOS == "darwin" && c.properties.DeviceType == vk.PhysicalDeviceTypeIntegratedGpu {
		c.score = 500
	}
	return c, true
}

func deviceExtensions(gpu vk.PhysicalDevice) []string {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(gpu, "", &count, nil); res != vk.Success || count == 0 {
		return nil
	}
	props := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(gpu, "", &count, props); res != vk.Success {
		return nil
	}
	names := make([]string, 0, count)
	for i := range props[:count] {
		props[i].Deref()
		names = append(names, vk.ToString(props[i].ExtensionName[:]))
	}
	return names
}

func (d *Device) createLogicalDevice(extensions []string) error {
	core.LogInfo("Creating logical device...")

	// NOTE: Do not create additional queues for shared indices.
	indices := d.families.unique()
	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, len(indices))
	for i, index := range indices {
		queueCreateInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: index,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}
	if res := vk.CreateDevice(d.gpu, &deviceCreateInfo, nil, &d.handle); res != vk.Success {
		err := resultError(res, "vkCreateDevice")
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Logical device created.")

	for _, index := range indices {
		var q vk.Queue
		vk.GetDeviceQueue(d.handle, index, 0, &q)
		d.queues[index] = q
		d.locks.SetQueueFamily(index)
	}
	core.LogInfo("Queues obtained.")
	return nil
}

func (d *Device) describeAdapter() driver.AdapterDesc {
	var local uint64
	for i := uint32(0); i < d.memory.MemoryHeapCount; i++ {
		heap := d.memory.MemoryHeaps[i]
		heap.Deref()
		if vk.MemoryHeapFlagBits(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			local += uint64(heap.Size)
		}
	}
	return driver.AdapterDesc{
		Description:          vk.ToString(d.properties.DeviceName[:]),
		VendorID:             d.properties.VendorID,
		DedicatedVideoMemory: local,
		Software:             d.properties.DeviceType == vk.PhysicalDeviceTypeCpu,
	}
}

// findMemoryIndex returns the first memory type allowed by typeFilter that has
// every property flag, or -1.
func (d *Device) findMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlags) int32 {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		memType := d.memory.MemoryTypes[i]
		memType.Deref()
		if typeFilter&(1<<i) != 0 && memType.PropertyFlags&propertyFlags == propertyFlags {
			return int32(i)
		}
	}
	return -1
}

func (d *Device) sharingFamilies() []uint32 {
	return d.families.unique()
}

func (d *Device) CreateCommandQueue(t driver.CommandListType) (driver.Queue, error) {
	if t < driver.CommandListDirect || t > driver.CommandListCopy {
		return nil, fmt.Errorf("vulkan: unknown command list type %s", t)
	}
	family := d.families.byType[t]
	return &Queue{dev: d, typ: t, family: family, handle: d.queues[family]}, nil
}

func (d *Device) CreateFence(initialValue uint64) (driver.Fence, error) {
	return newFence(d, initialValue), nil
}

func (d *Device) CreateCommandAllocator(t driver.CommandListType) (driver.CommandAllocator, error) {
	return newCommandAllocator(d, t)
}

func (d *Device) CreateCommandList(t driver.CommandListType, alloc driver.CommandAllocator) (driver.CommandList, error) {
	a, ok := alloc.(*CommandAllocator)
	if !ok || a.dev != d {
		return nil, errForeignObject
	}
	if a.typ != t {
		return nil, fmt.Errorf("vulkan: %s command list on a %s allocator", t, a.typ)
	}
	l := &CommandList{dev: d, typ: t}
	if err := l.Reset(a); err != nil {
		return nil, err
	}
	return l, nil
}

func (d *Device) CreateCommittedResource(heap driver.HeapType, desc driver.ResourceDesc, initialState driver.ResourceState, clear *driver.ClearValue) (driver.Resource, error) {
	switch heap {
	case driver.HeapUpload:
		if initialState != driver.StateGenericRead {
			return nil, fmt.Errorf("vulkan: upload heap resources must start in GenericRead, got %s", initialState)
		}
	case driver.HeapReadback:
		if initialState != driver.StateCopyDest {
			return nil, fmt.Errorf("vulkan: readback heap resources must start in CopyDest, got %s", initialState)
		}
	}
	if desc.Dimension == driver.DimensionBuffer {
		return newBuffer(d, heap, desc)
	}
	if heap != driver.HeapDefault {
		return nil, fmt.Errorf("vulkan: textures can only live in the default heap")
	}
	return newImage(d, desc)
}

func (d *Device) trackAddress(r *Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.address = d.nextAddress
	d.nextAddress += (r.size + addressAlignment - 1) / addressAlignment * addressAlignment
	d.byAddress[r.address] = r
}

func (d *Device) forgetAddress(r *Resource) {
	if r.address == 0 {
		return
	}
	d.mu.Lock()
	delete(d.byAddress, r.address)
	d.mu.Unlock()
}

// bufferAt resolves a virtual address into the buffer holding it.
func (d *Device) bufferAt(address uint64) (*Resource, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.byAddress[address]; ok {
		return r, 0, true
	}
	for base, r := range d.byAddress {
		if address >= base && address < base+r.size {
			return r, address - base, true
		}
	}
	return nil, 0, false
}

func (d *Device) CreateDescriptorHeap(desc driver.DescriptorHeapDesc) (driver.DescriptorHeap, error) {
	return d.heaps.Create(desc, descriptorIncrement)
}

func (d *Device) CreateSwapchain(queue driver.Queue, desc driver.SwapchainDesc) (driver.Swapchain, error) {
	q, ok := queue.(*Queue)
	if !ok || q.dev != d {
		return nil, errForeignObject
	}
	if !d.families.hasPresent {
		return nil, fmt.Errorf("vulkan: device was opened without a surface")
	}
	return newSwapchain(d, q, desc)
}

func (d *Device) CreatePipelineState(desc driver.PipelineStateDesc) (driver.PipelineState, error) {
	return newPipelineState(d, desc)
}

func (d *Device) DescriptorHandleIncrementSize(t driver.DescriptorHeapType) uint32 {
	return descriptorIncrement
}

func (d *Device) writeView(res driver.Resource, dest driver.CPUDescriptorHandle, kind driver.ViewKind, heapType driver.DescriptorHeapType) error {
	h, _, err := d.heaps.Resolve(dest)
	if err != nil {
		return err
	}
	if h.Desc().Type != heapType {
		return fmt.Errorf("vulkan: view written into a %s heap, want %s", h.Desc().Type, heapType)
	}
	r, err := d.resource(res)
	if err != nil {
		return err
	}
	return d.heaps.Write(dest, driver.Descriptor{Kind: kind, Resource: r})
}

func (d *Device) CreateRenderTargetView(res driver.Resource, dest driver.CPUDescriptorHandle) error {
	return d.writeView(res, dest, driver.ViewRenderTarget, driver.DescriptorHeapRtv)
}

func (d *Device) CreateDepthStencilView(res driver.Resource, dest driver.CPUDescriptorHandle) error {
	return d.writeView(res, dest, driver.ViewDepthStencil, driver.DescriptorHeapDsv)
}

func (d *Device) CreateShaderResourceView(res driver.Resource, dest driver.CPUDescriptorHandle) error {
	return d.writeView(res, dest, driver.ViewShaderResource, driver.DescriptorHeapCbvSrvUav)
}

func (d *Device) CreateUnorderedAccessView(res driver.Resource, dest driver.CPUDescriptorHandle) error {
	return d.writeView(res, dest, driver.ViewUnorderedAccess, driver.DescriptorHeapCbvSrvUav)
}

func (d *Device) CopyDescriptorsSimple(count uint32, dest, src driver.CPUDescriptorHandle, t driver.DescriptorHeapType) error {
	return d.heaps.Copy(count, dest, src, t)
}

// AccelerationStructurePrebuildInfo reports zero sizes: the backend does not
// enable the ray tracing extensions.
func (d *Device) AccelerationStructurePrebuildInfo(inputs driver.AccelerationStructureInputs) driver.AccelerationStructurePrebuildInfo {
	return driver.AccelerationStructurePrebuildInfo{}
}

func (d *Device) RaytracingTier() driver.RaytracingTier {
	return driver.RaytracingTierNotSupported
}

func (d *Device) AdapterDescription() driver.AdapterDesc {
	return d.adapter
}

func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	leaked := len(d.byAddress)
	d.mu.Unlock()

	if leaked > 0 {
		core.LogWarn("Closing Vulkan device with %d live buffers", leaked)
	}
	vk.DeviceWaitIdle(d.handle)

	core.LogDebug("Destroying Vulkan device...")
	vk.DestroyDevice(d.handle, nil)
	d.handle = nil
	d.destroySurface()
	d.drv.forget(d)
}

func (d *Device) destroySurface() {
	if d.surface != vk.NullSurface {
		core.LogDebug("Destroying Vulkan surface...")
		vk.DestroySurface(d.instance.handle, d.surface, nil)
		d.surface = vk.NullSurface
	}
}

func (d *Device) resource(res driver.Resource) (*Resource, error) {
	r, ok := res.(*Resource)
	if !ok || r == nil || r.dev != d {
		return nil, errForeignObject
	}
	if r.released.Load() {
		return nil, fmt.Errorf("vulkan: use of released resource `%s`", r.Name())
	}
	return r, nil
}
