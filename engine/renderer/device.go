package renderer

import (
	"errors"
	"fmt"
	"time"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const (
	dynamicHeapSize        = 1024
	dynamicSamplerHeapSize = 64
)

// DeviceOptions configures device creation and the pools the device owns.
type DeviceOptions struct {
	// Warp selects the software adapter.
	Warp    bool
	Debug   bool
	Surface driver.SurfaceProvider
	AppName string

	FramesInFlight     uint32
	DescriptorPageSize uint32
	UploadPageSize     uint64
	FenceTimeout       time.Duration
}

// DefaultDeviceOptions matches the renderer section of core.DefaultConfig.
func DefaultDeviceOptions() DeviceOptions {
	cfg := core.DefaultConfig()
	return DeviceOptionsFromConfig(cfg.Renderer)
}

func DeviceOptionsFromConfig(cfg core.RendererConfig) DeviceOptions {
	return DeviceOptions{
		Warp:               cfg.Warp,
		Debug:              cfg.Debug,
		FramesInFlight:     cfg.FramesInFlight,
		DescriptorPageSize: cfg.DescriptorPageSize,
		UploadPageSize:     cfg.UploadPageSize,
		FenceTimeout:       cfg.FenceTimeout(),
	}
}

func (o *DeviceOptions) applyDefaults() {
	def := DefaultDeviceOptions()
	if o.FramesInFlight == 0 {
		o.FramesInFlight = def.FramesInFlight
	}
	if o.DescriptorPageSize == 0 {
		o.DescriptorPageSize = def.DescriptorPageSize
	}
	if o.UploadPageSize == 0 {
		o.UploadPageSize = def.UploadPageSize
	}
	if o.FenceTimeout <= 0 {
		o.FenceTimeout = def.FenceTimeout
	}
	if o.AppName == "" {
		o.AppName = "prism"
	}
}

// Device is the logical device plus everything shared by its queues and
// command lists: the resource state registry, the frame counter, one
// descriptor allocator per heap type and the direct, compute and copy queues.
type Device struct {
	driver   driver.Driver
	native   driver.Device
	opts     DeviceOptions
	registry *ResourceStateRegistry
	frames   *FrameCounter

	allocators [driver.NumDescriptorHeapTypes]*DescriptorAllocator
	queues     [3]*CommandQueue
}

// SelectDevice opens the software driver when opts.Warp is set and the
// hardware driver otherwise. Drivers register themselves when their package
// is imported.
func SelectDevice(opts DeviceOptions) (*Device, error) {
	name := "vulkan"
	if opts.Warp {
		name = "soft"
	}
	drv, ok := driver.Lookup(name)
	if !ok {
		core.LogError("driver '%s' is not registered", name)
		return nil, fmt.Errorf("driver '%s': %w", name, driver.ErrNotInstalled)
	}
	return NewDevice(drv, opts)
}

// NewDevice opens drv and creates the device level pools and queues.
func NewDevice(drv driver.Driver, opts DeviceOptions) (*Device, error) {
	opts.applyDefaults()

	native, err := drv.Open(driver.Options{
		Software: opts.Warp,
		Debug:    opts.Debug,
		Surface:  opts.Surface,
		AppName:  opts.AppName,
	})
	if err != nil {
		core.LogError("failed to open driver '%s': %s", drv.Name(), err)
		return nil, err
	}
	desc := native.AdapterDescription()
	core.LogInfo("Using adapter '%s' (driver %s, %d MiB dedicated memory)", desc.Description, drv.Name(), desc.DedicatedVideoMemory/(1024*1024))

	d := &Device{
		driver:   drv,
		native:   native,
		opts:     opts,
		registry: NewResourceStateRegistry(),
		frames:   &FrameCounter{},
	}
	for t := driver.DescriptorHeapType(0); t < driver.NumDescriptorHeapTypes; t++ {
		d.allocators[t] = NewDescriptorAllocator(native, t, opts.DescriptorPageSize, d.frames, opts.FramesInFlight)
	}
	for _, t := range []driver.CommandListType{driver.CommandListDirect, driver.CommandListCompute, driver.CommandListCopy} {
		q, err := newCommandQueue(d, t)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.queues[t] = q
	}
	return d, nil
}

func (d *Device) Native() driver.Device {
	return d.native
}

func (d *Device) Options() DeviceOptions {
	return d.opts
}

func (d *Device) Registry() *ResourceStateRegistry {
	return d.registry
}

func (d *Device) Frames() *FrameCounter {
	return d.frames
}

func (d *Device) CommandQueue(t driver.CommandListType) *CommandQueue {
	return d.queues[t]
}

// AdapterDescription describes the adapter the device was created on.
func (d *Device) AdapterDescription() driver.AdapterDesc {
	return d.native.AdapterDescription()
}

// AllocateDescriptors returns n contiguous CPU descriptors of type t. The
// caller frees the allocation exactly once.
func (d *Device) AllocateDescriptors(t driver.DescriptorHeapType, n uint32) (*DescriptorAllocation, error) {
	return d.allocators[t].Allocate(n)
}

// DescriptorAllocator returns the allocator of heap type t.
func (d *Device) DescriptorAllocator(t driver.DescriptorHeapType) *DescriptorAllocator {
	return d.allocators[t]
}

// ReleaseStaleDescriptors reclaims descriptors freed during frames the GPU
// can no longer be reading. Call it once per frame.
func (d *Device) ReleaseStaleDescriptors() {
	frame := d.frames.Current()
	for _, a := range d.allocators {
		a.ReleaseStaleDescriptors(frame)
	}
}

// CreateBuffer creates a committed buffer resource in state.
func (d *Device) CreateBuffer(heap driver.HeapType, size uint64, flags driver.ResourceFlags, state driver.ResourceState, name string) (*Resource, error) {
	return d.createCommittedResource(heap, driver.BufferDesc(size, flags), state, name)
}

func (d *Device) createCommittedResource(heap driver.HeapType, desc driver.ResourceDesc, state driver.ResourceState, name string) (*Resource, error) {
	native, err := d.native.CreateCommittedResource(heap, desc, state, nil)
	if err != nil {
		core.LogError("failed to create resource `%s`: %s", name, err)
		return nil, fmt.Errorf("create resource `%s`: %w", name, err)
	}
	native.SetName(name)
	return newResource(d.registry, native, state, nil), nil
}

// CreatePipelineState builds a pipeline state object. The shaders are opaque
// blobs.
func (d *Device) CreatePipelineState(desc driver.PipelineStateDesc) (*PipelineState, error) {
	if desc.Type == driver.PipelineRaytracing {
		if err := d.QueryRaytracingSupport(driver.RaytracingTier1_0); err != nil {
			return nil, err
		}
	}
	native, err := d.native.CreatePipelineState(desc)
	if err != nil {
		core.LogError("failed to create pipeline state `%s`: %s", desc.Name, err)
		return nil, fmt.Errorf("create pipeline state `%s`: %w", desc.Name, err)
	}
	return newPipelineState(native), nil
}

// QueryRaytracingSupport fails with core.ErrFeatureNotSupported when the
// device does not reach the minimum ray tracing tier.
func (d *Device) QueryRaytracingSupport(minimum driver.RaytracingTier) error {
	if tier := d.native.RaytracingTier(); tier < minimum {
		return fmt.Errorf("ray tracing tier %d, need %d: %w", tier, minimum, core.ErrFeatureNotSupported)
	}
	return nil
}

// Flush waits for the work submitted to every queue.
func (d *Device) Flush() error {
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		result, err := q.Flush()
		if err != nil {
			return err
		}
		if result == WaitTimedOut {
			return fmt.Errorf("flush %s queue: %w", q.label, core.ErrFenceTimeout)
		}
	}
	return nil
}

// Close flushes and destroys the queues, the descriptor allocators and the
// native device. Descriptor allocations still outstanding are reported with
// core.ErrDescriptorLeak.
func (d *Device) Close() error {
	var errs []error
	for i, q := range d.queues {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
		d.queues[i] = nil
	}
	for _, a := range d.allocators {
		if a == nil {
			continue
		}
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n := d.registry.Len(); n > 0 {
		core.LogWarn("%d resources are still alive at device shutdown", n)
	}
	d.native.Close()
	d.driver.Close()
	return errors.Join(errs...)
}
