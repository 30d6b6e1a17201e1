// Package vulkan implements the native graphics contract on top of
// goki/vulkan. Command pools back allocators, command buffers back lists and
// fence values are emulated with one binary VkFence per signal.
package vulkan

import (
	"sync"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const DriverName = "vulkan"

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver.
type Driver struct {
	mu       sync.Mutex
	loaded   bool
	instance *instance
	devices  []*Device
}

func (d *Driver) Name() string {
	return DriverName
}

// Open loads the Vulkan loader through glfw, creates the instance on first use
// and then a logical device for the adapter that best matches opts.
func (d *Driver) Open(opts driver.Options) (driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		procAddr := glfw.GetVulkanGetInstanceProcAddress()
		if procAddr == nil {
			core.LogError("GetInstanceProcAddress is nil")
			return nil, driver.ErrNotInstalled
		}
		vk.SetGetInstanceProcAddr(procAddr)
		if err := vk.Init(); err != nil {
			core.LogError("failed to initialize vk: %s", err)
			return nil, driver.ErrNotInstalled
		}
		d.loaded = true
	}

	if d.instance == nil {
		inst, err := newInstance(opts)
		if err != nil {
			return nil, err
		}
		d.instance = inst
	}

	dev, err := newDevice(d, d.instance, opts)
	if err != nil {
		if len(d.devices) == 0 {
			d.instance.destroy()
			d.instance = nil
		}
		return nil, err
	}
	d.devices = append(d.devices, dev)
	return dev, nil
}

// forget drops a closed device. The instance goes with the last device.
func (d *Driver) forget(dev *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.devices {
		if d.devices[i] == dev {
			d.devices = append(d.devices[:i], d.devices[i+1:]...)
			break
		}
	}
	if len(d.devices) == 0 && d.instance != nil {
		d.instance.destroy()
		d.instance = nil
	}
}

func (d *Driver) Close() {
	d.mu.Lock()
	devices := append([]*Device(nil), d.devices...)
	d.mu.Unlock()
	for _, dev := range devices {
		dev.Close()
	}
}
