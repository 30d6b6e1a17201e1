// Package driver defines the native graphics contract the renderer core is
// written against, plus the registry that backends add themselves to.
package driver

import (
	"errors"
	"sync"

	"github.com/spaghettifunk/prism/engine/core"
)

// Driver is the interface that provides methods for loading and unloading an
// underlying implementation.
type Driver interface {
	// Open initializes the driver and creates the logical device.
	Open(opts Options) (Device, error)

	// Name returns the name of the driver.
	// It must not cause the driver to be opened.
	Name() string

	// Close deinitializes the driver.
	// Closing a driver that is not open has no effect.
	Close()
}

// Options configures device creation.
type Options struct {
	// Software asks for a software rasterizer adapter instead of hardware.
	Software bool
	// Debug enables the validation layer of the backend, if it has one.
	Debug bool
	// Surface is the presentable target. It may be nil for compute-only use.
	Surface SurfaceProvider
	AppName string
}

// SurfaceProvider supplies a presentable surface for swapchain creation.
type SurfaceProvider interface {
	FramebufferSize() (width, height uint32)
	RequiredInstanceExtensions() []string
	// CreateWindowSurface creates a native surface for the given API instance
	// handle and returns the surface handle.
	CreateWindowSurface(instance interface{}) (uintptr, error)
}

// ErrNotInstalled means that a platform-specific library required for the
// driver to work is not present in the system.
var ErrNotInstalled = errors.New("driver: missing required library")

// ErrNoDevice means that no suitable device could be found.
var ErrNoDevice = errors.New("driver: no suitable device found")

// ErrNoHostMemory means that host memory could not be allocated.
var ErrNoHostMemory = errors.New("driver: out of host memory")

// ErrNoDeviceMemory means that device memory could not be allocated.
var ErrNoDeviceMemory = errors.New("driver: out of device memory")

// ErrFatal means that the driver is in an unrecoverable state.
var ErrFatal = errors.New("driver: fatal error")

// ErrNotSupported means the backend does not implement the requested call.
var ErrNotSupported = errors.New("driver: operation not supported")

// Drivers returns the registered Drivers.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	drv := make([]Driver, len(drivers))
	copy(drv, drivers)
	return drv
}

// Lookup returns the registered driver with the given name.
func Lookup(name string) (Driver, bool) {
	mu.Lock()
	defer mu.Unlock()
	for _, d := range drivers {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// Register registers a Driver.
// Driver implementations are expected to call Register exactly once, from an
// init function. A driver with the same name is replaced.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	for i := range drivers {
		if drivers[i].Name() == drv.Name() {
			drivers[i] = drv
			core.LogWarn("driver '%s' replaced", drv.Name())
			return
		}
	}
	drivers = append(drivers, drv)
	core.LogDebug("driver '%s' registered", drv.Name())
}

var (
	mu      sync.Mutex
	drivers []Driver = make([]Driver, 0, 2)
)
