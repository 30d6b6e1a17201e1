// Package soft implements the native graphics contract on the CPU. Submitted
// command lists execute on one goroutine per queue, which gives the same
// asynchronous completion behavior as a hardware queue, and every command is
// checked the way a debug layer would check it.
package soft

import (
	"sync"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const DriverName = "soft"

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver.
type Driver struct {
	mu  sync.Mutex
	dev *Device
}

// Open creates the software device. Further calls return the same device
// until Close is called.
func (d *Driver) Open(opts driver.Options) (driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		d.dev = NewDevice(opts)
	}
	return d.dev, nil
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
}
