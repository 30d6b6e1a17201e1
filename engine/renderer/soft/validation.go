package soft

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/prism/engine/core"
)

// ErrAllocatorInFlight is returned when a command allocator is reset while a
// list recorded into it has not finished executing.
var ErrAllocatorInFlight = errors.New("soft: command allocator reset while in flight")

// ErrInvalidCall mirrors the debug layer rejecting an API call.
var ErrInvalidCall = errors.New("soft: invalid call")

// report records a validation message. Messages are kept for inspection and
// logged when the device runs with the debug layer.
func (d *Device) report(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.validationMu.Lock()
	d.validation = append(d.validation, msg)
	d.validationMu.Unlock()
	if d.debug {
		core.LogError("[soft debug layer] %s", msg)
	}
}

// invalidCall reports and returns an error wrapping ErrInvalidCall.
func (d *Device) invalidCall(format string, args ...interface{}) error {
	err := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidCall)
	d.report("%s", err)
	return err
}

// ValidationMessages returns every message recorded so far.
func (d *Device) ValidationMessages() []string {
	d.validationMu.Lock()
	defer d.validationMu.Unlock()
	out := make([]string, len(d.validation))
	copy(out, d.validation)
	return out
}

func (d *Device) ClearValidationMessages() {
	d.validationMu.Lock()
	defer d.validationMu.Unlock()
	d.validation = nil
}
