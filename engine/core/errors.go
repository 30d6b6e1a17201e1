package core

import (
	"errors"
)

var (
	ErrSwapchainBooting    = errors.New("swapchain resized or recreated, booting")
	ErrFeatureNotSupported = errors.New("feature not supported by device")
	ErrDeviceLost          = errors.New("device lost")
	ErrFenceTimeout        = errors.New("timed out waiting for fence")
	ErrDescriptorLeak      = errors.New("descriptor allocations still outstanding")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrQueueClosed         = errors.New("command queue closed")
	ErrUnknown             = errors.New("unknown")
)
