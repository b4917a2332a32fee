package core

import (
	"errors"
)

var (
	ErrSwapchainBooting = errors.New("swapchain resized or recreated, booting")
	ErrFrameSkipped     = errors.New("frame skipped")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrUnknown          = errors.New("unknown")
)
