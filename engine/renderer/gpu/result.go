package gpu

import (
	"errors"
	"fmt"
)

// Result is a device status code. Negative values are errors.
type Result int32

const (
	Success                          Result = 0
	NotReady                         Result = 1
	Timeout                          Result = 2
	Suboptimal                       Result = 1000001003
	ErrorOutOfHostMemory             Result = -1
	ErrorOutOfDeviceMemory           Result = -2
	ErrorInitializationFailed        Result = -3
	ErrorDeviceLost                  Result = -4
	ErrorFeatureNotPresent           Result = -8
	ErrorFormatNotSupported          Result = -11
	ErrorFragmentedPool              Result = -12
	ErrorUnknown                     Result = -13
	ErrorOutOfPoolMemory             Result = -1000069000
	ErrorInvalidShader               Result = -1000012000
	ErrorOutOfDate                   Result = -1000001004
	ErrorSurfaceLost                 Result = -1000000000
	ErrorNativeWindowInUse           Result = -1000000001
	ErrorIncompatibleDisplay         Result = -1000003001
	ErrorValidationFailed            Result = -1000011001
	ErrorFullScreenExclusiveModeLost Result = -1000255000
)

func (r Result) Error() string {
	return r.String()
}

func (r Result) String() string {
	switch r {
	case Success:
		return "VK_SUCCESS Command successfully completed"
	case NotReady:
		return "VK_NOT_READY A fence or query has not yet completed"
	case Timeout:
		return "VK_TIMEOUT A wait operation has not completed in the specified time"
	case Suboptimal:
		return "VK_SUBOPTIMAL_KHR A swapchain no longer matches the surface properties exactly, but can still be used to present to the surface successfully"
	case ErrorOutOfHostMemory:
		return "VK_ERROR_OUT_OF_HOST_MEMORY A host memory allocation has failed"
	case ErrorOutOfDeviceMemory:
		return "VK_ERROR_OUT_OF_DEVICE_MEMORY A device memory allocation has failed"
	case ErrorInitializationFailed:
		return "VK_ERROR_INITIALIZATION_FAILED Initialization of an object could not be completed for implementation-specific reasons"
	case ErrorDeviceLost:
		return "VK_ERROR_DEVICE_LOST The logical or physical device has been lost"
	case ErrorFeatureNotPresent:
		return "VK_ERROR_FEATURE_NOT_PRESENT A requested feature is not supported"
	case ErrorFormatNotSupported:
		return "VK_ERROR_FORMAT_NOT_SUPPORTED A requested format is not supported on this device"
	case ErrorFragmentedPool:
		return "VK_ERROR_FRAGMENTED_POOL A pool allocation has failed due to fragmentation of the pool's memory"
	case ErrorUnknown:
		return "VK_ERROR_UNKNOWN An unknown error has occurred"
	case ErrorOutOfPoolMemory:
		return "VK_ERROR_OUT_OF_POOL_MEMORY A pool memory allocation has failed"
	case ErrorInvalidShader:
		return "VK_ERROR_INVALID_SHADER_NV One or more shaders failed to compile or link"
	case ErrorOutOfDate:
		return "VK_ERROR_OUT_OF_DATE_KHR A surface has changed in such a way that it is no longer compatible with the swapchain"
	case ErrorSurfaceLost:
		return "VK_ERROR_SURFACE_LOST_KHR A surface is no longer available"
	case ErrorNativeWindowInUse:
		return "VK_ERROR_NATIVE_WINDOW_IN_USE_KHR The requested window is already in use"
	case ErrorIncompatibleDisplay:
		return "VK_ERROR_INCOMPATIBLE_DISPLAY_KHR The display used by a swapchain does not use the same presentable image layout"
	case ErrorValidationFailed:
		return "VK_ERROR_VALIDATION_FAILED_EXT A command failed because invalid usage was detected"
	case ErrorFullScreenExclusiveModeLost:
		return "VK_ERROR_FULL_SCREEN_EXCLUSIVE_MODE_LOST_EXT An operation on a swapchain failed as it did not have exclusive full-screen access"
	}
	return fmt.Sprintf("VkResult(%d)", int32(r))
}

// IsSuccess reports whether r is a non-error status.
func (r Result) IsSuccess() bool {
	return r >= 0
}

// Err returns nil for Success and r otherwise.
func (r Result) Err() error {
	if r == Success {
		return nil
	}
	return r
}

// ResultOf extracts the Result carried by err. A nil error is Success and an
// error that carries no Result is ErrorUnknown.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return ErrorUnknown
}

// IsPoolExhaustion reports whether err means a descriptor pool is out of
// space and another pool could satisfy the request.
func IsPoolExhaustion(err error) bool {
	switch ResultOf(err) {
	case ErrorFragmentedPool, ErrorOutOfPoolMemory:
		return true
	}
	return false
}

// IsSurfaceStale reports whether a present or acquire result means the frame
// should be skipped and retried.
func IsSurfaceStale(err error) bool {
	switch ResultOf(err) {
	case ErrorOutOfDate, Timeout, NotReady:
		return true
	}
	return false
}
