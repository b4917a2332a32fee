package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// resultErr converts a failed vk.Result into a wrapped gpu.Result. The
// numeric codes are shared so the conversion is a cast.
func resultErr(res vk.Result, op string) error {
	if res == vk.Success {
		return nil
	}
	return fmt.Errorf("%s failed: %w", op, gpu.Result(res))
}

// createErr is resultErr for constructors: the failure is logged at the call
// site.
func createErr(res vk.Result, op string) error {
	err := resultErr(res, op)
	if err != nil {
		core.LogError(err.Error())
	}
	return err
}

func vkBool(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}

func timeoutNS(d time.Duration) uint64 {
	if d < 0 {
		return vk.MaxUint64
	}
	return uint64(d.Nanoseconds())
}

var end = "\x00"
var endChar byte = '\x00'

func VulkanSafeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != endChar {
		return s + end
	}
	return s
}

func VulkanSafeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = VulkanSafeString(list[i])
	}
	return out
}

// clampExtent fits the requested size into the surface limits.
func clampExtent(want, lo, hi vk.Extent2D) vk.Extent2D {
	return vk.Extent2D{
		Width:  min(max(want.Width, lo.Width), hi.Width),
		Height: min(max(want.Height, lo.Height), hi.Height),
	}
}
