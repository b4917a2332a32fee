package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// fence caches the last observed signal so repeated waits on a completed
// fence skip the driver call. Reset and submit clear it.
type fence struct {
	handle   vk.Fence
	signaled bool
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	info := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	var handle vk.Fence
	if err := createErr(vk.CreateFence(d.logical, &info, d.allocator, &handle), "vkCreateFence"); err != nil {
		return 0, err
	}
	return gpu.Fence(d.fences.add(&fence{handle: handle, signaled: signaled})), nil
}

func (d *Device) fence(h gpu.Fence) (*fence, error) {
	f, ok := d.fences.get(uint64(h))
	if !ok {
		return nil, fmt.Errorf("%w: fence %d", ErrUnknownHandle, h)
	}
	return f, nil
}

func (d *Device) WaitForFence(h gpu.Fence, timeout time.Duration) error {
	f, err := d.fence(h)
	if err != nil {
		return err
	}
	if f.signaled {
		return nil
	}
	result := vk.WaitForFences(d.logical, 1, []vk.Fence{f.handle}, vk.True, timeoutNS(timeout))
	switch result {
	case vk.Success:
		f.signaled = true
		return nil
	case vk.Timeout:
		return gpu.Timeout
	case vk.ErrorDeviceLost:
		core.LogError("vkWaitForFences - VK_ERROR_DEVICE_LOST.")
	case vk.ErrorOutOfHostMemory:
		core.LogError("vkWaitForFences - VK_ERROR_OUT_OF_HOST_MEMORY.")
	case vk.ErrorOutOfDeviceMemory:
		core.LogError("vkWaitForFences - VK_ERROR_OUT_OF_DEVICE_MEMORY.")
	}
	return resultErr(result, "vkWaitForFences")
}

func (d *Device) ResetFence(h gpu.Fence) error {
	f, err := d.fence(h)
	if err != nil {
		return err
	}
	if err := resultErr(vk.ResetFences(d.logical, 1, []vk.Fence{f.handle}), "vkResetFences"); err != nil {
		return err
	}
	f.signaled = false
	return nil
}

func (d *Device) DestroyFence(h gpu.Fence) {
	if f, ok := d.fences.remove(uint64(h)); ok {
		vk.DestroyFence(d.logical, f.handle, d.allocator)
	}
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	var handle vk.Semaphore
	res := vk.CreateSemaphore(d.logical, &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}, d.allocator, &handle)
	if err := createErr(res, "vkCreateSemaphore"); err != nil {
		return 0, err
	}
	return gpu.Semaphore(d.semaphores.add(handle)), nil
}

func (d *Device) DestroySemaphore(h gpu.Semaphore) {
	if s, ok := d.semaphores.remove(uint64(h)); ok {
		vk.DestroySemaphore(d.logical, s, d.allocator)
	}
}

func (d *Device) semaphoreList(hs []gpu.Semaphore) []vk.Semaphore {
	out := make([]vk.Semaphore, 0, len(hs))
	for _, h := range hs {
		if s, ok := d.semaphores.get(uint64(h)); ok {
			out = append(out, s)
		}
	}
	return out
}
