// Package vulkan implements the gpu device interfaces on goki/vulkan.
//
// Instance, surface and logical device creation belong to the embedding
// application. Device wraps the logical device it is given and owns every
// object created through it.
package vulkan

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

var ErrUnknownHandle = errors.New("unknown device handle")

type DeviceInfo struct {
	Physical vk.PhysicalDevice
	Logical  vk.Device
	// GraphicsFamily is the queue family command pools are created for.
	GraphicsFamily uint32
	Allocator      *vk.AllocationCallbacks
}

type Device struct {
	physical  vk.PhysicalDevice
	logical   vk.Device
	family    uint32
	allocator *vk.AllocationCallbacks

	memory        vk.PhysicalDeviceMemoryProperties
	maxAnisotropy float32
	depthFormat   gpu.Format

	locks *LockPool

	queues     *table[vk.Queue]
	descPools  *table[*descriptorPool]
	setLayouts *table[vk.DescriptorSetLayout]
	sets       *table[descriptorSet]
	modules    *table[vk.ShaderModule]
	layouts    *table[vk.PipelineLayout]
	pipelines  *table[vk.Pipeline]
	fences     *table[*fence]
	semaphores *table[vk.Semaphore]
	cmdPools   *table[vk.CommandPool]
	cmds       *table[*commandBuffer]
	buffers    *table[*buffer]
	samplers   *table[vk.Sampler]
	images     *table[*image]
	views      *table[vk.ImageView]

	passes       *renderPassCache
	framebuffers *framebufferCache
}

var (
	_ gpu.Device      = (*Device)(nil)
	_ gpu.ImageDevice = (*Device)(nil)
)

func NewDevice(info DeviceInfo) (*Device, error) {
	if info.Physical == nil || info.Logical == nil {
		err := fmt.Errorf("vulkan device requires a physical and a logical device")
		core.LogError(err.Error())
		return nil, err
	}

	d := &Device{
		physical:   info.Physical,
		logical:    info.Logical,
		family:     info.GraphicsFamily,
		allocator:  info.Allocator,
		locks:      NewLockPool(),
		queues:     newTable[vk.Queue](),
		descPools:  newTable[*descriptorPool](),
		setLayouts: newTable[vk.DescriptorSetLayout](),
		sets:       newTable[descriptorSet](),
		modules:    newTable[vk.ShaderModule](),
		layouts:    newTable[vk.PipelineLayout](),
		pipelines:  newTable[vk.Pipeline](),
		fences:     newTable[*fence](),
		semaphores: newTable[vk.Semaphore](),
		cmdPools:   newTable[vk.CommandPool](),
		cmds:       newTable[*commandBuffer](),
		buffers:    newTable[*buffer](),
		samplers:   newTable[vk.Sampler](),
		images:     newTable[*image](),
		views:      newTable[vk.ImageView](),
	}
	d.passes = newRenderPassCache(d)
	d.framebuffers = newFramebufferCache(d)

	vk.GetPhysicalDeviceMemoryProperties(d.physical, &d.memory)
	d.memory.Deref()

	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(d.physical, &properties)
	properties.Deref()
	properties.Limits.Deref()
	d.maxAnisotropy = properties.Limits.MaxSamplerAnisotropy

	d.depthFormat = d.detectDepthFormat()
	if d.depthFormat == gpu.FormatUndefined {
		core.LogWarn("no depth attachment format supported")
	}

	core.LogInfo("Vulkan device wrapped (%s).", vk.ToString(properties.DeviceName[:]))
	return d, nil
}

// Queue fetches queue index of the graphics family and returns its handle.
func (d *Device) Queue(index uint32) gpu.Queue {
	var q vk.Queue
	vk.GetDeviceQueue(d.logical, d.family, index, &q)
	return gpu.Queue(d.queues.add(q))
}

func (d *Device) queue(h gpu.Queue) (vk.Queue, error) {
	q, ok := d.queues.get(uint64(h))
	if !ok {
		return nil, fmt.Errorf("%w: queue %d", ErrUnknownHandle, h)
	}
	return q, nil
}

// DepthFormat is the first of D32, D32S8 and D24S8 usable as an optimal
// tiling depth attachment.
func (d *Device) DepthFormat() gpu.Format {
	return d.depthFormat
}

func (d *Device) detectDepthFormat() gpu.Format {
	candidates := []vk.Format{
		vk.FormatD32Sfloat,
		vk.FormatD32SfloatS8Uint,
		vk.FormatD24UnormS8Uint,
	}
	flags := vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit)
	for _, candidate := range candidates {
		var properties vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(d.physical, candidate, &properties)
		properties.Deref()
		if properties.OptimalTilingFeatures&flags == flags {
			return gpu.Format(candidate)
		}
	}
	return gpu.FormatUndefined
}

// findMemoryIndex returns the first memory type allowed by typeFilter that
// has all of propertyFlags, or -1.
func (d *Device) findMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlags) int32 {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		d.memory.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && d.memory.MemoryTypes[i].PropertyFlags&propertyFlags == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

func (d *Device) WaitIdle() error {
	return resultErr(vk.DeviceWaitIdle(d.logical), "vkDeviceWaitIdle")
}

// Destroy releases the render pass and framebuffer caches. Objects handed
// out through the gpu interfaces are destroyed by their owners; the logical
// device itself belongs to the caller.
func (d *Device) Destroy() {
	if err := d.WaitIdle(); err != nil {
		core.LogWarn(err.Error())
	}
	d.framebuffers.destroy()
	d.passes.destroy()
	if n := d.buffers.len() + d.images.len() + d.pipelines.len(); n > 0 {
		core.LogWarn("vulkan device destroyed with %d live buffers, images or pipelines", n)
	}
}
