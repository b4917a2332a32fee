package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

type buffer struct {
	handle vk.Buffer
	memory vk.DeviceMemory
	size   uint64
	mapped []byte
}

// image is either owned by the device or borrowed from a swapchain. Only
// owned images carry memory and are destroyed by DestroyImage.
type image struct {
	handle vk.Image
	memory vk.DeviceMemory
	view   gpu.ImageView
	format gpu.Format
	owned  bool
}

func (d *Device) allocate(reqs vk.MemoryRequirements, props vk.MemoryPropertyFlags) (vk.DeviceMemory, error) {
	reqs.Deref()
	index := d.findMemoryIndex(reqs.MemoryTypeBits, props)
	if index < 0 {
		return vk.NullDeviceMemory, fmt.Errorf("no memory type for properties %#x: %w", props, gpu.ErrorOutOfDeviceMemory)
	}
	var memory vk.DeviceMemory
	res := vk.AllocateMemory(d.logical, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: uint32(index),
	}, d.allocator, &memory)
	if err := resultErr(res, "vkAllocateMemory"); err != nil {
		return vk.NullDeviceMemory, err
	}
	return memory, nil
}

func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	if info.Size == 0 {
		return 0, fmt.Errorf("buffer %q has zero size: %w", info.DebugName, gpu.ErrorInitializationFailed)
	}

	b := &buffer{size: info.Size}
	res := vk.CreateBuffer(d.logical, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(info.Size),
		Usage:       vk.BufferUsageFlags(info.Usage),
		SharingMode: vk.SharingModeExclusive,
	}, d.allocator, &b.handle)
	if err := createErr(res, "vkCreateBuffer"); err != nil {
		return 0, err
	}

	props := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if info.HostVisible {
		props = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logical, b.handle, &reqs)
	memory, err := d.allocate(reqs, props)
	if err != nil {
		vk.DestroyBuffer(d.logical, b.handle, d.allocator)
		core.LogError("failed to allocate memory for buffer %s: %s", info.DebugName, err.Error())
		return 0, err
	}
	b.memory = memory
	if err := resultErr(vk.BindBufferMemory(d.logical, b.handle, b.memory, 0), "vkBindBufferMemory"); err != nil {
		d.freeBuffer(b)
		return 0, err
	}

	if info.HostVisible {
		var ptr unsafe.Pointer
		if err := resultErr(vk.MapMemory(d.logical, b.memory, 0, vk.DeviceSize(info.Size), 0, &ptr), "vkMapMemory"); err != nil {
			d.freeBuffer(b)
			return 0, err
		}
		b.mapped = unsafe.Slice((*byte)(ptr), info.Size)
	}

	core.LogDebug("created buffer %s (%d bytes)", info.DebugName, info.Size)
	return gpu.Buffer(d.buffers.add(b)), nil
}

func (d *Device) MapBuffer(h gpu.Buffer) ([]byte, error) {
	b, ok := d.buffers.get(uint64(h))
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", ErrUnknownHandle, h)
	}
	if b.mapped == nil {
		return nil, fmt.Errorf("buffer %d is not host visible: %w", h, gpu.ErrorFeatureNotPresent)
	}
	return b.mapped, nil
}

func (d *Device) freeBuffer(b *buffer) {
	if b.mapped != nil {
		vk.UnmapMemory(d.logical, b.memory)
		b.mapped = nil
	}
	vk.DestroyBuffer(d.logical, b.handle, d.allocator)
	if b.memory != vk.NullDeviceMemory {
		vk.FreeMemory(d.logical, b.memory, d.allocator)
	}
}

func (d *Device) DestroyBuffer(h gpu.Buffer) {
	if b, ok := d.buffers.remove(uint64(h)); ok {
		d.freeBuffer(b)
	}
}

func (d *Device) createView(handle vk.Image, format gpu.Format, aspect gpu.ImageAspectFlags) (vk.ImageView, error) {
	var view vk.ImageView
	res := vk.CreateImageView(d.logical, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    handle,
		ViewType: vk.ImageViewType2d,
		Format:   vk.Format(format),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(aspect),
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}, d.allocator, &view)
	if err := createErr(res, "vkCreateImageView"); err != nil {
		return vk.NullImageView, err
	}
	return view, nil
}

func (d *Device) CreateImage(info gpu.ImageCreateInfo) (gpu.Image, gpu.ImageView, error) {
	if info.Width == 0 || info.Height == 0 || info.Format == gpu.FormatUndefined {
		return 0, 0, fmt.Errorf("image %q has an empty extent or no format: %w", info.DebugName, gpu.ErrorInitializationFailed)
	}

	img := &image{format: info.Format, owned: true}
	res := vk.CreateImage(d.logical, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    vk.Format(info.Format),
		Extent: vk.Extent3D{
			Width:  info.Width,
			Height: info.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(info.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, d.allocator, &img.handle)
	if err := createErr(res, "vkCreateImage"); err != nil {
		return 0, 0, err
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logical, img.handle, &reqs)
	memory, err := d.allocate(reqs, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(d.logical, img.handle, d.allocator)
		core.LogError("failed to allocate memory for image %s: %s", info.DebugName, err.Error())
		return 0, 0, err
	}
	img.memory = memory
	if err := resultErr(vk.BindImageMemory(d.logical, img.handle, img.memory, 0), "vkBindImageMemory"); err != nil {
		d.freeImage(img)
		return 0, 0, err
	}

	view, err := d.createView(img.handle, info.Format, info.Aspect())
	if err != nil {
		d.freeImage(img)
		return 0, 0, err
	}
	img.view = gpu.ImageView(d.views.add(view))

	core.LogDebug("created image %s (%dx%d)", info.DebugName, info.Width, info.Height)
	return gpu.Image(d.images.add(img)), img.view, nil
}

// registerImage adopts an image owned elsewhere, such as a swapchain image.
func (d *Device) registerImage(handle vk.Image, view vk.ImageView, format gpu.Format) (gpu.Image, gpu.ImageView) {
	v := gpu.ImageView(d.views.add(view))
	return gpu.Image(d.images.add(&image{handle: handle, view: v, format: format})), v
}

func (d *Device) freeImage(img *image) {
	if img.view != 0 {
		d.framebuffers.evict(img.view)
		if v, ok := d.views.remove(uint64(img.view)); ok {
			vk.DestroyImageView(d.logical, v, d.allocator)
		}
	}
	if !img.owned {
		return
	}
	vk.DestroyImage(d.logical, img.handle, d.allocator)
	if img.memory != vk.NullDeviceMemory {
		vk.FreeMemory(d.logical, img.memory, d.allocator)
	}
}

func (d *Device) DestroyImage(h gpu.Image) {
	if img, ok := d.images.remove(uint64(h)); ok {
		d.freeImage(img)
	}
}

func (d *Device) CreateSampler(info gpu.SamplerCreateInfo) (gpu.Sampler, error) {
	anisotropy := min(info.MaxAnisotropy, d.maxAnisotropy)
	var sampler vk.Sampler
	res := vk.CreateSampler(d.logical, &vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.Filter(info.MagFilter),
		MinFilter:               vk.Filter(info.MinFilter),
		MipmapMode:              vk.SamplerMipmapMode(info.MipmapMode),
		AddressModeU:            vk.SamplerAddressMode(info.AddressModeU),
		AddressModeV:            vk.SamplerAddressMode(info.AddressModeV),
		AddressModeW:            vk.SamplerAddressMode(info.AddressModeW),
		AnisotropyEnable:        vkBool(anisotropy > 1),
		MaxAnisotropy:           anisotropy,
		CompareEnable:           vkBool(info.CompareEnable),
		CompareOp:               vk.CompareOp(info.CompareOp),
		MinLod:                  info.MinLod,
		MaxLod:                  info.MaxLod,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
	}, d.allocator, &sampler)
	if err := createErr(res, "vkCreateSampler"); err != nil {
		return 0, err
	}
	return gpu.Sampler(d.samplers.add(sampler)), nil
}

func (d *Device) DestroySampler(h gpu.Sampler) {
	if s, ok := d.samplers.remove(uint64(h)); ok {
		vk.DestroySampler(d.logical, s, d.allocator)
	}
}
