package vulkan

import (
	"fmt"
	"math"
	"sync"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

type SwapchainSupportInfo struct {
	Capabilities vk.SurfaceCapabilities
	Formats      []vk.SurfaceFormat
	PresentModes []vk.PresentMode
}

// Swapchain presents to a surface created by the embedding application. Its
// images are registered with the device but stay owned by the swapchain.
type Swapchain struct {
	device  *Device
	surface vk.Surface

	mu          sync.RWMutex
	handle      vk.Swapchain
	format      vk.SurfaceFormat
	presentMode vk.PresentMode
	extent      vk.Extent2D
	images      []gpu.Image
	views       []gpu.ImageView
}

var _ gpu.Swapchain = (*Swapchain)(nil)

func NewSwapchain(device *Device, surface vk.Surface, width, height uint32) (*Swapchain, error) {
	sc := &Swapchain{device: device, surface: surface}
	if err := sc.create(width, height); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Swapchain) querySupport() (*SwapchainSupportInfo, error) {
	physical := s.device.physical
	info := &SwapchainSupportInfo{}

	res := vk.GetPhysicalDeviceSurfaceCapabilities(physical, s.surface, &info.Capabilities)
	if err := resultErr(res, "vkGetPhysicalDeviceSurfaceCapabilities"); err != nil {
		return nil, err
	}
	info.Capabilities.Deref()
	info.Capabilities.CurrentExtent.Deref()
	info.Capabilities.MinImageExtent.Deref()
	info.Capabilities.MaxImageExtent.Deref()

	var formatCount uint32
	vk.GetPhysicalDeviceSurfaceFormats(physical, s.surface, &formatCount, nil)
	if formatCount == 0 {
		return nil, fmt.Errorf("surface has no pixel formats: %w", gpu.ErrorFormatNotSupported)
	}
	info.Formats = make([]vk.SurfaceFormat, formatCount)
	vk.GetPhysicalDeviceSurfaceFormats(physical, s.surface, &formatCount, info.Formats)
	for i := range info.Formats {
		info.Formats[i].Deref()
	}

	var modeCount uint32
	vk.GetPhysicalDeviceSurfacePresentModes(physical, s.surface, &modeCount, nil)
	info.PresentModes = make([]vk.PresentMode, modeCount)
	if modeCount > 0 {
		vk.GetPhysicalDeviceSurfacePresentModes(physical, s.surface, &modeCount, info.PresentModes)
	}
	return info, nil
}

// chooseSurfaceFormat prefers sRGB BGRA8, then UNORM BGRA8, then whatever the
// surface lists first.
func chooseSurfaceFormat(formats []vk.SurfaceFormat) vk.SurfaceFormat {
	for _, want := range []vk.Format{vk.FormatB8g8r8a8Srgb, vk.FormatB8g8r8a8Unorm} {
		for _, f := range formats {
			if f.Format == want && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
				return f
			}
		}
	}
	return formats[0]
}

func choosePresentMode(modes []vk.PresentMode) vk.PresentMode {
	for _, m := range modes {
		if m == vk.PresentModeMailbox {
			return m
		}
	}
	return vk.PresentModeFifo
}

func chooseImageCount(caps vk.SurfaceCapabilities) uint32 {
	count := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && count > caps.MaxImageCount {
		count = caps.MaxImageCount
	}
	return count
}

func (s *Swapchain) create(width, height uint32) error {
	support, err := s.querySupport()
	if err != nil {
		return err
	}
	caps := support.Capabilities

	format := chooseSurfaceFormat(support.Formats)
	presentMode := choosePresentMode(support.PresentModes)

	extent := vk.Extent2D{Width: width, Height: height}
	if caps.CurrentExtent.Width != math.MaxUint32 {
		extent = caps.CurrentExtent
	}
	extent = clampExtent(extent, caps.MinImageExtent, caps.MaxImageExtent)
	if extent.Width == 0 || extent.Height == 0 {
		return fmt.Errorf("surface extent is %dx%d: %w", extent.Width, extent.Height, gpu.ErrorOutOfDate)
	}

	old := s.handle
	var handle vk.Swapchain
	res := vk.CreateSwapchain(s.device.logical, &vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          s.surface,
		MinImageCount:    chooseImageCount(caps),
		ImageFormat:      format.Format,
		ImageColorSpace:  format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      presentMode,
		Clipped:          vk.True,
		OldSwapchain:     old,
	}, s.device.allocator, &handle)
	if err := createErr(res, "vkCreateSwapchain"); err != nil {
		return err
	}
	if old != vk.NullSwapchain {
		vk.DestroySwapchain(s.device.logical, old, s.device.allocator)
	}

	var count uint32
	if err := resultErr(vk.GetSwapchainImages(s.device.logical, handle, &count, nil), "vkGetSwapchainImages"); err != nil {
		vk.DestroySwapchain(s.device.logical, handle, s.device.allocator)
		s.handle = vk.NullSwapchain
		return err
	}
	raw := make([]vk.Image, count)
	if err := resultErr(vk.GetSwapchainImages(s.device.logical, handle, &count, raw), "vkGetSwapchainImages"); err != nil {
		vk.DestroySwapchain(s.device.logical, handle, s.device.allocator)
		s.handle = vk.NullSwapchain
		return err
	}

	s.images = s.images[:0]
	s.views = s.views[:0]
	for _, img := range raw {
		view, err := s.device.createView(img, gpu.Format(format.Format), gpu.ImageAspectColor)
		if err != nil {
			s.releaseImages()
			vk.DestroySwapchain(s.device.logical, handle, s.device.allocator)
			s.handle = vk.NullSwapchain
			return err
		}
		h, v := s.device.registerImage(img, view, gpu.Format(format.Format))
		s.images = append(s.images, h)
		s.views = append(s.views, v)
	}

	s.handle = handle
	s.format = format
	s.presentMode = presentMode
	s.extent = extent
	core.LogInfo("Swapchain created (%dx%d, %d images).", extent.Width, extent.Height, count)
	return nil
}

// releaseImages drops the device registrations and views of the swapchain
// images, evicting their framebuffers.
func (s *Swapchain) releaseImages() {
	for _, h := range s.images {
		s.device.DestroyImage(h)
	}
	s.images = s.images[:0]
	s.views = s.views[:0]
}

// Recreate rebuilds the swapchain for a new surface size once the device is
// idle. Image and view handles change.
func (s *Swapchain) Recreate(width, height uint32) error {
	if err := s.device.WaitIdle(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseImages()
	return s.create(width, height)
}

func (s *Swapchain) AcquireNextImage(timeout time.Duration, signal gpu.Semaphore) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == vk.NullSwapchain {
		return 0, gpu.ErrorOutOfDate
	}
	var semaphore vk.Semaphore
	if signal != 0 {
		sem, ok := s.device.semaphores.get(uint64(signal))
		if !ok {
			return 0, fmt.Errorf("%w: semaphore %d", ErrUnknownHandle, signal)
		}
		semaphore = sem
	}

	var index uint32
	var result vk.Result
	err := s.device.locks.SafeCall(SwapchainManagement, func() error {
		result = vk.AcquireNextImage(s.device.logical, s.handle, timeoutNS(timeout), semaphore, vk.NullFence, &index)
		return nil
	})
	if err != nil {
		return 0, err
	}
	switch result {
	case vk.Success, vk.Suboptimal:
		return index, nil
	case vk.ErrorOutOfDate, vk.Timeout, vk.NotReady:
		return 0, gpu.Result(result)
	}
	err = resultErr(result, "vkAcquireNextImage")
	core.LogError("Failed to acquire swapchain image: %s", err.Error())
	return 0, err
}

func (s *Swapchain) Present(q gpu.Queue, imageIndex uint32, wait []gpu.Semaphore) error {
	queue, err := s.device.queue(q)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	waits := s.device.semaphoreList(wait)

	var result vk.Result
	_ = s.device.locks.SafeQueueCall(uint64(q), func() error {
		result = vk.QueuePresent(queue, &vk.PresentInfo{
			SType:              vk.StructureTypePresentInfo,
			WaitSemaphoreCount: uint32(len(waits)),
			PWaitSemaphores:    waits,
			SwapchainCount:     1,
			PSwapchains:        []vk.Swapchain{s.handle},
			PImageIndices:      []uint32{imageIndex},
		})
		return nil
	})
	switch result {
	case vk.Success:
		return nil
	case vk.Suboptimal, vk.ErrorOutOfDate:
		return gpu.Result(result)
	}
	err = resultErr(result, "vkQueuePresent")
	core.LogError("Failed to present swap chain image: %s", err.Error())
	return err
}

func (s *Swapchain) Image(index uint32) gpu.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.images[index]
}

func (s *Swapchain) ImageView(index uint32) gpu.ImageView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.views[index]
}

func (s *Swapchain) Format() gpu.Format {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gpu.Format(s.format.Format)
}

func (s *Swapchain) Extent() (uint32, uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extent.Width, s.extent.Height
}

func (s *Swapchain) ImageCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint32(len(s.images))
}

func (s *Swapchain) Destroy() {
	if err := s.device.WaitIdle(); err != nil {
		core.LogWarn(err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseImages()
	if s.handle != vk.NullSwapchain {
		vk.DestroySwapchain(s.device.logical, s.handle, s.device.allocator)
		s.handle = vk.NullSwapchain
	}
}
