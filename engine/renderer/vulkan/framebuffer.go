package vulkan

import (
	"fmt"
	"slices"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

type framebufferKey struct {
	pass   vk.RenderPass
	views  [maxColorAttachments + 1]gpu.ImageView
	count  int
	width  uint32
	height uint32
}

// framebufferCache keeps one framebuffer per render pass, view list and
// extent. Entries referencing a view are evicted when that view dies.
type framebufferCache struct {
	device       *Device
	mu           sync.Mutex
	framebuffers map[framebufferKey]vk.Framebuffer
}

func newFramebufferCache(d *Device) *framebufferCache {
	return &framebufferCache{device: d, framebuffers: make(map[framebufferKey]vk.Framebuffer)}
}

func (c *framebufferCache) get(pass vk.RenderPass, views []gpu.ImageView, width, height uint32) (vk.Framebuffer, error) {
	if len(views) > maxColorAttachments+1 {
		views = views[:maxColorAttachments+1]
	}
	k := framebufferKey{pass: pass, count: len(views), width: width, height: height}
	copy(k.views[:], views)

	c.mu.Lock()
	defer c.mu.Unlock()
	if fb, ok := c.framebuffers[k]; ok {
		return fb, nil
	}

	attachments := make([]vk.ImageView, len(views))
	for i, h := range views {
		v, ok := c.device.views.get(uint64(h))
		if !ok {
			return vk.NullFramebuffer, fmt.Errorf("%w: image view %d", ErrUnknownHandle, h)
		}
		attachments[i] = v
	}

	var fb vk.Framebuffer
	res := vk.CreateFramebuffer(c.device.logical, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		Width:           width,
		Height:          height,
		Layers:          1,
	}, c.device.allocator, &fb)
	if err := createErr(res, "vkCreateFramebuffer"); err != nil {
		return vk.NullFramebuffer, err
	}
	c.framebuffers[k] = fb
	return fb, nil
}

// evict destroys every framebuffer that references view. The caller makes
// sure the GPU is done with them.
func (c *framebufferCache) evict(view gpu.ImageView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, fb := range c.framebuffers {
		if slices.Contains(k.views[:k.count], view) {
			vk.DestroyFramebuffer(c.device.logical, fb, c.device.allocator)
			delete(c.framebuffers, k)
		}
	}
}

func (c *framebufferCache) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, fb := range c.framebuffers {
		vk.DestroyFramebuffer(c.device.logical, fb, c.device.allocator)
		delete(c.framebuffers, k)
	}
}
