package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

const maxColorAttachments = 4

type attachmentKey struct {
	format gpu.Format
	layout gpu.ImageLayout
	clear  bool
}

// renderPassKey describes a single subpass render pass. Attachments keep the
// layout they arrive in, so the same key is valid for every frame.
type renderPassKey struct {
	color      [maxColorAttachments]attachmentKey
	colorCount int
	depth      attachmentKey
	hasDepth   bool
}

func renderPassKeyFor(info gpu.RenderingBeginInfo) renderPassKey {
	var k renderPassKey
	for i, a := range info.Color {
		if i == maxColorAttachments {
			core.LogWarn("render scope has %d color attachments, only %d are used", len(info.Color), maxColorAttachments)
			break
		}
		k.color[i] = attachmentKey{format: a.Format, layout: a.Layout, clear: a.Clear}
		k.colorCount++
	}
	if info.Depth != nil {
		k.depth = attachmentKey{format: info.Depth.Format, layout: info.Depth.Layout, clear: info.Depth.Clear}
		k.hasDepth = true
	}
	return k
}

// pipelineRenderPassKey returns a pass compatible with every render scope
// over the given formats. Compatibility ignores layouts and load ops.
func pipelineRenderPassKey(info gpu.RenderingInfo) renderPassKey {
	var k renderPassKey
	for i, f := range info.ColorFormats {
		if i == maxColorAttachments {
			break
		}
		k.color[i] = attachmentKey{format: f, layout: gpu.ImageLayoutColorAttachmentOptimal}
		k.colorCount++
	}
	depth := info.DepthFormat
	if depth == gpu.FormatUndefined {
		depth = info.StencilFormat
	}
	if depth != gpu.FormatUndefined {
		k.depth = attachmentKey{format: depth, layout: gpu.ImageLayoutDepthStencilAttachmentOptimal}
		k.hasDepth = true
	}
	return k
}

func loadOp(clear bool) vk.AttachmentLoadOp {
	if clear {
		return vk.AttachmentLoadOpClear
	}
	return vk.AttachmentLoadOpLoad
}

func (k renderPassKey) attachments() ([]vk.AttachmentDescription, []vk.AttachmentReference, *vk.AttachmentReference) {
	descriptions := make([]vk.AttachmentDescription, 0, k.colorCount+1)
	colorRefs := make([]vk.AttachmentReference, 0, k.colorCount)
	for i := 0; i < k.colorCount; i++ {
		a := k.color[i]
		descriptions = append(descriptions, vk.AttachmentDescription{
			Format:         vk.Format(a.format),
			Samples:        vk.SampleCount1Bit,
			LoadOp:         loadOp(a.clear),
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayout(a.layout),
			FinalLayout:    vk.ImageLayout(a.layout),
		})
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
	}
	if !k.hasDepth {
		return descriptions, colorRefs, nil
	}

	stencilLoad, stencilStore := vk.AttachmentLoadOpDontCare, vk.AttachmentStoreOpDontCare
	if k.depth.format.HasStencil() {
		stencilLoad, stencilStore = loadOp(k.depth.clear), vk.AttachmentStoreOpStore
	}
	descriptions = append(descriptions, vk.AttachmentDescription{
		Format:         vk.Format(k.depth.format),
		Samples:        vk.SampleCount1Bit,
		LoadOp:         loadOp(k.depth.clear),
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  stencilLoad,
		StencilStoreOp: stencilStore,
		InitialLayout:  vk.ImageLayout(k.depth.layout),
		FinalLayout:    vk.ImageLayout(k.depth.layout),
	})
	depthRef := &vk.AttachmentReference{
		Attachment: uint32(k.colorCount),
		Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
	}
	return descriptions, colorRefs, depthRef
}

type renderPassCache struct {
	device *Device
	mu     sync.Mutex
	passes map[renderPassKey]vk.RenderPass
}

func newRenderPassCache(d *Device) *renderPassCache {
	return &renderPassCache{device: d, passes: make(map[renderPassKey]vk.RenderPass)}
}

func (c *renderPassCache) get(k renderPassKey) (vk.RenderPass, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pass, ok := c.passes[k]; ok {
		return pass, nil
	}
	if k.colorCount == 0 && !k.hasDepth {
		return vk.NullRenderPass, fmt.Errorf("render pass without attachments: %w", gpu.ErrorInitializationFailed)
	}

	descriptions, colorRefs, depthRef := k.attachments()
	subpass := vk.SubpassDescription{
		PipelineBindPoint:       vk.PipelineBindPointGraphics,
		ColorAttachmentCount:    uint32(len(colorRefs)),
		PColorAttachments:       colorRefs,
		PDepthStencilAttachment: depthRef,
	}

	stages := vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit)
	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  stages,
		SrcAccessMask: 0,
		DstStageMask:  stages,
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit | vk.AccessDepthStencilAttachmentWriteBit),
	}

	var pass vk.RenderPass
	res := vk.CreateRenderPass(c.device.logical, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(descriptions)),
		PAttachments:    descriptions,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}, c.device.allocator, &pass)
	if err := createErr(res, "vkCreateRenderPass"); err != nil {
		return vk.NullRenderPass, err
	}

	c.passes[k] = pass
	core.LogDebug("render pass created (%d color, depth %t)", k.colorCount, k.hasDepth)
	return pass, nil
}

func (c *renderPassCache) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, pass := range c.passes {
		vk.DestroyRenderPass(c.device.logical, pass, c.device.allocator)
		delete(c.passes, k)
	}
}
