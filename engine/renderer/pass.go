package renderer

import (
	"github.com/spaghettifunk/lumen/engine/renderer/frame"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

// Pass orders. Passes are recorded in ascending order; equal orders keep
// registration order.
const (
	OrderShadow = 100
	OrderMain   = 200
	OrderUI     = 300
)

// Usage is how a pass touches an image.
type Usage uint8

const (
	UsageUndefined Usage = iota
	UsageColorWrite
	UsageDepthWrite
	UsageShaderRead
	UsageTransferDst
	UsagePresent
)

func (u Usage) String() string {
	switch u {
	case UsageUndefined:
		return "undefined"
	case UsageColorWrite:
		return "color-write"
	case UsageDepthWrite:
		return "depth-write"
	case UsageShaderRead:
		return "shader-read"
	case UsageTransferDst:
		return "transfer-dst"
	case UsagePresent:
		return "present"
	}
	return "unknown"
}

// ImageUse declares one image a pass reads or writes. Swapchain selects the
// image acquired for the current frame instead of Image.
type ImageUse struct {
	Image     gpu.Image
	Swapchain bool
	Aspect    gpu.ImageAspectFlags
	Usage     Usage
}

// Target is the swapchain image acquired for this frame.
type Target struct {
	Index  uint32
	Image  gpu.Image
	View   gpu.ImageView
	Format gpu.Format
	Width  uint32
	Height uint32
}

// PassContext is everything a pass needs to record its commands.
type PassContext struct {
	Device    gpu.CommandDevice
	Cmd       gpu.CommandBuffer
	Slot      *frame.Slot
	Frame     uint64
	Target    Target
	Scene     *FrameData
	Pipelines *pipeline.Manager
}

// BindPipeline binds a registered pipeline together with the slot's global
// (set 0) and object (set 1) descriptor sets.
func (c *PassContext) BindPipeline(h pipeline.PipelineHandle, layout gpu.PipelineLayout) error {
	p, err := c.Pipelines.Pipeline(h)
	if err != nil {
		return err
	}
	point := gpu.PipelineBindPointGraphics
	if rec, err := c.Pipelines.Record(h); err == nil && rec.Compute != nil {
		point = gpu.PipelineBindPointCompute
	}
	c.Device.CmdBindPipeline(c.Cmd, point, p)
	c.Device.CmdBindDescriptorSets(c.Cmd, point, layout, 0, []gpu.DescriptorSet{c.Slot.Global.Set, c.Slot.Object.Set})
	return nil
}

// BindTextures binds a pass owned descriptor set at set 2, after the frame
// sets. A zero set binds nothing.
func (c *PassContext) BindTextures(layout gpu.PipelineLayout, set gpu.DescriptorSet) {
	if set == 0 {
		return
	}
	c.Device.CmdBindDescriptorSets(c.Cmd, gpu.PipelineBindPointGraphics, layout, TextureSet, []gpu.DescriptorSet{set})
}

// DrawScene issues one draw per scene draw, using the object index as the
// first instance so shaders can pull the transform and material.
func (c *PassContext) DrawScene() {
	for _, d := range c.Scene.Draws {
		c.Device.CmdDraw(c.Cmd, d.VertexCount, 1, 0, d.Object)
	}
}

// TextureSet is the set index of pass owned sampled images.
const TextureSet = 2

type Pass interface {
	Name() string
	Order() int
	Uses() []ImageUse
	Record(ctx *PassContext) error
}
