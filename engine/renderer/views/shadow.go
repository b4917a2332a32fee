// Package views holds the render passes the engine registers with the
// renderer: shadow, world, skybox and UI.
package views

import (
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

// Attachment is an image the passes render into or sample from.
type Attachment struct {
	Image  gpu.Image
	View   gpu.ImageView
	Format gpu.Format
}

// ShadowPass renders scene depth from the light into a square shadow map.
type ShadowPass struct {
	Pipeline pipeline.PipelineHandle
	Layout   gpu.PipelineLayout
	Map      Attachment
	Size     uint32
}

func (p *ShadowPass) Name() string { return "shadow" }
func (p *ShadowPass) Order() int   { return renderer.OrderShadow }

func (p *ShadowPass) Uses() []renderer.ImageUse {
	return []renderer.ImageUse{
		{Image: p.Map.Image, Aspect: depthAspect(p.Map.Format), Usage: renderer.UsageDepthWrite},
	}
}

func (p *ShadowPass) Record(ctx *renderer.PassContext) error {
	ctx.Device.CmdBeginRendering(ctx.Cmd, gpu.RenderingBeginInfo{
		Width:  p.Size,
		Height: p.Size,
		Depth: &gpu.RenderingAttachment{
			View:       p.Map.View,
			Format:     p.Map.Format,
			Layout:     gpu.ImageLayoutDepthStencilAttachmentOptimal,
			Clear:      true,
			ClearDepth: 1,
		},
	})
	ctx.Device.CmdSetViewport(ctx.Cmd, p.Size, p.Size)
	if err := ctx.BindPipeline(p.Pipeline, p.Layout); err != nil {
		ctx.Device.CmdEndRendering(ctx.Cmd)
		return err
	}
	ctx.DrawScene()
	ctx.Device.CmdEndRendering(ctx.Cmd)
	return nil
}

func depthAspect(f gpu.Format) gpu.ImageAspectFlags {
	aspect := gpu.ImageAspectDepth
	if f.HasStencil() {
		aspect |= gpu.ImageAspectStencil
	}
	return aspect
}
