package views

import (
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

const skyboxVertices = 36

// SkyboxPass draws the sky texture behind the world, testing against the
// world depth without writing it.
type SkyboxPass struct {
	Pipeline pipeline.PipelineHandle
	Layout   gpu.PipelineLayout
	Sky      gpu.Image
	Depth    Attachment
	Textures gpu.DescriptorSet
}

func (p *SkyboxPass) Name() string { return "skybox" }

// Order places the skybox after the opaque world.
func (p *SkyboxPass) Order() int { return renderer.OrderMain + 1 }

func (p *SkyboxPass) Uses() []renderer.ImageUse {
	return []renderer.ImageUse{
		{Image: p.Sky, Aspect: gpu.ImageAspectColor, Usage: renderer.UsageShaderRead},
		{Image: p.Depth.Image, Aspect: depthAspect(p.Depth.Format), Usage: renderer.UsageDepthWrite},
		{Swapchain: true, Aspect: gpu.ImageAspectColor, Usage: renderer.UsageColorWrite},
	}
}

func (p *SkyboxPass) Record(ctx *renderer.PassContext) error {
	t := ctx.Target
	ctx.Device.CmdBeginRendering(ctx.Cmd, gpu.RenderingBeginInfo{
		Width:  t.Width,
		Height: t.Height,
		Color:  []gpu.RenderingAttachment{{View: t.View, Format: t.Format, Layout: gpu.ImageLayoutColorAttachmentOptimal}},
		Depth:  &gpu.RenderingAttachment{View: p.Depth.View, Format: p.Depth.Format, Layout: gpu.ImageLayoutDepthStencilAttachmentOptimal},
	})
	defer ctx.Device.CmdEndRendering(ctx.Cmd)
	ctx.Device.CmdSetViewport(ctx.Cmd, t.Width, t.Height)
	if err := ctx.BindPipeline(p.Pipeline, p.Layout); err != nil {
		return err
	}
	ctx.BindTextures(p.Layout, p.Textures)
	ctx.Device.CmdDraw(ctx.Cmd, skyboxVertices, 1, 0, 0)
	return nil
}
