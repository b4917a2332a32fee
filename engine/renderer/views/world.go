package views

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

type RenderMode uint8

const (
	RenderModeDefault RenderMode = iota
	RenderModeLighting
	RenderModeNormals
)

func (m RenderMode) String() string {
	switch m {
	case RenderModeLighting:
		return "lighting"
	case RenderModeNormals:
		return "normals"
	}
	return "default"
}

// WorldPass draws the scene into the swapchain image, sampling the shadow
// map. Each debug render mode has its own pipeline.
type WorldPass struct {
	Pipelines  map[RenderMode]pipeline.PipelineHandle
	Layout     gpu.PipelineLayout
	ShadowMap  Attachment
	Depth      Attachment
	ClearColor [4]float32
	// Textures samples the shadow map at set 2.
	Textures gpu.DescriptorSet

	mode RenderMode
}

func (p *WorldPass) Name() string { return "world" }
func (p *WorldPass) Order() int   { return renderer.OrderMain }

func (p *WorldPass) Uses() []renderer.ImageUse {
	return []renderer.ImageUse{
		{Image: p.ShadowMap.Image, Aspect: depthAspect(p.ShadowMap.Format), Usage: renderer.UsageShaderRead},
		{Image: p.Depth.Image, Aspect: depthAspect(p.Depth.Format), Usage: renderer.UsageDepthWrite},
		{Swapchain: true, Aspect: gpu.ImageAspectColor, Usage: renderer.UsageColorWrite},
	}
}

// SetRenderMode switches the debug view. Modes without a pipeline are
// rejected.
func (p *WorldPass) SetRenderMode(mode RenderMode) error {
	if _, ok := p.Pipelines[mode]; !ok {
		return fmt.Errorf("no pipeline for render mode %s", mode)
	}
	core.LogDebug("renderer mode set to %s", mode)
	p.mode = mode
	return nil
}

func (p *WorldPass) RenderMode() RenderMode {
	return p.mode
}

func (p *WorldPass) Record(ctx *renderer.PassContext) error {
	h, ok := p.Pipelines[p.mode]
	if !ok {
		return fmt.Errorf("no pipeline for render mode %s", p.mode)
	}
	t := ctx.Target
	ctx.Device.CmdBeginRendering(ctx.Cmd, gpu.RenderingBeginInfo{
		Width:  t.Width,
		Height: t.Height,
		Color: []gpu.RenderingAttachment{{
			View:       t.View,
			Format:     t.Format,
			Layout:     gpu.ImageLayoutColorAttachmentOptimal,
			Clear:      true,
			ClearColor: p.ClearColor,
		}},
		Depth: &gpu.RenderingAttachment{
			View:       p.Depth.View,
			Format:     p.Depth.Format,
			Layout:     gpu.ImageLayoutDepthStencilAttachmentOptimal,
			Clear:      true,
			ClearDepth: 1,
		},
	})
	ctx.Device.CmdSetViewport(ctx.Cmd, t.Width, t.Height)
	if err := ctx.BindPipeline(h, p.Layout); err != nil {
		ctx.Device.CmdEndRendering(ctx.Cmd)
		return err
	}
	ctx.BindTextures(p.Layout, p.Textures)
	ctx.DrawScene()
	ctx.Device.CmdEndRendering(ctx.Cmd)
	return nil
}
