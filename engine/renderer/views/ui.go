package views

import (
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

// UIPass composites the debug overlay on top of the frame. Widgets records
// the overlay geometry; a nil Widgets draws nothing but still opens the
// pass so the overlay pipeline stays exercised.
type UIPass struct {
	Pipeline pipeline.PipelineHandle
	Layout   gpu.PipelineLayout
	Widgets  func(ctx *renderer.PassContext)
}

func (p *UIPass) Name() string { return "ui" }
func (p *UIPass) Order() int   { return renderer.OrderUI }

func (p *UIPass) Uses() []renderer.ImageUse {
	return []renderer.ImageUse{
		{Swapchain: true, Aspect: gpu.ImageAspectColor, Usage: renderer.UsageColorWrite},
	}
}

func (p *UIPass) Record(ctx *renderer.PassContext) error {
	t := ctx.Target
	ctx.Device.CmdBeginRendering(ctx.Cmd, gpu.RenderingBeginInfo{
		Width:  t.Width,
		Height: t.Height,
		Color:  []gpu.RenderingAttachment{{View: t.View, Format: t.Format, Layout: gpu.ImageLayoutColorAttachmentOptimal}},
	})
	defer ctx.Device.CmdEndRendering(ctx.Cmd)
	if err := ctx.BindPipeline(p.Pipeline, p.Layout); err != nil {
		return err
	}
	if p.Widgets != nil {
		p.Widgets(ctx)
	}
	return nil
}
