package engine

import (
	"fmt"
	"image/color"

	"github.com/spaghettifunk/lumen/engine/assets"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/descriptor"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/views"
	"github.com/spaghettifunk/lumen/engine/systems"
)

const (
	shadowMapSize  = 2048
	shadowFormat   = gpu.FormatD32Sfloat
	depthFormat    = gpu.FormatD32Sfloat
	maxTextureSide = 4096
)

var clearColor = [4]float32{0.02, 0.02, 0.04, 1}

// shaderSet names the sources of one pipeline, relative to the shader
// directory. An empty fragment builds a depth only pipeline.
type shaderSet struct {
	vertex   string
	fragment string
}

var (
	shadowShaders = shaderSet{vertex: "shadow.vert"}
	skyboxShaders = shaderSet{vertex: "skybox.vert", fragment: "skybox.frag"}
	uiShaders     = shaderSet{vertex: "ui.vert", fragment: "ui.frag"}
	worldShaders  = map[views.RenderMode]shaderSet{
		views.RenderModeDefault:  {vertex: "world.vert", fragment: "world.frag"},
		views.RenderModeLighting: {vertex: "world.vert", fragment: "lighting.frag"},
		views.RenderModeNormals:  {vertex: "world.vert", fragment: "normals.frag"},
	}
)

func decodeImages(js *systems.JobSystem, paths []string) ([]*assets.Image, error) {
	return assets.DecodeImages(js, paths, assets.DecodeOptions{MaxDimension: maxTextureSide})
}

/**
 * @brief Creates the render targets, the sky texture, the pass descriptor
 * sets, the pipelines and the passes, and registers the passes with the
 * renderer.
 */
func (e *Engine) initializeScene() error {
	var err error
	if e.shadow, err = e.createTarget(shadowMapSize, shadowMapSize, shadowFormat, gpu.ImageUsageSampled, "shadow-map"); err != nil {
		return err
	}
	e.deletion.Push(func() { e.destroyTarget(e.shadow) })

	width, height := e.surface.Extent()
	if e.depth, err = e.createTarget(width, height, depthFormat, 0, "depth"); err != nil {
		return err
	}
	e.deletion.Push(func() { e.destroyTarget(e.depth) })

	if err := e.loadSky(); err != nil {
		return err
	}

	linear, err := e.samplers.Linear()
	if err != nil {
		return err
	}
	worldSet, err := descriptor.NewBuilder(e.layouts, e.allocator).
		BindImage(0, gpu.DescriptorImageInfo{Sampler: linear, View: e.shadow.View, Layout: gpu.ImageLayoutShaderReadOnlyOptimal},
			gpu.DescriptorTypeCombinedImageSampler, gpu.ShaderStageFragment).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build world textures: %w", err)
	}
	skySet, err := descriptor.NewBuilder(e.layouts, e.allocator).
		BindImage(0, gpu.DescriptorImageInfo{Sampler: linear, View: e.sky.View, Layout: gpu.ImageLayoutShaderReadOnlyOptimal},
			gpu.DescriptorTypeCombinedImageSampler, gpu.ShaderStageFragment).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build sky textures: %w", err)
	}

	slot := e.ring.Slot(0)
	e.layout, err = e.pipelines.PipelineLayout(gpu.PipelineLayoutCreateInfo{
		SetLayouts: []gpu.DescriptorSetLayout{slot.Global.Layout, slot.Object.Layout, worldSet.Layout},
	})
	if err != nil {
		return err
	}

	if err := e.createPasses(worldSet.Set, skySet.Set); err != nil {
		return err
	}
	e.renderer.AddPass(e.shadowPass)
	e.renderer.AddPass(e.worldPass)
	e.renderer.AddPass(e.skyboxPass)
	e.renderer.AddPass(e.uiPass)
	return nil
}

func (e *Engine) createTarget(width, height uint32, format gpu.Format, usage gpu.ImageUsageFlags, name string) (views.Attachment, error) {
	img, view, err := e.device.CreateImage(gpu.ImageCreateInfo{
		Width:     width,
		Height:    height,
		Format:    format,
		Usage:     usage | gpu.ImageUsageDepthStencilAttachment,
		DebugName: name,
	})
	if err != nil {
		err = fmt.Errorf("failed to create %s image: %w", name, err)
		core.LogError(err.Error())
		return views.Attachment{}, err
	}
	return views.Attachment{Image: img, View: view, Format: format}, nil
}

func (e *Engine) destroyTarget(a views.Attachment) {
	if a.Image == 0 {
		return
	}
	e.renderer.Forget(a.Image)
	e.device.DestroyImage(a.Image)
}

// recreateDepth replaces the depth target after the surface changed size.
// The device must be idle.
func (e *Engine) recreateDepth(width, height uint32) error {
	depth, err := e.createTarget(width, height, depthFormat, 0, "depth")
	if err != nil {
		return err
	}
	e.destroyTarget(e.depth)
	e.depth = depth
	e.worldPass.Depth = depth
	e.skyboxPass.Depth = depth
	return nil
}

func (e *Engine) loadSky() error {
	if path := e.options.SkyTexture; path != "" {
		textures, err := e.LoadTextures(path)
		if err == nil {
			e.sky = textures[0]
			return nil
		}
		core.LogWarn("falling back to a generated sky: %s", err.Error())
	}
	img := assets.Checkerboard(64, 8, color.RGBA{R: 40, G: 60, B: 120, A: 255}, color.RGBA{R: 70, G: 100, B: 170, A: 255})
	sky, err := e.uploadTexture(img.Width, img.Height, img.Pixels, "sky")
	if err != nil {
		return err
	}
	e.sky = sky
	return nil
}

func (e *Engine) addShaders(set shaderSet) ([]pipeline.ShaderRef, error) {
	vert, err := e.pipelines.AddShader(set.vertex, gpu.ShaderStageVertex)
	if err != nil {
		return nil, err
	}
	refs := []pipeline.ShaderRef{{Shader: vert}}
	if set.fragment != "" {
		frag, err := e.pipelines.AddShader(set.fragment, gpu.ShaderStageFragment)
		if err != nil {
			return nil, err
		}
		refs = append(refs, pipeline.ShaderRef{Shader: frag})
	}
	return refs, nil
}

func (e *Engine) graphicsPipeline(set shaderSet, desc pipeline.GraphicsPipelineDesc) (pipeline.PipelineHandle, error) {
	refs, err := e.addShaders(set)
	if err != nil {
		return 0, err
	}
	desc.Layout = e.layout
	desc.Shaders = refs
	desc.Topology = gpu.PrimitiveTopologyTriangleList
	return e.pipelines.CreateGraphicsPipeline(desc)
}

func (e *Engine) createPasses(worldTextures, skyTextures gpu.DescriptorSet) error {
	targets := []gpu.Format{e.surface.Format()}
	cullBack := gpu.RasterizationState{CullMode: gpu.CullModeBack, FrontFace: gpu.FrontFaceCounterClockwise}

	shadow, err := e.graphicsPipeline(shadowShaders, pipeline.GraphicsPipelineDesc{
		Rasterization: gpu.RasterizationState{
			CullMode:  gpu.CullModeBack,
			FrontFace: gpu.FrontFaceCounterClockwise,
			DepthBias: &gpu.DepthBias{ConstantFactor: 1.25, SlopeFactor: 1.75},
		},
		Depth:     gpu.DepthState{TestEnable: true, WriteEnable: true, CompareOp: gpu.CompareOpLessOrEqual},
		Rendering: gpu.RenderingInfo{DepthFormat: shadowFormat},
		DebugName: "shadow",
	})
	if err != nil {
		return err
	}
	e.shadowPass = &views.ShadowPass{Pipeline: shadow, Layout: e.layout, Map: e.shadow, Size: shadowMapSize}

	modes := make(map[views.RenderMode]pipeline.PipelineHandle, len(worldShaders))
	for _, mode := range []views.RenderMode{views.RenderModeDefault, views.RenderModeLighting, views.RenderModeNormals} {
		h, err := e.graphicsPipeline(worldShaders[mode], pipeline.GraphicsPipelineDesc{
			Rasterization: cullBack,
			Depth:         gpu.DepthState{TestEnable: true, WriteEnable: true, CompareOp: gpu.CompareOpLess},
			Rendering:     gpu.RenderingInfo{ColorFormats: targets, DepthFormat: depthFormat},
			DebugName:     "world-" + mode.String(),
		})
		if err != nil {
			return err
		}
		modes[mode] = h
	}
	e.worldPass = &views.WorldPass{
		Pipelines:  modes,
		Layout:     e.layout,
		ShadowMap:  e.shadow,
		Depth:      e.depth,
		ClearColor: clearColor,
		Textures:   worldTextures,
	}

	skybox, err := e.graphicsPipeline(skyboxShaders, pipeline.GraphicsPipelineDesc{
		Depth:     gpu.DepthState{TestEnable: true, CompareOp: gpu.CompareOpLessOrEqual},
		Rendering: gpu.RenderingInfo{ColorFormats: targets, DepthFormat: depthFormat},
		DebugName: "skybox",
	})
	if err != nil {
		return err
	}
	e.skyboxPass = &views.SkyboxPass{Pipeline: skybox, Layout: e.layout, Sky: e.sky.Image, Depth: e.depth, Textures: skyTextures}

	ui, err := e.graphicsPipeline(uiShaders, pipeline.GraphicsPipelineDesc{
		Blend: []gpu.BlendAttachment{{
			Enable:         true,
			SrcColorFactor: gpu.BlendFactorSrcAlpha,
			DstColorFactor: gpu.BlendFactorOneMinusSrcAlpha,
			ColorOp:        gpu.BlendOpAdd,
			SrcAlphaFactor: gpu.BlendFactorOne,
			DstAlphaFactor: gpu.BlendFactorZero,
			AlphaOp:        gpu.BlendOpAdd,
			WriteMask:      gpu.ColorComponentAll,
		}},
		Rendering: gpu.RenderingInfo{ColorFormats: targets},
		DebugName: "ui",
	})
	if err != nil {
		return err
	}
	e.uiPass = &views.UIPass{Pipeline: ui, Layout: e.layout}
	return nil
}

// SetWidgets installs the overlay recorder run by the UI pass.
func (e *Engine) SetWidgets(fn func(ctx *renderer.PassContext)) {
	e.uiPass.Widgets = fn
}
