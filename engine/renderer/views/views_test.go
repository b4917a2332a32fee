package views

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/descriptor"
	"github.com/spaghettifunk/lumen/engine/renderer/frame"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu/gputest"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

type constCompiler struct{}

func (constCompiler) Compile(string, gpu.ShaderStageFlags) (*pipeline.CompileResult, error) {
	return &pipeline.CompileResult{SPIRV: []uint32{0x07230203}}, nil
}

type scene struct {
	dev       *gputest.Device
	swapchain *gputest.Swapchain
	ring      *frame.Ring
	pipelines *pipeline.Manager
	renderer  *renderer.Renderer
	layout    gpu.PipelineLayout
}

func newScene(t *testing.T) *scene {
	t.Helper()
	s := &scene{dev: gputest.NewDevice(), swapchain: gputest.NewSwapchain(2)}
	cache := descriptor.NewLayoutCache(s.dev)
	alloc := descriptor.NewAllocator(s.dev)
	ring, err := frame.NewRing(s.dev, cache, alloc, frame.RingConfig{MaxObjects: 4, MaxMaterials: 4})
	require.NoError(t, err)
	s.ring = ring
	s.pipelines = pipeline.NewManager(s.dev, constCompiler{}, nil, pipeline.ManagerConfig{ShaderDir: t.TempDir()})
	s.layout, err = s.pipelines.PipelineLayout(gpu.PipelineLayoutCreateInfo{
		SetLayouts: []gpu.DescriptorSetLayout{ring.Slot(0).Global.Layout, ring.Slot(0).Object.Layout},
	})
	require.NoError(t, err)
	s.renderer = renderer.New(s.dev, s.swapchain, 0, ring, s.pipelines, renderer.Config{
		FenceTimeout:   time.Second,
		AcquireTimeout: time.Second,
	})
	t.Cleanup(func() {
		s.pipelines.Destroy()
		ring.Destroy()
		alloc.Destroy()
		cache.Destroy()
	})
	return s
}

func (s *scene) pipeline(t *testing.T, name string) pipeline.PipelineHandle {
	t.Helper()
	vert, err := s.pipelines.AddShader(name+".vert", gpu.ShaderStageVertex)
	require.NoError(t, err)
	frag, err := s.pipelines.AddShader(name+".frag", gpu.ShaderStageFragment)
	require.NoError(t, err)
	h, err := s.pipelines.CreateGraphicsPipeline(pipeline.GraphicsPipelineDesc{
		Layout:    s.layout,
		Shaders:   []pipeline.ShaderRef{{Shader: vert}, {Shader: frag}},
		DebugName: name,
	})
	require.NoError(t, err)
	return h
}

func (s *scene) commands() []gputest.Command {
	return s.dev.Commands(s.ring.Slot(0).CommandBuffer)
}

var (
	shadowMap = Attachment{Image: 500, View: 501, Format: gpu.FormatD32Sfloat}
	depth     = Attachment{Image: 600, View: 601, Format: gpu.FormatD24UnormS8Uint}
)

func TestPassesRecordIntoOneFrame(t *testing.T) {
	s := newScene(t)
	world := &WorldPass{
		Pipelines: map[RenderMode]pipeline.PipelineHandle{RenderModeDefault: s.pipeline(t, "world")},
		Layout:    s.layout,
		ShadowMap: shadowMap,
		Depth:     depth,
	}
	s.renderer.AddPass(&UIPass{Pipeline: s.pipeline(t, "ui"), Layout: s.layout})
	s.renderer.AddPass(&SkyboxPass{Pipeline: s.pipeline(t, "skybox"), Layout: s.layout, Sky: 700, Depth: depth})
	s.renderer.AddPass(world)
	s.renderer.AddPass(&ShadowPass{Pipeline: s.pipeline(t, "shadow"), Layout: s.layout, Map: shadowMap, Size: 2048})

	var names []string
	for _, p := range s.renderer.Passes() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"shadow", "world", "skybox", "ui"}, names)

	require.NoError(t, s.renderer.Draw(&renderer.FrameData{
		Transforms: []mgl32.Mat4{mgl32.Ident4()},
		Draws:      []renderer.Draw{{Object: 0, VertexCount: 3}},
	}))

	var rendering []*gpu.RenderingBeginInfo
	begins, ends := 0, 0
	for _, c := range s.commands() {
		switch c.Name {
		case "BeginRendering":
			begins++
			rendering = append(rendering, c.Rendering)
		case "EndRendering":
			ends++
		}
	}
	assert.Equal(t, 4, begins)
	assert.Equal(t, 4, ends)

	require.NotNil(t, rendering[0].Depth)
	assert.Equal(t, uint32(2048), rendering[0].Width)
	assert.Equal(t, shadowMap.View, rendering[0].Depth.View)
	assert.Empty(t, rendering[0].Color)
	assert.Equal(t, s.swapchain.ImageView(0), rendering[1].Color[0].View)
	assert.True(t, rendering[1].Color[0].Clear)
	assert.False(t, rendering[2].Color[0].Clear)
	assert.Nil(t, rendering[3].Depth)
	assert.Empty(t, s.dev.Violations())
}

func TestShadowPassUsesStencilAspect(t *testing.T) {
	p := &ShadowPass{Map: depth}
	uses := p.Uses()
	require.Len(t, uses, 1)
	assert.Equal(t, gpu.ImageAspectDepth|gpu.ImageAspectStencil, uses[0].Aspect)
	assert.Equal(t, renderer.UsageDepthWrite, uses[0].Usage)
}

func TestWorldPassRenderModes(t *testing.T) {
	s := newScene(t)
	def := s.pipeline(t, "world")
	normals := s.pipeline(t, "normals")
	world := &WorldPass{
		Pipelines: map[RenderMode]pipeline.PipelineHandle{RenderModeDefault: def, RenderModeNormals: normals},
		Layout:    s.layout,
		ShadowMap: shadowMap,
		Depth:     depth,
	}
	s.renderer.AddPass(world)

	assert.Error(t, world.SetRenderMode(RenderModeLighting))
	assert.Equal(t, RenderModeDefault, world.RenderMode())
	require.NoError(t, world.SetRenderMode(RenderModeNormals))

	require.NoError(t, s.renderer.Draw(&renderer.FrameData{}))
	want, err := s.pipelines.Pipeline(normals)
	require.NoError(t, err)
	var bound []gpu.Pipeline
	for _, c := range s.commands() {
		if c.Name == "BindPipeline" {
			bound = append(bound, c.Pipeline)
		}
	}
	assert.Equal(t, []gpu.Pipeline{want}, bound)
}

func TestPassFailsOnUnknownPipeline(t *testing.T) {
	s := newScene(t)
	s.renderer.AddPass(&UIPass{Pipeline: pipeline.PipelineHandle(12345), Layout: s.layout})

	err := s.renderer.Draw(&renderer.FrameData{})
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)
	assert.ErrorIs(t, err, core.ErrFrameSkipped)
	assert.Empty(t, s.dev.Violations())
}

func TestWorldPassBindsTexturesAtSetTwo(t *testing.T) {
	s := newScene(t)
	s.renderer.AddPass(&WorldPass{
		Pipelines: map[RenderMode]pipeline.PipelineHandle{RenderModeDefault: s.pipeline(t, "world")},
		Layout:    s.layout,
		ShadowMap: shadowMap,
		Depth:     depth,
		Textures:  gpu.DescriptorSet(77),
	})
	require.NoError(t, s.renderer.Draw(&renderer.FrameData{}))

	var sets [][]gpu.DescriptorSet
	for _, c := range s.commands() {
		if c.Name == "BindDescriptorSets" {
			sets = append(sets, c.Sets)
		}
	}
	require.Len(t, sets, 2)
	assert.Len(t, sets[0], 2)
	assert.Equal(t, []gpu.DescriptorSet{77}, sets[1])
}
