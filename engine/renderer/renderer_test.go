package renderer

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/core/logtest"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/descriptor"
	"github.com/spaghettifunk/lumen/engine/renderer/frame"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu/gputest"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

const (
	shadowMap  gpu.Image = 900
	depthImage gpu.Image = 901
)

// recordingPass notes the commands recorded before it ran.
type recordingPass struct {
	name  string
	order int
	uses  []ImageUse
	dev   *gputest.Device
	log   *[]string
	seen  []gputest.Command
	err   error
}

func (p *recordingPass) Name() string     { return p.name }
func (p *recordingPass) Order() int       { return p.order }
func (p *recordingPass) Uses() []ImageUse { return p.uses }

func (p *recordingPass) Record(ctx *PassContext) error {
	*p.log = append(*p.log, p.name)
	p.seen = p.dev.Commands(ctx.Cmd)
	if p.err != nil {
		return p.err
	}
	ctx.DrawScene()
	return nil
}

type stubCompiler struct{ version uint32 }

func (c *stubCompiler) Compile(string, gpu.ShaderStageFlags) (*pipeline.CompileResult, error) {
	c.version++
	return &pipeline.CompileResult{SPIRV: []uint32{0x07230203, c.version}}, nil
}

type stubWatcher struct{ pending []platform.FileEvent }

func (w *stubWatcher) Watch(string) error { return nil }

func (w *stubWatcher) Poll() []platform.FileEvent {
	out := w.pending
	w.pending = nil
	return out
}

type fixture struct {
	dev       *gputest.Device
	swapchain *gputest.Swapchain
	ring      *frame.Ring
	pipelines *pipeline.Manager
	watcher   *stubWatcher
	renderer  *Renderer
	order     []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dev:       gputest.NewDevice(),
		swapchain: gputest.NewSwapchain(3),
		watcher:   &stubWatcher{},
	}
	cache := descriptor.NewLayoutCache(f.dev)
	alloc := descriptor.NewAllocator(f.dev)
	ring, err := frame.NewRing(f.dev, cache, alloc, frame.RingConfig{MaxObjects: 8, MaxMaterials: 8})
	require.NoError(t, err)
	f.ring = ring
	f.pipelines = pipeline.NewManager(f.dev, &stubCompiler{}, f.watcher, pipeline.ManagerConfig{
		ShaderDir: t.TempDir(),
		HotReload: true,
	})
	f.renderer = New(f.dev, f.swapchain, 0, ring, f.pipelines, Config{
		FenceTimeout:   time.Second,
		AcquireTimeout: time.Second,
	})
	t.Cleanup(func() {
		f.pipelines.Destroy()
		ring.Destroy()
		alloc.Destroy()
		cache.Destroy()
	})
	return f
}

func (f *fixture) pass(name string, order int, uses ...ImageUse) *recordingPass {
	p := &recordingPass{name: name, order: order, uses: uses, dev: f.dev, log: &f.order}
	f.renderer.AddPass(p)
	return p
}

// standardPasses registers the UI, main and shadow passes out of order.
func (f *fixture) standardPasses() (shadow, main, ui *recordingPass) {
	ui = f.pass("ui", OrderUI, ImageUse{Swapchain: true, Usage: UsageColorWrite})
	main = f.pass("main", OrderMain,
		ImageUse{Image: shadowMap, Aspect: gpu.ImageAspectDepth, Usage: UsageShaderRead},
		ImageUse{Image: depthImage, Aspect: gpu.ImageAspectDepth, Usage: UsageDepthWrite},
		ImageUse{Swapchain: true, Usage: UsageColorWrite},
	)
	shadow = f.pass("shadow", OrderShadow, ImageUse{Image: shadowMap, Aspect: gpu.ImageAspectDepth, Usage: UsageDepthWrite})
	return shadow, main, ui
}

func scene() *FrameData {
	return &FrameData{
		Camera:     frame.Camera{View: mgl32.Ident4(), Projection: mgl32.Ident4(), ViewProjection: mgl32.Ident4()},
		Transforms: []mgl32.Mat4{mgl32.Ident4(), mgl32.Translate3D(0, 1, 0)},
		Materials:  []uint32{0, 1},
		Draws:      []Draw{{Object: 0, VertexCount: 3}, {Object: 1, VertexCount: 6}},
	}
}

func lastBarrier(cmds []gputest.Command) []gpu.ImageBarrier {
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].Name == "PipelineBarrier" {
			return cmds[i].Barriers
		}
	}
	return nil
}

func TestDrawRecordsPassesInOrder(t *testing.T) {
	f := newFixture(t)
	f.standardPasses()

	require.NoError(t, f.renderer.Draw(scene()))
	assert.Equal(t, []string{"shadow", "main", "ui"}, f.order)

	names := make([]string, 0, 3)
	for _, p := range f.renderer.Passes() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"shadow", "main", "ui"}, names)
	assert.Equal(t, []uint32{0}, f.swapchain.Presented())
	assert.Equal(t, uint64(1), f.ring.Frame())
	assert.Empty(t, f.dev.Violations())
}

func TestDrawInsertsShadowMapBarrierBeforeMainPass(t *testing.T) {
	f := newFixture(t)
	_, main, ui := f.standardPasses()

	require.NoError(t, f.renderer.Draw(scene()))

	var shadowRead *gpu.ImageBarrier
	barriers := lastBarrier(main.seen)
	for i := range barriers {
		if barriers[i].Image == shadowMap {
			shadowRead = &barriers[i]
		}
	}
	require.NotNil(t, shadowRead)
	assert.Equal(t, gpu.ImageLayoutDepthStencilAttachmentOptimal, shadowRead.OldLayout)
	assert.Equal(t, gpu.ImageLayoutShaderReadOnlyOptimal, shadowRead.NewLayout)
	assert.Equal(t, gpu.AccessDepthStencilAttachmentWrite|gpu.AccessDepthStencilAttachmentRead, shadowRead.SrcAccess)
	assert.Equal(t, gpu.AccessShaderRead, shadowRead.DstAccess)
	assert.Equal(t, gpu.ImageAspectDepth, shadowRead.Range.Aspect)

	// The swapchain image is already a color target when the UI pass runs,
	// so nothing is inserted between main and UI.
	require.NotEmpty(t, ui.seen)
	assert.Equal(t, "Draw", ui.seen[len(ui.seen)-1].Name)

	// After the passes the swapchain image goes to present.
	cmds := f.dev.Commands(f.ring.Slot(0).CommandBuffer)
	final := cmds[len(cmds)-1]
	require.Equal(t, "PipelineBarrier", final.Name)
	require.Len(t, final.Barriers, 1)
	assert.Equal(t, f.swapchain.Image(0), final.Barriers[0].Image)
	assert.Equal(t, gpu.ImageLayoutColorAttachmentOptimal, final.Barriers[0].OldLayout)
	assert.Equal(t, gpu.ImageLayoutPresentSrc, final.Barriers[0].NewLayout)
}

func TestShadowMapReturnsToDepthWriteNextFrame(t *testing.T) {
	f := newFixture(t)
	shadow, _, _ := f.standardPasses()

	require.NoError(t, f.renderer.Draw(scene()))
	require.NoError(t, f.renderer.Draw(scene()))

	barriers := lastBarrier(shadow.seen)
	require.Len(t, barriers, 1)
	assert.Equal(t, gpu.ImageLayoutShaderReadOnlyOptimal, barriers[0].OldLayout)
	assert.Equal(t, gpu.ImageLayoutDepthStencilAttachmentOptimal, barriers[0].NewLayout)
}

func TestDrawWritesSceneIntoSlot(t *testing.T) {
	f := newFixture(t)
	f.standardPasses()

	require.NoError(t, f.renderer.Draw(scene()))
	slot := f.ring.Slot(0)
	assert.Equal(t, uint32(2), slot.ObjectCount())

	draws := 0
	for _, c := range f.dev.Commands(slot.CommandBuffer) {
		if c.Name == "Draw" {
			draws++
		}
	}
	assert.Equal(t, 2*3, draws)
}

func TestOutOfDateAcquireSkipsFrameQuietly(t *testing.T) {
	f := newFixture(t)
	f.standardPasses()
	logs := logtest.Capture(t)

	f.swapchain.QueueAcquireResults(gpu.ErrorOutOfDate, gpu.Timeout)

	for i := 0; i < 2; i++ {
		err := f.renderer.Draw(scene())
		assert.ErrorIs(t, err, core.ErrFrameSkipped)
	}
	assert.Zero(t, logs.Count("error"))
	assert.Equal(t, 2, logs.Count("debug"))
	assert.Empty(t, f.order)
	assert.Equal(t, uint64(0), f.ring.Frame())
	assert.Equal(t, uint64(2), f.renderer.Metrics().Skipped())
	// Fence never reset, so the retry does not block.
	assert.Equal(t, gputest.FenceSignaled, f.dev.FenceState(f.ring.Current().Fence))

	require.NoError(t, f.renderer.Draw(scene()))
	assert.Equal(t, uint64(1), f.ring.Frame())
	assert.Empty(t, f.dev.Violations())
}

func TestSuboptimalIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.standardPasses()
	f.swapchain.QueueAcquireResults(gpu.Suboptimal)
	f.swapchain.QueuePresentResults(gpu.Suboptimal)

	require.NoError(t, f.renderer.Draw(scene()))
	assert.Equal(t, uint64(1), f.ring.Frame())
}

func TestStalePresentReportsBooting(t *testing.T) {
	f := newFixture(t)
	f.standardPasses()
	logs := logtest.Capture(t)
	f.swapchain.QueuePresentResults(gpu.ErrorOutOfDate)

	err := f.renderer.Draw(scene())
	assert.ErrorIs(t, err, core.ErrSwapchainBooting)
	assert.Equal(t, uint64(1), f.ring.Frame())
	assert.Zero(t, logs.Count("error"))
}

func TestFenceTimeoutSkipsFrame(t *testing.T) {
	f := newFixture(t)
	f.standardPasses()
	f.dev.AutoComplete = false

	require.NoError(t, f.renderer.Draw(scene()))
	require.NoError(t, f.renderer.Draw(scene()))
	f.renderer.config.FenceTimeout = time.Millisecond
	err := f.renderer.Draw(scene())
	assert.ErrorIs(t, err, core.ErrFrameSkipped)
	assert.ErrorIs(t, err, gpu.Timeout)
	assert.Equal(t, []string{"shadow", "main", "ui", "shadow", "main", "ui"}, f.order)

	f.dev.CompleteSubmissions()
	require.NoError(t, f.renderer.Draw(scene()))
	assert.Empty(t, f.dev.Violations())
}

func TestDrawAppliesShaderReloads(t *testing.T) {
	f := newFixture(t)
	vert, err := f.pipelines.AddShader("mesh.vert", gpu.ShaderStageVertex)
	require.NoError(t, err)
	layout, err := f.pipelines.PipelineLayout(gpu.PipelineLayoutCreateInfo{})
	require.NoError(t, err)
	h, err := f.pipelines.CreateGraphicsPipeline(pipeline.GraphicsPipelineDesc{
		Layout:  layout,
		Shaders: []pipeline.ShaderRef{{Shader: vert}},
	})
	require.NoError(t, err)
	before, err := f.pipelines.Pipeline(h)
	require.NoError(t, err)

	entry, err := f.pipelines.Shader(vert)
	require.NoError(t, err)
	f.watcher.pending = append(f.watcher.pending, platform.FileEvent{Path: entry.Path, Action: platform.FileModified})
	require.NoError(t, f.renderer.Draw(scene()))

	after, err := f.pipelines.Pipeline(h)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, "mesh.vert", filepath.Base(entry.Path))
}

func TestImageTracker(t *testing.T) {
	tr := newImageTracker()

	b, ok := tr.transition(shadowMap, 0, UsageTransferDst)
	require.True(t, ok)
	assert.Equal(t, gpu.ImageLayoutUndefined, b.OldLayout)
	assert.Equal(t, gpu.ImageLayoutTransferDstOptimal, b.NewLayout)
	assert.Equal(t, gpu.ImageAspectColor, b.Range.Aspect)

	_, ok = tr.transition(shadowMap, 0, UsageTransferDst)
	assert.False(t, ok)

	tr.forget(shadowMap)
	assert.Equal(t, UsageUndefined, tr.usageOf(shadowMap))
}

func TestAdoptedTextureNeedsNoBarrier(t *testing.T) {
	const texture gpu.Image = 902
	f := newFixture(t)
	main := f.pass("main", OrderMain, ImageUse{Image: texture, Usage: UsageShaderRead})
	f.renderer.Adopt(texture, UsageShaderRead)

	require.NoError(t, f.renderer.Draw(scene()))
	for _, b := range lastBarrier(main.seen) {
		assert.NotEqual(t, texture, b.Image)
	}

	f.renderer.Forget(texture)
	assert.Equal(t, UsageUndefined, f.renderer.tracker.usageOf(texture))
}

func TestInvalidFrameDataIsRejectedBeforeAcquire(t *testing.T) {
	tooMany := scene()
	tooMany.Transforms = make([]mgl32.Mat4, 9)
	badObject := scene()
	badObject.Draws = append(badObject.Draws, Draw{Object: 2, VertexCount: 3})
	tooManyMaterials := scene()
	tooManyMaterials.Materials = make([]uint32, 9)

	for name, data := range map[string]*FrameData{
		"transforms": tooMany,
		"object":     badObject,
		"materials":  tooManyMaterials,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.standardPasses()
			logtest.Capture(t)

			err := f.renderer.Draw(data)
			assert.ErrorIs(t, err, ErrInvalidFrame)
			assert.ErrorIs(t, err, core.ErrFrameSkipped)
			assert.Empty(t, f.order)
			assert.Empty(t, f.swapchain.Presented())
			assert.Equal(t, uint64(0), f.ring.Frame())
			assert.Equal(t, gputest.FenceSignaled, f.dev.FenceState(f.ring.Current().Fence))

			require.NoError(t, f.renderer.Draw(scene()))
			assert.Equal(t, []uint32{0}, f.swapchain.Presented())
			assert.Empty(t, f.dev.Violations())
		})
	}
}

func TestFailedPassStillPresentsAcquiredImage(t *testing.T) {
	f := newFixture(t)
	shadow, main, _ := f.standardPasses()
	logs := logtest.Capture(t)
	boom := errors.New("pipeline missing")
	main.err = boom

	err := f.renderer.Draw(scene())
	assert.ErrorIs(t, err, core.ErrFrameSkipped)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, logs.Count("error"))

	// The acquired image went back with a present-only submit.
	assert.Equal(t, []uint32{0}, f.swapchain.Presented())
	assert.Equal(t, uint64(1), f.ring.Frame())
	assert.Equal(t, uint64(1), f.renderer.Metrics().Skipped())
	slot := f.ring.Slot(0)
	assert.Equal(t, gputest.FenceSignaled, f.dev.FenceState(slot.Fence))
	cmds := f.dev.Commands(slot.CommandBuffer)
	require.Len(t, cmds, 1)
	require.Len(t, cmds[0].Barriers, 1)
	assert.Equal(t, gpu.ImageLayoutUndefined, cmds[0].Barriers[0].OldLayout)
	assert.Equal(t, gpu.ImageLayoutPresentSrc, cmds[0].Barriers[0].NewLayout)

	// Layout changes of the abandoned frame were rolled back.
	assert.Equal(t, UsageUndefined, f.renderer.tracker.usageOf(shadowMap))

	main.err = nil
	require.NoError(t, f.renderer.Draw(scene()))
	barriers := lastBarrier(shadow.seen)
	require.Len(t, barriers, 1)
	assert.Equal(t, gpu.ImageLayoutUndefined, barriers[0].OldLayout)
	assert.Equal(t, []uint32{0, 1}, f.swapchain.Presented())
	assert.Empty(t, f.dev.Violations())
}
