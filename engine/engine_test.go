package engine

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/core/logtest"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu/gputest"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/views"
)

type constCompiler struct{}

func (constCompiler) Compile(string, gpu.ShaderStageFlags) (*pipeline.CompileResult, error) {
	return &pipeline.CompileResult{SPIRV: []uint32{0x07230203}}, nil
}

// surface adds recreation to the fake swapchain.
type surface struct {
	*gputest.Swapchain
	recreated int
}

func (s *surface) Recreate(width, height uint32) error {
	s.recreated++
	s.Resize(width, height)
	return nil
}

type harness struct {
	dev     *gputest.Device
	surface *surface
	engine  *Engine
	resizes [][2]uint32
	updates int
	// objects overrides the single transform each update writes.
	objects int
}

func testConfig(t *testing.T) core.Config {
	cfg := core.DefaultConfig()
	cfg.Shaders.Directory = t.TempDir()
	cfg.Shaders.HotReload = false
	cfg.Renderer.MaxObjects = 16
	cfg.Renderer.MaxMaterials = 16
	cfg.Jobs.Workers = 2
	return cfg
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logtest.Capture(t)
	h := &harness{dev: gputest.NewDevice(), surface: &surface{Swapchain: gputest.NewSwapchain(2)}}
	if opts.Config.Renderer.FramesInFlight == 0 {
		opts.Config = testConfig(t)
	}
	opts.Device = h.dev
	opts.Surface = h.surface
	opts.Compiler = constCompiler{}

	game := &Game{
		Name: "test",
		FnUpdate: func(_ float64, scene *renderer.FrameData) error {
			h.updates++
			scene.Transforms = []mgl32.Mat4{mgl32.Ident4()}
			if h.objects > 0 {
				scene.Transforms = make([]mgl32.Mat4, h.objects)
			}
			scene.Draws = []renderer.Draw{{Object: 0, VertexCount: 36}}
			return nil
		},
		FnOnResize: func(w, hgt uint32) error {
			h.resizes = append(h.resizes, [2]uint32{w, hgt})
			return nil
		},
	}
	e, err := New(game, opts)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	h.engine = e
	return h
}

func TestInitializeRegistersPasses(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	var names []string
	for _, p := range h.engine.Renderer().Passes() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"shadow", "world", "skybox", "ui"}, names)
	assert.Equal(t, EngineStageInitialized, h.engine.Stage())
	assert.Equal(t, [][2]uint32{{1280, 720}}, h.resizes)

	assert.Equal(t, 6, h.dev.Live(gputest.KindPipeline))
	assert.Equal(t, 9, h.dev.Live(gputest.KindShaderModule))
	// Shadow map, depth and sky.
	assert.Equal(t, 3, h.dev.Live(gputest.KindImage))
	// Global, object, and one texture layout shared by world and sky.
	assert.Equal(t, 3, h.engine.Layouts().Len())
	assert.Empty(t, h.dev.Violations())
}

func TestFrameDrawsAndPresents(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	require.NoError(t, h.engine.Frame(1.0/60))
	require.NoError(t, h.engine.Frame(1.0/60))
	assert.Equal(t, 2, h.updates)
	assert.Equal(t, []uint32{0, 1}, h.surface.Presented())
	assert.Empty(t, h.dev.Violations())
}

func TestOversizedSceneSkipsFrameAndKeepsRunning(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	h.objects = 17
	require.NoError(t, h.engine.Frame(0))
	assert.Empty(t, h.surface.Presented())
	assert.Equal(t, uint64(1), h.engine.Metrics().Skipped())

	h.objects = 0
	require.NoError(t, h.engine.Frame(0))
	assert.Equal(t, []uint32{0}, h.surface.Presented())
	assert.Empty(t, h.dev.Violations())
}

func TestRenderModeSwitchesWorldPipeline(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	require.NoError(t, h.engine.World().SetRenderMode(views.RenderModeNormals))
	require.NoError(t, h.engine.Frame(0))
	assert.Equal(t, views.RenderModeNormals, h.engine.World().RenderMode())
}

func TestStalePresentRecreatesSurface(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	oldDepth := h.engine.depth.Image
	h.surface.QueuePresentResults(gpu.ErrorOutOfDate)
	require.NoError(t, h.engine.Frame(0))

	assert.Equal(t, 1, h.surface.recreated)
	assert.NotEqual(t, oldDepth, h.engine.depth.Image)
	assert.Equal(t, h.engine.depth, h.engine.World().Depth)
	assert.Equal(t, 3, h.dev.Live(gputest.KindImage))
	assert.GreaterOrEqual(t, h.dev.WaitIdleCount(), 1)
}

func TestOutOfDateAcquireRecreatesSurface(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	h.surface.QueueAcquireResults(gpu.ErrorOutOfDate)
	require.NoError(t, h.engine.Frame(0))
	assert.Equal(t, 1, h.surface.recreated)
	assert.Empty(t, h.surface.Presented())

	require.NoError(t, h.engine.Frame(0))
	assert.Len(t, h.surface.Presented(), 1)
}

func TestAcquireTimeoutOnlySkips(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	h.surface.QueueAcquireResults(gpu.Timeout)
	require.NoError(t, h.engine.Frame(0))
	assert.Zero(t, h.surface.recreated)
	assert.Equal(t, uint64(1), h.engine.Metrics().Skipped())
}

func TestResizeSuspendsAndResumes(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	require.NoError(t, h.engine.Resize(0, 0))
	require.NoError(t, h.engine.Frame(0))
	assert.Empty(t, h.surface.Presented())
	assert.Zero(t, h.updates)

	require.NoError(t, h.engine.Resize(800, 600))
	w, hgt := h.engine.GetFramebufferSize()
	assert.Equal(t, uint32(800), w)
	assert.Equal(t, uint32(600), hgt)
	assert.Equal(t, [2]uint32{800, 600}, h.resizes[len(h.resizes)-1])

	require.NoError(t, h.engine.Frame(0))
	assert.Len(t, h.surface.Presented(), 1)
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t, Options{})
	defer h.engine.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, h.engine.Run(ctx))
	assert.Positive(t, h.updates)
	assert.Equal(t, EngineStageInitialized, h.engine.Stage())
}

func TestSkyTextureIsDecodedAndUploaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sky.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	h := newHarness(t, Options{SkyTexture: path})
	defer h.engine.Shutdown()

	assert.Equal(t, uint32(4), h.engine.sky.Width)
	assert.Equal(t, uint32(2), h.engine.sky.Height)
	assert.Equal(t, h.engine.sky.Image, h.engine.skyboxPass.Sky)
	assert.Empty(t, h.dev.Violations())
}

func TestShutdownReleasesEverything(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Frame(0))

	require.NoError(t, h.engine.Shutdown())
	for _, kind := range []string{
		gputest.KindImage,
		gputest.KindPipeline,
		gputest.KindPipelineLayout,
		gputest.KindShaderModule,
		gputest.KindSampler,
		gputest.KindBuffer,
		gputest.KindDescriptorPool,
		gputest.KindDescriptorSetLayout,
		gputest.KindFence,
		gputest.KindSemaphore,
		gputest.KindCommandPool,
	} {
		assert.Zero(t, h.dev.Live(kind), kind)
	}
	assert.ErrorIs(t, h.engine.Frame(0), ErrWrongStage)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	logtest.Capture(t)
	cfg := core.DefaultConfig()
	cfg.Renderer.FramesInFlight = 3
	_, err := New(&Game{}, Options{Config: cfg, Device: gputest.NewDevice(), Surface: &surface{Swapchain: gputest.NewSwapchain(2)}})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
