// Package engine wires the renderer core together: configuration, the job
// system, descriptor management, the pipeline manager, the frame ring and
// the render passes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/spaghettifunk/lumen/engine/components"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/descriptor"
	"github.com/spaghettifunk/lumen/engine/renderer/frame"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/sampler"
	"github.com/spaghettifunk/lumen/engine/renderer/upload"
	"github.com/spaghettifunk/lumen/engine/renderer/views"
	"github.com/spaghettifunk/lumen/engine/shaderc"
	"github.com/spaghettifunk/lumen/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	}
	return "uninitialized"
}

const suspendedPoll = 100 * time.Millisecond

var ErrWrongStage = errors.New("engine is not in the expected stage")

// Device is the GPU device the engine renders with.
type Device interface {
	gpu.Device
	gpu.ImageDevice
}

// Surface is the presentation surface. Recreate rebuilds it for a new
// window size after the device went idle.
type Surface interface {
	gpu.Swapchain
	Recreate(width, height uint32) error
}

type Options struct {
	Config  core.Config
	Device  Device
	Surface Surface
	Queue   gpu.Queue

	// Compiler defaults to glslc run with Config.Shaders.Compiler.
	Compiler pipeline.Compiler
	// Watcher defaults to an fsnotify watcher when hot reload is on.
	Watcher pipeline.Watcher
	// Camera defaults to a first person camera.
	Camera *components.Camera
	// SkyTexture is decoded for the skybox. A checkerboard is used when empty.
	SkyTexture string
	// LogOutput reconfigures the process logger from Config.Log when set.
	LogOutput io.Writer
}

// Texture is an uploaded, sampled image.
type Texture struct {
	Image  gpu.Image
	View   gpu.ImageView
	Width  uint32
	Height uint32
}

type Engine struct {
	currentStage Stage
	gameInstance *Game
	options      Options
	config       core.Config

	device  Device
	surface Surface
	queue   gpu.Queue

	jobs      *systems.JobSystem
	layouts   *descriptor.LayoutCache
	allocator *descriptor.Allocator
	ring      *frame.Ring
	samplers  *sampler.Cache
	uploads   *upload.Context
	pipelines *pipeline.Manager
	renderer  *renderer.Renderer
	camera    *components.Camera
	input     components.CameraInput

	layout gpu.PipelineLayout
	depth  views.Attachment
	shadow views.Attachment
	sky    Texture

	shadowPass *views.ShadowPass
	worldPass  *views.WorldPass
	skyboxPass *views.SkyboxPass
	uiPass     *views.UIPass

	// Destroyed in reverse creation order on shutdown.
	deletion frame.DeletionQueue

	width       uint32
	height      uint32
	isSuspended bool
	clock       *core.Clock
	lastTime    float64
}

func New(g *Game, opts Options) (*Engine, error) {
	if opts.LogOutput != nil {
		if err := core.ConfigureLogger(opts.Config.Log, opts.LogOutput); err != nil {
			return nil, err
		}
	}
	if err := opts.Config.Validate(); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	if opts.Device == nil || opts.Surface == nil {
		err := errors.New("engine needs a device and a surface")
		core.LogError(err.Error())
		return nil, err
	}

	js, err := systems.NewJobSystem(opts.Config.Jobs.Workers, opts.Config.Jobs.QueueSize)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	width, height := opts.Surface.Extent()
	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		options:      opts,
		config:       opts.Config,
		device:       opts.Device,
		surface:      opts.Surface,
		queue:        opts.Queue,
		jobs:         js,
		width:        width,
		height:       height,
		clock:        core.NewClock(),
	}, nil
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("%w: initialize while %s", ErrWrongStage, e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	if err := e.initializeCore(); err != nil {
		e.deletion.Flush()
		e.currentStage = EngineStageUninitialized
		return err
	}
	if err := e.initializeScene(); err != nil {
		e.deletion.Flush()
		e.currentStage = EngineStageUninitialized
		return err
	}

	e.camera = e.options.Camera
	if e.camera == nil {
		e.camera = components.NewFirstPersonCamera(mgl32.Vec3{0, 2, 8})
	}
	e.currentStage = EngineStageInitialized

	if g := e.gameInstance; g != nil {
		if g.FnInitialize != nil {
			if err := g.FnInitialize(e); err != nil {
				return err
			}
		}
		if g.FnOnResize != nil {
			if err := g.FnOnResize(e.width, e.height); err != nil {
				return err
			}
		}
	}
	core.LogInfo("engine initialized (%dx%d, %d passes)", e.width, e.height, len(e.renderer.Passes()))
	return nil
}

// initializeCore creates the subsystems that do not depend on the scene.
func (e *Engine) initializeCore() error {
	cfg := e.config

	compiler := e.options.Compiler
	if compiler == nil {
		glslc, err := shaderc.NewGlslc(cfg.Shaders.Compiler)
		if err != nil {
			core.LogError(err.Error())
			return err
		}
		compiler = glslc
	}
	watcher := e.options.Watcher
	if watcher == nil && cfg.Shaders.HotReload {
		fw, err := platform.NewFileWatcher()
		if err != nil {
			core.LogWarn("shader hot reload disabled: %s", err.Error())
		} else {
			watcher = fw
			e.deletion.Push(func() {
				if err := fw.Close(); err != nil {
					core.LogWarn("failed to close file watcher: %s", err.Error())
				}
			})
		}
	}

	e.layouts = descriptor.NewLayoutCache(e.device)
	e.deletion.Push(e.layouts.Destroy)
	e.allocator = descriptor.NewAllocator(e.device, descriptor.WithPoolCapacity(cfg.Renderer.DescriptorPoolCapacity))
	e.deletion.Push(e.allocator.Destroy)

	ring, err := frame.NewRing(e.device, e.layouts, e.allocator, frame.RingConfig{
		MaxObjects:   uint32(cfg.Renderer.MaxObjects),
		MaxMaterials: uint32(cfg.Renderer.MaxMaterials),
	})
	if err != nil {
		return err
	}
	e.ring = ring
	e.deletion.Push(ring.Destroy)

	e.samplers = sampler.NewCache(e.device)
	e.deletion.Push(e.samplers.Destroy)

	uploads, err := upload.NewContext(e.device, e.queue, cfg.Renderer.FenceTimeout.Std())
	if err != nil {
		return err
	}
	e.uploads = uploads
	e.deletion.Push(uploads.Destroy)

	e.pipelines = pipeline.NewManager(e.device, compiler, watcher, pipeline.ManagerConfig{
		ShaderDir: cfg.Shaders.Directory,
		HotReload: cfg.Shaders.HotReload,
	})
	e.deletion.Push(e.pipelines.Destroy)

	e.renderer = renderer.New(e.device, e.surface, e.queue, e.ring, e.pipelines, renderer.Config{
		FenceTimeout:   cfg.Renderer.FenceTimeout.Std(),
		AcquireTimeout: cfg.Renderer.AcquireTimeout.Std(),
	})
	return nil
}

// LoadTextures decodes the images on the job system and uploads each one.
// The textures live until the engine shuts down.
func (e *Engine) LoadTextures(paths ...string) ([]Texture, error) {
	images, err := decodeImages(e.jobs, paths)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	out := make([]Texture, 0, len(images))
	for _, img := range images {
		t, err := e.uploadTexture(img.Width, img.Height, img.Pixels, img.Path)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *Engine) uploadTexture(width, height uint32, pixels []byte, name string) (Texture, error) {
	img, view, err := e.uploads.CreateTexture(width, height, pixels, name)
	if err != nil {
		return Texture{}, err
	}
	e.renderer.Adopt(img, renderer.UsageShaderRead)
	e.deletion.Push(func() {
		e.renderer.Forget(img)
		e.device.DestroyImage(img)
	})
	return Texture{Image: img, View: view, Width: width, Height: height}, nil
}

// Frame updates the camera and the game and draws one frame. Skipped
// frames are not errors; a stale surface is recreated.
func (e *Engine) Frame(delta float64) error {
	if e.currentStage != EngineStageInitialized && e.currentStage != EngineStageRunning {
		return fmt.Errorf("%w: frame while %s", ErrWrongStage, e.currentStage)
	}
	if e.isSuspended {
		return nil
	}

	e.camera.Update(float32(delta), e.input)
	e.input = components.CameraInput{}
	scene := &renderer.FrameData{Camera: e.camera.Uniform(e.aspect())}
	if g := e.gameInstance; g != nil && g.FnUpdate != nil {
		if err := g.FnUpdate(delta, scene); err != nil {
			err = fmt.Errorf("game update failed: %w", err)
			core.LogError(err.Error())
			return err
		}
	}

	err := e.renderer.Draw(scene)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrSwapchainBooting), errors.Is(err, gpu.ErrorOutOfDate):
		return e.recreateSurface()
	case errors.Is(err, core.ErrFrameSkipped):
		return nil
	}
	return err
}

// Run drives frames until ctx is cancelled or a frame fails.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("%w: run while %s", ErrWrongStage, e.currentStage)
	}
	e.currentStage = EngineStageRunning
	defer func() {
		if e.currentStage == EngineStageRunning {
			e.currentStage = EngineStageInitialized
		}
	}()

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if e.isSuspended {
			time.Sleep(suspendedPoll)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime
		if err := e.Frame(delta); err != nil {
			core.LogError("frame failed, stopping: %s", err.Error())
			return err
		}
		e.lastTime = currentTime
	}
}

// Resize reacts to a new window size. A zero size suspends rendering.
func (e *Engine) Resize(width, height uint32) error {
	if width == e.width && height == e.height && !e.isSuspended {
		return nil
	}
	e.width, e.height = width, height
	core.LogDebug("Window resize: %d, %d", width, height)

	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return nil
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	return e.recreateSurface()
}

func (e *Engine) recreateSurface() error {
	if err := e.device.WaitIdle(); err != nil {
		return fmt.Errorf("failed waiting for device idle: %w", err)
	}
	if err := e.surface.Recreate(e.width, e.height); err != nil {
		err = fmt.Errorf("failed to recreate surface: %w", err)
		core.LogError(err.Error())
		return err
	}
	width, height := e.surface.Extent()
	if err := e.recreateDepth(width, height); err != nil {
		return err
	}
	e.width, e.height = width, height
	if g := e.gameInstance; g != nil && g.FnOnResize != nil {
		return g.FnOnResize(width, height)
	}
	return nil
}

func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown {
		return fmt.Errorf("%w: shutdown while %s", ErrWrongStage, e.currentStage)
	}
	e.currentStage = EngineStageShuttingDown

	var errs []error
	if e.device != nil {
		if err := e.device.WaitIdle(); err != nil {
			errs = append(errs, fmt.Errorf("failed waiting for device idle: %w", err))
		}
	}
	e.deletion.Flush()
	if err := e.jobs.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	e.currentStage = EngineStageUninitialized
	return errors.Join(errs...)
}

// SetCameraInput queues controller input for the next frame.
func (e *Engine) SetCameraInput(in components.CameraInput) {
	e.input = in
}

func (e *Engine) aspect() float32 {
	if e.height == 0 {
		return 1
	}
	return float32(e.width) / float32(e.height)
}

func (e *Engine) Stage() Stage                     { return e.currentStage }
func (e *Engine) Config() core.Config              { return e.config }
func (e *Engine) Renderer() *renderer.Renderer     { return e.renderer }
func (e *Engine) Pipelines() *pipeline.Manager     { return e.pipelines }
func (e *Engine) Camera() *components.Camera       { return e.camera }
func (e *Engine) World() *views.WorldPass          { return e.worldPass }
func (e *Engine) Jobs() *systems.JobSystem         { return e.jobs }
func (e *Engine) Samplers() *sampler.Cache         { return e.samplers }
func (e *Engine) Uploads() *upload.Context         { return e.uploads }
func (e *Engine) Metrics() *core.FrameMetrics      { return e.renderer.Metrics() }
func (e *Engine) Layouts() *descriptor.LayoutCache { return e.layouts }

// GetFramebufferSize returns the width and height (in this order) of the
// presentation surface.
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}
