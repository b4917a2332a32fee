// Package renderer drives the frame loop: it waits on the frame ring,
// applies pending shader reloads, acquires a swapchain image and records the
// registered passes in order with the image barriers between them.
package renderer

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/frame"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

type Config struct {
	FenceTimeout   time.Duration
	AcquireTimeout time.Duration
}

// Draw is one draw call. Object indexes the per-frame transform and
// material arrays.
type Draw struct {
	Object      uint32
	VertexCount uint32
}

// FrameData is what the scene hands over every frame.
type FrameData struct {
	Camera     frame.Camera
	Transforms []mgl32.Mat4
	Materials  []uint32
	Draws      []Draw
}

type Renderer struct {
	device    gpu.Device
	swapchain gpu.Swapchain
	queue     gpu.Queue
	ring      *frame.Ring
	pipelines *pipeline.Manager
	config    Config

	passes  []Pass
	tracker *imageTracker
	clock   *core.Clock
	metrics *core.FrameMetrics
}

func New(device gpu.Device, swapchain gpu.Swapchain, queue gpu.Queue, ring *frame.Ring, pipelines *pipeline.Manager, config Config) *Renderer {
	return &Renderer{
		device:    device,
		swapchain: swapchain,
		queue:     queue,
		ring:      ring,
		pipelines: pipelines,
		config:    config,
		tracker:   newImageTracker(),
		clock:     core.NewClock(),
		metrics:   core.NewFrameMetrics(),
	}
}

// AddPass registers a pass. Passes are kept sorted by order.
func (r *Renderer) AddPass(p Pass) {
	r.passes = append(r.passes, p)
	slices.SortStableFunc(r.passes, func(a, b Pass) int {
		return cmp.Compare(a.Order(), b.Order())
	})
}

// Adopt tells the renderer that image already is in the layout of usage, so
// the first pass reading it records no barrier. Call it between frames.
func (r *Renderer) Adopt(image gpu.Image, usage Usage) {
	r.tracker.adopt(image, usage)
}

// Forget drops image from barrier tracking. Call it before the image is
// destroyed, or after recreating it under the same handle.
func (r *Renderer) Forget(image gpu.Image) {
	r.tracker.forget(image)
}

func (r *Renderer) Passes() []Pass {
	return slices.Clone(r.passes)
}

func (r *Renderer) Metrics() *core.FrameMetrics {
	return r.metrics
}

func (r *Renderer) skip(stage string, err error) error {
	r.metrics.Skip()
	core.LogDebug("frame %d skipped at %s: %s", r.ring.Frame(), stage, err.Error())
	return fmt.Errorf("%w: %s: %w", core.ErrFrameSkipped, stage, err)
}

func (r *Renderer) barriers(ctx *PassContext, uses []ImageUse) {
	var barriers []gpu.ImageBarrier
	for _, use := range uses {
		image := use.Image
		if use.Swapchain {
			image = ctx.Target.Image
		}
		if b, ok := r.tracker.transition(image, use.Aspect, use.Usage); ok {
			barriers = append(barriers, b)
		}
	}
	if len(barriers) > 0 {
		r.device.CmdPipelineBarrier(ctx.Cmd, barriers)
	}
}

func isSuboptimal(err error) bool {
	return gpu.ResultOf(err) == gpu.Suboptimal
}

var ErrInvalidFrame = errors.New("invalid frame data")

// validate rejects frame data the slot cannot hold before anything is
// waited on or acquired.
func (r *Renderer) validate(scene *FrameData) error {
	limits := r.ring.Config()
	if n := uint32(len(scene.Transforms)); n > limits.MaxObjects {
		return fmt.Errorf("%w: %d transforms, room for %d", ErrInvalidFrame, n, limits.MaxObjects)
	}
	if n := uint32(len(scene.Materials)); n > limits.MaxMaterials {
		return fmt.Errorf("%w: %d material indices, room for %d", ErrInvalidFrame, n, limits.MaxMaterials)
	}
	for i, d := range scene.Draws {
		if int(d.Object) >= len(scene.Transforms) {
			return fmt.Errorf("%w: draw %d uses object %d of %d", ErrInvalidFrame, i, d.Object, len(scene.Transforms))
		}
	}
	return nil
}

/**
 * @brief Renders one frame. A frame whose fence wait or image acquire times
 * out, or whose surface is out of date, is skipped: the returned error wraps
 * core.ErrFrameSkipped and only a debug line is logged. A stale surface at
 * present wraps core.ErrSwapchainBooting; the frame itself was submitted.
 * Invalid frame data and recording failures also skip the frame, logged as
 * errors.
 * @param scene the per-frame camera, object and draw data.
 * @return error
 */
func (r *Renderer) Draw(scene *FrameData) error {
	if err := r.validate(scene); err != nil {
		r.metrics.Skip()
		core.LogError(err.Error())
		return fmt.Errorf("%w: %w", core.ErrFrameSkipped, err)
	}
	r.clock.Start()

	slot, err := r.ring.Begin(r.config.FenceTimeout)
	if err != nil {
		if gpu.IsSurfaceStale(err) {
			return r.skip("fence wait", err)
		}
		err = fmt.Errorf("failed waiting for frame slot: %w", err)
		core.LogError(err.Error())
		return err
	}

	r.pipelines.Update()

	index, err := r.swapchain.AcquireNextImage(r.config.AcquireTimeout, slot.ImageAvailable)
	if err != nil && !isSuboptimal(err) {
		if gpu.IsSurfaceStale(err) {
			return r.skip("acquire", err)
		}
		err = fmt.Errorf("failed to acquire swapchain image: %w", err)
		core.LogError(err.Error())
		return err
	}

	// From here on the frame is submitted.
	if err := slot.ResetFence(); err != nil {
		core.LogError(err.Error())
		return err
	}

	width, height := r.swapchain.Extent()
	target := Target{
		Index:  index,
		Image:  r.swapchain.Image(index),
		View:   r.swapchain.ImageView(index),
		Format: r.swapchain.Format(),
		Width:  width,
		Height: height,
	}
	// Presented images come back with undefined contents.
	r.tracker.forget(target.Image)
	saved := r.tracker.snapshot()

	if err := r.record(slot, target, scene); err != nil {
		return r.abandon(slot, target, saved, err)
	}

	submit := gpu.SubmitInfo{
		WaitSemaphores:   []gpu.Semaphore{slot.ImageAvailable},
		WaitStages:       []gpu.PipelineStageFlags{gpu.PipelineStageColorAttachmentOutput},
		CommandBuffers:   []gpu.CommandBuffer{slot.CommandBuffer},
		SignalSemaphores: []gpu.Semaphore{slot.RenderFinished},
	}
	if err := r.ring.Submit(r.queue, submit); err != nil {
		return r.abandon(slot, target, saved, err)
	}

	presentErr := r.swapchain.Present(r.queue, index, []gpu.Semaphore{slot.RenderFinished})
	r.ring.Advance()
	r.clock.Update()
	r.metrics.Update(r.clock.Elapsed())
	return presented(presentErr)
}

func (r *Renderer) record(slot *frame.Slot, target Target, scene *FrameData) error {
	if err := errors.Join(
		slot.WriteCamera(scene.Camera),
		slot.WriteTransforms(scene.Transforms),
		slot.WriteMaterials(scene.Materials),
	); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}

	cmd := slot.CommandBuffer
	if err := r.device.ResetCommandBuffer(cmd); err != nil {
		return fmt.Errorf("failed to reset command buffer: %w", err)
	}
	if err := r.device.BeginCommandBuffer(cmd, true); err != nil {
		return fmt.Errorf("failed to begin command buffer: %w", err)
	}

	ctx := &PassContext{
		Device:    r.device,
		Cmd:       cmd,
		Slot:      slot,
		Frame:     r.ring.Frame(),
		Target:    target,
		Scene:     scene,
		Pipelines: r.pipelines,
	}
	for _, p := range r.passes {
		r.barriers(ctx, p.Uses())
		if err := p.Record(ctx); err != nil {
			return fmt.Errorf("failed to record pass %s: %w", p.Name(), err)
		}
	}
	r.barriers(ctx, []ImageUse{{Swapchain: true, Aspect: gpu.ImageAspectColor, Usage: UsagePresent}})

	if err := r.device.EndCommandBuffer(cmd); err != nil {
		return fmt.Errorf("failed to end command buffer: %w", err)
	}
	return nil
}

// abandon finishes a frame that failed after its image was acquired. The
// tracked layouts go back to saved, and a command buffer that only moves
// the image to present is submitted in place of the frame, so the acquire
// semaphore is waited on, the fence is signaled and the image is presented.
func (r *Renderer) abandon(slot *frame.Slot, target Target, saved map[gpu.Image]Usage, cause error) error {
	r.tracker.restore(saved)
	r.metrics.Skip()
	core.LogError("frame %d abandoned: %s", r.ring.Frame(), cause.Error())

	submit := gpu.SubmitInfo{
		WaitSemaphores: []gpu.Semaphore{slot.ImageAvailable},
		WaitStages:     []gpu.PipelineStageFlags{gpu.PipelineStageColorAttachmentOutput},
	}
	present := true
	if err := r.recordPresentOnly(slot.CommandBuffer, target.Image); err != nil {
		core.LogError("failed to record present transition: %s", err.Error())
		present = false
	} else {
		submit.CommandBuffers = []gpu.CommandBuffer{slot.CommandBuffer}
		submit.SignalSemaphores = []gpu.Semaphore{slot.RenderFinished}
	}
	if err := r.ring.Submit(r.queue, submit); err != nil {
		err = fmt.Errorf("failed to submit abandoned frame: %w", err)
		core.LogError(err.Error())
		return err
	}

	var presentErr error
	if present {
		presentErr = r.swapchain.Present(r.queue, target.Index, []gpu.Semaphore{slot.RenderFinished})
	}
	r.ring.Advance()
	if err := presented(presentErr); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrFrameSkipped, cause)
}

func (r *Renderer) recordPresentOnly(cmd gpu.CommandBuffer, image gpu.Image) error {
	if err := r.device.ResetCommandBuffer(cmd); err != nil {
		return err
	}
	if err := r.device.BeginCommandBuffer(cmd, true); err != nil {
		return err
	}
	r.device.CmdPipelineBarrier(cmd, []gpu.ImageBarrier{{
		Image:     image,
		SrcStage:  gpu.PipelineStageColorAttachmentOutput,
		DstStage:  gpu.PipelineStageBottomOfPipe,
		OldLayout: gpu.ImageLayoutUndefined,
		NewLayout: gpu.ImageLayoutPresentSrc,
		Range: gpu.ImageSubresourceRange{
			Aspect:     gpu.ImageAspectColor,
			LevelCount: 1,
			LayerCount: 1,
		},
	}})
	return r.device.EndCommandBuffer(cmd)
}

// presented maps the result of a present.
func presented(err error) error {
	if err == nil || isSuboptimal(err) {
		return nil
	}
	if gpu.IsSurfaceStale(err) {
		core.LogDebug("present reported a stale surface: %s", err.Error())
		return fmt.Errorf("%w: %w", core.ErrSwapchainBooting, err)
	}
	err = fmt.Errorf("failed to present frame: %w", err)
	core.LogError(err.Error())
	return err
}
