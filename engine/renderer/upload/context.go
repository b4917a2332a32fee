// Package upload runs one-off transfer work on the GPU and blocks until it
// completes. It is meant for asset uploads, never for per-frame work.
package upload

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

var ErrPixelSize = errors.New("pixel data does not match image size")

type Device interface {
	gpu.SyncDevice
	gpu.CommandDevice
	gpu.ResourceDevice
	gpu.ImageDevice
}

/**
 * @brief Immediate submission context: one command buffer and one fence
 * reused for every submit. Record, submit, wait, reset.
 */
type Context struct {
	device  Device
	queue   gpu.Queue
	timeout time.Duration

	pool  gpu.CommandPool
	cmd   gpu.CommandBuffer
	fence gpu.Fence
}

func NewContext(device Device, queue gpu.Queue, timeout time.Duration) (*Context, error) {
	c := &Context{device: device, queue: queue, timeout: timeout}
	var err error
	if c.pool, err = device.CreateCommandPool(); err != nil {
		err = fmt.Errorf("failed to create upload command pool: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	if c.cmd, err = device.AllocateCommandBuffer(c.pool); err != nil {
		c.Destroy()
		err = fmt.Errorf("failed to allocate upload command buffer: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	if c.fence, err = device.CreateFence(false); err != nil {
		c.Destroy()
		err = fmt.Errorf("failed to create upload fence: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	return c, nil
}

// ImmediateSubmit records fn into the context's command buffer, submits it
// and waits for the GPU to finish.
func (c *Context) ImmediateSubmit(fn func(cmd gpu.CommandBuffer)) error {
	if err := c.device.ResetCommandBuffer(c.cmd); err != nil {
		return fmt.Errorf("failed to reset upload command buffer: %w", err)
	}
	if err := c.device.BeginCommandBuffer(c.cmd, true); err != nil {
		return fmt.Errorf("failed to begin upload command buffer: %w", err)
	}
	fn(c.cmd)
	if err := c.device.EndCommandBuffer(c.cmd); err != nil {
		return fmt.Errorf("failed to end upload command buffer: %w", err)
	}

	submit := gpu.SubmitInfo{CommandBuffers: []gpu.CommandBuffer{c.cmd}}
	if err := c.device.QueueSubmit(c.queue, []gpu.SubmitInfo{submit}, c.fence); err != nil {
		return fmt.Errorf("failed to submit upload: %w", err)
	}
	if err := c.device.WaitForFence(c.fence, c.timeout); err != nil {
		if !errors.Is(err, gpu.Timeout) {
			return fmt.Errorf("failed waiting for upload: %w", err)
		}
		// The command buffer and the caller's staging memory must outlive
		// the copy, so drain the queue instead of giving up.
		core.LogWarn("upload still running after %s, waiting for the queue to drain", c.timeout)
		if err := c.device.QueueWaitIdle(c.queue); err != nil {
			err = fmt.Errorf("failed draining upload queue: %w", err)
			core.LogError(err.Error())
			return err
		}
	}
	return c.device.ResetFence(c.fence)
}

// UploadBuffer copies data into dst at offset through a host visible staging
// buffer.
func (c *Context) UploadBuffer(dst gpu.Buffer, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	staging, err := c.device.CreateBuffer(gpu.BufferCreateInfo{
		Size:        uint64(len(data)),
		Usage:       gpu.BufferUsageTransferSrc,
		HostVisible: true,
		DebugName:   "staging",
	})
	if err != nil {
		return fmt.Errorf("failed to create staging buffer: %w", err)
	}
	defer c.device.DestroyBuffer(staging)

	mem, err := c.device.MapBuffer(staging)
	if err != nil {
		return fmt.Errorf("failed to map staging buffer: %w", err)
	}
	copy(mem, data)

	return c.ImmediateSubmit(func(cmd gpu.CommandBuffer) {
		c.device.CmdCopyBuffer(cmd, staging, dst, []gpu.BufferCopy{{DstOffset: offset, Size: uint64(len(data))}})
	})
}

// CreateBuffer creates a device local buffer holding data. An empty name
// gets a generated one.
func (c *Context) CreateBuffer(data []byte, usage gpu.BufferUsageFlags, name string) (gpu.Buffer, error) {
	if name == "" {
		name = "buffer-" + uuid.NewString()
	}
	buffer, err := c.device.CreateBuffer(gpu.BufferCreateInfo{
		Size:      uint64(len(data)),
		Usage:     usage | gpu.BufferUsageTransferDst,
		DebugName: name,
	})
	if err != nil {
		err = fmt.Errorf("failed to create buffer %s: %w", name, err)
		core.LogError(err.Error())
		return 0, err
	}
	if err := c.UploadBuffer(buffer, 0, data); err != nil {
		c.device.DestroyBuffer(buffer)
		core.LogError(err.Error())
		return 0, err
	}
	return buffer, nil
}

// UploadImage fills a whole RGBA8 image and leaves it in
// ImageLayoutShaderReadOnlyOptimal for fragment shader sampling.
func (c *Context) UploadImage(img gpu.Image, width, height uint32, pixels []byte) error {
	if want := int(width) * int(height) * 4; len(pixels) != want {
		return fmt.Errorf("%w: %d bytes for a %dx%d image, want %d", ErrPixelSize, len(pixels), width, height, want)
	}
	staging, err := c.device.CreateBuffer(gpu.BufferCreateInfo{
		Size:        uint64(len(pixels)),
		Usage:       gpu.BufferUsageTransferSrc,
		HostVisible: true,
		DebugName:   "staging-image",
	})
	if err != nil {
		return fmt.Errorf("failed to create staging buffer: %w", err)
	}
	defer c.device.DestroyBuffer(staging)

	mem, err := c.device.MapBuffer(staging)
	if err != nil {
		return fmt.Errorf("failed to map staging buffer: %w", err)
	}
	copy(mem, pixels)

	color := gpu.ImageSubresourceRange{Aspect: gpu.ImageAspectColor, LevelCount: 1, LayerCount: 1}
	return c.ImmediateSubmit(func(cmd gpu.CommandBuffer) {
		c.device.CmdPipelineBarrier(cmd, []gpu.ImageBarrier{{
			Image:     img,
			SrcStage:  gpu.PipelineStageTopOfPipe,
			DstStage:  gpu.PipelineStageTransfer,
			DstAccess: gpu.AccessTransferWrite,
			OldLayout: gpu.ImageLayoutUndefined,
			NewLayout: gpu.ImageLayoutTransferDstOptimal,
			Range:     color,
		}})
		c.device.CmdCopyBufferToImage(cmd, staging, img, gpu.ImageLayoutTransferDstOptimal,
			[]gpu.BufferImageCopy{{Width: width, Height: height}})
		c.device.CmdPipelineBarrier(cmd, []gpu.ImageBarrier{{
			Image:     img,
			SrcStage:  gpu.PipelineStageTransfer,
			DstStage:  gpu.PipelineStageFragmentShader,
			SrcAccess: gpu.AccessTransferWrite,
			DstAccess: gpu.AccessShaderRead,
			OldLayout: gpu.ImageLayoutTransferDstOptimal,
			NewLayout: gpu.ImageLayoutShaderReadOnlyOptimal,
			Range:     color,
		}})
	})
}

// CreateTexture creates a sampled RGBA8 sRGB image and uploads pixels into it.
func (c *Context) CreateTexture(width, height uint32, pixels []byte, name string) (gpu.Image, gpu.ImageView, error) {
	if name == "" {
		name = "texture-" + uuid.NewString()
	}
	img, view, err := c.device.CreateImage(gpu.ImageCreateInfo{
		Width:     width,
		Height:    height,
		Format:    gpu.FormatR8G8B8A8Srgb,
		Usage:     gpu.ImageUsageSampled | gpu.ImageUsageTransferDst,
		DebugName: name,
	})
	if err != nil {
		err = fmt.Errorf("failed to create texture %s: %w", name, err)
		core.LogError(err.Error())
		return 0, 0, err
	}
	if err := c.UploadImage(img, width, height, pixels); err != nil {
		c.device.DestroyImage(img)
		core.LogError(err.Error())
		return 0, 0, err
	}
	return img, view, nil
}

func (c *Context) Destroy() {
	if c.fence != 0 {
		c.device.DestroyFence(c.fence)
		c.fence = 0
	}
	if c.pool != 0 {
		c.device.DestroyCommandPool(c.pool)
		c.pool = 0
		c.cmd = 0
	}
}
