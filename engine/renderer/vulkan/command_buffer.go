package vulkan

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

type commandBufferState int

const (
	commandBufferReady commandBufferState = iota
	commandBufferRecording
	commandBufferInRenderPass
	commandBufferRecordingEnded
	commandBufferSubmitted
)

func (s commandBufferState) String() string {
	switch s {
	case commandBufferReady:
		return "ready"
	case commandBufferRecording:
		return "recording"
	case commandBufferInRenderPass:
		return "in render pass"
	case commandBufferRecordingEnded:
		return "recording ended"
	case commandBufferSubmitted:
		return "submitted"
	}
	return fmt.Sprintf("commandBufferState(%d)", int(s))
}

var ErrCommandBufferState = errors.New("invalid command buffer state")

type commandBuffer struct {
	handle vk.CommandBuffer
	pool   gpu.CommandPool
	state  commandBufferState
}

// transition moves the buffer to next when it is currently in one of from.
func (c *commandBuffer) transition(next commandBufferState, from ...commandBufferState) error {
	for _, s := range from {
		if c.state == s {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: cannot go from %s to %s", ErrCommandBufferState, c.state, next)
}

func (d *Device) CreateCommandPool() (gpu.CommandPool, error) {
	var pool vk.CommandPool
	res := vk.CreateCommandPool(d.logical, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: d.family,
	}, d.allocator, &pool)
	if err := createErr(res, "vkCreateCommandPool"); err != nil {
		return 0, err
	}
	core.LogDebug("graphics command pool created for family %d", d.family)
	return gpu.CommandPool(d.cmdPools.add(pool)), nil
}

// DestroyCommandPool frees the pool together with every buffer allocated
// from it.
func (d *Device) DestroyCommandPool(h gpu.CommandPool) {
	_ = d.locks.SafeCall(CommandPoolManagement, func() error {
		pool, ok := d.cmdPools.remove(uint64(h))
		if !ok {
			return nil
		}
		for _, id := range d.cmds.keys() {
			if c, ok := d.cmds.get(id); ok && c.pool == h {
				d.cmds.remove(id)
			}
		}
		vk.DestroyCommandPool(d.logical, pool, d.allocator)
		return nil
	})
}

func (d *Device) AllocateCommandBuffer(h gpu.CommandPool) (gpu.CommandBuffer, error) {
	var out gpu.CommandBuffer
	err := d.locks.SafeCall(CommandPoolManagement, func() error {
		pool, ok := d.cmdPools.get(uint64(h))
		if !ok {
			return fmt.Errorf("%w: command pool %d", ErrUnknownHandle, h)
		}
		handles := make([]vk.CommandBuffer, 1)
		res := vk.AllocateCommandBuffers(d.logical, &vk.CommandBufferAllocateInfo{
			SType:              vk.StructureTypeCommandBufferAllocateInfo,
			CommandPool:        pool,
			Level:              vk.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		}, handles)
		if err := createErr(res, "vkAllocateCommandBuffers"); err != nil {
			return err
		}
		out = gpu.CommandBuffer(d.cmds.add(&commandBuffer{
			handle: handles[0],
			pool:   h,
			state:  commandBufferReady,
		}))
		return nil
	})
	return out, err
}

func (d *Device) commandBuffer(h gpu.CommandBuffer) (*commandBuffer, error) {
	c, ok := d.cmds.get(uint64(h))
	if !ok {
		return nil, fmt.Errorf("%w: command buffer %d", ErrUnknownHandle, h)
	}
	return c, nil
}

// recording returns the buffer when commands may be recorded into it. Misuse
// is logged and the command dropped, matching how the driver treats invalid
// usage without validation layers.
func (d *Device) recording(h gpu.CommandBuffer, states ...commandBufferState) *commandBuffer {
	c, err := d.commandBuffer(h)
	if err != nil {
		core.LogError(err.Error())
		return nil
	}
	if len(states) == 0 {
		states = []commandBufferState{commandBufferRecording, commandBufferInRenderPass}
	}
	for _, s := range states {
		if c.state == s {
			return c
		}
	}
	core.LogError("command buffer %d is %s, command dropped", h, c.state)
	return nil
}

func (d *Device) ResetCommandBuffer(h gpu.CommandBuffer) error {
	c, err := d.commandBuffer(h)
	if err != nil {
		return err
	}
	if err := resultErr(vk.ResetCommandBuffer(c.handle, 0), "vkResetCommandBuffer"); err != nil {
		return err
	}
	c.state = commandBufferReady
	return nil
}

func (d *Device) BeginCommandBuffer(h gpu.CommandBuffer, oneTimeSubmit bool) error {
	c, err := d.commandBuffer(h)
	if err != nil {
		return err
	}
	if err := c.transition(commandBufferRecording, commandBufferReady); err != nil {
		return err
	}

	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if oneTimeSubmit {
		info.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if err := resultErr(vk.BeginCommandBuffer(c.handle, &info), "vkBeginCommandBuffer"); err != nil {
		c.state = commandBufferReady
		return err
	}
	return nil
}

func (d *Device) EndCommandBuffer(h gpu.CommandBuffer) error {
	c, err := d.commandBuffer(h)
	if err != nil {
		return err
	}
	if err := c.transition(commandBufferRecordingEnded, commandBufferRecording); err != nil {
		return err
	}
	return resultErr(vk.EndCommandBuffer(c.handle), "vkEndCommandBuffer")
}

func (d *Device) CmdBindPipeline(h gpu.CommandBuffer, bindPoint gpu.PipelineBindPoint, p gpu.Pipeline) {
	c := d.recording(h)
	if c == nil {
		return
	}
	pipeline, ok := d.pipelines.get(uint64(p))
	if !ok {
		core.LogError("%s: pipeline %d", ErrUnknownHandle, p)
		return
	}
	vk.CmdBindPipeline(c.handle, vk.PipelineBindPoint(bindPoint), pipeline)
}

func (d *Device) CmdBindDescriptorSets(h gpu.CommandBuffer, bindPoint gpu.PipelineBindPoint, l gpu.PipelineLayout, firstSet uint32, sets []gpu.DescriptorSet) {
	c := d.recording(h)
	if c == nil || len(sets) == 0 {
		return
	}
	layout, ok := d.layouts.get(uint64(l))
	if !ok {
		core.LogError("%s: pipeline layout %d", ErrUnknownHandle, l)
		return
	}
	handles := make([]vk.DescriptorSet, 0, len(sets))
	for _, s := range sets {
		set, ok := d.sets.get(uint64(s))
		if !ok {
			core.LogError("%s: descriptor set %d", ErrUnknownHandle, s)
			return
		}
		handles = append(handles, set.handle)
	}
	vk.CmdBindDescriptorSets(c.handle, vk.PipelineBindPoint(bindPoint), layout, firstSet, uint32(len(handles)), handles, 0, nil)
}

// CmdPipelineBarrier records all image barriers in one call. The stage masks
// are the union of the barriers' stages.
func (d *Device) CmdPipelineBarrier(h gpu.CommandBuffer, barriers []gpu.ImageBarrier) {
	c := d.recording(h, commandBufferRecording)
	if c == nil || len(barriers) == 0 {
		return
	}
	var srcStage, dstStage vk.PipelineStageFlags
	out := make([]vk.ImageMemoryBarrier, 0, len(barriers))
	for _, b := range barriers {
		img, ok := d.images.get(uint64(b.Image))
		if !ok {
			core.LogError("%s: image %d", ErrUnknownHandle, b.Image)
			return
		}
		srcStage |= vk.PipelineStageFlags(b.SrcStage)
		dstStage |= vk.PipelineStageFlags(b.DstStage)
		out = append(out, vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(b.SrcAccess),
			DstAccessMask:       vk.AccessFlags(b.DstAccess),
			OldLayout:           vk.ImageLayout(b.OldLayout),
			NewLayout:           vk.ImageLayout(b.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               img.handle,
			SubresourceRange:    subresourceRange(b.Range),
		})
	}
	if srcStage == 0 {
		srcStage = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	}
	if dstStage == 0 {
		dstStage = vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)
	}
	vk.CmdPipelineBarrier(c.handle, srcStage, dstStage, 0, 0, nil, 0, nil, uint32(len(out)), out)
}

func subresourceRange(r gpu.ImageSubresourceRange) vk.ImageSubresourceRange {
	levels, layers := r.LevelCount, r.LayerCount
	if levels == 0 {
		levels = vk.RemainingMipLevels
	}
	if layers == 0 {
		layers = vk.RemainingArrayLayers
	}
	return vk.ImageSubresourceRange{
		AspectMask:     vk.ImageAspectFlags(r.Aspect),
		BaseMipLevel:   r.BaseMipLevel,
		LevelCount:     levels,
		BaseArrayLayer: r.BaseArrayLayer,
		LayerCount:     layers,
	}
}

func (d *Device) CmdCopyBuffer(h gpu.CommandBuffer, src, dst gpu.Buffer, regions []gpu.BufferCopy) {
	c := d.recording(h, commandBufferRecording)
	if c == nil || len(regions) == 0 {
		return
	}
	s, sok := d.buffers.get(uint64(src))
	t, tok := d.buffers.get(uint64(dst))
	if !sok || !tok {
		core.LogError("%s: copy %d -> %d", ErrUnknownHandle, src, dst)
		return
	}
	out := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		out[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	vk.CmdCopyBuffer(c.handle, s.handle, t.handle, uint32(len(out)), out)
}

func (d *Device) CmdCopyBufferToImage(h gpu.CommandBuffer, src gpu.Buffer, dst gpu.Image, layout gpu.ImageLayout, regions []gpu.BufferImageCopy) {
	c := d.recording(h, commandBufferRecording)
	if c == nil || len(regions) == 0 {
		return
	}
	s, sok := d.buffers.get(uint64(src))
	img, iok := d.images.get(uint64(dst))
	if !sok || !iok {
		core.LogError("%s: image copy %d -> %d", ErrUnknownHandle, src, dst)
		return
	}
	out := make([]vk.BufferImageCopy, len(regions))
	for i, r := range regions {
		out[i] = vk.BufferImageCopy{
			BufferOffset: vk.DeviceSize(r.BufferOffset),
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LayerCount: 1,
			},
			ImageOffset: vk.Offset3D{},
			ImageExtent: vk.Extent3D{Width: r.Width, Height: r.Height, Depth: 1},
		}
	}
	vk.CmdCopyBufferToImage(c.handle, s.handle, img.handle, vk.ImageLayout(layout), uint32(len(out)), out)
}

// CmdBeginRendering begins a cached render pass matching the attachments and
// binds a cached framebuffer over their views.
func (d *Device) CmdBeginRendering(h gpu.CommandBuffer, info gpu.RenderingBeginInfo) {
	c := d.recording(h, commandBufferRecording)
	if c == nil {
		return
	}

	pass, err := d.passes.get(renderPassKeyFor(info))
	if err != nil {
		core.LogError("failed to create render pass: %s", err.Error())
		return
	}

	views := make([]gpu.ImageView, 0, len(info.Color)+1)
	clears := make([]vk.ClearValue, 0, len(info.Color)+1)
	for _, a := range info.Color {
		views = append(views, a.View)
		var v vk.ClearValue
		v.SetColor(a.ClearColor[:])
		clears = append(clears, v)
	}
	if info.Depth != nil {
		views = append(views, info.Depth.View)
		var v vk.ClearValue
		v.SetDepthStencil(info.Depth.ClearDepth, 0)
		clears = append(clears, v)
	}

	framebuffer, err := d.framebuffers.get(pass, views, info.Width, info.Height)
	if err != nil {
		core.LogError("failed to create framebuffer: %s", err.Error())
		return
	}

	vk.CmdBeginRenderPass(c.handle, &vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  pass,
		Framebuffer: framebuffer,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: vk.Extent2D{Width: info.Width, Height: info.Height},
		},
		ClearValueCount: uint32(len(clears)),
		PClearValues:    clears,
	}, vk.SubpassContentsInline)
	c.state = commandBufferInRenderPass
}

func (d *Device) CmdEndRendering(h gpu.CommandBuffer) {
	c := d.recording(h, commandBufferInRenderPass)
	if c == nil {
		return
	}
	vk.CmdEndRenderPass(c.handle)
	c.state = commandBufferRecording
}

// CmdSetViewport sets both the viewport and the scissor to the full extent.
func (d *Device) CmdSetViewport(h gpu.CommandBuffer, width, height uint32) {
	c := d.recording(h)
	if c == nil {
		return
	}
	vk.CmdSetViewport(c.handle, 0, 1, []vk.Viewport{{
		X:        0,
		Y:        0,
		Width:    float32(width),
		Height:   float32(height),
		MinDepth: 0,
		MaxDepth: 1,
	}})
	vk.CmdSetScissor(c.handle, 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: 0, Y: 0},
		Extent: vk.Extent2D{Width: width, Height: height},
	}})
}

func (d *Device) CmdDraw(h gpu.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if c := d.recording(h, commandBufferInRenderPass); c != nil {
		vk.CmdDraw(c.handle, vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

func (d *Device) CmdDispatch(h gpu.CommandBuffer, x, y, z uint32) {
	if c := d.recording(h, commandBufferRecording); c != nil {
		vk.CmdDispatch(c.handle, x, y, z)
	}
}

func (d *Device) QueueSubmit(q gpu.Queue, submits []gpu.SubmitInfo, f gpu.Fence) error {
	queue, err := d.queue(q)
	if err != nil {
		return err
	}

	var signal vk.Fence
	var fc *fence
	if f != 0 {
		if fc, err = d.fence(f); err != nil {
			return err
		}
		signal = fc.handle
	}

	var submitted []*commandBuffer
	infos := make([]vk.SubmitInfo, 0, len(submits))
	for _, s := range submits {
		cmds := make([]vk.CommandBuffer, 0, len(s.CommandBuffers))
		for _, h := range s.CommandBuffers {
			c, err := d.commandBuffer(h)
			if err != nil {
				return err
			}
			if c.state != commandBufferRecordingEnded {
				return fmt.Errorf("%w: submitting command buffer %d while %s", ErrCommandBufferState, h, c.state)
			}
			cmds = append(cmds, c.handle)
			submitted = append(submitted, c)
		}
		stages := make([]vk.PipelineStageFlags, len(s.WaitStages))
		for i, st := range s.WaitStages {
			stages[i] = vk.PipelineStageFlags(st)
		}
		wait := d.semaphoreList(s.WaitSemaphores)
		sig := d.semaphoreList(s.SignalSemaphores)
		infos = append(infos, vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(wait)),
			PWaitSemaphores:      wait,
			PWaitDstStageMask:    stages,
			CommandBufferCount:   uint32(len(cmds)),
			PCommandBuffers:      cmds,
			SignalSemaphoreCount: uint32(len(sig)),
			PSignalSemaphores:    sig,
		})
	}

	err = d.locks.SafeQueueCall(uint64(q), func() error {
		return resultErr(vk.QueueSubmit(queue, uint32(len(infos)), infos, signal), "vkQueueSubmit")
	})
	if err != nil {
		core.LogError(err.Error())
		return err
	}
	if fc != nil {
		fc.signaled = false
	}
	for _, c := range submitted {
		c.state = commandBufferSubmitted
	}
	return nil
}

func (d *Device) QueueWaitIdle(q gpu.Queue) error {
	queue, err := d.queue(q)
	if err != nil {
		return err
	}
	return d.locks.SafeQueueCall(uint64(q), func() error {
		return resultErr(vk.QueueWaitIdle(queue), "vkQueueWaitIdle")
	})
}
