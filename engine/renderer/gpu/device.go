package gpu

import "time"

// DescriptorDevice creates descriptor pools, layouts and sets.
type DescriptorDevice interface {
	CreateDescriptorPool(info DescriptorPoolCreateInfo) (DescriptorPool, error)
	ResetDescriptorPool(pool DescriptorPool) error
	DestroyDescriptorPool(pool DescriptorPool)
	AllocateDescriptorSet(pool DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	UpdateDescriptorSets(writes []WriteDescriptorSet)

	CreateDescriptorSetLayout(info DescriptorSetLayoutCreateInfo) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(layout DescriptorSetLayout)
}

// PipelineDevice creates shader modules, pipeline layouts and pipelines.
type PipelineDevice interface {
	CreateShaderModule(spirv []uint32) (ShaderModule, error)
	DestroyShaderModule(module ShaderModule)

	CreatePipelineLayout(info PipelineLayoutCreateInfo) (PipelineLayout, error)
	DestroyPipelineLayout(layout PipelineLayout)

	CreateGraphicsPipeline(info GraphicsPipelineCreateInfo) (Pipeline, error)
	CreateComputePipeline(info ComputePipelineCreateInfo) (Pipeline, error)
	DestroyPipeline(pipeline Pipeline)

	// WaitIdle blocks until the device has finished all submitted work.
	WaitIdle() error
}

// SyncDevice creates and waits on synchronization primitives.
type SyncDevice interface {
	CreateFence(signaled bool) (Fence, error)
	// WaitForFence returns Timeout when the fence is still unsignaled after
	// timeout.
	WaitForFence(fence Fence, timeout time.Duration) error
	ResetFence(fence Fence) error
	DestroyFence(fence Fence)

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(semaphore Semaphore)
}

// CommandDevice records and submits command buffers.
type CommandDevice interface {
	CreateCommandPool() (CommandPool, error)
	DestroyCommandPool(pool CommandPool)
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)
	ResetCommandBuffer(cmd CommandBuffer) error
	BeginCommandBuffer(cmd CommandBuffer, oneTimeSubmit bool) error
	EndCommandBuffer(cmd CommandBuffer) error

	CmdBindPipeline(cmd CommandBuffer, bindPoint PipelineBindPoint, pipeline Pipeline)
	CmdBindDescriptorSets(cmd CommandBuffer, bindPoint PipelineBindPoint, layout PipelineLayout, firstSet uint32, sets []DescriptorSet)
	CmdPipelineBarrier(cmd CommandBuffer, barriers []ImageBarrier)
	CmdCopyBuffer(cmd CommandBuffer, src, dst Buffer, regions []BufferCopy)
	// CmdCopyBufferToImage requires dst to be in layout, normally
	// ImageLayoutTransferDstOptimal.
	CmdCopyBufferToImage(cmd CommandBuffer, src Buffer, dst Image, layout ImageLayout, regions []BufferImageCopy)
	CmdBeginRendering(cmd CommandBuffer, info RenderingBeginInfo)
	CmdEndRendering(cmd CommandBuffer)
	CmdSetViewport(cmd CommandBuffer, width, height uint32)
	CmdDraw(cmd CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32)
	CmdDispatch(cmd CommandBuffer, x, y, z uint32)

	QueueSubmit(queue Queue, submits []SubmitInfo, fence Fence) error
	QueueWaitIdle(queue Queue) error
}

// ResourceDevice creates buffers and samplers.
type ResourceDevice interface {
	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	// MapBuffer returns the persistent mapping of a host visible buffer.
	MapBuffer(buffer Buffer) ([]byte, error)
	DestroyBuffer(buffer Buffer)

	CreateSampler(info SamplerCreateInfo) (Sampler, error)
	DestroySampler(sampler Sampler)
}

// ImageDevice creates render targets such as depth buffers and shadow maps.
// Textures are filled through upload.Context.UploadImage.
type ImageDevice interface {
	CreateImage(info ImageCreateInfo) (Image, ImageView, error)
	// DestroyImage destroys the image and the view created with it.
	DestroyImage(image Image)
}

// Device is the full device surface used by the renderer.
type Device interface {
	DescriptorDevice
	PipelineDevice
	SyncDevice
	CommandDevice
	ResourceDevice
}

// Swapchain is the presentation surface.
type Swapchain interface {
	// AcquireNextImage returns ErrorOutOfDate or Timeout when the frame should
	// be skipped. Suboptimal acquires report a nil error.
	AcquireNextImage(timeout time.Duration, signal Semaphore) (uint32, error)
	Present(queue Queue, imageIndex uint32, wait []Semaphore) error
	Image(index uint32) Image
	ImageView(index uint32) ImageView
	Format() Format
	Extent() (width, height uint32)
	ImageCount() uint32
}
