// Package gpu describes the device surface the renderer core consumes:
// opaque object handles, creation descriptions and the narrow device
// interfaces each component depends on. Enumerations carry the Vulkan
// numeric values so a backend can convert them by cast.
package gpu

// Opaque device object handles. The zero value is the null handle.
type (
	DescriptorPool      uint64
	DescriptorSetLayout uint64
	DescriptorSet       uint64
	PipelineLayout      uint64
	Pipeline            uint64
	ShaderModule        uint64
	Sampler             uint64
	Buffer              uint64
	Image               uint64
	ImageView           uint64
	Fence               uint64
	Semaphore           uint64
	CommandPool         uint64
	CommandBuffer       uint64
	Queue               uint64
)
