package gpu

// DescriptorSetLayoutBinding is one shader visible slot of a descriptor set
// layout.
type DescriptorSetLayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
	Stages  ShaderStageFlags
}

type DescriptorSetLayoutCreateInfo struct {
	Flags    DescriptorSetLayoutCreateFlags
	Bindings []DescriptorSetLayoutBinding
}

type DescriptorPoolSize struct {
	Type  DescriptorType
	Count uint32
}

type DescriptorPoolCreateInfo struct {
	Flags   DescriptorPoolCreateFlags
	MaxSets uint32
	Sizes   []DescriptorPoolSize
}

type DescriptorBufferInfo struct {
	Buffer Buffer
	Offset uint64
	Range  uint64
}

// WholeSize binds a buffer from Offset to its end.
const WholeSize uint64 = ^uint64(0)

type DescriptorImageInfo struct {
	Sampler Sampler
	View    ImageView
	Layout  ImageLayout
}

// WriteDescriptorSet updates Count consecutive array elements of one binding.
// Exactly one of Buffers or Images is set, matching Type.
type WriteDescriptorSet struct {
	Set          DescriptorSet
	Binding      uint32
	ArrayElement uint32
	Type         DescriptorType
	Buffers      []DescriptorBufferInfo
	Images       []DescriptorImageInfo
}

type PushConstantRange struct {
	Stages ShaderStageFlags
	Offset uint32
	Size   uint32
}

type PipelineLayoutCreateInfo struct {
	SetLayouts    []DescriptorSetLayout
	PushConstants []PushConstantRange
}

type SpecializationMapEntry struct {
	ConstantID uint32
	Offset     uint32
	Size       uint32
}

// SpecializationInfo supplies constant values to a shader stage. Data is the
// packed payload the entries index into.
type SpecializationInfo struct {
	Entries []SpecializationMapEntry
	Data    []byte
}

type ShaderStageInfo struct {
	Stage  ShaderStageFlags
	Module ShaderModule
	// Entry is the entry point name, "main" when empty.
	Entry          string
	Specialization *SpecializationInfo
}

type VertexBinding struct {
	Binding   uint32
	Stride    uint32
	InputRate VertexInputRate
}

type VertexAttribute struct {
	Location uint32
	Binding  uint32
	Format   Format
	Offset   uint32
}

type VertexInputState struct {
	Bindings   []VertexBinding
	Attributes []VertexAttribute
}

type DepthBias struct {
	ConstantFactor float32
	Clamp          float32
	SlopeFactor    float32
}

type RasterizationState struct {
	PolygonMode PolygonMode
	CullMode    CullMode
	FrontFace   FrontFace
	LineWidth   float32
	// DepthBias enables depth biasing when set. Shadow passes use it.
	DepthBias *DepthBias
}

type DepthState struct {
	TestEnable  bool
	WriteEnable bool
	CompareOp   CompareOp
}

type BlendAttachment struct {
	Enable         bool
	SrcColorFactor BlendFactor
	DstColorFactor BlendFactor
	ColorOp        BlendOp
	SrcAlphaFactor BlendFactor
	DstAlphaFactor BlendFactor
	AlphaOp        BlendOp
	WriteMask      ColorComponentFlags
}

// RenderingInfo names the attachment formats a pipeline renders into.
type RenderingInfo struct {
	ColorFormats  []Format
	DepthFormat   Format
	StencilFormat Format
}

type GraphicsPipelineCreateInfo struct {
	Layout        PipelineLayout
	Stages        []ShaderStageInfo
	VertexInput   VertexInputState
	Topology      PrimitiveTopology
	Rasterization RasterizationState
	Depth         DepthState
	Blend         []BlendAttachment
	Rendering     RenderingInfo
	DebugName     string
}

type ComputePipelineCreateInfo struct {
	Layout    PipelineLayout
	Stage     ShaderStageInfo
	DebugName string
}

// SamplerCreateInfo is comparable so it can key a cache.
type SamplerCreateInfo struct {
	MagFilter     Filter
	MinFilter     Filter
	MipmapMode    SamplerMipmapMode
	AddressModeU  SamplerAddressMode
	AddressModeV  SamplerAddressMode
	AddressModeW  SamplerAddressMode
	MaxAnisotropy float32
	MinLod        float32
	MaxLod        float32
	CompareEnable bool
	CompareOp     CompareOp
}

type BufferCreateInfo struct {
	Size  uint64
	Usage BufferUsageFlags
	// HostVisible requests persistently mapped, host coherent memory.
	HostVisible bool
	DebugName   string
}

// ImageCreateInfo describes a single mip, single layer 2D image with optimal
// tiling in device local memory. A view covering the whole image is created
// with it.
type ImageCreateInfo struct {
	Width     uint32
	Height    uint32
	Format    Format
	Usage     ImageUsageFlags
	DebugName string
}

// Aspect returns the view aspect implied by the format.
func (i ImageCreateInfo) Aspect() ImageAspectFlags {
	if i.Format.HasDepth() {
		return ImageAspectDepth
	}
	if i.Format.HasStencil() {
		return ImageAspectStencil
	}
	return ImageAspectColor
}

type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferImageCopy copies tightly packed texels into the color aspect of mip 0,
// layer 0.
type BufferImageCopy struct {
	BufferOffset uint64
	Width        uint32
	Height       uint32
}

type ImageSubresourceRange struct {
	Aspect         ImageAspectFlags
	BaseMipLevel   uint32
	LevelCount     uint32
	BaseArrayLayer uint32
	LayerCount     uint32
}

type ImageBarrier struct {
	Image     Image
	SrcStage  PipelineStageFlags
	DstStage  PipelineStageFlags
	SrcAccess AccessFlags
	DstAccess AccessFlags
	OldLayout ImageLayout
	NewLayout ImageLayout
	Range     ImageSubresourceRange
}

type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitStages       []PipelineStageFlags
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

type RenderingAttachment struct {
	View       ImageView
	Format     Format
	Layout     ImageLayout
	Clear      bool
	ClearColor [4]float32
	ClearDepth float32
}

// RenderingBeginInfo opens a render scope over the given attachments. The
// attachment layouts must already be in place; no transitions happen here.
type RenderingBeginInfo struct {
	Width  uint32
	Height uint32
	Color  []RenderingAttachment
	Depth  *RenderingAttachment
}
