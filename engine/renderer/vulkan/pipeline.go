package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

func (d *Device) CreateShaderModule(spirv []uint32) (gpu.ShaderModule, error) {
	if len(spirv) == 0 {
		return 0, fmt.Errorf("empty SPIR-V: %w", gpu.ErrorInvalidShader)
	}
	var module vk.ShaderModule
	res := vk.CreateShaderModule(d.logical, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(spirv) * 4),
		PCode:    spirv,
	}, d.allocator, &module)
	if err := createErr(res, "vkCreateShaderModule"); err != nil {
		return 0, err
	}
	return gpu.ShaderModule(d.modules.add(module)), nil
}

func (d *Device) DestroyShaderModule(h gpu.ShaderModule) {
	if m, ok := d.modules.remove(uint64(h)); ok {
		vk.DestroyShaderModule(d.logical, m, d.allocator)
	}
}

// NOTE: 32 is the max number of ranges we can ever have, since only 128 bytes
// with 4-byte alignment are guaranteed.
const maxPushConstantRanges = 32

func (d *Device) CreatePipelineLayout(info gpu.PipelineLayoutCreateInfo) (gpu.PipelineLayout, error) {
	if len(info.PushConstants) > maxPushConstantRanges {
		return 0, fmt.Errorf("cannot have more than %d push constant ranges, got %d", maxPushConstantRanges, len(info.PushConstants))
	}

	setLayouts := make([]vk.DescriptorSetLayout, 0, len(info.SetLayouts))
	for _, h := range info.SetLayouts {
		l, ok := d.setLayouts.get(uint64(h))
		if !ok {
			return 0, fmt.Errorf("%w: descriptor set layout %d", ErrUnknownHandle, h)
		}
		setLayouts = append(setLayouts, l)
	}
	ranges := make([]vk.PushConstantRange, len(info.PushConstants))
	for i, r := range info.PushConstants {
		ranges[i] = vk.PushConstantRange{
			StageFlags: vk.ShaderStageFlags(r.Stages),
			Offset:     r.Offset,
			Size:       r.Size,
		}
	}

	var layout vk.PipelineLayout
	err := d.locks.SafeCall(PipelineManagement, func() error {
		res := vk.CreatePipelineLayout(d.logical, &vk.PipelineLayoutCreateInfo{
			SType:                  vk.StructureTypePipelineLayoutCreateInfo,
			SetLayoutCount:         uint32(len(setLayouts)),
			PSetLayouts:            setLayouts,
			PushConstantRangeCount: uint32(len(ranges)),
			PPushConstantRanges:    ranges,
		}, d.allocator, &layout)
		return createErr(res, "vkCreatePipelineLayout")
	})
	if err != nil {
		return 0, err
	}
	return gpu.PipelineLayout(d.layouts.add(layout)), nil
}

func (d *Device) DestroyPipelineLayout(h gpu.PipelineLayout) {
	if l, ok := d.layouts.remove(uint64(h)); ok {
		_ = d.locks.SafeCall(PipelineManagement, func() error {
			vk.DestroyPipelineLayout(d.logical, l, d.allocator)
			return nil
		})
	}
}

func specialization(s *gpu.SpecializationInfo) []vk.SpecializationInfo {
	if s == nil || len(s.Entries) == 0 {
		return nil
	}
	entries := make([]vk.SpecializationMapEntry, len(s.Entries))
	for i, e := range s.Entries {
		entries[i] = vk.SpecializationMapEntry{
			ConstantID: e.ConstantID,
			Offset:     e.Offset,
			Size:       uint64(e.Size),
		}
	}
	info := vk.SpecializationInfo{
		MapEntryCount: uint32(len(entries)),
		PMapEntries:   entries,
		DataSize:      uint64(len(s.Data)),
	}
	if len(s.Data) > 0 {
		info.PData = unsafe.Pointer(&s.Data[0])
	}
	return []vk.SpecializationInfo{info}
}

func (d *Device) shaderStage(s gpu.ShaderStageInfo) (vk.PipelineShaderStageCreateInfo, error) {
	module, ok := d.modules.get(uint64(s.Module))
	if !ok {
		return vk.PipelineShaderStageCreateInfo{}, fmt.Errorf("%w: shader module %d", ErrUnknownHandle, s.Module)
	}
	entry := s.Entry
	if entry == "" {
		entry = "main"
	}
	return vk.PipelineShaderStageCreateInfo{
		SType:               vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:               vk.ShaderStageFlagBits(s.Stage),
		Module:              module,
		PName:               VulkanSafeString(entry),
		PSpecializationInfo: specialization(s.Specialization),
	}, nil
}

func rasterization(r gpu.RasterizationState) vk.PipelineRasterizationStateCreateInfo {
	info := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonMode(r.PolygonMode),
		CullMode:                vk.CullModeFlags(r.CullMode),
		FrontFace:               vk.FrontFace(r.FrontFace),
		LineWidth:               r.LineWidth,
		DepthBiasEnable:         vk.False,
	}
	if info.LineWidth == 0 {
		info.LineWidth = 1.0
	}
	if r.DepthBias != nil {
		info.DepthBiasEnable = vk.True
		info.DepthBiasConstantFactor = r.DepthBias.ConstantFactor
		info.DepthBiasClamp = r.DepthBias.Clamp
		info.DepthBiasSlopeFactor = r.DepthBias.SlopeFactor
	}
	return info
}

func blendAttachments(blend []gpu.BlendAttachment, colorCount int) []vk.PipelineColorBlendAttachmentState {
	out := make([]vk.PipelineColorBlendAttachmentState, colorCount)
	for i := range out {
		b := gpu.BlendAttachment{WriteMask: gpu.ColorComponentAll}
		if i < len(blend) {
			b = blend[i]
		}
		out[i] = vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vkBool(b.Enable),
			SrcColorBlendFactor: vk.BlendFactor(b.SrcColorFactor),
			DstColorBlendFactor: vk.BlendFactor(b.DstColorFactor),
			ColorBlendOp:        vk.BlendOp(b.ColorOp),
			SrcAlphaBlendFactor: vk.BlendFactor(b.SrcAlphaFactor),
			DstAlphaBlendFactor: vk.BlendFactor(b.DstAlphaFactor),
			AlphaBlendOp:        vk.BlendOp(b.AlphaOp),
			ColorWriteMask:      vk.ColorComponentFlags(b.WriteMask),
		}
	}
	return out
}

// CreateGraphicsPipeline builds a pipeline against a render pass compatible
// with info.Rendering. Viewport and scissor are dynamic.
func (d *Device) CreateGraphicsPipeline(info gpu.GraphicsPipelineCreateInfo) (gpu.Pipeline, error) {
	layout, ok := d.layouts.get(uint64(info.Layout))
	if !ok {
		return 0, fmt.Errorf("%w: pipeline layout %d", ErrUnknownHandle, info.Layout)
	}
	stages := make([]vk.PipelineShaderStageCreateInfo, 0, len(info.Stages))
	for _, s := range info.Stages {
		stage, err := d.shaderStage(s)
		if err != nil {
			return 0, err
		}
		stages = append(stages, stage)
	}

	passKey := pipelineRenderPassKey(info.Rendering)
	pass, err := d.passes.get(passKey)
	if err != nil {
		return 0, err
	}

	bindings := make([]vk.VertexInputBindingDescription, len(info.VertexInput.Bindings))
	for i, b := range info.VertexInput.Bindings {
		bindings[i] = vk.VertexInputBindingDescription{
			Binding:   b.Binding,
			Stride:    b.Stride,
			InputRate: vk.VertexInputRate(b.InputRate),
		}
	}
	attributes := make([]vk.VertexInputAttributeDescription, len(info.VertexInput.Attributes))
	for i, a := range info.VertexInput.Attributes {
		attributes[i] = vk.VertexInputAttributeDescription{
			Location: a.Location,
			Binding:  a.Binding,
			Format:   vk.Format(a.Format),
			Offset:   a.Offset,
		}
	}
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   uint32(len(bindings)),
		PVertexBindingDescriptions:      bindings,
		VertexAttributeDescriptionCount: uint32(len(attributes)),
		PVertexAttributeDescriptions:    attributes,
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopology(info.Topology),
		PrimitiveRestartEnable: vk.False,
	}

	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizer := rasterization(info.Rasterization)

	multisampling := vk.PipelineMultisampleStateCreateInfo{
		SType:                 vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:   vk.False,
		RasterizationSamples:  vk.SampleCount1Bit,
		MinSampleShading:      1.0,
		AlphaToCoverageEnable: vk.False,
		AlphaToOneEnable:      vk.False,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:                 vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:       vkBool(info.Depth.TestEnable),
		DepthWriteEnable:      vkBool(info.Depth.WriteEnable),
		DepthCompareOp:        vk.CompareOp(info.Depth.CompareOp),
		DepthBoundsTestEnable: vk.False,
		StencilTestEnable:     vk.False,
	}

	blend := blendAttachments(info.Blend, passKey.colorCount)
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(blend)),
		PAttachments:    blend,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisampling,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlend,
		PDynamicState:       &dynamicState,
		Layout:              layout,
		RenderPass:          pass,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}

	pipelines := make([]vk.Pipeline, 1)
	err = d.locks.SafeCall(PipelineManagement, func() error {
		res := vk.CreateGraphicsPipelines(d.logical, vk.NullPipelineCache, 1,
			[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo}, d.allocator, pipelines)
		return resultErr(res, "vkCreateGraphicsPipelines")
	})
	if err != nil {
		core.LogError("graphics pipeline %s: %s", info.DebugName, err.Error())
		return 0, err
	}

	core.LogDebug("Graphics pipeline %s created!", info.DebugName)
	return gpu.Pipeline(d.pipelines.add(pipelines[0])), nil
}

func (d *Device) CreateComputePipeline(info gpu.ComputePipelineCreateInfo) (gpu.Pipeline, error) {
	layout, ok := d.layouts.get(uint64(info.Layout))
	if !ok {
		return 0, fmt.Errorf("%w: pipeline layout %d", ErrUnknownHandle, info.Layout)
	}
	stage, err := d.shaderStage(info.Stage)
	if err != nil {
		return 0, err
	}

	pipelines := make([]vk.Pipeline, 1)
	err = d.locks.SafeCall(PipelineManagement, func() error {
		res := vk.CreateComputePipelines(d.logical, vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{{
			SType:              vk.StructureTypeComputePipelineCreateInfo,
			Stage:              stage,
			Layout:             layout,
			BasePipelineHandle: vk.NullPipeline,
			BasePipelineIndex:  -1,
		}}, d.allocator, pipelines)
		return resultErr(res, "vkCreateComputePipelines")
	})
	if err != nil {
		core.LogError("compute pipeline %s: %s", info.DebugName, err.Error())
		return 0, err
	}

	core.LogDebug("Compute pipeline %s created!", info.DebugName)
	return gpu.Pipeline(d.pipelines.add(pipelines[0])), nil
}

func (d *Device) DestroyPipeline(h gpu.Pipeline) {
	if p, ok := d.pipelines.remove(uint64(h)); ok {
		_ = d.locks.SafeCall(PipelineManagement, func() error {
			vk.DestroyPipeline(d.logical, p, d.allocator)
			return nil
		})
	}
}
