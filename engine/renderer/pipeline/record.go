package pipeline

import (
	"slices"

	"github.com/spaghettifunk/lumen/engine/containers"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// ShaderHandle identifies a registered shader for the lifetime of the manager.
type ShaderHandle containers.Handle

// PipelineHandle identifies a pipeline. Its index is the registry slot the
// pipeline record and the live pipeline object share.
type PipelineHandle containers.Handle

func (h ShaderHandle) Index() uint32   { return containers.Handle(h).Index() }
func (h PipelineHandle) Index() uint32 { return containers.Handle(h).Index() }

// ShaderRef selects a registered shader for one pipeline stage.
type ShaderRef struct {
	Shader ShaderHandle
	// Entry point, "main" when empty.
	Entry          string
	Specialization *gpu.SpecializationInfo
}

type GraphicsPipelineDesc struct {
	Layout        gpu.PipelineLayout
	Shaders       []ShaderRef
	VertexInput   gpu.VertexInputState
	Topology      gpu.PrimitiveTopology
	Rasterization gpu.RasterizationState
	Depth         gpu.DepthState
	Blend         []gpu.BlendAttachment
	Rendering     gpu.RenderingInfo
	DebugName     string
}

type ComputePipelineDesc struct {
	Layout    gpu.PipelineLayout
	Shader    ShaderRef
	DebugName string
}

func cloneSpecialization(s *gpu.SpecializationInfo) *gpu.SpecializationInfo {
	if s == nil {
		return nil
	}
	return &gpu.SpecializationInfo{
		Entries: slices.Clone(s.Entries),
		Data:    slices.Clone(s.Data),
	}
}

func (r ShaderRef) clone() ShaderRef {
	r.Specialization = cloneSpecialization(r.Specialization)
	return r
}

// Clone returns a copy that shares no memory with d.
func (d GraphicsPipelineDesc) Clone() GraphicsPipelineDesc {
	out := d
	out.Shaders = make([]ShaderRef, len(d.Shaders))
	for i, s := range d.Shaders {
		out.Shaders[i] = s.clone()
	}
	out.VertexInput.Bindings = slices.Clone(d.VertexInput.Bindings)
	out.VertexInput.Attributes = slices.Clone(d.VertexInput.Attributes)
	if d.Rasterization.DepthBias != nil {
		bias := *d.Rasterization.DepthBias
		out.Rasterization.DepthBias = &bias
	}
	out.Blend = slices.Clone(d.Blend)
	out.Rendering.ColorFormats = slices.Clone(d.Rendering.ColorFormats)
	return out
}

func (d ComputePipelineDesc) Clone() ComputePipelineDesc {
	out := d
	out.Shader = d.Shader.clone()
	return out
}

// Record is what the registry keeps per pipeline. Exactly one of Graphics
// or Compute is set.
type Record struct {
	Graphics *GraphicsPipelineDesc
	Compute  *ComputePipelineDesc
}

func (r Record) shaders() []ShaderHandle {
	if r.Compute != nil {
		return []ShaderHandle{r.Compute.Shader.Shader}
	}
	out := make([]ShaderHandle, 0, len(r.Graphics.Shaders))
	for _, s := range r.Graphics.Shaders {
		if !slices.Contains(out, s.Shader) {
			out = append(out, s.Shader)
		}
	}
	return out
}

func (r Record) debugName() string {
	if r.Compute != nil {
		return r.Compute.DebugName
	}
	return r.Graphics.DebugName
}
