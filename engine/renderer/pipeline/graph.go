package pipeline

import "slices"

// Graph tracks which pipelines are built from which shader, and which shaders
// pull in which include file. Edges are only added during normal operation;
// removal exists for pipeline and shader destruction.
type Graph struct {
	shaderPipelines map[ShaderHandle][]PipelineHandle
	includeShaders  map[string][]ShaderHandle
}

func NewGraph() *Graph {
	return &Graph{
		shaderPipelines: make(map[ShaderHandle][]PipelineHandle),
		includeShaders:  make(map[string][]ShaderHandle),
	}
}

// AddShader creates the empty pipeline list for s.
func (g *Graph) AddShader(s ShaderHandle) {
	if _, ok := g.shaderPipelines[s]; !ok {
		g.shaderPipelines[s] = nil
	}
}

func (g *Graph) AddPipeline(s ShaderHandle, p PipelineHandle) {
	list := g.shaderPipelines[s]
	if slices.Contains(list, p) {
		return
	}
	g.shaderPipelines[s] = append(list, p)
}

// AddInclude records that shader s includes path.
func (g *Graph) AddInclude(path string, s ShaderHandle) {
	list := g.includeShaders[path]
	if slices.Contains(list, s) {
		return
	}
	g.includeShaders[path] = append(list, s)
}

// Pipelines returns the pipelines built from s.
func (g *Graph) Pipelines(s ShaderHandle) []PipelineHandle {
	return slices.Clone(g.shaderPipelines[s])
}

// ShadersIncluding returns the shaders that include path.
func (g *Graph) ShadersIncluding(path string) []ShaderHandle {
	return slices.Clone(g.includeShaders[path])
}

func (g *Graph) HasShader(s ShaderHandle) bool {
	_, ok := g.shaderPipelines[s]
	return ok
}

// IsInclude reports whether any shader includes path.
func (g *Graph) IsInclude(path string) bool {
	return len(g.includeShaders[path]) > 0
}

// RemovePipeline drops every edge pointing at p.
func (g *Graph) RemovePipeline(p PipelineHandle) {
	for s, list := range g.shaderPipelines {
		if i := slices.Index(list, p); i >= 0 {
			g.shaderPipelines[s] = slices.Delete(list, i, i+1)
		}
	}
}

// RemoveShader drops s and every include edge pointing at it.
func (g *Graph) RemoveShader(s ShaderHandle) {
	delete(g.shaderPipelines, s)
	for path, list := range g.includeShaders {
		if i := slices.Index(list, s); i >= 0 {
			list = slices.Delete(list, i, i+1)
			if len(list) == 0 {
				delete(g.includeShaders, path)
			} else {
				g.includeShaders[path] = list
			}
		}
	}
}
