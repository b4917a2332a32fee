// Package pipeline owns shader modules and pipelines and rebuilds them when
// a shader source or one of its includes changes on disk.
package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/spaghettifunk/lumen/engine/containers"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

var (
	ErrUnknownShader    = errors.New("unknown shader handle")
	ErrUnknownPipeline  = errors.New("unknown pipeline handle")
	ErrStageMismatch    = errors.New("shader already registered with a different stage")
	ErrRegistryMismatch = errors.New("pipeline registry and pipeline objects out of step")
)

// ShaderEntry is one compiled shader.
type ShaderEntry struct {
	Stage  gpu.ShaderStageFlags
	Module gpu.ShaderModule
	// Path is the cleaned absolute source path.
	Path     string
	Includes []string
}

type ManagerConfig struct {
	// ShaderDir resolves relative shader paths.
	ShaderDir string
	// HotReload watches shader sources and includes. The watcher may be nil
	// when it is off.
	HotReload bool
}

// Stats counts hot reload activity.
type Stats struct {
	ShaderReloads    int
	CompileFailures  int
	PipelineRebuilds int
	RebuildFailures  int
}

// Manager is the shader and pipeline registry. It is driven from the render
// thread only.
type Manager struct {
	device   gpu.PipelineDevice
	compiler Compiler
	watcher  Watcher
	config   ManagerConfig

	shaders *containers.Arena[ShaderEntry]
	byPath  map[string]ShaderHandle

	// records and pipelines grow together; a handle's index addresses both.
	records   *containers.Arena[Record]
	pipelines []gpu.Pipeline

	layouts []gpu.PipelineLayout
	graph   *Graph
	stats   Stats
}

func NewManager(device gpu.PipelineDevice, compiler Compiler, watcher Watcher, config ManagerConfig) *Manager {
	if !config.HotReload {
		watcher = nil
	}
	return &Manager{
		device:   device,
		compiler: compiler,
		watcher:  watcher,
		config:   config,
		shaders:  containers.NewArena[ShaderEntry](),
		byPath:   make(map[string]ShaderHandle),
		records:  containers.NewArena[Record](),
		graph:    NewGraph(),
	}
}

func (m *Manager) resolve(filename string) (string, error) {
	path := filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.config.ShaderDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func (m *Manager) watch(path string) {
	if m.watcher == nil {
		return
	}
	if err := m.watcher.Watch(path); err != nil {
		core.LogWarn("hot reload disabled for %s: %s", path, err.Error())
	}
}

func (m *Manager) linkIncludes(h ShaderHandle, entry *ShaderEntry, includes []string) {
	for _, inc := range includes {
		abs, err := m.resolve(inc)
		if err != nil {
			continue
		}
		if slices.Contains(entry.Includes, abs) {
			continue
		}
		entry.Includes = append(entry.Includes, abs)
		first := !m.graph.IsInclude(abs)
		m.graph.AddInclude(abs, h)
		if first {
			m.watch(abs)
		}
	}
}

// AddShader compiles filename and registers it for hot reload. Registering
// the same file twice returns the first handle.
func (m *Manager) AddShader(filename string, stage gpu.ShaderStageFlags) (ShaderHandle, error) {
	path, err := m.resolve(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve shader path %s: %w", filename, err)
	}
	if h, ok := m.byPath[path]; ok {
		if m.shaders.Get(containers.Handle(h)).Stage != stage {
			return 0, fmt.Errorf("%w: %s", ErrStageMismatch, path)
		}
		return h, nil
	}

	res, err := m.compiler.Compile(path, stage)
	if err != nil {
		err = fmt.Errorf("failed to compile shader %s: %w", path, err)
		core.LogError(err.Error())
		return 0, err
	}
	module, err := m.device.CreateShaderModule(res.SPIRV)
	if err != nil {
		err = fmt.Errorf("failed to create shader module %s: %w", path, err)
		core.LogError(err.Error())
		return 0, err
	}

	h := ShaderHandle(m.shaders.Insert(ShaderEntry{Stage: stage, Module: module, Path: path}))
	m.byPath[path] = h
	m.graph.AddShader(h)
	m.watch(path)
	m.linkIncludes(h, m.shaders.Get(containers.Handle(h)), res.Includes)

	core.LogDebug("shader %s registered (%s)", path, stage)
	return h, nil
}

// Shader returns the entry for h.
func (m *Manager) Shader(h ShaderHandle) (ShaderEntry, error) {
	e := m.shaders.Get(containers.Handle(h))
	if e == nil {
		return ShaderEntry{}, ErrUnknownShader
	}
	out := *e
	out.Includes = slices.Clone(e.Includes)
	return out, nil
}

func (m *Manager) stage(ref ShaderRef) (gpu.ShaderStageInfo, error) {
	e := m.shaders.Get(containers.Handle(ref.Shader))
	if e == nil {
		return gpu.ShaderStageInfo{}, fmt.Errorf("%w: %v", ErrUnknownShader, containers.Handle(ref.Shader))
	}
	entry := ref.Entry
	if entry == "" {
		entry = "main"
	}
	return gpu.ShaderStageInfo{
		Stage:          e.Stage,
		Module:         e.Module,
		Entry:          entry,
		Specialization: ref.Specialization,
	}, nil
}

func (m *Manager) build(rec Record) (gpu.Pipeline, error) {
	if rec.Compute != nil {
		st, err := m.stage(rec.Compute.Shader)
		if err != nil {
			return 0, err
		}
		return m.device.CreateComputePipeline(gpu.ComputePipelineCreateInfo{
			Layout:    rec.Compute.Layout,
			Stage:     st,
			DebugName: rec.Compute.DebugName,
		})
	}

	d := rec.Graphics
	stages := make([]gpu.ShaderStageInfo, 0, len(d.Shaders))
	for _, ref := range d.Shaders {
		st, err := m.stage(ref)
		if err != nil {
			return 0, err
		}
		stages = append(stages, st)
	}
	raster := d.Rasterization
	if raster.LineWidth == 0 {
		raster.LineWidth = 1
	}
	return m.device.CreateGraphicsPipeline(gpu.GraphicsPipelineCreateInfo{
		Layout:        d.Layout,
		Stages:        stages,
		VertexInput:   d.VertexInput,
		Topology:      d.Topology,
		Rasterization: raster,
		Depth:         d.Depth,
		Blend:         d.Blend,
		Rendering:     d.Rendering,
		DebugName:     d.DebugName,
	})
}

func (m *Manager) insert(rec Record) (PipelineHandle, error) {
	if m.records.Cap() != len(m.pipelines) {
		return 0, ErrRegistryMismatch
	}
	pipeline, err := m.build(rec)
	if err != nil {
		err = fmt.Errorf("failed to create pipeline %s: %w", rec.debugName(), err)
		core.LogError(err.Error())
		return 0, err
	}

	h := PipelineHandle(m.records.Insert(rec))
	if int(h.Index()) != len(m.pipelines) {
		m.device.DestroyPipeline(pipeline)
		return 0, ErrRegistryMismatch
	}
	m.pipelines = append(m.pipelines, pipeline)

	for _, s := range rec.shaders() {
		m.graph.AddPipeline(s, h)
	}
	return h, nil
}

// CreateGraphicsPipeline builds a pipeline and keeps a private copy of desc
// so it can be rebuilt when one of its shaders changes.
func (m *Manager) CreateGraphicsPipeline(desc GraphicsPipelineDesc) (PipelineHandle, error) {
	d := desc.Clone()
	if d.DebugName == "" {
		d.DebugName = "graphics-" + uuid.NewString()
	}
	return m.insert(Record{Graphics: &d})
}

func (m *Manager) CreateComputePipeline(desc ComputePipelineDesc) (PipelineHandle, error) {
	d := desc.Clone()
	if d.DebugName == "" {
		d.DebugName = "compute-" + uuid.NewString()
	}
	return m.insert(Record{Compute: &d})
}

// Pipeline returns the live pipeline object for h.
func (m *Manager) Pipeline(h PipelineHandle) (gpu.Pipeline, error) {
	if !m.records.Contains(containers.Handle(h)) {
		return 0, ErrUnknownPipeline
	}
	return m.pipelines[h.Index()], nil
}

// Record returns a copy of the stored description of h.
func (m *Manager) Record(h PipelineHandle) (Record, error) {
	rec := m.records.Get(containers.Handle(h))
	if rec == nil {
		return Record{}, ErrUnknownPipeline
	}
	if rec.Compute != nil {
		c := rec.Compute.Clone()
		return Record{Compute: &c}, nil
	}
	g := rec.Graphics.Clone()
	return Record{Graphics: &g}, nil
}

// DestroyPipeline destroys h and drops its dependency edges. The slot is not
// reused.
func (m *Manager) DestroyPipeline(h PipelineHandle) error {
	if !m.records.Remove(containers.Handle(h)) {
		return ErrUnknownPipeline
	}
	m.device.DestroyPipeline(m.pipelines[h.Index()])
	m.pipelines[h.Index()] = 0
	m.graph.RemovePipeline(h)
	return nil
}

// PipelineLayout creates a pipeline layout owned by the manager.
func (m *Manager) PipelineLayout(info gpu.PipelineLayoutCreateInfo) (gpu.PipelineLayout, error) {
	layout, err := m.device.CreatePipelineLayout(info)
	if err != nil {
		err = fmt.Errorf("failed to create pipeline layout: %w", err)
		core.LogError(err.Error())
		return 0, err
	}
	m.layouts = append(m.layouts, layout)
	return layout, nil
}

func (m *Manager) Graph() *Graph {
	return m.graph
}

func (m *Manager) Stats() Stats {
	return m.stats
}

// Update drains pending file events and reloads every affected shader.
// Only modifications count. Each shader is recompiled at most once per call
// and each dependent pipeline is rebuilt once, after all recompiles.
func (m *Manager) Update() {
	if m.watcher == nil {
		return
	}
	events := m.watcher.Poll()
	if len(events) == 0 {
		return
	}

	var affected []ShaderHandle
	add := func(h ShaderHandle) {
		if !slices.Contains(affected, h) {
			affected = append(affected, h)
		}
	}
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if !e.Action.Changed() || seen[e.Path] {
			continue
		}
		seen[e.Path] = true
		path := filepath.Clean(e.Path)
		if h, ok := m.byPath[path]; ok {
			add(h)
		}
		for _, h := range m.graph.ShadersIncluding(path) {
			add(h)
		}
	}
	if len(affected) == 0 {
		return
	}

	// In-flight frames may still reference the old modules and pipelines.
	if err := m.device.WaitIdle(); err != nil {
		core.LogError("hot reload skipped, device wait failed: %s", err.Error())
		return
	}

	var rebuild []PipelineHandle
	for _, h := range affected {
		if !m.recompile(h) {
			continue
		}
		for _, p := range m.graph.Pipelines(h) {
			if !slices.Contains(rebuild, p) {
				rebuild = append(rebuild, p)
			}
		}
	}
	for _, p := range rebuild {
		m.rebuild(p)
	}
}

// ReloadShader recompiles h and rebuilds its pipelines. The caller must make
// sure the device is not using them.
func (m *Manager) ReloadShader(h ShaderHandle) error {
	if !m.shaders.Contains(containers.Handle(h)) {
		return ErrUnknownShader
	}
	if m.recompile(h) {
		for _, p := range m.graph.Pipelines(h) {
			m.rebuild(p)
		}
	}
	return nil
}

// recompile swaps in a freshly compiled module. On failure the old module
// stays and the failure is logged once.
func (m *Manager) recompile(h ShaderHandle) bool {
	entry := m.shaders.Get(containers.Handle(h))
	if entry == nil {
		return false
	}

	res, err := m.compiler.Compile(entry.Path, entry.Stage)
	if err != nil {
		m.stats.CompileFailures++
		core.LogError("failed to recompile shader %s: %s", entry.Path, err.Error())
		return false
	}
	module, err := m.device.CreateShaderModule(res.SPIRV)
	if err != nil {
		m.stats.CompileFailures++
		core.LogError("failed to recreate shader module %s: %s", entry.Path, err.Error())
		return false
	}

	m.device.DestroyShaderModule(entry.Module)
	entry.Module = module
	m.linkIncludes(h, entry, res.Includes)
	m.stats.ShaderReloads++
	core.LogInfo("shader %s reloaded", entry.Path)
	return true
}

// rebuild recreates p from its record. The new pipeline is built before the
// old one is destroyed, so a failure keeps the last good pipeline.
func (m *Manager) rebuild(p PipelineHandle) {
	rec := m.records.Get(containers.Handle(p))
	if rec == nil {
		return
	}
	next, err := m.build(*rec)
	if err != nil {
		m.stats.RebuildFailures++
		core.LogError("failed to rebuild pipeline %s, keeping previous: %s", rec.debugName(), err.Error())
		return
	}
	old := m.pipelines[p.Index()]
	m.pipelines[p.Index()] = next
	m.device.DestroyPipeline(old)
	m.stats.PipelineRebuilds++
}

// Destroy releases every pipeline, pipeline layout and shader module. The
// device must be idle.
func (m *Manager) Destroy() {
	for i, p := range m.pipelines {
		if p != 0 {
			m.device.DestroyPipeline(p)
			m.pipelines[i] = 0
		}
	}
	for _, l := range m.layouts {
		m.device.DestroyPipelineLayout(l)
	}
	m.layouts = nil
	m.shaders.Each(func(h containers.Handle, e *ShaderEntry) {
		m.device.DestroyShaderModule(e.Module)
		m.graph.RemoveShader(ShaderHandle(h))
	})
	m.shaders = containers.NewArena[ShaderEntry]()
	m.byPath = make(map[string]ShaderHandle)
}
