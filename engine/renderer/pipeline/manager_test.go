package pipeline

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core/logtest"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu/gputest"
)

type scriptedCompiler struct {
	includes map[string][]string
	failing  map[string]error
	calls    map[string]int
	version  uint32
}

func newScriptedCompiler() *scriptedCompiler {
	return &scriptedCompiler{
		includes: make(map[string][]string),
		failing:  make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (c *scriptedCompiler) Compile(path string, _ gpu.ShaderStageFlags) (*CompileResult, error) {
	c.calls[filepath.Base(path)]++
	if err, ok := c.failing[filepath.Base(path)]; ok {
		return nil, err
	}
	c.version++
	return &CompileResult{
		SPIRV:    []uint32{0x07230203, c.version},
		Includes: c.includes[filepath.Base(path)],
	}, nil
}

type queueWatcher struct {
	watched []string
	pending []platform.FileEvent
}

func (w *queueWatcher) Watch(path string) error {
	w.watched = append(w.watched, path)
	return nil
}

func (w *queueWatcher) Poll() []platform.FileEvent {
	out := w.pending
	w.pending = nil
	return out
}

func (w *queueWatcher) push(path string, action platform.FileAction) {
	w.pending = append(w.pending, platform.FileEvent{Path: path, Action: action})
}

type fixture struct {
	dir      string
	dev      *gputest.Device
	compiler *scriptedCompiler
	watcher  *queueWatcher
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:      t.TempDir(),
		dev:      gputest.NewDevice(),
		compiler: newScriptedCompiler(),
		watcher:  &queueWatcher{},
	}
	f.manager = NewManager(f.dev, f.compiler, f.watcher, ManagerConfig{ShaderDir: f.dir, HotReload: true})
	return f
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fixture) shader(t *testing.T, name string, stage gpu.ShaderStageFlags) ShaderHandle {
	t.Helper()
	h, err := f.manager.AddShader(name, stage)
	require.NoError(t, err)
	return h
}

func (f *fixture) graphics(t *testing.T, name string, shaders ...ShaderHandle) PipelineHandle {
	t.Helper()
	desc := GraphicsPipelineDesc{
		Topology:  gpu.PrimitiveTopologyTriangleList,
		Depth:     gpu.DepthState{TestEnable: true, WriteEnable: true, CompareOp: gpu.CompareOpLessOrEqual},
		Rendering: gpu.RenderingInfo{ColorFormats: []gpu.Format{gpu.FormatB8G8R8A8Srgb}, DepthFormat: gpu.FormatD32Sfloat},
		DebugName: name,
	}
	for _, s := range shaders {
		desc.Shaders = append(desc.Shaders, ShaderRef{Shader: s})
	}
	h, err := f.manager.CreateGraphicsPipeline(desc)
	require.NoError(t, err)
	return h
}

func (f *fixture) object(t *testing.T, h PipelineHandle) gpu.Pipeline {
	t.Helper()
	p, err := f.manager.Pipeline(h)
	require.NoError(t, err)
	return p
}

func countOps(dev *gputest.Device, prefix string) int {
	n := 0
	for _, op := range dev.Ops() {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

func TestAddShaderRegistersOnce(t *testing.T) {
	f := newFixture(t)
	a := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	b := f.shader(t, "./mesh.vert", gpu.ShaderStageVertex)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, f.compiler.calls["mesh.vert"])
	assert.Contains(t, f.watcher.watched, f.path("mesh.vert"))

	_, err := f.manager.AddShader("mesh.vert", gpu.ShaderStageFragment)
	assert.ErrorIs(t, err, ErrStageMismatch)

	entry, err := f.manager.Shader(a)
	require.NoError(t, err)
	assert.Equal(t, f.path("mesh.vert"), entry.Path)
	assert.True(t, f.manager.Graph().HasShader(a))
	assert.Empty(t, f.manager.Graph().Pipelines(a))
}

func TestAddShaderCompileErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	f.compiler.failing["broken.frag"] = errors.New("syntax error")
	_, err := f.manager.AddShader("broken.frag", gpu.ShaderStageFragment)
	require.Error(t, err)
	assert.Equal(t, 0, f.dev.Live(gputest.KindShaderModule))
}

func TestPipelineHandleIsStorageIndex(t *testing.T) {
	f := newFixture(t)
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)

	var handles []PipelineHandle
	for i := 0; i < 3; i++ {
		handles = append(handles, f.graphics(t, "", v, fr))
	}
	for i, h := range handles {
		assert.Equal(t, uint32(i), h.Index())
	}

	require.NoError(t, f.manager.DestroyPipeline(handles[1]))
	_, err := f.manager.Pipeline(handles[1])
	assert.ErrorIs(t, err, ErrUnknownPipeline)
	assert.NotContains(t, f.manager.Graph().Pipelines(v), handles[1])

	next := f.graphics(t, "", v, fr)
	assert.Equal(t, uint32(3), next.Index())

	rec, err := f.manager.Record(next)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Graphics.DebugName, "graphics-"))
}

func TestHotReloadRebuildsExactlyDependentPipelines(t *testing.T) {
	f := newFixture(t)
	v1 := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	v2 := f.shader(t, "sky.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)

	p1 := f.graphics(t, "opaque", v1, fr)
	p2 := f.graphics(t, "wireframe", v1, fr)
	p3 := f.graphics(t, "sky", v2, fr)
	before := map[PipelineHandle]gpu.Pipeline{p1: f.object(t, p1), p2: f.object(t, p2), p3: f.object(t, p3)}

	f.dev.ClearOps()
	f.watcher.push(f.path("mesh.vert"), platform.FileModified)
	f.manager.Update()

	assert.Equal(t, 2, countOps(f.dev, "CreateGraphicsPipeline"))
	assert.NotEqual(t, before[p1], f.object(t, p1))
	assert.NotEqual(t, before[p2], f.object(t, p2))
	assert.Equal(t, before[p3], f.object(t, p3))
	assert.False(t, f.dev.PipelineAlive(before[p1]))
	assert.True(t, f.dev.PipelineAlive(f.object(t, p1)))

	stats := f.manager.Stats()
	assert.Equal(t, 1, stats.ShaderReloads)
	assert.Equal(t, 2, stats.PipelineRebuilds)
	assert.Equal(t, 1, f.dev.WaitIdleCount())

	// The rebuilt pipeline uses the new module.
	entry, err := f.manager.Shader(v1)
	require.NoError(t, err)
	info, ok := f.dev.GraphicsPipelineInfo(f.object(t, p1))
	require.True(t, ok)
	assert.Equal(t, entry.Module, info.Stages[0].Module)
	assert.Equal(t, "opaque", info.DebugName)
	assert.Equal(t, gpu.CompareOpLessOrEqual, info.Depth.CompareOp)
	assert.Empty(t, f.dev.Violations())
}

func TestHotReloadFollowsIncludes(t *testing.T) {
	f := newFixture(t)
	f.compiler.includes["mesh.frag"] = []string{f.path("common/lighting.glsl")}
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)
	p := f.graphics(t, "opaque", v, fr)
	old := f.object(t, p)

	assert.Contains(t, f.watcher.watched, f.path("common/lighting.glsl"))
	assert.Equal(t, []ShaderHandle{fr}, f.manager.Graph().ShadersIncluding(f.path("common/lighting.glsl")))

	f.watcher.push(f.path("common/lighting.glsl"), platform.FileModified)
	f.manager.Update()

	assert.Equal(t, 2, f.compiler.calls["mesh.frag"])
	assert.Equal(t, 1, f.compiler.calls["mesh.vert"])
	assert.NotEqual(t, old, f.object(t, p))
}

func TestSharedIncludeIsWatchedOnce(t *testing.T) {
	f := newFixture(t)
	lighting := f.path("common/lighting.glsl")
	f.compiler.includes["mesh.vert"] = []string{lighting}
	f.compiler.includes["mesh.frag"] = []string{lighting}
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)

	n := 0
	for _, w := range f.watcher.watched {
		if w == lighting {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.True(t, f.manager.Graph().IsInclude(lighting))
	assert.ElementsMatch(t, []ShaderHandle{v, fr}, f.manager.Graph().ShadersIncluding(lighting))
	assert.False(t, f.manager.Graph().IsInclude(f.path("mesh.vert")))
}

func TestHotReloadCompileFailureKeepsLastGoodState(t *testing.T) {
	f := newFixture(t)
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)
	p := f.graphics(t, "opaque", v, fr)

	entryBefore, err := f.manager.Shader(v)
	require.NoError(t, err)
	pipelineBefore := f.object(t, p)

	logs := logtest.Capture(t)
	f.compiler.failing["mesh.vert"] = errors.New("mesh.vert:12: error: 'foo' undeclared")
	f.watcher.push(f.path("mesh.vert"), platform.FileModified)
	f.manager.Update()

	assert.Equal(t, 1, logs.Count("error"))
	entryAfter, err := f.manager.Shader(v)
	require.NoError(t, err)
	assert.Equal(t, entryBefore.Module, entryAfter.Module)
	assert.Equal(t, pipelineBefore, f.object(t, p))
	_, alive := f.dev.ModuleCode(entryAfter.Module)
	assert.True(t, alive)
	assert.True(t, f.dev.PipelineAlive(pipelineBefore))
	assert.Equal(t, 1, f.manager.Stats().CompileFailures)

	// Fixing the source recovers on the next save.
	delete(f.compiler.failing, "mesh.vert")
	f.watcher.push(f.path("mesh.vert"), platform.FileModified)
	f.manager.Update()
	assert.NotEqual(t, pipelineBefore, f.object(t, p))
}

func TestHotReloadRebuildFailureKeepsOldPipeline(t *testing.T) {
	f := newFixture(t)
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)
	p := f.graphics(t, "opaque", v, fr)
	old := f.object(t, p)

	logs := logtest.Capture(t)
	f.dev.FailPipelines(gpu.ErrorOutOfDeviceMemory)
	f.watcher.push(f.path("mesh.frag"), platform.FileModified)
	f.manager.Update()

	assert.Equal(t, old, f.object(t, p))
	assert.True(t, f.dev.PipelineAlive(old))
	assert.Equal(t, 1, logs.Count("error"))
	assert.Equal(t, 1, f.manager.Stats().RebuildFailures)
}

func TestUpdateIgnoresOtherActionsAndCoalesces(t *testing.T) {
	f := newFixture(t)
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)
	f.graphics(t, "opaque", v, fr)

	f.watcher.push(f.path("mesh.vert"), platform.FileRemoved)
	f.watcher.push(f.path("mesh.vert"), platform.FileRenamedOld)
	f.watcher.push(f.path("unrelated.txt"), platform.FileModified)
	f.manager.Update()
	assert.Equal(t, 1, f.compiler.calls["mesh.vert"])
	assert.Equal(t, 0, f.dev.WaitIdleCount())

	f.dev.ClearOps()
	f.watcher.push(f.path("mesh.vert"), platform.FileModified)
	f.watcher.push(f.path("mesh.vert"), platform.FileModified)
	f.watcher.push(f.path("mesh.frag"), platform.FileModified)
	f.manager.Update()
	assert.Equal(t, 2, f.compiler.calls["mesh.vert"])
	assert.Equal(t, 2, f.compiler.calls["mesh.frag"])
	assert.Equal(t, 1, countOps(f.dev, "CreateGraphicsPipeline"), "a pipeline is rebuilt once per update")
	assert.Equal(t, 1, f.dev.WaitIdleCount())
}

func TestUpdateRebuildsRecreatedSource(t *testing.T) {
	f := newFixture(t)
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)
	f.graphics(t, "opaque", v, fr)

	f.watcher.push(f.path("mesh.vert"), platform.FileRenamedOld)
	f.watcher.push(f.path("mesh.vert"), platform.FileAdded)
	f.manager.Update()
	assert.Equal(t, 2, f.compiler.calls["mesh.vert"])
	assert.Equal(t, 1, f.compiler.calls["mesh.frag"])
	assert.Equal(t, 1, f.dev.WaitIdleCount())
}

func TestRecordOwnsSpecializationData(t *testing.T) {
	f := newFixture(t)
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)

	data := []byte{1, 0, 0, 0}
	entries := []gpu.SpecializationMapEntry{{ConstantID: 0, Offset: 0, Size: 4}}
	p, err := f.manager.CreateGraphicsPipeline(GraphicsPipelineDesc{
		Shaders: []ShaderRef{
			{Shader: v},
			{Shader: fr, Specialization: &gpu.SpecializationInfo{Entries: entries, Data: data}},
		},
		Rasterization: gpu.RasterizationState{CullMode: gpu.CullModeBack, DepthBias: &gpu.DepthBias{ConstantFactor: 1.25}},
		DebugName:     "shadow",
	})
	require.NoError(t, err)

	// The caller's buffers go away or get reused.
	data[0] = 9
	entries[0].Size = 0

	f.watcher.push(f.path("mesh.frag"), platform.FileModified)
	f.manager.Update()

	info, ok := f.dev.GraphicsPipelineInfo(f.object(t, p))
	require.True(t, ok)
	spec := info.Stages[1].Specialization
	require.NotNil(t, spec)
	assert.Equal(t, []byte{1, 0, 0, 0}, spec.Data)
	assert.Equal(t, uint32(4), spec.Entries[0].Size)
	require.NotNil(t, info.Rasterization.DepthBias)
	assert.InDelta(t, 1.25, info.Rasterization.DepthBias.ConstantFactor, 1e-6)
	assert.Equal(t, float32(1), info.Rasterization.LineWidth)
}

func TestComputePipelineReload(t *testing.T) {
	f := newFixture(t)
	c := f.shader(t, "cull.comp", gpu.ShaderStageCompute)
	p, err := f.manager.CreateComputePipeline(ComputePipelineDesc{Shader: ShaderRef{Shader: c}})
	require.NoError(t, err)
	old := f.object(t, p)

	require.NoError(t, f.manager.ReloadShader(c))
	assert.NotEqual(t, old, f.object(t, p))
	assert.ErrorIs(t, f.manager.ReloadShader(ShaderHandle(0)), ErrUnknownShader)
}

func TestCreatePipelineWithUnknownShader(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.CreateGraphicsPipeline(GraphicsPipelineDesc{Shaders: []ShaderRef{{Shader: ShaderHandle(42)}}})
	require.ErrorIs(t, err, ErrUnknownShader)

	// A failed create leaves the registry in step.
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	assert.Equal(t, uint32(0), f.graphics(t, "", v).Index())
}

func TestHotReloadDisabled(t *testing.T) {
	dev := gputest.NewDevice()
	w := &queueWatcher{}
	m := NewManager(dev, newScriptedCompiler(), w, ManagerConfig{ShaderDir: t.TempDir()})
	_, err := m.AddShader("mesh.vert", gpu.ShaderStageVertex)
	require.NoError(t, err)
	assert.Empty(t, w.watched)
	m.Update()
}

func TestManagerDestroy(t *testing.T) {
	f := newFixture(t)
	v := f.shader(t, "mesh.vert", gpu.ShaderStageVertex)
	fr := f.shader(t, "mesh.frag", gpu.ShaderStageFragment)
	layout, err := f.manager.PipelineLayout(gpu.PipelineLayoutCreateInfo{})
	require.NoError(t, err)
	_, err = f.manager.CreateGraphicsPipeline(GraphicsPipelineDesc{Layout: layout, Shaders: []ShaderRef{{Shader: v}, {Shader: fr}}})
	require.NoError(t, err)

	f.manager.Destroy()
	assert.Equal(t, 0, f.dev.Live(gputest.KindPipeline))
	assert.Equal(t, 0, f.dev.Live(gputest.KindPipelineLayout))
	assert.Equal(t, 0, f.dev.Live(gputest.KindShaderModule))
	assert.Empty(t, f.dev.Violations())
}
