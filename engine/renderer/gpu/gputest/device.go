// Package gputest provides an in-memory gpu.Device and gpu.Swapchain that
// record every call. Pools enforce their set capacity, fences follow queue
// submissions and buffers are backed by host memory so tests can observe the
// renderer core without a GPU.
package gputest

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// Object kinds used by Created, Destroyed and Live.
const (
	KindDescriptorPool      = "DescriptorPool"
	KindDescriptorSetLayout = "DescriptorSetLayout"
	KindDescriptorSet       = "DescriptorSet"
	KindShaderModule        = "ShaderModule"
	KindPipelineLayout      = "PipelineLayout"
	KindPipeline            = "Pipeline"
	KindFence               = "Fence"
	KindSemaphore           = "Semaphore"
	KindCommandPool         = "CommandPool"
	KindCommandBuffer       = "CommandBuffer"
	KindBuffer              = "Buffer"
	KindSampler             = "Sampler"
	KindImage               = "Image"
	KindImageView           = "ImageView"
)

type FenceState int

const (
	FenceUnsignaled FenceState = iota
	FencePending
	FenceSignaled
)

// Command is one recorded command buffer entry.
type Command struct {
	Name      string
	Pipeline  gpu.Pipeline
	Sets      []gpu.DescriptorSet
	Barriers  []gpu.ImageBarrier
	Rendering *gpu.RenderingBeginInfo
}

type pool struct {
	info gpu.DescriptorPoolCreateInfo
	sets []gpu.DescriptorSet
}

type set struct {
	pool   gpu.DescriptorPool
	layout gpu.DescriptorSetLayout
	writes map[uint32]map[uint32]gpu.WriteDescriptorSet
}

type buffer struct {
	info gpu.BufferCreateInfo
	data []byte
}

type image struct {
	info gpu.ImageCreateInfo
	view gpu.ImageView
}

type Device struct {
	mu sync.Mutex

	next    uint64
	live    map[uint64]string
	created map[string]int
	ops     []string

	pools     map[gpu.DescriptorPool]*pool
	sets      map[gpu.DescriptorSet]*set
	layouts   map[gpu.DescriptorSetLayout]gpu.DescriptorSetLayoutCreateInfo
	modules   map[gpu.ShaderModule][]uint32
	pipelines map[gpu.Pipeline]any
	fences    map[gpu.Fence]FenceState
	buffers   map[gpu.Buffer]*buffer
	commands  map[gpu.CommandBuffer][]Command
	submitted map[gpu.CommandBuffer]gpu.Fence
	images    map[gpu.Image]image

	allocFailures    []gpu.Result
	pipelineFailures []gpu.Result
	resetFailures    map[gpu.DescriptorPool]gpu.Result
	violations       []string
	waitIdle         int

	// AutoComplete signals a submission's fence immediately. When false the
	// fence stays pending until CompleteSubmissions.
	AutoComplete bool
}

var (
	_ gpu.Device      = (*Device)(nil)
	_ gpu.ImageDevice = (*Device)(nil)
)

func NewDevice() *Device {
	return &Device{
		live:         make(map[uint64]string),
		created:      make(map[string]int),
		pools:        make(map[gpu.DescriptorPool]*pool),
		sets:         make(map[gpu.DescriptorSet]*set),
		layouts:      make(map[gpu.DescriptorSetLayout]gpu.DescriptorSetLayoutCreateInfo),
		modules:      make(map[gpu.ShaderModule][]uint32),
		pipelines:    make(map[gpu.Pipeline]any),
		fences:       make(map[gpu.Fence]FenceState),
		buffers:      make(map[gpu.Buffer]*buffer),
		commands:     make(map[gpu.CommandBuffer][]Command),
		submitted:    make(map[gpu.CommandBuffer]gpu.Fence),
		images:       make(map[gpu.Image]image),
		AutoComplete: true,
	}
}

func (d *Device) newHandle(kind string) uint64 {
	d.next++
	d.live[d.next] = kind
	d.created[kind]++
	return d.next
}

func (d *Device) release(kind string, h uint64) {
	if got, ok := d.live[h]; !ok || got != kind {
		d.violations = append(d.violations, fmt.Sprintf("destroy of unknown %s %d", kind, h))
		return
	}
	delete(d.live, h)
}

func (d *Device) logf(format string, args ...any) {
	d.ops = append(d.ops, fmt.Sprintf(format, args...))
}

// Created returns how many objects of kind were ever created.
func (d *Device) Created(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[kind]
}

// Live returns how many objects of kind currently exist.
func (d *Device) Live(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, k := range d.live {
		if k == kind {
			n++
		}
	}
	return n
}

// Ops returns the ordered call log.
func (d *Device) Ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.ops)
}

func (d *Device) ClearOps() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
}

// Violations lists misuse the device detected, such as writes to freed sets
// or destroying unknown handles.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.violations)
}

func (d *Device) WaitIdleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitIdle
}

// FailAllocations makes the next AllocateDescriptorSet calls return the given
// results in order.
func (d *Device) FailAllocations(results ...gpu.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocFailures = append(d.allocFailures, results...)
}

// FailPoolReset makes the next ResetDescriptorPool of pool h return r.
func (d *Device) FailPoolReset(h gpu.DescriptorPool, r gpu.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resetFailures == nil {
		d.resetFailures = make(map[gpu.DescriptorPool]gpu.Result)
	}
	d.resetFailures[h] = r
}

// FailPipelines makes the next pipeline creations return the given results.
func (d *Device) FailPipelines(results ...gpu.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipelineFailures = append(d.pipelineFailures, results...)
}

// Descriptors

func (d *Device) CreateDescriptorPool(info gpu.DescriptorPoolCreateInfo) (gpu.DescriptorPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.DescriptorPool(d.newHandle(KindDescriptorPool))
	info.Sizes = slices.Clone(info.Sizes)
	d.pools[h] = &pool{info: info}
	d.logf("CreateDescriptorPool %d max=%d", h, info.MaxSets)
	return h, nil
}

func (d *Device) ResetDescriptorPool(h gpu.DescriptorPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[h]
	if !ok {
		return gpu.ErrorUnknown
	}
	if r, ok := d.resetFailures[h]; ok {
		delete(d.resetFailures, h)
		return r
	}
	for _, s := range p.sets {
		delete(d.sets, s)
		delete(d.live, uint64(s))
	}
	p.sets = nil
	d.logf("ResetDescriptorPool %d", h)
	return nil
}

func (d *Device) DestroyDescriptorPool(h gpu.DescriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pools[h]; ok {
		for _, s := range p.sets {
			delete(d.sets, s)
			delete(d.live, uint64(s))
		}
		delete(d.pools, h)
	}
	d.release(KindDescriptorPool, uint64(h))
	d.logf("DestroyDescriptorPool %d", h)
}

func (d *Device) AllocateDescriptorSet(h gpu.DescriptorPool, layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("AllocateDescriptorSet pool=%d layout=%d", h, layout)
	if len(d.allocFailures) > 0 {
		r := d.allocFailures[0]
		d.allocFailures = d.allocFailures[1:]
		return 0, r
	}
	p, ok := d.pools[h]
	if !ok {
		return 0, gpu.ErrorUnknown
	}
	if _, ok := d.layouts[layout]; !ok {
		d.violations = append(d.violations, fmt.Sprintf("allocate with unknown layout %d", layout))
		return 0, gpu.ErrorUnknown
	}
	if uint32(len(p.sets)) >= p.info.MaxSets {
		return 0, gpu.ErrorOutOfPoolMemory
	}
	s := gpu.DescriptorSet(d.newHandle(KindDescriptorSet))
	p.sets = append(p.sets, s)
	d.sets[s] = &set{pool: h, layout: layout, writes: make(map[uint32]map[uint32]gpu.WriteDescriptorSet)}
	return s, nil
}

func (d *Device) UpdateDescriptorSets(writes []gpu.WriteDescriptorSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("UpdateDescriptorSets %d", len(writes))
	for _, w := range writes {
		s, ok := d.sets[w.Set]
		if !ok {
			d.violations = append(d.violations, fmt.Sprintf("write to dead set %d", w.Set))
			continue
		}
		elems := s.writes[w.Binding]
		if elems == nil {
			elems = make(map[uint32]gpu.WriteDescriptorSet)
			s.writes[w.Binding] = elems
		}
		n := max(len(w.Buffers), len(w.Images))
		for i := 0; i < n; i++ {
			one := gpu.WriteDescriptorSet{Set: w.Set, Binding: w.Binding, ArrayElement: w.ArrayElement + uint32(i), Type: w.Type}
			if i < len(w.Buffers) {
				one.Buffers = []gpu.DescriptorBufferInfo{w.Buffers[i]}
			}
			if i < len(w.Images) {
				one.Images = []gpu.DescriptorImageInfo{w.Images[i]}
			}
			elems[one.ArrayElement] = one
		}
	}
}

// SetWrite returns the write stored for one array element of a set.
func (d *Device) SetWrite(s gpu.DescriptorSet, binding, element uint32) (gpu.WriteDescriptorSet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sets[s]
	if !ok {
		return gpu.WriteDescriptorSet{}, false
	}
	w, ok := st.writes[binding][element]
	return w, ok
}

// SetLayout returns the layout a live set was allocated with.
func (d *Device) SetLayout(s gpu.DescriptorSet) (gpu.DescriptorSetLayout, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sets[s]
	if !ok {
		return 0, false
	}
	return st.layout, true
}

func (d *Device) PoolInfo(h gpu.DescriptorPool) (gpu.DescriptorPoolCreateInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[h]
	if !ok {
		return gpu.DescriptorPoolCreateInfo{}, false
	}
	return p.info, true
}

func (d *Device) CreateDescriptorSetLayout(info gpu.DescriptorSetLayoutCreateInfo) (gpu.DescriptorSetLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.DescriptorSetLayout(d.newHandle(KindDescriptorSetLayout))
	info.Bindings = slices.Clone(info.Bindings)
	d.layouts[h] = info
	d.logf("CreateDescriptorSetLayout %d", h)
	return h, nil
}

func (d *Device) DestroyDescriptorSetLayout(h gpu.DescriptorSetLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.layouts, h)
	d.release(KindDescriptorSetLayout, uint64(h))
	d.logf("DestroyDescriptorSetLayout %d", h)
}

// LayoutInfo returns the description a layout was created from.
func (d *Device) LayoutInfo(h gpu.DescriptorSetLayout) (gpu.DescriptorSetLayoutCreateInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.layouts[h]
	return info, ok
}

// Pipelines

func (d *Device) CreateShaderModule(spirv []uint32) (gpu.ShaderModule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(spirv) == 0 {
		return 0, gpu.ErrorInvalidShader
	}
	h := gpu.ShaderModule(d.newHandle(KindShaderModule))
	d.modules[h] = slices.Clone(spirv)
	d.logf("CreateShaderModule %d", h)
	return h, nil
}

func (d *Device) DestroyShaderModule(h gpu.ShaderModule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.modules, h)
	d.release(KindShaderModule, uint64(h))
	d.logf("DestroyShaderModule %d", h)
}

// ModuleCode returns the SPIR-V a live module was created from.
func (d *Device) ModuleCode(h gpu.ShaderModule) ([]uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	code, ok := d.modules[h]
	return code, ok
}

func (d *Device) CreatePipelineLayout(info gpu.PipelineLayoutCreateInfo) (gpu.PipelineLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range info.SetLayouts {
		if _, ok := d.layouts[l]; !ok {
			return 0, gpu.ErrorUnknown
		}
	}
	h := gpu.PipelineLayout(d.newHandle(KindPipelineLayout))
	d.logf("CreatePipelineLayout %d", h)
	return h, nil
}

func (d *Device) DestroyPipelineLayout(h gpu.PipelineLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release(KindPipelineLayout, uint64(h))
	d.logf("DestroyPipelineLayout %d", h)
}

func (d *Device) checkStage(st gpu.ShaderStageInfo) error {
	if _, ok := d.modules[st.Module]; !ok {
		return gpu.ErrorInvalidShader
	}
	return nil
}

func (d *Device) popPipelineFailure() error {
	if len(d.pipelineFailures) == 0 {
		return nil
	}
	r := d.pipelineFailures[0]
	d.pipelineFailures = d.pipelineFailures[1:]
	return r
}

func (d *Device) CreateGraphicsPipeline(info gpu.GraphicsPipelineCreateInfo) (gpu.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popPipelineFailure(); err != nil {
		return 0, err
	}
	for _, st := range info.Stages {
		if err := d.checkStage(st); err != nil {
			return 0, err
		}
	}
	h := gpu.Pipeline(d.newHandle(KindPipeline))
	d.pipelines[h] = info
	d.logf("CreateGraphicsPipeline %d %s", h, info.DebugName)
	return h, nil
}

func (d *Device) CreateComputePipeline(info gpu.ComputePipelineCreateInfo) (gpu.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.popPipelineFailure(); err != nil {
		return 0, err
	}
	if err := d.checkStage(info.Stage); err != nil {
		return 0, err
	}
	h := gpu.Pipeline(d.newHandle(KindPipeline))
	d.pipelines[h] = info
	d.logf("CreateComputePipeline %d %s", h, info.DebugName)
	return h, nil
}

func (d *Device) DestroyPipeline(h gpu.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, h)
	d.release(KindPipeline, uint64(h))
	d.logf("DestroyPipeline %d", h)
}

// GraphicsPipelineInfo returns the description a live pipeline was built from.
func (d *Device) GraphicsPipelineInfo(h gpu.Pipeline) (gpu.GraphicsPipelineCreateInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.pipelines[h].(gpu.GraphicsPipelineCreateInfo)
	return info, ok
}

func (d *Device) PipelineAlive(h gpu.Pipeline) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pipelines[h]
	return ok
}

func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waitIdle++
	d.completeLocked()
	d.logf("WaitIdle")
	return nil
}

// Synchronization

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.Fence(d.newHandle(KindFence))
	if signaled {
		d.fences[h] = FenceSignaled
	} else {
		d.fences[h] = FenceUnsignaled
	}
	d.logf("CreateFence %d", h)
	return h, nil
}

func (d *Device) WaitForFence(h gpu.Fence, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("WaitForFence %d", h)
	state, ok := d.fences[h]
	if !ok {
		return gpu.ErrorUnknown
	}
	if state != FenceSignaled {
		return gpu.Timeout
	}
	return nil
}

func (d *Device) ResetFence(h gpu.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("ResetFence %d", h)
	state, ok := d.fences[h]
	if !ok {
		return gpu.ErrorUnknown
	}
	if state == FencePending {
		d.violations = append(d.violations, fmt.Sprintf("reset of in-flight fence %d", h))
	}
	d.fences[h] = FenceUnsignaled
	return nil
}

func (d *Device) DestroyFence(h gpu.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, h)
	d.release(KindFence, uint64(h))
}

func (d *Device) FenceState(h gpu.Fence) FenceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fences[h]
}

// CompleteSubmissions signals every pending fence.
func (d *Device) CompleteSubmissions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completeLocked()
}

func (d *Device) completeLocked() {
	for f, state := range d.fences {
		if state == FencePending {
			d.fences[f] = FenceSignaled
		}
	}
	for cmd, f := range d.submitted {
		if d.fences[f] == FenceSignaled {
			delete(d.submitted, cmd)
		}
	}
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gpu.Semaphore(d.newHandle(KindSemaphore)), nil
}

func (d *Device) DestroySemaphore(h gpu.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release(KindSemaphore, uint64(h))
}

// Commands

func (d *Device) CreateCommandPool() (gpu.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gpu.CommandPool(d.newHandle(KindCommandPool)), nil
}

func (d *Device) DestroyCommandPool(h gpu.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release(KindCommandPool, uint64(h))
}

func (d *Device) AllocateCommandBuffer(_ gpu.CommandPool) (gpu.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.CommandBuffer(d.newHandle(KindCommandBuffer))
	d.commands[h] = nil
	return h, nil
}

func (d *Device) inFlight(cmd gpu.CommandBuffer) bool {
	f, ok := d.submitted[cmd]
	return ok && d.fences[f] != FenceSignaled
}

func (d *Device) ResetCommandBuffer(cmd gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight(cmd) {
		d.violations = append(d.violations, fmt.Sprintf("reset of in-flight command buffer %d", cmd))
	}
	d.commands[cmd] = nil
	d.logf("ResetCommandBuffer %d", cmd)
	return nil
}

func (d *Device) BeginCommandBuffer(cmd gpu.CommandBuffer, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[cmd] = nil
	d.logf("BeginCommandBuffer %d", cmd)
	return nil
}

func (d *Device) EndCommandBuffer(cmd gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("EndCommandBuffer %d", cmd)
	return nil
}

func (d *Device) record(cmd gpu.CommandBuffer, c Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[cmd] = append(d.commands[cmd], c)
}

// Commands returns what was recorded into cmd since its last begin or reset.
func (d *Device) Commands(cmd gpu.CommandBuffer) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.commands[cmd])
}

func (d *Device) CmdBindPipeline(cmd gpu.CommandBuffer, _ gpu.PipelineBindPoint, p gpu.Pipeline) {
	d.record(cmd, Command{Name: "BindPipeline", Pipeline: p})
}

func (d *Device) CmdBindDescriptorSets(cmd gpu.CommandBuffer, _ gpu.PipelineBindPoint, _ gpu.PipelineLayout, _ uint32, sets []gpu.DescriptorSet) {
	d.record(cmd, Command{Name: "BindDescriptorSets", Sets: slices.Clone(sets)})
}

func (d *Device) CmdPipelineBarrier(cmd gpu.CommandBuffer, barriers []gpu.ImageBarrier) {
	d.record(cmd, Command{Name: "PipelineBarrier", Barriers: slices.Clone(barriers)})
}

func (d *Device) CmdCopyBuffer(cmd gpu.CommandBuffer, src, dst gpu.Buffer, regions []gpu.BufferCopy) {
	d.record(cmd, Command{Name: "CopyBuffer"})
	// Copies run at record time; the uploader blocks on the fence anyway.
	d.mu.Lock()
	defer d.mu.Unlock()
	s, sok := d.buffers[src]
	t, tok := d.buffers[dst]
	if !sok || !tok {
		d.violations = append(d.violations, "copy between unknown buffers")
		return
	}
	for _, r := range regions {
		copy(t.data[r.DstOffset:r.DstOffset+r.Size], s.data[r.SrcOffset:r.SrcOffset+r.Size])
	}
}

func (d *Device) CmdCopyBufferToImage(cmd gpu.CommandBuffer, src gpu.Buffer, dst gpu.Image, layout gpu.ImageLayout, regions []gpu.BufferImageCopy) {
	d.record(cmd, Command{Name: "CopyBufferToImage"})
	d.mu.Lock()
	defer d.mu.Unlock()
	s, sok := d.buffers[src]
	img, iok := d.images[dst]
	if !sok || !iok {
		d.violations = append(d.violations, "image copy between unknown objects")
		return
	}
	if layout != gpu.ImageLayoutTransferDstOptimal {
		d.violations = append(d.violations, fmt.Sprintf("image copy into layout %d", layout))
	}
	for _, r := range regions {
		if r.Width > img.info.Width || r.Height > img.info.Height || r.BufferOffset+uint64(r.Width)*uint64(r.Height)*4 > uint64(len(s.data)) {
			d.violations = append(d.violations, "image copy out of bounds")
		}
	}
}

func (d *Device) CmdBeginRendering(cmd gpu.CommandBuffer, info gpu.RenderingBeginInfo) {
	d.record(cmd, Command{Name: "BeginRendering", Rendering: &info})
}

func (d *Device) CmdEndRendering(cmd gpu.CommandBuffer) {
	d.record(cmd, Command{Name: "EndRendering"})
}

func (d *Device) CmdSetViewport(cmd gpu.CommandBuffer, _, _ uint32) {
	d.record(cmd, Command{Name: "SetViewport"})
}

func (d *Device) CmdDraw(cmd gpu.CommandBuffer, _, _, _, _ uint32) {
	d.record(cmd, Command{Name: "Draw"})
}

func (d *Device) CmdDispatch(cmd gpu.CommandBuffer, _, _, _ uint32) {
	d.record(cmd, Command{Name: "Dispatch"})
}

func (d *Device) QueueSubmit(_ gpu.Queue, submits []gpu.SubmitInfo, fence gpu.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logf("QueueSubmit fence=%d", fence)
	if fence != 0 {
		state, ok := d.fences[fence]
		if !ok {
			return gpu.ErrorUnknown
		}
		if state != FenceUnsignaled {
			d.violations = append(d.violations, fmt.Sprintf("submit with fence %d not reset", fence))
		}
		if d.AutoComplete {
			d.fences[fence] = FenceSignaled
		} else {
			d.fences[fence] = FencePending
			for _, s := range submits {
				for _, cmd := range s.CommandBuffers {
					d.submitted[cmd] = fence
				}
			}
		}
	}
	return nil
}

func (d *Device) QueueWaitIdle(_ gpu.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completeLocked()
	d.logf("QueueWaitIdle")
	return nil
}

// Resources

func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info.Size == 0 {
		return 0, gpu.ErrorInitializationFailed
	}
	h := gpu.Buffer(d.newHandle(KindBuffer))
	d.buffers[h] = &buffer{info: info, data: make([]byte, info.Size)}
	d.logf("CreateBuffer %d size=%d", h, info.Size)
	return h, nil
}

func (d *Device) MapBuffer(h gpu.Buffer) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[h]
	if !ok {
		return nil, gpu.ErrorUnknown
	}
	if !b.info.HostVisible {
		return nil, gpu.ErrorFeatureNotPresent
	}
	return b.data, nil
}

func (d *Device) DestroyBuffer(h gpu.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, h)
	d.release(KindBuffer, uint64(h))
	d.logf("DestroyBuffer %d", h)
}

// BufferData returns the backing memory of any buffer, mapped or not.
func (d *Device) BufferData(h gpu.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[h]; ok {
		return b.data
	}
	return nil
}

func (d *Device) CreateSampler(_ gpu.SamplerCreateInfo) (gpu.Sampler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gpu.Sampler(d.newHandle(KindSampler)), nil
}

func (d *Device) DestroySampler(h gpu.Sampler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release(KindSampler, uint64(h))
}

func (d *Device) CreateImage(info gpu.ImageCreateInfo) (gpu.Image, gpu.ImageView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info.Width == 0 || info.Height == 0 || info.Format == gpu.FormatUndefined {
		return 0, 0, gpu.ErrorInitializationFailed
	}
	h := gpu.Image(d.newHandle(KindImage))
	v := gpu.ImageView(d.newHandle(KindImageView))
	d.images[h] = image{info: info, view: v}
	d.logf("CreateImage %d %dx%d", h, info.Width, info.Height)
	return h, v, nil
}

func (d *Device) DestroyImage(h gpu.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[h]
	if ok {
		d.release(KindImageView, uint64(img.view))
		delete(d.images, h)
	}
	d.release(KindImage, uint64(h))
}

// ImageInfo returns the description an image was created with.
func (d *Device) ImageInfo(h gpu.Image) (gpu.ImageCreateInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[h]
	return img.info, ok
}
