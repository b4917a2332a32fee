// Package frame multiplexes per-frame GPU resources across the frames in
// flight. A slot's buffers become writable only once its fence has been
// observed signaled, so the CPU can prepare one frame while the GPU still
// consumes the other.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/descriptor"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// FramesInFlight is the number of ring slots.
const FramesInFlight = 2

var (
	ErrSlotInFlight     = errors.New("frame slot is still in flight")
	ErrFenceNotReset    = errors.New("frame slot fence was not reset before submit")
	ErrCapacityExceeded = errors.New("per-frame buffer capacity exceeded")
)

// Sizes of the per-frame buffer elements.
const (
	mat4Size     = 64
	CameraSize   = 3*mat4Size + 16
	ObjectSize   = mat4Size
	MaterialSize = 4
)

// Camera is the global uniform block, laid out std140.
type Camera struct {
	View           mgl32.Mat4
	Projection     mgl32.Mat4
	ViewProjection mgl32.Mat4
	Position       mgl32.Vec3
}

// Device is the subset of the device a ring needs.
type Device interface {
	gpu.SyncDevice
	gpu.CommandDevice
	gpu.ResourceDevice
}

type RingConfig struct {
	MaxObjects   uint32
	MaxMaterials uint32
}

type slotState int

const (
	// slotPending: submitted, or not yet waited on this turn.
	slotPending slotState = iota
	// slotReady: fence observed signaled, still signaled.
	slotReady
	// slotRecording: fence reset, commands being recorded.
	slotRecording
)

type mappedBuffer struct {
	buffer gpu.Buffer
	memory []byte
}

/**
 * @brief One set of per-frame resources. Handles are exported for recording;
 * buffer memory is only reachable through the Write methods, which check that
 * the GPU is done with the slot.
 */
type Slot struct {
	index  int
	device Device
	state  slotState

	CommandPool    gpu.CommandPool
	CommandBuffer  gpu.CommandBuffer
	ImageAvailable gpu.Semaphore
	RenderFinished gpu.Semaphore
	Fence          gpu.Fence

	camera     mappedBuffer
	transforms mappedBuffer
	materials  mappedBuffer

	// Global binds the camera uniform buffer at binding 0.
	Global descriptor.Set
	// Object binds the transform storage buffer at binding 0 and the material
	// index storage buffer at binding 1.
	Object descriptor.Set

	Deletion DeletionQueue

	maxObjects   uint32
	maxMaterials uint32
	objects      uint32
}

func (s *Slot) Index() int { return s.index }

// ObjectCount is the number of transforms written this frame.
func (s *Slot) ObjectCount() uint32 { return s.objects }

func (s *Slot) CameraBuffer() gpu.Buffer    { return s.camera.buffer }
func (s *Slot) TransformBuffer() gpu.Buffer { return s.transforms.buffer }
func (s *Slot) MaterialBuffer() gpu.Buffer  { return s.materials.buffer }

func (s *Slot) writable() bool {
	return s.state == slotReady || s.state == slotRecording
}

// ResetFence unsignals the slot's fence ahead of a submit. It is called only
// once the frame is known to go ahead, so a skipped frame leaves the fence
// signaled for the next attempt.
func (s *Slot) ResetFence() error {
	switch s.state {
	case slotPending:
		return ErrSlotInFlight
	case slotRecording:
		return nil
	}
	if err := s.device.ResetFence(s.Fence); err != nil {
		return fmt.Errorf("failed to reset fence of frame slot %d: %w", s.index, err)
	}
	s.state = slotRecording
	return nil
}

func putMat4(dst []byte, m mgl32.Mat4) {
	for i, f := range m {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
}

func (s *Slot) WriteCamera(c Camera) error {
	if !s.writable() {
		return ErrSlotInFlight
	}
	mem := s.camera.memory
	putMat4(mem[0:], c.View)
	putMat4(mem[mat4Size:], c.Projection)
	putMat4(mem[2*mat4Size:], c.ViewProjection)
	for i, f := range c.Position {
		binary.LittleEndian.PutUint32(mem[3*mat4Size+i*4:], math.Float32bits(f))
	}
	return nil
}

func (s *Slot) WriteTransforms(transforms []mgl32.Mat4) error {
	if !s.writable() {
		return ErrSlotInFlight
	}
	if uint32(len(transforms)) > s.maxObjects {
		return fmt.Errorf("%w: %d transforms, room for %d", ErrCapacityExceeded, len(transforms), s.maxObjects)
	}
	for i, m := range transforms {
		putMat4(s.transforms.memory[i*ObjectSize:], m)
	}
	s.objects = uint32(len(transforms))
	return nil
}

func (s *Slot) WriteMaterials(indices []uint32) error {
	if !s.writable() {
		return ErrSlotInFlight
	}
	if uint32(len(indices)) > s.maxMaterials {
		return fmt.Errorf("%w: %d material indices, room for %d", ErrCapacityExceeded, len(indices), s.maxMaterials)
	}
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(s.materials.memory[i*MaterialSize:], idx)
	}
	return nil
}

/**
 * @brief Ring of FramesInFlight slots selected by frame counter modulo the
 * slot count.
 */
type Ring struct {
	device Device
	config RingConfig
	slots  [FramesInFlight]*Slot
	frame  uint64
}

// NewRing creates every slot up front. Descriptor sets come from the given
// cache and allocator and stay bound to the same buffers for the life of the
// ring.
func NewRing(device Device, cache *descriptor.LayoutCache, allocator *descriptor.Allocator, config RingConfig) (*Ring, error) {
	if config.MaxObjects == 0 || config.MaxMaterials == 0 {
		return nil, fmt.Errorf("%w: frame ring needs room for at least one object and material", core.ErrInvalidConfig)
	}
	r := &Ring{device: device, config: config}
	for i := range r.slots {
		s, err := newSlot(i, device, cache, allocator, config)
		if err != nil {
			core.LogError(err.Error())
			r.Destroy()
			return nil, err
		}
		r.slots[i] = s
	}
	return r, nil
}

func (m *mappedBuffer) create(device Device, size uint64, usage gpu.BufferUsageFlags, name string) error {
	buffer, err := device.CreateBuffer(gpu.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		HostVisible: true,
		DebugName:   name,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s buffer: %w", name, err)
	}
	m.buffer = buffer
	memory, err := device.MapBuffer(buffer)
	if err != nil {
		return fmt.Errorf("failed to map %s buffer: %w", name, err)
	}
	m.memory = memory
	return nil
}

func newSlot(index int, device Device, cache *descriptor.LayoutCache, allocator *descriptor.Allocator, config RingConfig) (*Slot, error) {
	s := &Slot{
		index:        index,
		device:       device,
		maxObjects:   config.MaxObjects,
		maxMaterials: config.MaxMaterials,
	}
	var err error
	fail := func(what string, err error) (*Slot, error) {
		s.destroy()
		return nil, fmt.Errorf("frame slot %d: failed to create %s: %w", index, what, err)
	}

	if s.CommandPool, err = device.CreateCommandPool(); err != nil {
		return fail("command pool", err)
	}
	if s.CommandBuffer, err = device.AllocateCommandBuffer(s.CommandPool); err != nil {
		return fail("command buffer", err)
	}
	if s.ImageAvailable, err = device.CreateSemaphore(); err != nil {
		return fail("image available semaphore", err)
	}
	if s.RenderFinished, err = device.CreateSemaphore(); err != nil {
		return fail("render finished semaphore", err)
	}
	// Created signaled so the first wait on every slot returns immediately.
	if s.Fence, err = device.CreateFence(true); err != nil {
		return fail("fence", err)
	}

	buffers := []struct {
		target *mappedBuffer
		size   uint64
		usage  gpu.BufferUsageFlags
		name   string
	}{
		{&s.camera, CameraSize, gpu.BufferUsageUniformBuffer, fmt.Sprintf("camera-%d", index)},
		{&s.transforms, uint64(config.MaxObjects) * ObjectSize, gpu.BufferUsageStorageBuffer, fmt.Sprintf("transforms-%d", index)},
		{&s.materials, uint64(config.MaxMaterials) * MaterialSize, gpu.BufferUsageStorageBuffer, fmt.Sprintf("materials-%d", index)},
	}
	for _, b := range buffers {
		if err := b.target.create(device, b.size, b.usage, b.name); err != nil {
			return fail("buffers", err)
		}
	}

	s.Global, err = descriptor.NewBuilder(cache, allocator).
		BindBuffer(0, gpu.DescriptorBufferInfo{Buffer: s.camera.buffer, Range: gpu.WholeSize},
			gpu.DescriptorTypeUniformBuffer, gpu.ShaderStageVertex|gpu.ShaderStageFragment).
		Build()
	if err != nil {
		return fail("global descriptor set", err)
	}
	s.Object, err = descriptor.NewBuilder(cache, allocator).
		BindBuffer(0, gpu.DescriptorBufferInfo{Buffer: s.transforms.buffer, Range: gpu.WholeSize},
			gpu.DescriptorTypeStorageBuffer, gpu.ShaderStageVertex).
		BindBuffer(1, gpu.DescriptorBufferInfo{Buffer: s.materials.buffer, Range: gpu.WholeSize},
			gpu.DescriptorTypeStorageBuffer, gpu.ShaderStageVertex|gpu.ShaderStageFragment).
		Build()
	if err != nil {
		return fail("object descriptor set", err)
	}

	// The fence starts signaled but nobody has waited on it yet.
	s.state = slotPending
	return s, nil
}

// destroy releases whatever the slot managed to create. Descriptor sets go
// back with their pools.
func (s *Slot) destroy() {
	s.Deletion.Flush()
	for _, b := range []*mappedBuffer{&s.materials, &s.transforms, &s.camera} {
		if b.buffer != 0 {
			s.device.DestroyBuffer(b.buffer)
			*b = mappedBuffer{}
		}
	}
	if s.Fence != 0 {
		s.device.DestroyFence(s.Fence)
		s.Fence = 0
	}
	if s.RenderFinished != 0 {
		s.device.DestroySemaphore(s.RenderFinished)
		s.RenderFinished = 0
	}
	if s.ImageAvailable != 0 {
		s.device.DestroySemaphore(s.ImageAvailable)
		s.ImageAvailable = 0
	}
	if s.CommandPool != 0 {
		s.device.DestroyCommandPool(s.CommandPool)
		s.CommandPool = 0
		s.CommandBuffer = 0
	}
}

// Frame is the number of frames advanced so far.
func (r *Ring) Frame() uint64 { return r.frame }

// Current is the slot selected by the frame counter.
func (r *Ring) Current() *Slot { return r.slots[r.frame%FramesInFlight] }

// Config returns the per-slot capacities the ring was created with.
func (r *Ring) Config() RingConfig { return r.config }

// Slot returns slot i.
func (r *Ring) Slot(i int) *Slot { return r.slots[i] }

// Begin waits for the current slot's previous use to finish and runs its
// deferred deletions. A gpu.Timeout from the wait means the frame should be
// skipped; the slot stays unwritable.
func (r *Ring) Begin(timeout time.Duration) (*Slot, error) {
	s := r.Current()
	if s.state == slotPending {
		if err := r.device.WaitForFence(s.Fence, timeout); err != nil {
			return nil, err
		}
		s.state = slotReady
		s.Deletion.Flush()
	}
	return s, nil
}

// Submit submits the current slot's work, signaling its fence.
func (r *Ring) Submit(queue gpu.Queue, info gpu.SubmitInfo) error {
	s := r.Current()
	switch s.state {
	case slotPending:
		return ErrSlotInFlight
	case slotReady:
		return ErrFenceNotReset
	}
	if err := r.device.QueueSubmit(queue, []gpu.SubmitInfo{info}, s.Fence); err != nil {
		// Nothing was queued, so the slot stays recording and the same frame
		// can be submitted again.
		return fmt.Errorf("failed to submit frame %d: %w", r.frame, err)
	}
	s.state = slotPending
	return nil
}

// Advance moves to the next slot once the frame has been submitted and
// presented.
func (r *Ring) Advance() {
	r.frame++
}

// Destroy releases every slot. The device must be idle.
func (r *Ring) Destroy() {
	for i, s := range r.slots {
		if s != nil {
			s.destroy()
			r.slots[i] = nil
		}
	}
}
