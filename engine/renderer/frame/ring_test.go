package frame

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/renderer/descriptor"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu/gputest"
)

func newRing(t *testing.T, dev *gputest.Device) *Ring {
	t.Helper()
	cache := descriptor.NewLayoutCache(dev)
	alloc := descriptor.NewAllocator(dev)
	r, err := NewRing(dev, cache, alloc, RingConfig{MaxObjects: 4, MaxMaterials: 4})
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Destroy()
		alloc.Destroy()
		cache.Destroy()
	})
	return r
}

// runFrame drives one full frame on the current slot.
func runFrame(t *testing.T, r *Ring, transforms []mgl32.Mat4) {
	t.Helper()
	s, err := r.Begin(time.Second)
	require.NoError(t, err)
	require.NoError(t, s.ResetFence())
	require.NoError(t, s.WriteTransforms(transforms))
	require.NoError(t, r.Submit(0, gpu.SubmitInfo{CommandBuffers: []gpu.CommandBuffer{s.CommandBuffer}}))
	r.Advance()
}

func indexOf(ops []string, op string) int {
	return slices.Index(ops, op)
}

func TestRingCreatesSlotResources(t *testing.T) {
	dev := gputest.NewDevice()
	r := newRing(t, dev)

	assert.Equal(t, FramesInFlight, dev.Created(gputest.KindFence))
	assert.Equal(t, 2*FramesInFlight, dev.Created(gputest.KindSemaphore))
	assert.Equal(t, 3*FramesInFlight, dev.Created(gputest.KindBuffer))

	for i := 0; i < FramesInFlight; i++ {
		s := r.Slot(i)
		assert.Equal(t, i, s.Index())
		assert.Equal(t, gputest.FenceSignaled, dev.FenceState(s.Fence))

		w, ok := dev.SetWrite(s.Global.Set, 0, 0)
		require.True(t, ok)
		assert.Equal(t, gpu.DescriptorTypeUniformBuffer, w.Type)
		assert.Equal(t, s.CameraBuffer(), w.Buffers[0].Buffer)

		w, ok = dev.SetWrite(s.Object.Set, 0, 0)
		require.True(t, ok)
		assert.Equal(t, s.TransformBuffer(), w.Buffers[0].Buffer)
		w, ok = dev.SetWrite(s.Object.Set, 1, 0)
		require.True(t, ok)
		assert.Equal(t, s.MaterialBuffer(), w.Buffers[0].Buffer)
	}
	// Both slots share the same two layouts.
	assert.Equal(t, r.Slot(0).Global.Layout, r.Slot(1).Global.Layout)
	assert.Equal(t, r.Slot(0).Object.Layout, r.Slot(1).Object.Layout)
	assert.Equal(t, 2, dev.Created(gputest.KindDescriptorSetLayout))
}

func TestRingSelectsSlotByFrameCounter(t *testing.T) {
	dev := gputest.NewDevice()
	r := newRing(t, dev)

	for frame := 0; frame < 5; frame++ {
		assert.Equal(t, frame%FramesInFlight, r.Current().Index())
		runFrame(t, r, nil)
	}
	assert.Equal(t, uint64(5), r.Frame())
	assert.Empty(t, dev.Violations())
}

func TestSlotRejectsWritesBeforeFenceIsObserved(t *testing.T) {
	dev := gputest.NewDevice()
	r := newRing(t, dev)
	s := r.Current()

	assert.ErrorIs(t, s.WriteCamera(Camera{}), ErrSlotInFlight)
	assert.ErrorIs(t, s.WriteTransforms(nil), ErrSlotInFlight)
	assert.ErrorIs(t, s.WriteMaterials(nil), ErrSlotInFlight)
	assert.ErrorIs(t, s.ResetFence(), ErrSlotInFlight)
}

func TestRingNeverWritesASlotStillInFlight(t *testing.T) {
	dev := gputest.NewDevice()
	dev.AutoComplete = false
	r := newRing(t, dev)

	first := mgl32.Translate3D(1, 2, 3)
	runFrame(t, r, []mgl32.Mat4{first})
	runFrame(t, r, []mgl32.Mat4{mgl32.Ident4()})

	slot0 := r.Current()
	require.Equal(t, 0, slot0.Index())
	require.Equal(t, gputest.FencePending, dev.FenceState(slot0.Fence))
	before := slices.Clone(dev.BufferData(slot0.TransformBuffer()))

	_, err := r.Begin(time.Millisecond)
	assert.ErrorIs(t, err, gpu.Timeout)
	assert.ErrorIs(t, slot0.WriteTransforms([]mgl32.Mat4{mgl32.Scale3D(9, 9, 9)}), ErrSlotInFlight)
	assert.ErrorIs(t, slot0.ResetFence(), ErrSlotInFlight)
	assert.ErrorIs(t, r.Submit(0, gpu.SubmitInfo{}), ErrSlotInFlight)
	assert.Equal(t, before, dev.BufferData(slot0.TransformBuffer()))

	dev.ClearOps()
	dev.CompleteSubmissions()
	s, err := r.Begin(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.ResetFence())
	require.NoError(t, s.WriteTransforms([]mgl32.Mat4{mgl32.Scale3D(9, 9, 9)}))

	ops := dev.Ops()
	wait := indexOf(ops, fmt.Sprintf("WaitForFence %d", s.Fence))
	reset := indexOf(ops, fmt.Sprintf("ResetFence %d", s.Fence))
	require.GreaterOrEqual(t, wait, 0)
	assert.Less(t, wait, reset)
	assert.Empty(t, dev.Violations())
}

func TestSkippedFrameKeepsFenceSignaled(t *testing.T) {
	dev := gputest.NewDevice()
	r := newRing(t, dev)

	s, err := r.Begin(time.Second)
	require.NoError(t, err)
	// Frame skipped before the fence reset: nothing submitted, no advance.
	assert.Equal(t, gputest.FenceSignaled, dev.FenceState(s.Fence))

	again, err := r.Begin(time.Second)
	require.NoError(t, err)
	assert.Same(t, s, again)
	require.NoError(t, again.ResetFence())
	require.NoError(t, r.Submit(0, gpu.SubmitInfo{}))
	assert.Empty(t, dev.Violations())
}

func TestSubmitRequiresFenceReset(t *testing.T) {
	dev := gputest.NewDevice()
	r := newRing(t, dev)

	_, err := r.Begin(time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Submit(0, gpu.SubmitInfo{}), ErrFenceNotReset)
}

func TestSlotWritesLandInMappedMemory(t *testing.T) {
	dev := gputest.NewDevice()
	r := newRing(t, dev)
	s, err := r.Begin(time.Second)
	require.NoError(t, err)

	cam := Camera{
		View:           mgl32.Ident4(),
		Projection:     mgl32.Perspective(mgl32.DegToRad(45), 16.0/9.0, 0.1, 100),
		ViewProjection: mgl32.Translate3D(4, 5, 6),
		Position:       mgl32.Vec3{7, 8, 9},
	}
	require.NoError(t, s.WriteCamera(cam))
	data := dev.BufferData(s.CameraBuffer())
	f32 := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(data[off:])) }
	assert.Equal(t, float32(1), f32(0))
	assert.Equal(t, cam.Projection[0], f32(mat4Size))
	assert.Equal(t, float32(4), f32(2*mat4Size+12*4))
	assert.Equal(t, float32(8), f32(3*mat4Size+4))

	require.NoError(t, s.WriteMaterials([]uint32{3, 1, 2}))
	data = dev.BufferData(s.MaterialBuffer())
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[4:]))

	require.NoError(t, s.WriteTransforms([]mgl32.Mat4{mgl32.Ident4(), mgl32.Translate3D(1, 0, 0)}))
	assert.Equal(t, uint32(2), s.ObjectCount())
	data = dev.BufferData(s.TransformBuffer())
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(data[ObjectSize+12*4:])))
}

func TestSlotWriteCapacity(t *testing.T) {
	dev := gputest.NewDevice()
	r := newRing(t, dev)
	s, err := r.Begin(time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, s.WriteTransforms(make([]mgl32.Mat4, 5)), ErrCapacityExceeded)
	assert.ErrorIs(t, s.WriteMaterials(make([]uint32, 5)), ErrCapacityExceeded)
}

func TestBeginFlushesDeletionQueueAfterFence(t *testing.T) {
	dev := gputest.NewDevice()
	dev.AutoComplete = false
	r := newRing(t, dev)

	s, err := r.Begin(time.Second)
	require.NoError(t, err)
	var order []int
	s.Deletion.Push(func() { order = append(order, 1) })
	s.Deletion.Push(func() { order = append(order, 2) })
	require.NoError(t, s.ResetFence())
	require.NoError(t, r.Submit(0, gpu.SubmitInfo{}))
	r.Advance()
	runFrame(t, r, nil)

	_, err = r.Begin(time.Millisecond)
	require.ErrorIs(t, err, gpu.Timeout)
	assert.Empty(t, order)

	dev.CompleteSubmissions()
	_, err = r.Begin(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, order)
	assert.Zero(t, s.Deletion.Len())
}

func TestRingDestroyReleasesSlots(t *testing.T) {
	dev := gputest.NewDevice()
	cache := descriptor.NewLayoutCache(dev)
	alloc := descriptor.NewAllocator(dev)
	r, err := NewRing(dev, cache, alloc, RingConfig{MaxObjects: 1, MaxMaterials: 1})
	require.NoError(t, err)

	r.Destroy()
	for _, kind := range []string{gputest.KindFence, gputest.KindSemaphore, gputest.KindBuffer, gputest.KindCommandPool} {
		assert.Zero(t, dev.Live(kind), kind)
	}
	assert.Empty(t, dev.Violations())
}

func TestNewRingRejectsEmptyBuffers(t *testing.T) {
	dev := gputest.NewDevice()
	_, err := NewRing(dev, descriptor.NewLayoutCache(dev), descriptor.NewAllocator(dev), RingConfig{})
	assert.Error(t, err)
	assert.Zero(t, dev.Created(gputest.KindFence))
}

func TestDeletionQueueFlushesInReverse(t *testing.T) {
	var q DeletionQueue
	var got []string
	for _, name := range []string{"image", "view", "framebuffer"} {
		q.Push(func() { got = append(got, name) })
	}
	q.Flush()
	assert.Equal(t, []string{"framebuffer", "view", "image"}, got)
	assert.Zero(t, q.Len())

	q.Flush()
	assert.Len(t, got, 3)
}
