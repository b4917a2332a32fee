// Package descriptor allocates descriptor sets from growing pools,
// deduplicates set layouts and composes bindings into ready-to-bind sets.
package descriptor

import (
	"fmt"
	"slices"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// DefaultPoolCapacity is the number of sets a pool is created for.
const DefaultPoolCapacity uint32 = 1000

/**
 * @brief A per-type weight. A pool of capacity N is created with
 * Weight*N descriptors of Type.
 */
type PoolSizeRatio struct {
	Type   gpu.DescriptorType
	Weight float32
}

// DefaultPoolSizes returns the per-type weights used when no table is given.
func DefaultPoolSizes() []PoolSizeRatio {
	return []PoolSizeRatio{
		{gpu.DescriptorTypeSampler, 0.5},
		{gpu.DescriptorTypeCombinedImageSampler, 4},
		{gpu.DescriptorTypeSampledImage, 4},
		{gpu.DescriptorTypeStorageImage, 1},
		{gpu.DescriptorTypeUniformTexelBuffer, 1},
		{gpu.DescriptorTypeStorageTexelBuffer, 1},
		{gpu.DescriptorTypeUniformBuffer, 2},
		{gpu.DescriptorTypeStorageBuffer, 2},
		{gpu.DescriptorTypeUniformBufferDynamic, 1},
		{gpu.DescriptorTypeStorageBufferDynamic, 1},
		{gpu.DescriptorTypeInputAttachment, 0.5},
	}
}

type AllocatorOption func(*Allocator)

func WithPoolCapacity(sets uint32) AllocatorOption {
	return func(a *Allocator) {
		if sets > 0 {
			a.capacity = sets
		}
	}
}

func WithPoolSizes(sizes []PoolSizeRatio) AllocatorOption {
	return func(a *Allocator) {
		a.sizes = append([]PoolSizeRatio(nil), sizes...)
	}
}

/**
 * @brief Hands out descriptor sets, growing the pool list on demand.
 * Pools are reset as a whole, never freed individually. Not safe for
 * concurrent use.
 */
type Allocator struct {
	device   gpu.DescriptorDevice
	capacity uint32
	sizes    []PoolSizeRatio

	current   gpu.DescriptorPool
	usedPools []gpu.DescriptorPool
	freePools []gpu.DescriptorPool
	created   int
}

func NewAllocator(device gpu.DescriptorDevice, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		device:   device,
		capacity: DefaultPoolCapacity,
		sizes:    DefaultPoolSizes(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) Device() gpu.DescriptorDevice {
	return a.device
}

func (a *Allocator) createPool() (gpu.DescriptorPool, error) {
	sizes := make([]gpu.DescriptorPoolSize, 0, len(a.sizes))
	for _, s := range a.sizes {
		count := uint32(s.Weight * float32(a.capacity))
		if count == 0 {
			continue
		}
		sizes = append(sizes, gpu.DescriptorPoolSize{Type: s.Type, Count: count})
	}
	pool, err := a.device.CreateDescriptorPool(gpu.DescriptorPoolCreateInfo{
		MaxSets: a.capacity,
		Sizes:   sizes,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create descriptor pool: %w", err)
	}
	a.created++
	core.LogDebug("descriptor pool %d created (%d in total)", pool, a.created)
	return pool, nil
}

// grabPool makes a recycled or new pool current.
func (a *Allocator) grabPool() error {
	var pool gpu.DescriptorPool
	if n := len(a.freePools); n > 0 {
		pool = a.freePools[n-1]
		a.freePools = a.freePools[:n-1]
	} else {
		p, err := a.createPool()
		if err != nil {
			return err
		}
		pool = p
	}
	a.current = pool
	a.usedPools = append(a.usedPools, pool)
	return nil
}

/**
 * @brief Allocates one set of the given layout.
 * A fragmented or exhausted pool is retired and the allocation is
 * retried once from another pool. Any other failure is returned as is.
 */
func (a *Allocator) Allocate(layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	if a.current == 0 {
		if err := a.grabPool(); err != nil {
			return 0, err
		}
	}

	set, err := a.device.AllocateDescriptorSet(a.current, layout)
	if err == nil {
		return set, nil
	}
	if !gpu.IsPoolExhaustion(err) {
		return 0, fmt.Errorf("failed to allocate descriptor set: %w", err)
	}

	if err := a.grabPool(); err != nil {
		return 0, err
	}
	set, err = a.device.AllocateDescriptorSet(a.current, layout)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate descriptor set after pool growth: %w", err)
	}
	return set, nil
}

// ResetPools returns every set to its pool and keeps the pools for reuse.
// Sets allocated before the call must not be used afterwards. On failure the
// pools reset so far are recycled and the rest stay in use.
func (a *Allocator) ResetPools() error {
	for i, p := range a.usedPools {
		if err := a.device.ResetDescriptorPool(p); err != nil {
			a.usedPools = append(a.usedPools[:0], a.usedPools[i:]...)
			if !slices.Contains(a.usedPools, a.current) {
				a.current = 0
			}
			return fmt.Errorf("failed to reset descriptor pool: %w", err)
		}
		a.freePools = append(a.freePools, p)
	}
	a.usedPools = a.usedPools[:0]
	a.current = 0
	return nil
}

// Destroy destroys every pool. The device must be idle.
func (a *Allocator) Destroy() {
	for _, p := range a.freePools {
		a.device.DestroyDescriptorPool(p)
	}
	for _, p := range a.usedPools {
		a.device.DestroyDescriptorPool(p)
	}
	a.freePools = nil
	a.usedPools = nil
	a.current = 0
}

// PoolCount returns the number of pools created so far.
func (a *Allocator) PoolCount() int {
	return a.created
}
