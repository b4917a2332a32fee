package descriptor

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

var ErrBuilderUsed = errors.New("descriptor builder already built")

// Set is a built descriptor set together with its layout.
type Set struct {
	Layout gpu.DescriptorSetLayout
	Set    gpu.DescriptorSet
}

/**
 * @brief Accumulates bindings and their writes for one descriptor set.
 * Every Bind call returns the builder so calls can be chained. A builder
 * builds exactly one set.
 */
type Builder struct {
	cache     *LayoutCache
	allocator *Allocator
	bindings  []gpu.DescriptorSetLayoutBinding
	writes    []gpu.WriteDescriptorSet
	used      bool
}

func NewBuilder(cache *LayoutCache, allocator *Allocator) *Builder {
	return &Builder{cache: cache, allocator: allocator}
}

func (b *Builder) BindBuffer(binding uint32, info gpu.DescriptorBufferInfo, kind gpu.DescriptorType, stages gpu.ShaderStageFlags) *Builder {
	b.bindings = append(b.bindings, gpu.DescriptorSetLayoutBinding{
		Binding: binding,
		Type:    kind,
		Count:   1,
		Stages:  stages,
	})
	b.writes = append(b.writes, gpu.WriteDescriptorSet{
		Binding: binding,
		Type:    kind,
		Buffers: []gpu.DescriptorBufferInfo{info},
	})
	return b
}

func (b *Builder) BindImage(binding uint32, info gpu.DescriptorImageInfo, kind gpu.DescriptorType, stages gpu.ShaderStageFlags) *Builder {
	b.bindings = append(b.bindings, gpu.DescriptorSetLayoutBinding{
		Binding: binding,
		Type:    kind,
		Count:   1,
		Stages:  stages,
	})
	b.writes = append(b.writes, gpu.WriteDescriptorSet{
		Binding: binding,
		Type:    kind,
		Images:  []gpu.DescriptorImageInfo{info},
	})
	return b
}

// BindImages binds an array of images to one binding, as used by a bindless
// texture set. The binding count is len(infos).
func (b *Builder) BindImages(binding uint32, infos []gpu.DescriptorImageInfo, kind gpu.DescriptorType, stages gpu.ShaderStageFlags) *Builder {
	b.bindings = append(b.bindings, gpu.DescriptorSetLayoutBinding{
		Binding: binding,
		Type:    kind,
		Count:   uint32(len(infos)),
		Stages:  stages,
	})
	b.writes = append(b.writes, gpu.WriteDescriptorSet{
		Binding: binding,
		Type:    kind,
		Images:  append([]gpu.DescriptorImageInfo(nil), infos...),
	})
	return b
}

// BuildLayout resolves only the layout of the accumulated bindings. It does
// not consume the builder.
func (b *Builder) BuildLayout() (gpu.DescriptorSetLayout, error) {
	return b.cache.GetOrCreate(gpu.DescriptorSetLayoutCreateInfo{Bindings: b.bindings})
}

/**
 * @brief Resolves the layout, allocates one set and writes every binding
 * with a single update. Nothing is written if the layout or the
 * allocation fails.
 */
func (b *Builder) Build() (Set, error) {
	if b.used {
		return Set{}, ErrBuilderUsed
	}
	b.used = true

	layout, err := b.BuildLayout()
	if err != nil {
		return Set{}, err
	}
	set, err := b.allocator.Allocate(layout)
	if err != nil {
		return Set{}, fmt.Errorf("failed to build descriptor set: %w", err)
	}

	for i := range b.writes {
		b.writes[i].Set = set
	}
	if len(b.writes) > 0 {
		b.allocator.Device().UpdateDescriptorSets(b.writes)
	}
	return Set{Layout: layout, Set: set}, nil
}
