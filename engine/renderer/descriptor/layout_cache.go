package descriptor

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"slices"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// LayoutKey is the canonical form of a descriptor set layout description.
type LayoutKey struct {
	Flags    gpu.DescriptorSetLayoutCreateFlags
	Bindings []gpu.DescriptorSetLayoutBinding
}

func byBinding(a, b gpu.DescriptorSetLayoutBinding) int {
	return cmp.Compare(a.Binding, b.Binding)
}

// NewLayoutKey canonicalizes info by stable sorting its bindings on the
// binding index. The input slice is never modified.
func NewLayoutKey(info gpu.DescriptorSetLayoutCreateInfo) LayoutKey {
	bindings := info.Bindings
	if !slices.IsSortedFunc(bindings, byBinding) {
		bindings = slices.Clone(bindings)
		slices.SortStableFunc(bindings, byBinding)
	}
	return LayoutKey{Flags: info.Flags, Bindings: bindings}
}

// Equal compares flags and every binding field.
func (k LayoutKey) Equal(o LayoutKey) bool {
	return k.Flags == o.Flags && slices.Equal(k.Bindings, o.Bindings)
}

// Hash covers every field Equal compares.
func (k LayoutKey) Hash() uint64 {
	h := fnv.New64a()
	buf := make([]byte, 0, 8+16*len(k.Bindings))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(k.Flags))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k.Bindings)))
	for _, b := range k.Bindings {
		buf = binary.LittleEndian.AppendUint32(buf, b.Binding)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Type))
		buf = binary.LittleEndian.AppendUint32(buf, b.Count)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Stages))
	}
	h.Write(buf)
	return h.Sum64()
}

func (k LayoutKey) createInfo() gpu.DescriptorSetLayoutCreateInfo {
	return gpu.DescriptorSetLayoutCreateInfo{Flags: k.Flags, Bindings: k.Bindings}
}

type cachedLayout struct {
	key    LayoutKey
	layout gpu.DescriptorSetLayout
}

// LayoutCache deduplicates descriptor set layouts by structure. Layouts live
// until Destroy. Not safe for concurrent use.
type LayoutCache struct {
	device  gpu.DescriptorDevice
	buckets map[uint64][]cachedLayout
	count   int
}

func NewLayoutCache(device gpu.DescriptorDevice) *LayoutCache {
	return &LayoutCache{
		device:  device,
		buckets: make(map[uint64][]cachedLayout),
	}
}

// GetOrCreate returns the layout for info, creating it on first use.
func (c *LayoutCache) GetOrCreate(info gpu.DescriptorSetLayoutCreateInfo) (gpu.DescriptorSetLayout, error) {
	key := NewLayoutKey(info)
	h := key.Hash()
	for _, e := range c.buckets[h] {
		if e.key.Equal(key) {
			return e.layout, nil
		}
	}

	// The cache keeps the bindings, so it must own them.
	key.Bindings = slices.Clone(key.Bindings)
	layout, err := c.device.CreateDescriptorSetLayout(key.createInfo())
	if err != nil {
		err = fmt.Errorf("failed to create descriptor set layout: %w", err)
		core.LogError(err.Error())
		return 0, err
	}
	c.buckets[h] = append(c.buckets[h], cachedLayout{key: key, layout: layout})
	c.count++
	return layout, nil
}

// Len returns the number of distinct layouts.
func (c *LayoutCache) Len() int {
	return c.count
}

// Destroy destroys every cached layout once. The device must be idle.
func (c *LayoutCache) Destroy() {
	for _, bucket := range c.buckets {
		for _, e := range bucket {
			c.device.DestroyDescriptorSetLayout(e.layout)
		}
	}
	c.buckets = make(map[uint64][]cachedLayout)
	c.count = 0
}
