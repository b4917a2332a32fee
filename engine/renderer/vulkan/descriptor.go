package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// descriptorPool remembers the sets allocated from it so a pool reset can
// retire their handles.
type descriptorPool struct {
	handle vk.DescriptorPool
	sets   []uint64
}

type descriptorSet struct {
	handle vk.DescriptorSet
	pool   uint64
}

func (d *Device) CreateDescriptorPool(info gpu.DescriptorPoolCreateInfo) (gpu.DescriptorPool, error) {
	sizes := make([]vk.DescriptorPoolSize, len(info.Sizes))
	for i, s := range info.Sizes {
		sizes[i] = vk.DescriptorPoolSize{
			Type:            vk.DescriptorType(s.Type),
			DescriptorCount: s.Count,
		}
	}

	var handle vk.DescriptorPool
	res := vk.CreateDescriptorPool(d.logical, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(info.Flags),
		MaxSets:       info.MaxSets,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}, d.allocator, &handle)
	if err := createErr(res, "vkCreateDescriptorPool"); err != nil {
		return 0, err
	}
	return gpu.DescriptorPool(d.descPools.add(&descriptorPool{handle: handle})), nil
}

func (d *Device) ResetDescriptorPool(h gpu.DescriptorPool) error {
	p, ok := d.descPools.get(uint64(h))
	if !ok {
		return fmt.Errorf("%w: descriptor pool %d", ErrUnknownHandle, h)
	}
	return d.locks.SafeCall(DescriptorManagement, func() error {
		if err := resultErr(vk.ResetDescriptorPool(d.logical, p.handle, 0), "vkResetDescriptorPool"); err != nil {
			return err
		}
		for _, s := range p.sets {
			d.sets.remove(s)
		}
		p.sets = p.sets[:0]
		return nil
	})
}

func (d *Device) DestroyDescriptorPool(h gpu.DescriptorPool) {
	p, ok := d.descPools.remove(uint64(h))
	if !ok {
		return
	}
	_ = d.locks.SafeCall(DescriptorManagement, func() error {
		for _, s := range p.sets {
			d.sets.remove(s)
		}
		vk.DestroyDescriptorPool(d.logical, p.handle, d.allocator)
		return nil
	})
}

// AllocateDescriptorSet returns the raw result so callers can tell pool
// exhaustion apart from other failures.
func (d *Device) AllocateDescriptorSet(h gpu.DescriptorPool, layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	p, ok := d.descPools.get(uint64(h))
	if !ok {
		return 0, fmt.Errorf("%w: descriptor pool %d", ErrUnknownHandle, h)
	}
	l, ok := d.setLayouts.get(uint64(layout))
	if !ok {
		return 0, fmt.Errorf("%w: descriptor set layout %d", ErrUnknownHandle, layout)
	}

	var out gpu.DescriptorSet
	err := d.locks.SafeCall(DescriptorManagement, func() error {
		var set vk.DescriptorSet
		res := vk.AllocateDescriptorSets(d.logical, &vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     p.handle,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{l},
		}, &set)
		if res != vk.Success {
			return gpu.Result(res)
		}
		id := d.sets.add(descriptorSet{handle: set, pool: uint64(h)})
		p.sets = append(p.sets, id)
		out = gpu.DescriptorSet(id)
		return nil
	})
	return out, err
}

func (d *Device) UpdateDescriptorSets(writes []gpu.WriteDescriptorSet) {
	out := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		set, ok := d.sets.get(uint64(w.Set))
		if !ok {
			continue
		}
		vw := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set.handle,
			DstBinding:      w.Binding,
			DstArrayElement: w.ArrayElement,
			DescriptorType:  vk.DescriptorType(w.Type),
		}
		if w.Type.IsImage() {
			infos := make([]vk.DescriptorImageInfo, len(w.Images))
			for i, img := range w.Images {
				infos[i] = vk.DescriptorImageInfo{ImageLayout: vk.ImageLayout(img.Layout)}
				if s, ok := d.samplers.get(uint64(img.Sampler)); ok {
					infos[i].Sampler = s
				}
				if v, ok := d.views.get(uint64(img.View)); ok {
					infos[i].ImageView = v
				}
			}
			vw.DescriptorCount = uint32(len(infos))
			vw.PImageInfo = infos
		} else {
			infos := make([]vk.DescriptorBufferInfo, 0, len(w.Buffers))
			for _, bi := range w.Buffers {
				b, ok := d.buffers.get(uint64(bi.Buffer))
				if !ok {
					continue
				}
				infos = append(infos, vk.DescriptorBufferInfo{
					Buffer: b.handle,
					Offset: vk.DeviceSize(bi.Offset),
					Range:  vk.DeviceSize(bi.Range),
				})
			}
			vw.DescriptorCount = uint32(len(infos))
			vw.PBufferInfo = infos
		}
		if vw.DescriptorCount > 0 {
			out = append(out, vw)
		}
	}
	if len(out) > 0 {
		vk.UpdateDescriptorSets(d.logical, uint32(len(out)), out, 0, nil)
	}
}

func (d *Device) CreateDescriptorSetLayout(info gpu.DescriptorSetLayoutCreateInfo) (gpu.DescriptorSetLayout, error) {
	bindings := make([]vk.DescriptorSetLayoutBinding, len(info.Bindings))
	for i, b := range info.Bindings {
		bindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  vk.DescriptorType(b.Type),
			DescriptorCount: b.Count,
			StageFlags:      vk.ShaderStageFlags(b.Stages),
		}
	}

	var layout vk.DescriptorSetLayout
	res := vk.CreateDescriptorSetLayout(d.logical, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		Flags:        vk.DescriptorSetLayoutCreateFlags(info.Flags),
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}, d.allocator, &layout)
	if err := createErr(res, "vkCreateDescriptorSetLayout"); err != nil {
		return 0, err
	}
	return gpu.DescriptorSetLayout(d.setLayouts.add(layout)), nil
}

func (d *Device) DestroyDescriptorSetLayout(h gpu.DescriptorSetLayout) {
	if l, ok := d.setLayouts.remove(uint64(h)); ok {
		vk.DestroyDescriptorSetLayout(d.logical, l, d.allocator)
	}
}
