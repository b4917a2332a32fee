// Package sampler deduplicates sampler objects by their description.
package sampler

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// Linear is trilinear filtering with repeat addressing, used for material
// textures.
var Linear = gpu.SamplerCreateInfo{
	MagFilter:     gpu.FilterLinear,
	MinFilter:     gpu.FilterLinear,
	MipmapMode:    gpu.SamplerMipmapModeLinear,
	AddressModeU:  gpu.SamplerAddressModeRepeat,
	AddressModeV:  gpu.SamplerAddressModeRepeat,
	AddressModeW:  gpu.SamplerAddressModeRepeat,
	MaxAnisotropy: 1,
	MaxLod:        1000,
}

// Blocky is nearest filtering, used for pixel art and data textures.
var Blocky = gpu.SamplerCreateInfo{
	MagFilter:     gpu.FilterNearest,
	MinFilter:     gpu.FilterNearest,
	MipmapMode:    gpu.SamplerMipmapModeNearest,
	AddressModeU:  gpu.SamplerAddressModeRepeat,
	AddressModeV:  gpu.SamplerAddressModeRepeat,
	AddressModeW:  gpu.SamplerAddressModeRepeat,
	MaxAnisotropy: 1,
	MaxLod:        1000,
}

type Cache struct {
	device   gpu.ResourceDevice
	samplers map[gpu.SamplerCreateInfo]gpu.Sampler
}

func NewCache(device gpu.ResourceDevice) *Cache {
	return &Cache{
		device:   device,
		samplers: make(map[gpu.SamplerCreateInfo]gpu.Sampler),
	}
}

// Get returns the sampler for info, creating it on first use.
func (c *Cache) Get(info gpu.SamplerCreateInfo) (gpu.Sampler, error) {
	if s, ok := c.samplers[info]; ok {
		return s, nil
	}
	s, err := c.device.CreateSampler(info)
	if err != nil {
		err = fmt.Errorf("failed to create sampler: %w", err)
		core.LogError(err.Error())
		return 0, err
	}
	c.samplers[info] = s
	return s, nil
}

func (c *Cache) Linear() (gpu.Sampler, error) { return c.Get(Linear) }
func (c *Cache) Blocky() (gpu.Sampler, error) { return c.Get(Blocky) }

func (c *Cache) Len() int {
	return len(c.samplers)
}

// Destroy releases every sampler. The device must be idle.
func (c *Cache) Destroy() {
	for info, s := range c.samplers {
		c.device.DestroySampler(s)
		delete(c.samplers, info)
	}
}
