package renderer

import (
	"maps"

	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

type usageState struct {
	layout gpu.ImageLayout
	stage  gpu.PipelineStageFlags
	access gpu.AccessFlags
}

func (u Usage) state() usageState {
	switch u {
	case UsageColorWrite:
		return usageState{
			layout: gpu.ImageLayoutColorAttachmentOptimal,
			stage:  gpu.PipelineStageColorAttachmentOutput,
			access: gpu.AccessColorAttachmentRead | gpu.AccessColorAttachmentWrite,
		}
	case UsageDepthWrite:
		return usageState{
			layout: gpu.ImageLayoutDepthStencilAttachmentOptimal,
			stage:  gpu.PipelineStageEarlyFragmentTests | gpu.PipelineStageLateFragmentTests,
			access: gpu.AccessDepthStencilAttachmentRead | gpu.AccessDepthStencilAttachmentWrite,
		}
	case UsageShaderRead:
		return usageState{
			layout: gpu.ImageLayoutShaderReadOnlyOptimal,
			stage:  gpu.PipelineStageFragmentShader,
			access: gpu.AccessShaderRead,
		}
	case UsageTransferDst:
		return usageState{
			layout: gpu.ImageLayoutTransferDstOptimal,
			stage:  gpu.PipelineStageTransfer,
			access: gpu.AccessTransferWrite,
		}
	case UsagePresent:
		return usageState{
			layout: gpu.ImageLayoutPresentSrc,
			stage:  gpu.PipelineStageBottomOfPipe,
		}
	}
	return usageState{layout: gpu.ImageLayoutUndefined, stage: gpu.PipelineStageTopOfPipe}
}

// imageTracker remembers the last usage of every image it has seen and
// produces the barrier for a change of usage. Images start undefined.
type imageTracker struct {
	usage map[gpu.Image]Usage
}

func newImageTracker() *imageTracker {
	return &imageTracker{usage: make(map[gpu.Image]Usage)}
}

// transition moves image to usage and reports whether a barrier is needed.
func (t *imageTracker) transition(image gpu.Image, aspect gpu.ImageAspectFlags, usage Usage) (gpu.ImageBarrier, bool) {
	prev := t.usage[image]
	if prev == usage {
		return gpu.ImageBarrier{}, false
	}
	t.usage[image] = usage
	from, to := prev.state(), usage.state()
	if aspect == 0 {
		aspect = gpu.ImageAspectColor
	}
	return gpu.ImageBarrier{
		Image:     image,
		SrcStage:  from.stage,
		DstStage:  to.stage,
		SrcAccess: from.access,
		DstAccess: to.access,
		OldLayout: from.layout,
		NewLayout: to.layout,
		Range: gpu.ImageSubresourceRange{
			Aspect:     aspect,
			LevelCount: 1,
			LayerCount: 1,
		},
	}, true
}

// adopt records a usage established outside the tracked frame, such as a
// texture upload.
func (t *imageTracker) adopt(image gpu.Image, usage Usage) {
	t.usage[image] = usage
}

// forget drops image so its next use starts from undefined again.
func (t *imageTracker) forget(image gpu.Image) {
	delete(t.usage, image)
}

func (t *imageTracker) snapshot() map[gpu.Image]Usage {
	return maps.Clone(t.usage)
}

// restore rolls the tracker back to a snapshot taken before recording.
func (t *imageTracker) restore(saved map[gpu.Image]Usage) {
	t.usage = saved
}

func (t *imageTracker) usageOf(image gpu.Image) Usage {
	return t.usage[image]
}
