package pipeline

import (
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

// CompileResult is the output of one shader compilation. Includes lists every
// file the source pulled in, as paths the watcher can resolve.
type CompileResult struct {
	SPIRV    []uint32
	Includes []string
}

// Compiler turns shader source into SPIR-V.
type Compiler interface {
	Compile(path string, stage gpu.ShaderStageFlags) (*CompileResult, error)
}

// Watcher queues file change events until polled.
type Watcher interface {
	Watch(path string) error
	Poll() []platform.FileEvent
}
