package engine

import "github.com/spaghettifunk/lumen/engine/renderer"

// Game is the application driven by the engine. Every callback is optional.
type Game struct {
	Name         string
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnOnResize   OnResize
}

type Initialize func(e *Engine) error

// Update fills scene for the frame about to be drawn. The camera is already
// set when it runs.
type Update func(deltaTime float64, scene *renderer.FrameData) error
type OnResize func(width uint32, height uint32) error
