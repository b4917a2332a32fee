//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Compiles the shaders once, then keeps recompiling them as they change.
func (Run) Shaders() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Watching shaders...")
	if _, err := executeCmd("go", withArgs("run", "./cmd/lumen-shaderc", "-watch"), withStream()); err != nil {
		return err
	}
	return nil
}
