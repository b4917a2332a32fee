//go:build mage

package main

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

const shaderDir = "shaders"

var shaderStages = map[string]bool{".vert": true, ".frag": true, ".comp": true}

// Compiles every shader under shaders/ to SPIR-V with glslc.
func (Build) Shaders() error {
	return filepath.WalkDir(shaderDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !shaderStages[strings.ToLower(filepath.Ext(path))] {
			return err
		}
		dir, name := filepath.Split(path)
		_, err = executeCmd("glslc", withArgs("--target-env=vulkan1.3", name, "-o", name+".spv"), withDir(dir), withStream())
		return err
	})
}

// Builds the command line tools into bin/.
func (Build) Tools() error {
	if _, err := executeCmd("go", withArgs("mod", "download")); err != nil {
		return err
	}
	_, err := executeCmd("go", withArgs("build", "-o", "bin/", "./cmd/..."), withStream())
	return err
}
