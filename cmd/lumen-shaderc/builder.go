package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/shaderc"
)

type builder struct {
	compiler pipeline.Compiler
	// includes maps an include file to the sources that use it.
	includes map[string][]string
	sources  map[string]struct{}
	watcher  pipeline.Watcher
}

func newBuilder(compiler pipeline.Compiler) *builder {
	return &builder{
		compiler: compiler,
		includes: make(map[string][]string),
		sources:  make(map[string]struct{}),
	}
}

// collectSources returns the absolute paths of every shader source under
// dir, sorted.
func collectSources(dir string) ([]string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, err := shaderc.StageForPath(path); err == nil {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan shader directory %s: %w", dir, err)
	}
	slices.Sort(out)
	return out, nil
}

func outputPath(source string) string {
	return source + ".spv"
}

func (b *builder) track(path string) {
	if b.watcher == nil {
		return
	}
	if err := b.watcher.Watch(path); err != nil {
		core.LogWarn("not watching %s: %s", path, err.Error())
	}
}

func (b *builder) build(source string) error {
	stage, err := shaderc.StageForPath(source)
	if err != nil {
		return err
	}
	res, err := b.compiler.Compile(source, stage)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath(source), shaderc.EncodeSPIRV(res.SPIRV), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath(source), err)
	}

	if _, ok := b.sources[source]; !ok {
		b.sources[source] = struct{}{}
		b.track(source)
	}
	for _, inc := range res.Includes {
		users := b.includes[inc]
		if slices.Contains(users, source) {
			continue
		}
		if len(users) == 0 {
			b.track(inc)
		}
		b.includes[inc] = append(users, source)
	}
	core.LogDebug("compiled %s (%d words)", source, len(res.SPIRV))
	return nil
}

// buildAll compiles every source and returns how many failed. Failures are
// logged and do not stop the others.
func (b *builder) buildAll(sources []string) int {
	failed := 0
	for _, src := range sources {
		if err := b.build(src); err != nil {
			core.LogError("failed to compile %s: %s", src, err.Error())
			failed++
		}
	}
	return failed
}

// affected returns the sources to rebuild when path changed.
func (b *builder) affected(path string) []string {
	var out []string
	if _, ok := b.sources[path]; ok {
		out = append(out, path)
	}
	for _, src := range b.includes[path] {
		if !slices.Contains(out, src) {
			out = append(out, src)
		}
	}
	return out
}

// watch polls w until ctx is done and rebuilds what each modification
// touches.
func (b *builder) watch(ctx context.Context, w pipeline.Watcher, interval time.Duration) error {
	b.watcher = w
	for src := range b.sources {
		b.track(src)
	}
	for inc := range b.includes {
		b.track(inc)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	core.LogInfo("watching %d shaders", len(b.sources))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		var dirty []string
		for _, ev := range w.Poll() {
			if !ev.Action.Changed() {
				continue
			}
			for _, src := range b.affected(ev.Path) {
				if !slices.Contains(dirty, src) {
					dirty = append(dirty, src)
				}
			}
		}
		if n := b.buildAll(dirty); n == 0 && len(dirty) > 0 {
			core.LogInfo("recompiled %d shaders", len(dirty))
		}
	}
}
