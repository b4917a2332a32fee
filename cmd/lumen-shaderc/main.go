// Command lumen-shaderc compiles every shader under the configured shader
// directory to SPIR-V next to its source, and with -watch keeps recompiling
// sources whose file or includes change.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/shaderc"
)

const pollInterval = 100 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	watch := flag.Bool("watch", false, "recompile shaders when they or their includes change")
	flag.Parse()

	cfg := core.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = core.LoadConfig(*configPath); err != nil {
			core.LogFatal(err.Error())
		}
	}
	if err := core.ConfigureLogger(cfg.Log, os.Stderr); err != nil {
		core.LogFatal(err.Error())
	}

	glslc, err := shaderc.NewGlslc(cfg.Shaders.Compiler)
	if err != nil {
		core.LogFatal(err.Error())
	}
	b := newBuilder(glslc)

	sources, err := collectSources(cfg.Shaders.Directory)
	if err != nil {
		core.LogFatal(err.Error())
	}
	failed := b.buildAll(sources)
	core.LogInfo("compiled %d of %d shaders", len(sources)-failed, len(sources))

	if !*watch {
		if failed > 0 {
			os.Exit(1)
		}
		return
	}

	watcher, err := platform.NewFileWatcher()
	if err != nil {
		core.LogFatal(err.Error())
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := b.watch(ctx, watcher, pollInterval); err != nil {
		core.LogError(err.Error())
	}
}
