package core

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Renderer.FramesInFlight)
	assert.Equal(t, uint32(1000), cfg.Renderer.DescriptorPoolCapacity)
	assert.Equal(t, time.Second, cfg.Renderer.FenceTimeout.Std())
}

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[log]
level = "debug"
format = "json"

[renderer]
descriptor_pool_capacity = 64
fence_timeout = "250ms"

[shaders]
directory = "assets/shaders"
hot_reload = false
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint32(64), cfg.Renderer.DescriptorPoolCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Renderer.FenceTimeout.Std())
	assert.Equal(t, time.Second, cfg.Renderer.AcquireTimeout.Std())
	assert.Equal(t, "assets/shaders", cfg.Shaders.Directory)
	assert.False(t, cfg.Shaders.HotReload)
	assert.Equal(t, 4, cfg.Jobs.Workers)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte("[renderer]\nframes = 3\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseConfigRejectsFramesInFlight(t *testing.T) {
	_, err := ParseConfig([]byte("[renderer]\nframes_in_flight = 3\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "frames_in_flight")
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	_, err := ParseConfig([]byte("[renderer]\nfence_timeout = \"soon\"\n"))
	require.Error(t, err)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.toml")
	require.NoError(t, os.WriteFile(path, []byte("[jobs]\nworkers = 8\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Jobs.Workers)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestConfigureLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	prev := SetLogger(getLogger().Logger)
	t.Cleanup(func() { SetLogger(prev) })

	require.NoError(t, ConfigureLogger(LogConfig{Level: "warn", Format: "json"}, &buf))
	LogInfo("hidden")
	LogWarn("shown %d", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 1")

	require.Error(t, ConfigureLogger(LogConfig{Level: "loud"}, &buf))
	require.Error(t, ConfigureLogger(LogConfig{Level: "info", Format: "xml"}, &buf))
}

func TestLoggerReportsCallingFile(t *testing.T) {
	var buf bytes.Buffer
	prev := SetLogger(getLogger().Logger)
	t.Cleanup(func() { SetLogger(prev) })

	require.NoError(t, ConfigureLogger(LogConfig{Level: "info", Format: "json"}, &buf))
	LogInfo("where")

	var entry struct {
		Caller string `json:"caller"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.True(t, strings.HasPrefix(entry.Caller, "core/config_test.go:"), entry.Caller)
}
