package shaderc

import (
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
)

func TestParseDepfile(t *testing.T) {
	dep := "/tmp/out.spv: /work/shaders/mesh.frag /work/shaders/common/lighting.glsl \\\n" +
		" /work/shaders/common/brdf.glsl /work/shaders/with\\ space.glsl \\\n" +
		" /work/shaders/common/lighting.glsl\n"

	got := ParseDepfile([]byte(dep), "/work/shaders/mesh.frag")
	assert.Equal(t, []string{
		"/work/shaders/common/lighting.glsl",
		"/work/shaders/common/brdf.glsl",
		"/work/shaders/with space.glsl",
	}, got)

	assert.Empty(t, ParseDepfile([]byte("out.spv: mesh.vert\n"), "mesh.vert"))
	assert.Nil(t, ParseDepfile([]byte("garbage"), "mesh.vert"))
}

func TestDecodeSPIRV(t *testing.T) {
	code := binary.LittleEndian.AppendUint32(nil, spirvMagic)
	code = binary.LittleEndian.AppendUint32(code, 0x00010600)
	words, err := DecodeSPIRV(code)
	require.NoError(t, err)
	assert.Equal(t, []uint32{spirvMagic, 0x00010600}, words)

	_, err = DecodeSPIRV(code[:6])
	assert.ErrorIs(t, err, ErrInvalidSPIRV)
	_, err = DecodeSPIRV([]byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrInvalidSPIRV)
}

func TestNewGlslc(t *testing.T) {
	g, err := NewGlslc(`glslc --target-env=vulkan1.3 -I "shaders/common dir"`)
	require.NoError(t, err)
	assert.Equal(t, "glslc", g.command)
	assert.Equal(t, []string{"--target-env=vulkan1.3", "-I", "shaders/common dir"}, g.args)

	_, err = NewGlslc("   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)
	_, err = NewGlslc(`glslc "unterminated`)
	assert.Error(t, err)
}

// fakeGlslc writes a SPIR-V header to the -o file and a depfile naming one
// include to the -MF file.
const fakeGlslc = `#!/bin/sh
out=""; dep=""; src=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift ;;
    -MF) dep="$2"; shift ;;
    -MD|-fshader-stage=*|--*) ;;
    *) src="$1" ;;
  esac
  shift
done
case "$src" in *broken*) echo "$src:3: error: syntax" >&2; exit 1 ;; esac
printf '\003\002\043\007\000\000\001\000' > "$out"
echo "$out: $src $(dirname "$src")/common.glsl" > "$dep"
`

func TestGlslcCompile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "glslc.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeGlslc), 0o755))

	g, err := NewGlslc("sh " + script + " --target-env=vulkan1.3")
	require.NoError(t, err)

	src := filepath.Join(dir, "mesh.frag")
	res, err := g.Compile(src, gpu.ShaderStageFragment)
	require.NoError(t, err)
	assert.Equal(t, []uint32{spirvMagic, 0x00010000}, res.SPIRV)
	assert.Equal(t, []string{filepath.Join(dir, "common.glsl")}, res.Includes)

	_, err = g.Compile(filepath.Join(dir, "broken.frag"), gpu.ShaderStageFragment)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax")

	_, err = g.Compile(src, gpu.ShaderStageAll)
	assert.ErrorIs(t, err, ErrUnsupportedStage)
}

func TestStageForPath(t *testing.T) {
	stage, err := StageForPath("shaders/world.frag")
	require.NoError(t, err)
	assert.Equal(t, gpu.ShaderStageFragment, stage)

	stage, err = StageForPath("cull.comp")
	require.NoError(t, err)
	assert.Equal(t, gpu.ShaderStageCompute, stage)

	_, err = StageForPath("common/lighting.glsl")
	assert.ErrorIs(t, err, ErrUnsupportedStage)
}

func TestEncodeSPIRVIsLittleEndian(t *testing.T) {
	code := EncodeSPIRV([]uint32{spirvMagic, 0x00010600})
	assert.Equal(t, []byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x06, 0x01, 0x00}, code)

	words, err := DecodeSPIRV(code)
	require.NoError(t, err)
	assert.Equal(t, []uint32{spirvMagic, 0x00010600}, words)
}
