// Package shaderc compiles GLSL to SPIR-V by running an external compiler
// such as glslc.
package shaderc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/gpu"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

const spirvMagic uint32 = 0x07230203

var (
	ErrEmptyCommand     = errors.New("shader compiler command is empty")
	ErrUnsupportedStage = errors.New("unsupported shader stage")
	ErrInvalidSPIRV     = errors.New("compiler output is not SPIR-V")
)

// Glslc runs a glslc compatible command line. The stage, the source, the
// output file and a make style depfile are appended to the configured
// arguments; the depfile supplies the include list.
type Glslc struct {
	command string
	args    []string
	workDir string
}

var _ pipeline.Compiler = (*Glslc)(nil)

// NewGlslc parses cmdline with shell quoting rules, e.g.
// `glslc --target-env=vulkan1.3 -g -I "shaders/common"`.
func NewGlslc(cmdline string) (*Glslc, error) {
	args, err := shellwords.Parse(cmdline)
	if err != nil {
		return nil, fmt.Errorf("failed to parse shader compiler command %q: %w", cmdline, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return &Glslc{command: args[0], args: args[1:]}, nil
}

func stageName(stage gpu.ShaderStageFlags) (string, error) {
	switch stage {
	case gpu.ShaderStageVertex:
		return "vert", nil
	case gpu.ShaderStageFragment:
		return "frag", nil
	case gpu.ShaderStageCompute:
		return "comp", nil
	case gpu.ShaderStageGeometry:
		return "geom", nil
	case gpu.ShaderStageTessellationControl:
		return "tesc", nil
	case gpu.ShaderStageTessellationEvaluation:
		return "tese", nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnsupportedStage, stage)
}

// StageForPath maps a shader source extension (.vert, .frag, ...) to its
// stage.
func StageForPath(path string) (gpu.ShaderStageFlags, error) {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "vert":
		return gpu.ShaderStageVertex, nil
	case "frag":
		return gpu.ShaderStageFragment, nil
	case "comp":
		return gpu.ShaderStageCompute, nil
	case "geom":
		return gpu.ShaderStageGeometry, nil
	case "tesc":
		return gpu.ShaderStageTessellationControl, nil
	case "tese":
		return gpu.ShaderStageTessellationEvaluation, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedStage, path)
}

func (g *Glslc) Compile(path string, stage gpu.ShaderStageFlags) (*pipeline.CompileResult, error) {
	name, err := stageName(stage)
	if err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp(g.workDir, "lumen-shader-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	out := filepath.Join(tmp, "out.spv")
	dep := filepath.Join(tmp, "out.d")

	args := append([]string{}, g.args...)
	args = append(args, "-fshader-stage="+name, path, "-o", out, "-MD", "-MF", dep)

	var stderr bytes.Buffer
	cmd := exec.Command(g.command, args...)
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("error executing %s: %w", g.command, err)
		}
		return nil, fmt.Errorf("error executing %s: %w\n%s", g.command, err, msg)
	}

	code, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read compiled shader: %w", err)
	}
	spirv, err := DecodeSPIRV(code)
	if err != nil {
		return nil, err
	}

	var includes []string
	if depfile, err := os.ReadFile(dep); err == nil {
		includes = ParseDepfile(depfile, path)
	} else {
		core.LogWarn("no include list for %s: %s", path, err.Error())
	}

	core.LogDebug("compiled %s (%d words, %d includes)", path, len(spirv), len(includes))
	return &pipeline.CompileResult{SPIRV: spirv, Includes: includes}, nil
}

// DecodeSPIRV converts a little endian SPIR-V binary into words.
func DecodeSPIRV(code []byte) ([]uint32, error) {
	if len(code) < 4 || len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSPIRV, len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrInvalidSPIRV, words[0])
	}
	return words, nil
}

// EncodeSPIRV is the inverse of DecodeSPIRV.
func EncodeSPIRV(words []uint32) []byte {
	out := make([]byte, 0, len(words)*4)
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

// ParseDepfile returns the prerequisites of a make style dependency file,
// leaving out source itself. Escaped spaces and line continuations are
// understood.
func ParseDepfile(data []byte, source string) []string {
	text := strings.ReplaceAll(string(data), "\\\r\n", " ")
	text = strings.ReplaceAll(text, "\\\n", " ")

	// Skip the target list. A drive letter colon is followed by a path
	// separator, the target separator by whitespace.
	start := -1
	for i := 0; i < len(text); i++ {
		if text[i] == ':' && (i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\t' || text[i+1] == '\n') {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}

	src := filepath.Clean(source)
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		p := filepath.Clean(cur.String())
		cur.Reset()
		if p == src {
			return
		}
		for _, seen := range out {
			if seen == p {
				return
			}
		}
		out = append(out, p)
	}
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\\' && i+1 < len(text) && text[i+1] == ' ':
			cur.WriteByte(' ')
			i++
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
