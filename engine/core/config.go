package core

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that reads and writes as a string ("250ms", "1s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type RendererConfig struct {
	FramesInFlight         int      `toml:"frames_in_flight"`
	DescriptorPoolCapacity uint32   `toml:"descriptor_pool_capacity"`
	FenceTimeout           Duration `toml:"fence_timeout"`
	AcquireTimeout         Duration `toml:"acquire_timeout"`
	MaxObjects             int      `toml:"max_objects"`
	MaxMaterials           int      `toml:"max_materials"`
}

type ShaderConfig struct {
	Directory string `toml:"directory"`
	// Compiler is the command line used to invoke the shader compiler. The
	// source, output and depfile arguments are appended to it.
	Compiler  string `toml:"compiler"`
	HotReload bool   `toml:"hot_reload"`
}

type JobConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

type Config struct {
	Log      LogConfig      `toml:"log"`
	Renderer RendererConfig `toml:"renderer"`
	Shaders  ShaderConfig   `toml:"shaders"`
	Jobs     JobConfig      `toml:"jobs"`
}

func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Renderer: RendererConfig{
			FramesInFlight:         2,
			DescriptorPoolCapacity: 1000,
			FenceTimeout:           Duration(time.Second),
			AcquireTimeout:         Duration(time.Second),
			MaxObjects:             10000,
			MaxMaterials:           1024,
		},
		Shaders: ShaderConfig{
			Directory: "shaders",
			Compiler:  "glslc --target-env=vulkan1.3",
			HotReload: true,
		},
		Jobs: JobConfig{
			Workers:   4,
			QueueSize: 64,
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML on top of the defaults. Keys that do not map to a
// field are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Renderer.FramesInFlight != 2 {
		errs = append(errs, fmt.Errorf("renderer.frames_in_flight must be 2, got %d", c.Renderer.FramesInFlight))
	}
	if c.Renderer.DescriptorPoolCapacity == 0 {
		errs = append(errs, errors.New("renderer.descriptor_pool_capacity must be greater than 0"))
	}
	if c.Renderer.FenceTimeout <= 0 {
		errs = append(errs, errors.New("renderer.fence_timeout must be positive"))
	}
	if c.Renderer.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("renderer.acquire_timeout must be positive"))
	}
	if c.Renderer.MaxObjects <= 0 || c.Renderer.MaxMaterials <= 0 {
		errs = append(errs, errors.New("renderer.max_objects and renderer.max_materials must be positive"))
	}
	if c.Jobs.Workers <= 0 {
		errs = append(errs, errors.New("jobs.workers must be greater than 0"))
	}
	if c.Jobs.QueueSize < 0 {
		errs = append(errs, errors.New("jobs.queue_size must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
