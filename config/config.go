// Package config loads the application configuration of the ray tracing
// demo: output size, shader export names, pipeline limits, the soft device
// and the scene instances.
//
// Files are TOML or YAML, selected by extension. Missing fields keep the
// values of Default, which reproduce the three-instance reference scene.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// ErrFormat is returned for file extensions without a codec.
var ErrFormat = errors.New("config: unknown format")

// Config is the complete application configuration.
type Config struct {
	Output   Output   `toml:"output" yaml:"output"`
	Shaders  Shaders  `toml:"shaders" yaml:"shaders"`
	Pipeline Pipeline `toml:"pipeline" yaml:"pipeline"`
	Device   Device   `toml:"device" yaml:"device"`
	Scene    Scene    `toml:"scene" yaml:"scene"`
	Frames   int      `toml:"frames" yaml:"frames"`
}

// Output describes the traced image.
type Output struct {
	Width  uint32 `toml:"width" yaml:"width"`
	Height uint32 `toml:"height" yaml:"height"`
	Path   string `toml:"path" yaml:"path"`
}

// Shaders names the shader library and its exports.
type Shaders struct {
	// Library is a WGSL file. Empty selects the embedded scene library.
	Library string `toml:"library" yaml:"library"`

	RayGen      string `toml:"raygen" yaml:"raygen"`
	Miss        string `toml:"miss" yaml:"miss"`
	ShadowMiss  string `toml:"shadow_miss" yaml:"shadow_miss"`
	TriangleHit string `toml:"triangle_hit" yaml:"triangle_hit"`
	PlaneHit    string `toml:"plane_hit" yaml:"plane_hit"`
	ShadowHit   string `toml:"shadow_hit" yaml:"shadow_hit"`
}

// Exports returns the shader names in library order.
func (s Shaders) Exports() []string {
	return []string{s.RayGen, s.Miss, s.TriangleHit, s.PlaneHit, s.ShadowHit, s.ShadowMiss}
}

// Pipeline holds the shader and pipeline config values.
type Pipeline struct {
	MaxPayloadSize   uint32 `toml:"max_payload_size" yaml:"max_payload_size"`
	MaxAttributeSize uint32 `toml:"max_attribute_size" yaml:"max_attribute_size"`
	MaxRecursion     uint32 `toml:"max_recursion" yaml:"max_recursion"`
	RayTypes         uint32 `toml:"ray_types" yaml:"ray_types"`
}

// Device configures the soft device.
type Device struct {
	Latency      Duration `toml:"latency" yaml:"latency"`
	MemoryBudget uint64   `toml:"memory_budget" yaml:"memory_budget"`
}

// Scene lists the instances and their animation.
type Scene struct {
	// RotationSpeed is the rotation of animated instances in radians per
	// second.
	RotationSpeed float32    `toml:"rotation_speed" yaml:"rotation_speed"`
	Instances     []Instance `toml:"instances" yaml:"instances"`
}

// Instance places one bottom-level structure in the scene.
type Instance struct {
	Geometry    GeometryKind `toml:"geometry" yaml:"geometry"`
	Translation [3]float32   `toml:"translation" yaml:"translation"`
	Animated    bool         `toml:"animated" yaml:"animated"`
}

// Default returns the configuration of the three-instance reference scene.
func Default() Config {
	return Config{
		Output: Output{Width: 1280, Height: 720, Path: "frame.png"},
		Shaders: Shaders{
			RayGen:      "raygen",
			Miss:        "miss",
			ShadowMiss:  "shadow_miss",
			TriangleHit: "chs_triangle",
			PlaneHit:    "chs_plane",
			ShadowHit:   "shadow_chs",
		},
		Pipeline: Pipeline{
			MaxPayloadSize:   12,
			MaxAttributeSize: 8,
			MaxRecursion:     2,
			RayTypes:         2,
		},
		Scene: Scene{
			RotationSpeed: 1,
			Instances: []Instance{
				{Geometry: GeometryTrianglePlane, Translation: [3]float32{0, 0, 0}},
				{Geometry: GeometryTriangle, Translation: [3]float32{-2, 0, 0}, Animated: true},
				{Geometry: GeometryTriangle, Translation: [3]float32{2, 0, 0}, Animated: true},
			},
		},
		Frames: 1,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	if c.Output.Width == 0 || c.Output.Height == 0 {
		return invalid("output size %dx%d", c.Output.Width, c.Output.Height)
	}
	seen := make(map[string]bool)
	for _, name := range c.Shaders.Exports() {
		if strings.TrimSpace(name) == "" {
			return invalid("empty shader export name")
		}
		if seen[name] {
			return invalid("shader export %q named twice", name)
		}
		seen[name] = true
	}
	if c.Pipeline.MaxPayloadSize == 0 {
		return invalid("max_payload_size is zero")
	}
	// The ray generation shader always traces.
	if c.Pipeline.MaxRecursion == 0 {
		return invalid("max_recursion is zero")
	}
	if c.Pipeline.RayTypes == 0 {
		return invalid("ray_types is zero")
	}
	if len(c.Scene.Instances) == 0 {
		return invalid("scene has no instances")
	}
	if c.Frames < 0 {
		return invalid("frames %d", c.Frames)
	}
	return nil
}

// Load reads a TOML or YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	// Instances in the file replace the default scene instead of extending it.
	instances := cfg.Scene.Instances
	cfg.Scene.Instances = nil
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrFormat, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Scene.Instances) == 0 {
		cfg.Scene.Instances = instances
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes c to path using the codec selected by its extension.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		var buf bytes.Buffer
		enc := toml.NewEncoder(&buf)
		enc.SetIndentTables(true)
		err = enc.Encode(c)
		data = buf.Bytes()
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		return fmt.Errorf("%w: %q", ErrFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Duration is a time.Duration written as a string such as "16ms".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}
