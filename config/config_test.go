package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Shaders.Exports(), 6)
	assert.Equal(t, GeometryTrianglePlane, cfg.Scene.Instances[0].Geometry)
	assert.Equal(t, uint32(2), cfg.Pipeline.MaxRecursion)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "rt.toml", `
frames = 10

[output]
width = 320
height = 200

[pipeline]
max_recursion = 1

[device]
latency = "5ms"

[[scene.instances]]
geometry = "triangle"
translation = [1.0, 2.0, 3.0]
animated = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Frames)
	assert.Equal(t, uint32(320), cfg.Output.Width)
	assert.Equal(t, "frame.png", cfg.Output.Path, "unset fields keep defaults")
	assert.Equal(t, uint32(1), cfg.Pipeline.MaxRecursion)
	assert.Equal(t, uint32(12), cfg.Pipeline.MaxPayloadSize)
	assert.Equal(t, Duration(5*time.Millisecond), cfg.Device.Latency)
	require.Len(t, cfg.Scene.Instances, 1)
	assert.Equal(t, Instance{Geometry: GeometryTriangle, Translation: [3]float32{1, 2, 3}, Animated: true}, cfg.Scene.Instances[0])
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "rt.yaml", `
output:
  width: 64
  height: 48
shaders:
  raygen: rg
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(48), cfg.Output.Height)
	assert.Equal(t, "rg", cfg.Shaders.RayGen)
	assert.Equal(t, "miss", cfg.Shaders.Miss)
	assert.Len(t, cfg.Scene.Instances, 3, "default instances kept")
}

func TestRoundTrip(t *testing.T) {
	want := Default()
	want.Device.Latency = Duration(16 * time.Millisecond)
	want.Scene.Instances[2].Translation = [3]float32{3, 0.5, -1}

	for _, name := range []string{"out.toml", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, want.Save(path))
			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		target  error
	}{
		{"unknown extension", "rt.ini", "x=1", ErrFormat},
		{"empty export", "rt.toml", "[shaders]\nmiss = \"\"\n", ErrInvalid},
		{"duplicate export", "rt.yaml", "shaders:\n  miss: raygen\n", ErrInvalid},
		{"zero payload", "rt.toml", "[pipeline]\nmax_payload_size = 0\n", ErrInvalid},
		{"zero recursion", "rt.toml", "[pipeline]\nmax_recursion = 0\n", ErrInvalid},
		{"zero width", "rt.yaml", "output:\n  width: 0\n", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.ErrorIs(t, err, tt.target)
		})
	}

	_, err := Load(writeFile(t, "rt.toml", "[[scene.instances]]\ngeometry = \"sphere\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sphere")

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestGeometryKindText(t *testing.T) {
	for _, k := range []GeometryKind{GeometryTriangle, GeometryTrianglePlane} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var got GeometryKind
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, k, got)
	}
	_, err := GeometryKind(7).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, 2, GeometryTrianglePlane.Geometries())
	assert.Equal(t, 1, GeometryTriangle.Geometries())
}
