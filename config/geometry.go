package config

import "fmt"

// GeometryKind selects the bottom-level structure of an instance.
type GeometryKind uint8

// Geometry kinds.
const (
	// GeometryTriangle is a single triangle.
	GeometryTriangle GeometryKind = iota
	// GeometryTrianglePlane is a triangle and an indexed ground plane in
	// one bottom-level structure.
	GeometryTrianglePlane
)

// String returns the configuration name of the kind.
func (k GeometryKind) String() string {
	switch k {
	case GeometryTriangle:
		return "triangle"
	case GeometryTrianglePlane:
		return "triangle+plane"
	default:
		return fmt.Sprintf("GeometryKind(%d)", uint8(k))
	}
}

// Geometries returns the number of geometries in the structure.
func (k GeometryKind) Geometries() int {
	if k == GeometryTrianglePlane {
		return 2
	}
	return 1
}

// MarshalText implements encoding.TextMarshaler.
func (k GeometryKind) MarshalText() ([]byte, error) {
	switch k {
	case GeometryTriangle, GeometryTrianglePlane:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("config: unknown geometry kind %d", uint8(k))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *GeometryKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "triangle":
		*k = GeometryTriangle
	case "triangle+plane":
		*k = GeometryTrianglePlane
	default:
		return fmt.Errorf("config: unknown geometry %q", text)
	}
	return nil
}
