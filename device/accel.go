package device

import "github.com/gogpu/gputypes"

// Level selects between bottom-level (geometry) and top-level (instance)
// acceleration structures.
type Level uint8

// Acceleration structure levels.
const (
	LevelBottom Level = iota
	LevelTop
)

// String returns "bottom" or "top".
func (l Level) String() string {
	if l == LevelTop {
		return "top"
	}
	return "bottom"
}

// BuildFlags control how an acceleration structure is built.
type BuildFlags uint32

// Build flags.
const (
	BuildFlagNone BuildFlags = 0

	// BuildFlagAllowUpdate permits later refits of the structure.
	BuildFlagAllowUpdate BuildFlags = 1 << 0

	// BuildFlagPreferFastTrace trades build time for traversal speed.
	BuildFlagPreferFastTrace BuildFlags = 1 << 1

	// BuildFlagPreferFastBuild trades traversal speed for build time.
	BuildFlagPreferFastBuild BuildFlags = 1 << 2

	// BuildFlagPerformUpdate refits an existing structure in place.
	// Source must point at a structure built with BuildFlagAllowUpdate.
	BuildFlagPerformUpdate BuildFlags = 1 << 3
)

// Has reports whether all bits of flag are set.
func (f BuildFlags) Has(flag BuildFlags) bool {
	return f&flag == flag
}

// GeometryFlags describe per-geometry traversal behavior.
type GeometryFlags uint32

// Geometry flags.
const (
	GeometryFlagNone GeometryFlags = 0

	// GeometryFlagOpaque skips any-hit shaders for this geometry.
	GeometryFlagOpaque GeometryFlags = 1 << 0
)

// Triangles describes one triangle geometry in device terms.
//
// An IndexAddress of zero means the geometry is not indexed and every three
// consecutive vertices form a triangle.
type Triangles struct {
	VertexAddress Address
	VertexStride  uint64
	VertexCount   uint32
	VertexFormat  gputypes.VertexFormat

	IndexAddress Address
	IndexCount   uint32
	IndexFormat  gputypes.IndexFormat

	Flags GeometryFlags
}

// BuildInputs describe the contents of an acceleration structure for both
// sizing queries and build commands.
type BuildInputs struct {
	Level Level
	Flags BuildFlags

	// Geometries is used for bottom-level inputs.
	Geometries []Triangles

	// InstanceCount and Instances are used for top-level inputs.
	// Instances points at InstanceCount packed instance descriptors.
	InstanceCount uint32
	Instances     Address
}

// PrebuildInfo reports the memory an acceleration structure build needs.
type PrebuildInfo struct {
	ResultSize        uint64
	ScratchSize       uint64
	UpdateScratchSize uint64
}

// BuildDesc is a recorded acceleration structure build or refit.
type BuildDesc struct {
	Inputs BuildInputs

	// Dest is the address of the result buffer.
	Dest Address

	// Source is the structure being refit. It must be zero unless Inputs.Flags
	// contains BuildFlagPerformUpdate, and may equal Dest.
	Source Address

	// Scratch is the address of the scratch buffer.
	Scratch Address
}

// InstanceDescSize is the size in bytes of one packed instance descriptor.
const InstanceDescSize = 64
