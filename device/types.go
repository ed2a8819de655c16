package device

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Resource IDs
//
// These opaque IDs represent device resources. Each implementation maintains
// a mapping between IDs and its own backend objects.

// BufferID is an opaque handle to a device buffer.
type BufferID uint64

// TextureID is an opaque handle to a 2D texture.
type TextureID uint64

// DescriptorHeapID is an opaque handle to a shader-visible descriptor heap.
type DescriptorHeapID uint64

// RootSignatureID is an opaque handle to a compiled root signature.
type RootSignatureID uint64

// StateObjectID is an opaque handle to a compiled ray tracing pipeline.
type StateObjectID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// Address is a GPU virtual address.
type Address uint64

// Handle is a GPU descriptor handle inside a shader-visible heap.
type Handle uint64

// HeapType selects the memory pool a buffer is allocated from.
type HeapType uint8

// Heap types.
const (
	HeapDefault HeapType = iota
	HeapUpload
	HeapReadback
)

// String returns the heap name.
func (h HeapType) String() string {
	switch h {
	case HeapDefault:
		return "Default"
	case HeapUpload:
		return "Upload"
	case HeapReadback:
		return "Readback"
	default:
		return fmt.Sprintf("HeapType(%d)", h)
	}
}

// ResourceState is the usage state a resource is in on the queue timeline.
type ResourceState uint8

// Resource states.
const (
	StateCommon ResourceState = iota
	StateGenericRead
	StateUnorderedAccess
	StateAccelerationStructure
	StateCopySource
	StateCopyDest
)

// String returns the state name.
func (s ResourceState) String() string {
	switch s {
	case StateCommon:
		return "Common"
	case StateGenericRead:
		return "GenericRead"
	case StateUnorderedAccess:
		return "UnorderedAccess"
	case StateAccelerationStructure:
		return "AccelerationStructure"
	case StateCopySource:
		return "CopySource"
	case StateCopyDest:
		return "CopyDest"
	default:
		return fmt.Sprintf("ResourceState(%d)", s)
	}
}

// BufferDesc describes a buffer allocation.
type BufferDesc struct {
	Label        string
	Size         uint64
	Heap         HeapType
	InitialState ResourceState
	// AllowUnorderedAccess must be set for scratch and result buffers.
	AllowUnorderedAccess bool
}

// TextureDesc describes a 2D texture allocation.
type TextureDesc struct {
	Label        string
	Width        uint32
	Height       uint32
	Format       gputypes.TextureFormat
	InitialState ResourceState
}

// Capabilities reports the ray tracing features of a device.
type Capabilities struct {
	// RaytracingTier is zero when ray tracing is not supported.
	RaytracingTier uint32

	// ShaderIdentifierSize is the size of a shader identifier in bytes.
	ShaderIdentifierSize uint32

	// RecordAlignment is the required alignment of a shader record stride.
	RecordAlignment uint32

	// TableAlignment is the required alignment of a shader table region start.
	TableAlignment uint32

	// MaxRecursionDepth is the largest accepted pipeline recursion depth.
	MaxRecursionDepth uint32

	// MaxRecordStride is the largest accepted shader record stride.
	MaxRecordStride uint32
}

// SupportsRaytracing reports whether the device can build acceleration
// structures and dispatch rays.
func (c Capabilities) SupportsRaytracing() bool {
	return c.RaytracingTier > 0
}
