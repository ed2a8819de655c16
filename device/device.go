package device

import (
	"context"
	"errors"
	"fmt"
)

// Device errors.
var (
	// ErrDeviceRemoved is returned by every call once the device was lost.
	ErrDeviceRemoved = errors.New("device: device removed")

	// ErrOutOfMemory is returned when an allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrInvalidResource is returned for unknown or destroyed IDs.
	ErrInvalidResource = errors.New("device: invalid resource")

	// ErrNotMappable is returned when a CPU write targets a default-heap buffer
	// or a CPU read targets a non-readable buffer.
	ErrNotMappable = errors.New("device: buffer is not CPU accessible")

	// ErrCommandListClosed is returned when recording into a closed list.
	ErrCommandListClosed = errors.New("device: command list closed")
)

// SerializeError carries the textual diagnostics a device produced while
// compiling a root signature or state object.
type SerializeError struct {
	// Op names the failed operation, e.g. "root signature".
	Op string

	// Text is the device's serialized error message.
	Text string
}

// Error implements the error interface.
func (e *SerializeError) Error() string {
	return fmt.Sprintf("device: %s: %s", e.Op, e.Text)
}

// Device abstracts a GPU capable of hardware ray tracing.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - Destroying a resource while the GPU may still read it is undefined behavior
//   - IDs become invalid after destruction and must not be reused
//
// Implementations must be safe for use from a single recording goroutine;
// the queue may complete work concurrently.
type Device interface {
	// === Capabilities ===

	// Capabilities reports the ray tracing features of the device.
	Capabilities() Capabilities

	// Lost reports whether the device was removed. A lost device fails
	// every call with ErrDeviceRemoved and reports zero prebuild sizes.
	Lost() bool

	// === Buffers ===

	// CreateBuffer allocates a buffer.
	// Returns an error wrapping ErrOutOfMemory if allocation fails.
	CreateBuffer(desc *BufferDesc) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// BufferAddress returns the GPU virtual address of a buffer, or zero for
	// an unknown ID.
	BufferAddress(id BufferID) Address

	// BufferSize returns the allocated size of a buffer.
	BufferSize(id BufferID) uint64

	// WriteBuffer copies data into an upload-heap buffer through its CPU
	// mapping.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies size bytes out of an upload or readback buffer.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// === Textures ===

	// CreateTexture allocates a 2D texture.
	CreateTexture(desc *TextureDesc) (TextureID, error)

	// DestroyTexture releases a texture.
	DestroyTexture(id TextureID)

	// === Descriptors ===

	// CreateDescriptorHeap allocates a shader-visible heap with count slots.
	CreateDescriptorHeap(count uint32) (DescriptorHeapID, error)

	// DestroyDescriptorHeap releases a descriptor heap.
	DestroyDescriptorHeap(id DescriptorHeapID)

	// DescriptorHandle returns the GPU handle of slot index in heap.
	DescriptorHandle(heap DescriptorHeapID, index uint32) Handle

	// WriteDescriptor fills slot index of heap.
	WriteDescriptor(heap DescriptorHeapID, index uint32, desc Descriptor) error

	// === Acceleration structures ===

	// PrebuildInfo returns the buffer sizes required to build inputs.
	// A zero ResultSize means the device cannot build the given layout.
	PrebuildInfo(inputs *BuildInputs) PrebuildInfo

	// === Pipelines ===

	// CreateRootSignature serializes and compiles a root signature.
	// Serialization failures are returned as *SerializeError.
	CreateRootSignature(desc *RootSignatureDesc) (RootSignatureID, error)

	// DestroyRootSignature releases a root signature.
	DestroyRootSignature(id RootSignatureID)

	// CreateStateObject compiles a ray tracing pipeline.
	// Compilation failures are returned as *SerializeError.
	CreateStateObject(desc *StateObjectDesc) (StateObjectID, error)

	// DestroyStateObject releases a pipeline.
	DestroyStateObject(id StateObjectID)

	// ShaderIdentifier returns the identifier of an exported shader or hit
	// group, or false if the pipeline does not export name.
	ShaderIdentifier(id StateObjectID, name string) ([]byte, bool)

	// === Commands ===

	// CreateCommandList creates an open command list.
	CreateCommandList(label string) (CommandList, error)

	// Queue returns the device's single execution queue.
	Queue() Queue

	// Destroy releases the device and every resource it still owns.
	Destroy()
}

// DescriptorKind selects the view type written into a descriptor slot.
type DescriptorKind uint8

// Descriptor kinds.
const (
	// DescriptorTextureUAV is a read-write view of a 2D texture.
	DescriptorTextureUAV DescriptorKind = iota

	// DescriptorAccelerationStructure is a read-only scene view of a
	// top-level acceleration structure.
	DescriptorAccelerationStructure
)

// Descriptor describes a view to write into a descriptor heap.
type Descriptor struct {
	Kind DescriptorKind

	// Texture is used by DescriptorTextureUAV.
	Texture TextureID

	// Location is used by DescriptorAccelerationStructure.
	Location Address
}

// Region is one shader table region as consumed by a dispatch.
type Region struct {
	Address Address
	Size    uint64
	Stride  uint64
}

// DispatchDesc is a recorded trace-rays dispatch.
type DispatchDesc struct {
	RayGeneration Region
	Miss          Region
	HitGroup      Region

	Width  uint32
	Height uint32
	Depth  uint32
}

// CommandList records GPU commands for later submission.
//
// Recording methods do not return errors; the first recording error is
// reported by Close.
type CommandList interface {
	// BuildAccelerationStructure records a build or refit.
	BuildAccelerationStructure(desc *BuildDesc)

	// UAVBarrier orders all prior writes to buf before subsequent reads.
	UAVBarrier(buf BufferID)

	// TransitionTexture records a state transition of a texture.
	TransitionTexture(tex TextureID, before, after ResourceState)

	// SetDescriptorHeap binds the shader-visible heap used by dispatches.
	SetDescriptorHeap(heap DescriptorHeapID)

	// SetGlobalRootSignature binds the global root signature.
	SetGlobalRootSignature(rs RootSignatureID)

	// SetPipeline binds a ray tracing pipeline.
	SetPipeline(so StateObjectID)

	// DispatchRays launches a ray generation grid.
	DispatchRays(desc *DispatchDesc)

	// CopyTextureToBuffer copies a texture's texels row by row into buf.
	CopyTextureToBuffer(tex TextureID, buf BufferID)

	// Close finishes recording. A closed list can be submitted.
	Close() error

	// Reset reopens the list for recording. The list must not be in flight.
	Reset() error

	// Len returns the number of recorded commands.
	Len() int
}

// Queue executes command lists in submission order.
type Queue interface {
	// Submit enqueues closed command lists and returns the completion ordinal
	// that will be reached once all of them have executed.
	Submit(lists ...CommandList) (uint64, error)

	// CompletedOrdinal returns the highest ordinal known to be complete.
	CompletedOrdinal() uint64

	// WaitUntilCompleted blocks until ordinal is complete or ctx is done.
	WaitUntilCompleted(ctx context.Context, ordinal uint64) error
}
