package rt

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/internal/align"
)

// AccelerationStructureAlignment is the required byte alignment of
// acceleration structure result and scratch buffers.
const AccelerationStructureAlignment = 256

// BuilderOptions configure an acceleration structure Builder.
type BuilderOptions struct {
	// BottomFlags are used for every bottom-level build.
	BottomFlags device.BuildFlags

	// TopFlags are used for every top-level build. BuildFlagAllowUpdate is
	// always added so that top-level structures can be refit.
	TopFlags device.BuildFlags
}

// DefaultBuilderOptions returns options preferring trace speed at both
// levels.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BottomFlags: device.BuildFlagPreferFastTrace,
		TopFlags:    device.BuildFlagPreferFastTrace | device.BuildFlagAllowUpdate,
	}
}

// Builder records acceleration structure builds and refits.
//
// Builder never waits on the GPU. Every method records into the command list
// passed by the caller; the caller submits it and decides when transient
// scratch memory may be released (see FrameSynchronizer).
type Builder struct {
	dev  device.Device
	opts BuilderOptions
}

// NewBuilder creates a builder on dev.
func NewBuilder(dev device.Device, opts BuilderOptions) *Builder {
	opts.TopFlags |= device.BuildFlagAllowUpdate
	return &Builder{dev: dev, opts: opts}
}

// Supported reports whether the device can build acceleration structures.
func (b *Builder) Supported() bool {
	return b.dev.Capabilities().SupportsRaytracing()
}

// unsupported is the error for a zero prebuild result size.
func (b *Builder) unsupported() error {
	if b.dev.Lost() {
		return classify(device.ErrDeviceRemoved, ErrDeviceLost)
	}
	return ErrUnsupportedGeometryLayout
}

// Device returns the device the builder allocates on.
func (b *Builder) Device() device.Device {
	return b.dev
}

// BottomLevel is a built bottom-level acceleration structure.
//
// Its Result buffer must not be read by a dispatch until the build has been
// made visible, either by the UAV barrier BuildBottomLevel records (same
// command list) or by waiting on the submission's completion ordinal.
type BottomLevel struct {
	id         uuid.UUID
	dev        device.Device
	result     device.BufferID
	scratch    device.BufferID
	address    device.Address
	prebuild   device.PrebuildInfo
	geometries []GeometryDescriptor
	refs       int
	destroyed  bool
}

// ID returns the structure's unique ID.
func (s *BottomLevel) ID() uuid.UUID { return s.id }

// Address returns the GPU address of the Result buffer.
func (s *BottomLevel) Address() device.Address { return s.address }

// Result returns the Result buffer.
func (s *BottomLevel) Result() device.BufferID { return s.result }

// Prebuild returns the sizes the device reported for this structure.
func (s *BottomLevel) Prebuild() device.PrebuildInfo { return s.prebuild }

// ResultSize returns the allocated size of the Result buffer.
func (s *BottomLevel) ResultSize() uint64 { return s.dev.BufferSize(s.result) }

// GeometryCount returns the number of geometries in the structure.
func (s *BottomLevel) GeometryCount() int { return len(s.geometries) }

// Geometries returns a copy of the geometry descriptors the structure was
// built from.
func (s *BottomLevel) Geometries() []GeometryDescriptor {
	return append([]GeometryDescriptor(nil), s.geometries...)
}

// References returns the number of live top-level structures using s.
func (s *BottomLevel) References() int { return s.refs }

// ReleaseScratch frees the scratch buffer. Call it only after the build's
// completion ordinal was observed.
func (s *BottomLevel) ReleaseScratch() {
	if s.scratch != device.InvalidID {
		s.dev.DestroyBuffer(s.scratch)
		s.scratch = device.InvalidID
	}
}

// Destroy releases all buffers. It fails while a top-level structure still
// references s.
func (s *BottomLevel) Destroy() error {
	if s.destroyed {
		return nil
	}
	if s.refs > 0 {
		return &ValidationError{
			Category: CategoryInstance,
			Reason:   fmt.Sprintf("bottom-level structure %s is referenced by %d top-level structures", s.id, s.refs),
		}
	}
	s.ReleaseScratch()
	s.dev.DestroyBuffer(s.result)
	s.result = device.InvalidID
	s.address = 0
	s.destroyed = true
	return nil
}

// ScratchBuffer is caller-owned scratch memory that can be shared by several
// builds recorded into the same command list.
type ScratchBuffer struct {
	dev     device.Device
	id      device.BufferID
	address device.Address
	size    uint64
	used    bool
}

// NewScratchBuffer allocates size bytes of scratch memory.
func (b *Builder) NewScratchBuffer(size uint64) (*ScratchBuffer, error) {
	id, err := b.allocate("scratch-shared", size, device.StateUnorderedAccess)
	if err != nil {
		return nil, err
	}
	return &ScratchBuffer{dev: b.dev, id: id, address: b.dev.BufferAddress(id), size: b.dev.BufferSize(id)}, nil
}

// Size returns the usable size of the buffer.
func (s *ScratchBuffer) Size() uint64 { return s.size }

// Destroy releases the buffer.
func (s *ScratchBuffer) Destroy() {
	if s.id != device.InvalidID {
		s.dev.DestroyBuffer(s.id)
		s.id = device.InvalidID
	}
}

// PrebuildBottomLevel queries the sizes required to build geoms.
func (b *Builder) PrebuildBottomLevel(geoms []GeometryDescriptor) device.PrebuildInfo {
	inputs := b.bottomInputs(geoms)
	return b.dev.PrebuildInfo(&inputs)
}

// BuildBottomLevel records the build of one bottom-level structure over all
// of geoms, followed by a UAV barrier on its Result buffer.
//
// Returns ErrUnsupportedGeometryLayout (wrapped in *BuildError) if the device
// reports a zero result size, ErrAllocationFailure if a buffer cannot be
// created, and ErrValidationFailure for empty input.
func (b *Builder) BuildBottomLevel(cl device.CommandList, geoms []GeometryDescriptor) (*BottomLevel, error) {
	return b.buildBottomLevel(cl, geoms, nil)
}

// BuildBottomLevelShared is BuildBottomLevel using caller-owned scratch
// memory. Consecutive builds sharing one scratch buffer are separated by a
// UAV barrier on it.
func (b *Builder) BuildBottomLevelShared(cl device.CommandList, geoms []GeometryDescriptor, scratch *ScratchBuffer) (*BottomLevel, error) {
	if scratch == nil || scratch.id == device.InvalidID {
		return nil, &ValidationError{Category: CategoryGeometry, Reason: "shared scratch buffer is nil or destroyed"}
	}
	return b.buildBottomLevel(cl, geoms, scratch)
}

func (b *Builder) bottomInputs(geoms []GeometryDescriptor) device.BuildInputs {
	tris := make([]device.Triangles, len(geoms))
	for i := range geoms {
		tris[i] = geoms[i].deviceTriangles()
	}
	return device.BuildInputs{
		Level:      device.LevelBottom,
		Flags:      b.opts.BottomFlags,
		Geometries: tris,
	}
}

func (b *Builder) buildBottomLevel(cl device.CommandList, geoms []GeometryDescriptor, shared *ScratchBuffer) (*BottomLevel, error) {
	if len(geoms) == 0 {
		return nil, &ValidationError{
			Category: CategoryGeometry,
			Reason:   "bottom-level build needs at least one geometry",
			Kind:     ErrEmptyInput,
		}
	}

	inputs := b.bottomInputs(geoms)
	info := b.dev.PrebuildInfo(&inputs)
	buildErr := func(err error) error {
		return &BuildError{
			Level:       device.LevelBottom,
			Geometries:  len(geoms),
			ResultSize:  info.ResultSize,
			ScratchSize: info.ScratchSize,
			Err:         err,
		}
	}
	if info.ResultSize == 0 {
		return nil, buildErr(b.unsupported())
	}
	if shared != nil && shared.size < info.ScratchSize {
		return nil, buildErr(&ValidationError{
			Category: CategoryGeometry,
			Reason:   fmt.Sprintf("shared scratch holds %d bytes, build needs %d", shared.size, info.ScratchSize),
		})
	}

	s := &BottomLevel{
		id:         uuid.New(),
		dev:        b.dev,
		prebuild:   info,
		geometries: append([]GeometryDescriptor(nil), geoms...),
	}

	var scratchAddr device.Address
	if shared == nil {
		id, err := b.allocate("blas-scratch-"+s.id.String(), info.ScratchSize, device.StateUnorderedAccess)
		if err != nil {
			return nil, buildErr(err)
		}
		s.scratch = id
		scratchAddr = b.dev.BufferAddress(id)
	} else {
		if shared.used {
			cl.UAVBarrier(shared.id)
		}
		shared.used = true
		scratchAddr = shared.address
	}

	result, err := b.allocate("blas-result-"+s.id.String(), info.ResultSize, device.StateAccelerationStructure)
	if err != nil {
		s.ReleaseScratch()
		return nil, buildErr(err)
	}
	s.result = result
	s.address = b.dev.BufferAddress(result)

	cl.BuildAccelerationStructure(&device.BuildDesc{
		Inputs:  inputs,
		Dest:    s.address,
		Scratch: scratchAddr,
	})
	cl.UAVBarrier(result)

	slogger().Debug("rt: bottom-level build recorded",
		"id", s.id,
		"geometries", len(geoms),
		"result", info.ResultSize,
		"scratch", info.ScratchSize)
	return s, nil
}

// allocate creates a device-local buffer suitable for acceleration
// structure memory.
func (b *Builder) allocate(label string, size uint64, state device.ResourceState) (device.BufferID, error) {
	size = align.Up(size, AccelerationStructureAlignment)
	id, err := b.dev.CreateBuffer(&device.BufferDesc{
		Label:                label,
		Size:                 size,
		Heap:                 device.HeapDefault,
		InitialState:         state,
		AllowUnorderedAccess: true,
	})
	if err != nil {
		return device.InvalidID, fmt.Errorf("create %s (%d bytes): %w", label, size, classify(err, ErrAllocationFailure))
	}
	return id, nil
}
