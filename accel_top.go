package rt

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gogpu/rt/device"
)

// TopLevel is a built top-level acceleration structure over instances of
// bottom-level structures.
//
// Its topology (instance count and the referenced bottom-level structure of
// every instance) is fixed at build time. RefitTopLevel may only change
// instance transforms; anything else requires a new BuildTopLevel.
type TopLevel struct {
	id        uuid.UUID
	dev       device.Device
	result    device.BufferID
	scratch   device.BufferID
	instances device.BufferID
	address   device.Address
	prebuild  device.PrebuildInfo
	inputs    device.BuildInputs
	blas      []*BottomLevel
	refits    int
	destroyed bool
}

// ID returns the structure's unique ID.
func (t *TopLevel) ID() uuid.UUID { return t.id }

// Address returns the GPU address of the Result buffer. This is the scene
// reference shaders trace against.
func (t *TopLevel) Address() device.Address { return t.address }

// Result returns the Result buffer.
func (t *TopLevel) Result() device.BufferID { return t.result }

// InstanceBuffer returns the upload buffer holding the packed instances.
func (t *TopLevel) InstanceBuffer() device.BufferID { return t.instances }

// InstanceCount returns the number of instances.
func (t *TopLevel) InstanceCount() int { return len(t.blas) }

// Prebuild returns the sizes the device reported for this structure.
func (t *TopLevel) Prebuild() device.PrebuildInfo { return t.prebuild }

// Refits returns how many refits were recorded.
func (t *TopLevel) Refits() int { return t.refits }

// ReadInstances reads back and decodes the instance buffer.
func (t *TopLevel) ReadInstances() ([]InstanceDesc, error) {
	if t.destroyed {
		return nil, &ValidationError{
			Category: CategoryInstance,
			Reason:   fmt.Sprintf("read-back of destroyed top-level structure %s", t.id),
			Kind:     ErrDestroyed,
		}
	}
	raw, err := t.dev.ReadBuffer(t.instances, 0, uint64(len(t.blas))*device.InstanceDescSize)
	if err != nil {
		return nil, classify(err, ErrDeviceLost)
	}
	out := make([]InstanceDesc, len(t.blas))
	for i := range out {
		d, err := DecodeInstanceDesc(raw[i*device.InstanceDescSize:])
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// ReleaseScratch frees the scratch buffer after the build completed. A later
// refit allocates a new one of the update size.
func (t *TopLevel) ReleaseScratch() {
	if t.scratch != device.InvalidID {
		t.dev.DestroyBuffer(t.scratch)
		t.scratch = device.InvalidID
	}
}

// Destroy releases all buffers and drops the references held on
// bottom-level structures.
func (t *TopLevel) Destroy() {
	if t.destroyed {
		return
	}
	t.ReleaseScratch()
	t.dev.DestroyBuffer(t.result)
	t.dev.DestroyBuffer(t.instances)
	for _, b := range t.blas {
		b.refs--
	}
	t.result, t.instances, t.address = device.InvalidID, device.InvalidID, 0
	t.destroyed = true
}

// BuildTopLevel records the build of a top-level structure over instances,
// packed into an upload buffer in the given order, followed by a UAV barrier
// on the Result buffer.
//
// Every referenced bottom-level structure must have been built, and its
// build must be ordered before this one: either recorded earlier in cl (its
// barrier covers it) or completed by an earlier submission.
//
// The builder does not assign hit group offsets; each instance carries its
// own HitGroupOffset.
func (b *Builder) BuildTopLevel(cl device.CommandList, instances []Instance) (*TopLevel, error) {
	if len(instances) == 0 {
		return nil, &ValidationError{
			Category: CategoryInstance,
			Reason:   "top-level build needs at least one instance",
			Kind:     ErrEmptyInput,
		}
	}
	blas := make([]*BottomLevel, len(instances))
	for i := range instances {
		if err := instances[i].validate(i); err != nil {
			return nil, err
		}
		if instances[i].BLAS.destroyed {
			return nil, &ValidationError{
				Category: CategoryInstance,
				Reason:   fmt.Sprintf("instance %d references destroyed bottom-level structure %s", i, instances[i].BLAS.id),
				Kind:     ErrDestroyed,
			}
		}
		blas[i] = instances[i].BLAS
	}

	t := &TopLevel{
		id:   uuid.New(),
		dev:  b.dev,
		blas: blas,
	}

	packed := packInstances(instances)
	instBuf, err := b.dev.CreateBuffer(&device.BufferDesc{
		Label:        "tlas-instances-" + t.id.String(),
		Size:         uint64(len(packed)),
		Heap:         device.HeapUpload,
		InitialState: device.StateGenericRead,
	})
	if err != nil {
		return nil, t.buildError(fmt.Errorf("create instance buffer: %w", classify(err, ErrAllocationFailure)))
	}
	t.instances = instBuf
	if err := b.dev.WriteBuffer(instBuf, 0, packed); err != nil {
		b.dev.DestroyBuffer(instBuf)
		return nil, t.buildError(classify(err, ErrAllocationFailure))
	}

	t.inputs = device.BuildInputs{
		Level:         device.LevelTop,
		Flags:         b.opts.TopFlags,
		InstanceCount: uint32(len(instances)),
		Instances:     b.dev.BufferAddress(instBuf),
	}
	t.prebuild = b.dev.PrebuildInfo(&t.inputs)
	if t.prebuild.ResultSize == 0 {
		b.dev.DestroyBuffer(instBuf)
		return nil, t.buildError(b.unsupported())
	}

	scratchSize := max(t.prebuild.ScratchSize, t.prebuild.UpdateScratchSize)
	scratch, err := b.allocate("tlas-scratch-"+t.id.String(), scratchSize, device.StateUnorderedAccess)
	if err != nil {
		b.dev.DestroyBuffer(instBuf)
		return nil, t.buildError(err)
	}
	result, err := b.allocate("tlas-result-"+t.id.String(), t.prebuild.ResultSize, device.StateAccelerationStructure)
	if err != nil {
		b.dev.DestroyBuffer(scratch)
		b.dev.DestroyBuffer(instBuf)
		return nil, t.buildError(err)
	}
	t.scratch, t.result = scratch, result
	t.address = b.dev.BufferAddress(result)

	cl.BuildAccelerationStructure(&device.BuildDesc{
		Inputs:  t.inputs,
		Dest:    t.address,
		Scratch: b.dev.BufferAddress(scratch),
	})
	cl.UAVBarrier(result)

	for _, s := range blas {
		s.refs++
	}

	slogger().Debug("rt: top-level build recorded",
		"id", t.id,
		"instances", len(instances),
		"result", t.prebuild.ResultSize,
		"scratch", scratchSize)
	return t, nil
}

// RefitTopLevel rewrites every instance record of t and records an in-place
// update build (source and destination are both t's Result buffer), with a
// UAV barrier before and after it.
//
// The instance count and the bottom-level structure of every instance must
// match the original build; otherwise RefitTopLevel returns a validation
// error wrapping ErrTopologyMismatch without touching the device.
//
// The instance buffer is rewritten immediately through its CPU mapping. The
// caller must ensure no earlier submission still reads it, for example by
// waiting on the previous frame's completion ordinal.
func (b *Builder) RefitTopLevel(cl device.CommandList, t *TopLevel, instances []Instance) error {
	if t == nil || t.destroyed {
		return &ValidationError{Category: CategoryInstance, Reason: "refit of a destroyed top-level structure", Kind: ErrDestroyed}
	}
	if len(instances) != len(t.blas) {
		return &ValidationError{
			Category: CategoryInstance,
			Reason:   fmt.Sprintf("refit with %d instances, structure was built with %d", len(instances), len(t.blas)),
			Kind:     ErrTopologyMismatch,
		}
	}
	for i := range instances {
		if err := instances[i].validate(i); err != nil {
			return err
		}
		if instances[i].BLAS != t.blas[i] {
			return &ValidationError{
				Category: CategoryInstance,
				Reason: fmt.Sprintf("refit changes instance %d from bottom-level structure %s to %s",
					i, t.blas[i].id, instances[i].BLAS.id),
				Kind: ErrTopologyMismatch,
			}
		}
	}

	if err := b.dev.WriteBuffer(t.instances, 0, packInstances(instances)); err != nil {
		return t.buildError(classify(err, ErrDeviceLost))
	}

	if t.scratch == device.InvalidID {
		scratch, err := b.allocate("tlas-scratch-"+t.id.String(), t.prebuild.UpdateScratchSize, device.StateUnorderedAccess)
		if err != nil {
			return t.buildError(err)
		}
		t.scratch = scratch
	}

	inputs := t.inputs
	inputs.Flags |= device.BuildFlagPerformUpdate

	cl.UAVBarrier(t.result)
	cl.UAVBarrier(t.scratch)
	cl.BuildAccelerationStructure(&device.BuildDesc{
		Inputs:  inputs,
		Dest:    t.address,
		Source:  t.address,
		Scratch: b.dev.BufferAddress(t.scratch),
	})
	cl.UAVBarrier(t.result)

	t.refits++
	return nil
}

func (t *TopLevel) buildError(err error) error {
	return &BuildError{
		Level:       device.LevelTop,
		Instances:   len(t.blas),
		ResultSize:  t.prebuild.ResultSize,
		ScratchSize: t.prebuild.ScratchSize,
		Err:         err,
	}
}
