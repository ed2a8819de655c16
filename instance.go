package rt

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/rt/device"
)

// InstanceFlags control per-instance traversal behavior.
type InstanceFlags uint8

// Instance flags.
const (
	InstanceFlagNone                InstanceFlags = 0
	InstanceFlagTriangleCullDisable InstanceFlags = 1 << 0
	InstanceFlagFrontCCW            InstanceFlags = 1 << 1
	InstanceFlagForceOpaque         InstanceFlags = 1 << 2
	InstanceFlagForceNonOpaque      InstanceFlags = 1 << 3
)

// maxInstanceField is the largest value of the 24-bit descriptor fields.
const maxInstanceField = 1<<24 - 1

// Instance places a bottom-level structure in the scene.
//
// Several instances may reference the same BLAS with different transforms.
type Instance struct {
	// Transform is the object-to-world transform in row-major form.
	Transform Transform3x4

	// BLAS is the referenced bottom-level structure.
	BLAS *BottomLevel

	// InstanceID is visible to shaders. Only the low 24 bits are stored.
	InstanceID uint32

	// Mask is ANDed with the ray's mask; zero makes the instance invisible.
	Mask uint8

	// HitGroupOffset is the index of this instance's first record in the
	// hit-group region. Only the low 24 bits are stored.
	HitGroupOffset uint32

	Flags InstanceFlags
}

// InstanceDesc is the decoded form of one packed instance descriptor as it
// lives in the instance buffer.
type InstanceDesc struct {
	Transform      Transform3x4
	InstanceID     uint32
	Mask           uint8
	HitGroupOffset uint32
	Flags          InstanceFlags
	BLASAddress    device.Address
}

// validate checks the fields that do not fit in the packed layout.
func (inst *Instance) validate(index int) error {
	if inst.BLAS == nil {
		return &ValidationError{
			Category: CategoryInstance,
			Reason:   fmt.Sprintf("instance %d references no bottom-level structure", index),
		}
	}
	if inst.InstanceID > maxInstanceField || inst.HitGroupOffset > maxInstanceField {
		return &ValidationError{
			Category: CategoryInstance,
			Reason:   fmt.Sprintf("instance %d: id %d or hit group offset %d exceeds 24 bits", index, inst.InstanceID, inst.HitGroupOffset),
		}
	}
	return nil
}

// putInstanceDesc packs d into the 64-byte descriptor layout:
//
//	bytes  0..47  row-major 3x4 transform
//	bytes 48..51  InstanceID (24 bits) | Mask << 24
//	bytes 52..55  HitGroupOffset (24 bits) | Flags << 24
//	bytes 56..63  bottom-level structure address
func putInstanceDesc(dst []byte, d InstanceDesc) {
	d.Transform.putBytes(dst[0:48])
	binary.LittleEndian.PutUint32(dst[48:], d.InstanceID&maxInstanceField|uint32(d.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], d.HitGroupOffset&maxInstanceField|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(d.BLASAddress))
}

// DecodeInstanceDesc unpacks one 64-byte instance descriptor.
func DecodeInstanceDesc(src []byte) (InstanceDesc, error) {
	if len(src) < device.InstanceDescSize {
		return InstanceDesc{}, &ValidationError{
			Category: CategoryInstance,
			Reason:   fmt.Sprintf("instance descriptor needs %d bytes, got %d", device.InstanceDescSize, len(src)),
		}
	}
	w0 := binary.LittleEndian.Uint32(src[48:])
	w1 := binary.LittleEndian.Uint32(src[52:])
	return InstanceDesc{
		Transform:      transformFromBytes(src[0:48]),
		InstanceID:     w0 & maxInstanceField,
		Mask:           uint8(w0 >> 24),
		HitGroupOffset: w1 & maxInstanceField,
		Flags:          InstanceFlags(w1 >> 24),
		BLASAddress:    device.Address(binary.LittleEndian.Uint64(src[56:])),
	}, nil
}

// packInstances encodes instances in caller order into a zeroed buffer.
func packInstances(instances []Instance) []byte {
	buf := make([]byte, len(instances)*device.InstanceDescSize)
	for i := range instances {
		inst := &instances[i]
		putInstanceDesc(buf[i*device.InstanceDescSize:], InstanceDesc{
			Transform:      inst.Transform,
			InstanceID:     inst.InstanceID,
			Mask:           inst.Mask,
			HitGroupOffset: inst.HitGroupOffset,
			Flags:          inst.Flags,
			BLASAddress:    inst.BLAS.Address(),
		})
	}
	return buf
}
