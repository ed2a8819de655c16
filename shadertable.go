package rt

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/internal/align"
)

// RecordCategory selects one of the three shader table regions.
type RecordCategory uint8

// Shader table regions, in table order.
const (
	RecordRayGen RecordCategory = iota
	RecordMiss
	RecordHitGroup
)

// String returns the region name.
func (c RecordCategory) String() string {
	switch c {
	case RecordRayGen:
		return "RayGen"
	case RecordMiss:
		return "Miss"
	case RecordHitGroup:
		return "HitGroup"
	default:
		return fmt.Sprintf("RecordCategory(%d)", c)
	}
}

// ShaderIdentifier is the opaque token a pipeline returns for an exported
// shader or hit group. It is copied byte for byte into shader records and
// has no meaning outside the pipeline that produced it.
type ShaderIdentifier [device.ShaderIdentifierSize]byte

// ShaderRecord is one shader table entry: an identifier followed by local
// root arguments.
type ShaderRecord struct {
	Identifier ShaderIdentifier

	// Args are the local root arguments, written right after the identifier.
	Args []byte

	// Pointers lists the byte offsets within Args of 8-byte GPU addresses
	// and descriptor handles. Each must land on an 8-byte boundary relative
	// to the table base.
	Pointers []uint32
}

// ArgWriter builds the local arguments of a shader record. Addresses and
// handles are padded to 8-byte boundaries.
type ArgWriter struct {
	buf  []byte
	ptrs []uint32
}

func (w *ArgWriter) pad(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

// Address appends a GPU virtual address.
func (w *ArgWriter) Address(a device.Address) *ArgWriter {
	w.pad(8)
	w.ptrs = append(w.ptrs, uint32(len(w.buf)))
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(a))
	return w
}

// Handle appends a GPU descriptor handle.
func (w *ArgWriter) Handle(h device.Handle) *ArgWriter {
	return w.Address(device.Address(h))
}

// Uint32 appends a 32-bit root constant.
func (w *ArgWriter) Uint32(v uint32) *ArgWriter {
	w.pad(4)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

// Float32 appends a 32-bit float root constant.
func (w *ArgWriter) Float32(v float32) *ArgWriter {
	return w.Uint32(math.Float32bits(v))
}

// Record returns a shader record with the accumulated arguments.
func (w *ArgWriter) Record(id ShaderIdentifier) ShaderRecord {
	return ShaderRecord{
		Identifier: id,
		Args:       append([]byte(nil), w.buf...),
		Pointers:   append([]uint32(nil), w.ptrs...),
	}
}

// Record returns a shader record with no local arguments.
func Record(id ShaderIdentifier) ShaderRecord {
	return ShaderRecord{Identifier: id}
}

// HitGroupRecordIndex returns the hit-group region index selected by a hit:
// the instance's HitGroupOffset, plus the geometry index within its
// bottom-level structure times the number of ray types, plus the ray type.
func HitGroupRecordIndex(instanceOffset, geometryIndex, rayType, rayTypeCount uint32) uint32 {
	return instanceOffset + geometryIndex*rayTypeCount + rayType
}

// ShaderTableLayout holds the alignment constants of a device's shader
// tables and lays out records.
type ShaderTableLayout struct {
	// IdentifierSize is the size of a shader identifier.
	IdentifierSize uint32

	// RecordAlignment is the alignment of a record stride.
	RecordAlignment uint32

	// TableAlignment is the alignment of each region's start offset.
	TableAlignment uint32

	// MaxStride is the largest stride the device accepts. Zero disables
	// the check.
	MaxStride uint32
}

// DefaultShaderTableLayout returns the layout constants of current devices.
func DefaultShaderTableLayout() ShaderTableLayout {
	return ShaderTableLayout{
		IdentifierSize:  device.ShaderIdentifierSize,
		RecordAlignment: 32,
		TableAlignment:  64,
		MaxStride:       4096,
	}
}

// ShaderTableLayoutFor returns the layout constants reported by caps,
// falling back to the defaults for zero fields. Reported values are not
// clamped: an identifier larger than ShaderIdentifier makes ComputeStride
// and Plan fail with a validation error.
func ShaderTableLayoutFor(caps device.Capabilities) ShaderTableLayout {
	l := DefaultShaderTableLayout()
	if caps.ShaderIdentifierSize != 0 {
		l.IdentifierSize = caps.ShaderIdentifierSize
	}
	if caps.RecordAlignment != 0 {
		l.RecordAlignment = caps.RecordAlignment
	}
	if caps.TableAlignment != 0 {
		l.TableAlignment = caps.TableAlignment
	}
	if caps.MaxRecordStride != 0 {
		l.MaxStride = caps.MaxRecordStride
	}
	return l
}

// ComputeStride returns the uniform stride of a region: the identifier size
// plus the largest argument size among records, rounded up to the record
// alignment. Smaller records are padded to this stride.
func (l ShaderTableLayout) ComputeStride(category RecordCategory, records []ShaderRecord) (uint32, error) {
	if err := l.validate(); err != nil {
		return 0, err
	}
	maxArgs := 0
	for i := range records {
		maxArgs = max(maxArgs, len(records[i].Args))
	}
	stride := align.Up(l.IdentifierSize+uint32(maxArgs), l.RecordAlignment)
	if l.MaxStride != 0 && stride > l.MaxStride {
		return 0, &ValidationError{
			Category: CategoryShaderRecord,
			Reason:   fmt.Sprintf("%s stride %d exceeds device maximum %d", category, stride, l.MaxStride),
		}
	}
	return stride, nil
}

// validate checks the layout constants before any record is laid out.
func (l ShaderTableLayout) validate() error {
	var reason string
	switch {
	case l.IdentifierSize == 0 || l.IdentifierSize > device.ShaderIdentifierSize:
		reason = fmt.Sprintf("identifier size %d outside (0, %d]", l.IdentifierSize, device.ShaderIdentifierSize)
	case !align.IsPowerOfTwo(l.RecordAlignment):
		reason = fmt.Sprintf("record alignment %d is not a power of two", l.RecordAlignment)
	case !align.IsPowerOfTwo(l.TableAlignment):
		reason = fmt.Sprintf("table alignment %d is not a power of two", l.TableAlignment)
	default:
		return nil
	}
	return &ValidationError{Category: CategoryShaderRecord, Reason: "shader table layout: " + reason}
}

// Materialize writes stride*len(records) bytes of buf starting at
// byteOffset. Each record's identifier comes first and its arguments follow
// immediately; padding bytes are left untouched.
//
// byteOffset is relative to the table base. Pointer arguments are checked
// for 8-byte alignment relative to that base in rtdebug builds.
func (l ShaderTableLayout) Materialize(category RecordCategory, records []ShaderRecord, buf []byte, byteOffset uint64) error {
	stride, err := l.ComputeStride(category, records)
	if err != nil {
		return err
	}
	end := byteOffset + uint64(stride)*uint64(len(records))
	if end > uint64(len(buf)) {
		return &ValidationError{
			Category: CategoryShaderRecord,
			Reason:   fmt.Sprintf("%s region needs bytes [%d, %d), buffer holds %d", category, byteOffset, end, len(buf)),
		}
	}
	for i := range records {
		r := &records[i]
		off := byteOffset + uint64(i)*uint64(stride)
		argOff := off + uint64(l.IdentifierSize)
		for _, p := range r.Pointers {
			if int(p)+8 > len(r.Args) {
				return &ValidationError{
					Category: CategoryShaderRecord,
					Reason:   fmt.Sprintf("%s record %d: pointer at %d overruns %d argument bytes", category, i, p, len(r.Args)),
				}
			}
			if debugAssertions {
				assertPointerAligned(category, i, argOff+uint64(p))
			}
		}
		copy(buf[off:], r.Identifier[:l.IdentifierSize])
		copy(buf[argOff:], r.Args)
	}
	return nil
}

// Region is the (offset, stride, size) triple of one shader table region.
type Region struct {
	Offset uint64
	Stride uint64
	Size   uint64
	Count  int
}

// RecordOffset returns the byte offset of record i.
func (r Region) RecordOffset(i int) uint64 {
	return r.Offset + uint64(i)*r.Stride
}

// TableLayout is the planned layout of a full shader table in one
// allocation.
type TableLayout struct {
	RayGen   Region
	Miss     Region
	HitGroup Region

	// Size is the total size of the table in bytes.
	Size uint64

	// IdentifierSize is copied from the ShaderTableLayout that planned it.
	IdentifierSize uint32
}

// Region returns the region of a category.
func (t TableLayout) Region(category RecordCategory) Region {
	switch category {
	case RecordRayGen:
		return t.RayGen
	case RecordMiss:
		return t.Miss
	default:
		return t.HitGroup
	}
}

// Plan computes region offsets and strides. Regions are placed in
// ray-generation, miss, hit-group order, each starting on a TableAlignment
// boundary. Exactly one ray generation record is required.
//
// Plan must be recomputed whenever any record's argument set changes.
func (l ShaderTableLayout) Plan(raygen, miss, hit []ShaderRecord) (TableLayout, error) {
	if len(raygen) != 1 {
		return TableLayout{}, &ValidationError{
			Category: CategoryShaderRecord,
			Reason:   fmt.Sprintf("ray generation region needs exactly one record, got %d", len(raygen)),
		}
	}
	t := TableLayout{IdentifierSize: l.IdentifierSize}
	offset := uint64(0)
	for _, c := range []struct {
		cat     RecordCategory
		records []ShaderRecord
		dst     *Region
	}{
		{RecordRayGen, raygen, &t.RayGen},
		{RecordMiss, miss, &t.Miss},
		{RecordHitGroup, hit, &t.HitGroup},
	} {
		stride, err := l.ComputeStride(c.cat, c.records)
		if err != nil {
			return TableLayout{}, err
		}
		offset = align.Up(offset, uint64(l.TableAlignment))
		*c.dst = Region{
			Offset: offset,
			Stride: uint64(stride),
			Size:   uint64(stride) * uint64(len(c.records)),
			Count:  len(c.records),
		}
		offset += c.dst.Size
	}
	t.Size = offset
	return t, nil
}

// Build plans the table and materializes every region into a zeroed
// buffer of exactly TableLayout.Size bytes.
func (l ShaderTableLayout) Build(raygen, miss, hit []ShaderRecord) (TableLayout, []byte, error) {
	t, err := l.Plan(raygen, miss, hit)
	if err != nil {
		return TableLayout{}, nil, err
	}
	buf := make([]byte, t.Size)
	if err := l.Materialize(RecordRayGen, raygen, buf, t.RayGen.Offset); err != nil {
		return TableLayout{}, nil, err
	}
	if err := l.Materialize(RecordMiss, miss, buf, t.Miss.Offset); err != nil {
		return TableLayout{}, nil, err
	}
	if err := l.Materialize(RecordHitGroup, hit, buf, t.HitGroup.Offset); err != nil {
		return TableLayout{}, nil, err
	}
	slogger().Debug("rt: shader table built",
		"size", t.Size,
		"raygen", t.RayGen.Count,
		"miss", t.Miss.Count,
		"hitgroup", t.HitGroup.Count,
		"hitgroup_stride", t.HitGroup.Stride)
	return t, buf, nil
}

// ShaderTable is a materialized table uploaded into one upload-heap buffer.
// It is written once and then only read by the GPU; changing any record
// requires building and uploading a new table.
type ShaderTable struct {
	dev    device.Device
	buf    device.BufferID
	base   device.Address
	layout TableLayout
}

// UploadShaderTable copies a built table into a new upload-heap buffer.
func UploadShaderTable(dev device.Device, layout TableLayout, data []byte) (*ShaderTable, error) {
	if uint64(len(data)) != layout.Size {
		return nil, &ValidationError{
			Category: CategoryShaderRecord,
			Reason:   fmt.Sprintf("table data holds %d bytes, layout needs %d", len(data), layout.Size),
		}
	}
	id, err := dev.CreateBuffer(&device.BufferDesc{
		Label:        "shader-table",
		Size:         layout.Size,
		Heap:         device.HeapUpload,
		InitialState: device.StateGenericRead,
	})
	if err != nil {
		return nil, fmt.Errorf("create shader table (%d bytes): %w", layout.Size, classify(err, ErrAllocationFailure))
	}
	if err := dev.WriteBuffer(id, 0, data); err != nil {
		dev.DestroyBuffer(id)
		return nil, fmt.Errorf("write shader table: %w", classify(err, ErrAllocationFailure))
	}
	return &ShaderTable{dev: dev, buf: id, base: dev.BufferAddress(id), layout: layout}, nil
}

// Buffer returns the backing buffer.
func (t *ShaderTable) Buffer() device.BufferID { return t.buf }

// Layout returns the table layout.
func (t *ShaderTable) Layout() TableLayout { return t.layout }

// DispatchDesc returns the dispatch description for a width x height grid
// with the three region triples resolved to GPU addresses.
func (t *ShaderTable) DispatchDesc(width, height uint32) device.DispatchDesc {
	region := func(r Region) device.Region {
		if r.Count == 0 {
			return device.Region{}
		}
		return device.Region{Address: t.base + device.Address(r.Offset), Size: r.Size, Stride: r.Stride}
	}
	return device.DispatchDesc{
		RayGeneration: region(t.layout.RayGen),
		Miss:          region(t.layout.Miss),
		HitGroup:      region(t.layout.HitGroup),
		Width:         width,
		Height:        height,
		Depth:         1,
	}
}

// Destroy releases the backing buffer.
func (t *ShaderTable) Destroy() {
	if t.buf != device.InvalidID {
		t.dev.DestroyBuffer(t.buf)
		t.buf = device.InvalidID
	}
}
