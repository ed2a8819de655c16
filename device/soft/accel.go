package soft

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/internal/align"
)

// Sizes are rounded to this alignment, matching hardware placement rules.
const accelAlignment = 256

type triangle [3]f32.Vec3

type geometry struct {
	tris   []triangle
	opaque bool
}

type instance struct {
	transform    affine
	inverse      affine
	id           uint32
	mask         uint8
	contribution uint32
	flags        uint8
	blas         device.Address
}

// accel is the executed content of an acceleration structure, keyed by its
// result address.
type accel struct {
	level     device.Level
	flags     device.BuildFlags
	geoms     []geometry
	instances []instance
	builds    int
}

func vertexSize(f gputypes.VertexFormat) uint64 {
	switch f {
	case gputypes.VertexFormatFloat32x3:
		return 12
	case gputypes.VertexFormatFloat32x2:
		return 8
	default:
		return 0
	}
}

func indexSize(f gputypes.IndexFormat) uint64 {
	switch f {
	case gputypes.IndexFormatUint16:
		return 2
	case gputypes.IndexFormatUint32:
		return 4
	default:
		return 0
	}
}

// triangleCount returns the triangle count of t, or false if the device
// cannot build its layout.
func triangleCount(t *device.Triangles) (uint64, bool) {
	vs := vertexSize(t.VertexFormat)
	if vs == 0 || t.VertexStride < vs || t.VertexCount == 0 || t.VertexAddress == 0 {
		return 0, false
	}
	if t.IndexAddress != 0 {
		if indexSize(t.IndexFormat) == 0 || t.IndexCount == 0 || t.IndexCount%3 != 0 {
			return 0, false
		}
		return uint64(t.IndexCount / 3), true
	}
	if t.VertexCount%3 != 0 {
		return 0, false
	}
	return uint64(t.VertexCount / 3), true
}

// prebuildKey encodes the parts of inputs that determine sizing.
func prebuildKey(in *device.BuildInputs) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%d", in.Level, in.Flags&^device.BuildFlagPerformUpdate)
	if in.Level == device.LevelTop {
		fmt.Fprintf(&sb, "/%d", in.InstanceCount)
		return sb.String()
	}
	for i := range in.Geometries {
		g := &in.Geometries[i]
		fmt.Fprintf(&sb, "/%v:%d:%d:%t:%v:%d", g.VertexFormat, g.VertexStride, g.VertexCount,
			g.IndexAddress != 0, g.IndexFormat, g.IndexCount)
	}
	return sb.String()
}

// PrebuildInfo implements device.Device. Results are memoized per layout.
func (d *Device) PrebuildInfo(in *device.BuildInputs) device.PrebuildInfo {
	if d.lost.Load() {
		return device.PrebuildInfo{}
	}
	return d.prebuild.GetOrCreate(prebuildKey(in), func() device.PrebuildInfo {
		return computePrebuild(in)
	})
}

func computePrebuild(in *device.BuildInputs) device.PrebuildInfo {
	var info device.PrebuildInfo
	switch in.Level {
	case device.LevelBottom:
		if len(in.Geometries) == 0 {
			return info
		}
		var tris uint64
		for i := range in.Geometries {
			n, ok := triangleCount(&in.Geometries[i])
			if !ok {
				return device.PrebuildInfo{}
			}
			tris += n
		}
		geoms := uint64(len(in.Geometries))
		info.ResultSize = 256 + 64*geoms + 96*tris
		if in.Flags.Has(device.BuildFlagPreferFastTrace) {
			info.ResultSize += 16 * tris
		}
		info.ScratchSize = 256 + 32*tris
		if in.Flags.Has(device.BuildFlagAllowUpdate) {
			info.UpdateScratchSize = 128 + 16*tris
		}
	case device.LevelTop:
		if in.InstanceCount == 0 {
			return info
		}
		n := uint64(in.InstanceCount)
		info.ResultSize = 256 + 128*n
		info.ScratchSize = 256 + 64*n
		if in.Flags.Has(device.BuildFlagAllowUpdate) {
			info.UpdateScratchSize = 256 + 16*n
		}
	}
	info.ResultSize = align.Up(info.ResultSize, accelAlignment)
	info.ScratchSize = align.Up(info.ScratchSize, accelAlignment)
	info.UpdateScratchSize = align.Up(info.UpdateScratchSize, accelAlignment)
	return info
}

// executeBuild runs a recorded build. Caller must hold d.mu.
func (d *Device) executeBuild(x *execState, b *device.BuildDesc) error {
	in := &b.Inputs
	update := in.Flags.Has(device.BuildFlagPerformUpdate)
	info := computePrebuild(in)
	if info.ResultSize == 0 {
		return fmt.Errorf("inputs cannot be built on this device")
	}

	dst, off, ok := d.resolve(b.Dest)
	if !ok || off != 0 {
		return fmt.Errorf("destination %#x is not the start of a buffer", uint64(b.Dest))
	}
	if dst.desc.InitialState != device.StateAccelerationStructure || !dst.desc.AllowUnorderedAccess {
		return fmt.Errorf("destination %q is not an acceleration structure buffer", dst.desc.Label)
	}
	if dst.desc.Size < info.ResultSize {
		return fmt.Errorf("destination %q holds %d bytes, build needs %d", dst.desc.Label, dst.desc.Size, info.ResultSize)
	}
	if uint64(b.Dest)%accelAlignment != 0 {
		return fmt.Errorf("destination %#x is not %d-byte aligned", uint64(b.Dest), accelAlignment)
	}

	need := info.ScratchSize
	if update {
		need = info.UpdateScratchSize
	}
	scratch, soff, ok := d.resolve(b.Scratch)
	if !ok {
		return fmt.Errorf("scratch %#x is not inside any buffer", uint64(b.Scratch))
	}
	if !scratch.desc.AllowUnorderedAccess {
		return fmt.Errorf("scratch %q does not allow unordered access", scratch.desc.Label)
	}
	if scratch.desc.Size-soff < need {
		return fmt.Errorf("scratch %q has %d bytes from offset %d, build needs %d", scratch.desc.Label, scratch.desc.Size-soff, soff, need)
	}
	if err := x.read(scratch, "scratch"); err != nil {
		return err
	}
	if err := x.read(dst, "destination"); err != nil {
		return err
	}

	var result *accel
	var err error
	switch in.Level {
	case device.LevelBottom:
		if update {
			return fmt.Errorf("bottom-level refits are not supported")
		}
		result, err = d.buildBottom(in)
	case device.LevelTop:
		result, err = d.buildTop(x, b)
	}
	if err != nil {
		return err
	}
	if prev, ok := d.accels[b.Dest]; ok && update {
		result.builds = prev.builds + 1
	} else {
		result.builds = 1
	}
	d.accels[b.Dest] = result
	writeHeader(dst.data, result)

	x.write(dst)
	x.write(scratch)
	return nil
}

func (d *Device) buildBottom(in *device.BuildInputs) (*accel, error) {
	a := &accel{level: device.LevelBottom, flags: in.Flags}
	for gi := range in.Geometries {
		t := &in.Geometries[gi]
		g, err := d.readTriangles(t)
		if err != nil {
			return nil, fmt.Errorf("geometry %d: %w", gi, err)
		}
		a.geoms = append(a.geoms, g)
	}
	return a, nil
}

func (d *Device) readTriangles(t *device.Triangles) (geometry, error) {
	vs := vertexSize(t.VertexFormat)
	vdata, err := d.bytesAt(t.VertexAddress, t.VertexStride*uint64(t.VertexCount-1)+vs)
	if err != nil {
		return geometry{}, fmt.Errorf("vertices: %w", err)
	}
	vertex := func(i uint32) (f32.Vec3, error) {
		if i >= t.VertexCount {
			return f32.Vec3{}, fmt.Errorf("index %d outside %d vertices", i, t.VertexCount)
		}
		p := vdata[uint64(i)*t.VertexStride:]
		var v f32.Vec3
		for c := range int(vs / 4) {
			v[c] = math.Float32frombits(binary.LittleEndian.Uint32(p[4*c:]))
		}
		return v, nil
	}

	var indices []uint32
	if t.IndexAddress != 0 {
		is := indexSize(t.IndexFormat)
		idata, err := d.bytesAt(t.IndexAddress, is*uint64(t.IndexCount))
		if err != nil {
			return geometry{}, fmt.Errorf("indices: %w", err)
		}
		indices = make([]uint32, t.IndexCount)
		for i := range indices {
			if is == 2 {
				indices[i] = uint32(binary.LittleEndian.Uint16(idata[2*i:]))
			} else {
				indices[i] = binary.LittleEndian.Uint32(idata[4*i:])
			}
		}
	} else {
		indices = make([]uint32, t.VertexCount)
		for i := range indices {
			indices[i] = uint32(i)
		}
	}

	g := geometry{opaque: t.Flags&device.GeometryFlagOpaque != 0}
	for i := 0; i+2 < len(indices); i += 3 {
		var tri triangle
		for k := range 3 {
			v, err := vertex(indices[i+k])
			if err != nil {
				return geometry{}, err
			}
			tri[k] = v
		}
		g.tris = append(g.tris, tri)
	}
	return g, nil
}

func (d *Device) buildTop(x *execState, b *device.BuildDesc) (*accel, error) {
	in := &b.Inputs
	raw, err := d.bytesAt(in.Instances, uint64(in.InstanceCount)*device.InstanceDescSize)
	if err != nil {
		return nil, fmt.Errorf("instances: %w", err)
	}
	a := &accel{level: device.LevelTop, flags: in.Flags}
	for i := range int(in.InstanceCount) {
		inst := decodeInstance(raw[i*device.InstanceDescSize:])
		blas, ok := d.accels[inst.blas]
		if !ok || blas.level != device.LevelBottom {
			return nil, fmt.Errorf("instance %d references %#x, which holds no bottom-level structure", i, uint64(inst.blas))
		}
		bb, _, _ := d.resolve(inst.blas)
		if err := x.read(bb, fmt.Sprintf("bottom-level structure of instance %d", i)); err != nil {
			return nil, err
		}
		inv, ok := inst.transform.invert()
		if !ok {
			return nil, fmt.Errorf("instance %d has a singular transform", i)
		}
		inst.inverse = inv
		a.instances = append(a.instances, inst)
	}

	if !in.Flags.Has(device.BuildFlagPerformUpdate) {
		return a, nil
	}
	if b.Source != b.Dest {
		return nil, fmt.Errorf("refit source %#x differs from destination %#x", uint64(b.Source), uint64(b.Dest))
	}
	src, ok := d.accels[b.Source]
	if !ok || src.level != device.LevelTop {
		return nil, fmt.Errorf("refit source %#x holds no top-level structure", uint64(b.Source))
	}
	if !src.flags.Has(device.BuildFlagAllowUpdate) {
		return nil, fmt.Errorf("refit source %#x was built without allow-update", uint64(b.Source))
	}
	if len(src.instances) != len(a.instances) {
		return nil, fmt.Errorf("refit changes instance count from %d to %d", len(src.instances), len(a.instances))
	}
	for i := range a.instances {
		if src.instances[i].blas != a.instances[i].blas {
			return nil, fmt.Errorf("refit changes the bottom-level structure of instance %d", i)
		}
	}
	return a, nil
}

// decodeInstance reads one packed instance descriptor.
func decodeInstance(p []byte) instance {
	var inst instance
	for i := range 12 {
		inst.transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[4*i:]))
	}
	w := binary.LittleEndian.Uint32(p[48:])
	inst.id = w & 0xFFFFFF
	inst.mask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(p[52:])
	inst.contribution = w & 0xFFFFFF
	inst.flags = uint8(w >> 24)
	inst.blas = device.Address(binary.LittleEndian.Uint64(p[56:]))
	return inst
}

// writeHeader stamps a small header into the result buffer so readers can
// tell a built structure from zeroed memory.
func writeHeader(dst []byte, a *accel) {
	if len(dst) < 16 {
		return
	}
	magic := "BLAS"
	count := len(a.geoms)
	if a.level == device.LevelTop {
		magic = "TLAS"
		count = len(a.instances)
	}
	copy(dst, magic)
	binary.LittleEndian.PutUint32(dst[4:], uint32(count))
	binary.LittleEndian.PutUint32(dst[8:], uint32(a.builds))
	binary.LittleEndian.PutUint32(dst[12:], uint32(a.flags))
}

// AccelerationStructure reports the level and element count of the structure
// built at addr, or false if nothing was built there.
func (d *Device) AccelerationStructure(addr device.Address) (level device.Level, count, builds int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[addr]
	if !ok {
		return 0, 0, 0, false
	}
	if a.level == device.LevelTop {
		return a.level, len(a.instances), a.builds, true
	}
	return a.level, len(a.geoms), a.builds, true
}
