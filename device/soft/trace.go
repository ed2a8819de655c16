package soft

import (
	"bytes"
	"fmt"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/internal/align"
)

// Camera and light of the built-in ray generation program.
var (
	cameraOrigin = f32.Vec3{0, 0, -4}
	lightDir     = normalize(f32.Vec3{0.5, 1, -0.6})
)

const (
	tanHalfFOV = 0.9
	rayEpsilon = 1e-3
	rayFar     = 1e30
)

// DispatchStats summarizes one executed dispatch.
type DispatchStats struct {
	Width, Height uint32
	PrimaryRays   uint64
	ShadowRays    uint64

	// HitRecords counts invocations per hit group record index.
	HitRecords []uint64

	// MissRecords counts invocations per miss record index.
	MissRecords []uint64
}

// Rays returns the total number of rays traced.
func (s DispatchStats) Rays() uint64 { return s.PrimaryRays + s.ShadowRays }

type shaderTable struct {
	raygen []byte
	miss   [][]byte
	hit    [][]byte
}

// readRegion returns the records of region r. Caller must hold d.mu.
func (d *Device) readRegion(name string, r device.Region, single bool) ([][]byte, error) {
	if r.Size == 0 {
		return nil, nil
	}
	if uint64(r.Address)%64 != 0 {
		return nil, fmt.Errorf("%s region %#x is not 64-byte aligned", name, uint64(r.Address))
	}
	data, err := d.bytesAt(r.Address, r.Size)
	if err != nil {
		return nil, fmt.Errorf("%s region: %w", name, err)
	}
	if single {
		if r.Size < device.ShaderIdentifierSize {
			return nil, fmt.Errorf("%s region of %d bytes cannot hold a record", name, r.Size)
		}
		return [][]byte{data[:device.ShaderIdentifierSize]}, nil
	}
	if r.Stride < device.ShaderIdentifierSize || !align.IsAligned(r.Stride, 32) {
		return nil, fmt.Errorf("%s region stride %d is not a multiple of 32 of at least %d", name, r.Stride, device.ShaderIdentifierSize)
	}
	var records [][]byte
	for off := uint64(0); off+device.ShaderIdentifierSize <= r.Size; off += r.Stride {
		records = append(records, data[off:off+device.ShaderIdentifierSize])
	}
	return records, nil
}

var nullIdentifier = make([]byte, device.ShaderIdentifierSize)

func isNull(id []byte) bool { return bytes.Equal(id, nullIdentifier) }

// executeDispatch traces the launch grid. Caller must hold d.mu.
func (d *Device) executeDispatch(x *execState, desc *device.DispatchDesc) error {
	so, ok := d.objects[x.pipeline]
	if !ok {
		return fmt.Errorf("no pipeline bound")
	}
	h, ok := d.heaps[x.heap]
	if !ok {
		return fmt.Errorf("no descriptor heap bound")
	}
	if so.global != device.InvalidID && x.root != so.global {
		return fmt.Errorf("bound global root signature %d does not match pipeline %q", x.root, so.label)
	}

	var st shaderTable
	rg, err := d.readRegion("ray generation", desc.RayGeneration, true)
	if err != nil {
		return err
	}
	if len(rg) == 0 {
		return fmt.Errorf("ray generation region is empty")
	}
	st.raygen = rg[0]
	if st.miss, err = d.readRegion("miss", desc.Miss, false); err != nil {
		return err
	}
	if st.hit, err = d.readRegion("hit group", desc.HitGroup, false); err != nil {
		return err
	}

	check := func(region string, i int, id []byte, hitGroup bool) error {
		name, ok := so.byIdent[string(id)]
		if !ok {
			return fmt.Errorf("%s record %d holds an identifier unknown to pipeline %q", region, i, so.label)
		}
		if so.hitGroups[name] != hitGroup {
			return fmt.Errorf("%s record %d holds the identifier of %q", region, i, name)
		}
		return nil
	}
	if err := check("ray generation", 0, st.raygen, false); err != nil {
		return err
	}
	for i, id := range st.miss {
		if !isNull(id) {
			if err := check("miss", i, id, false); err != nil {
				return err
			}
		}
	}
	for i, id := range st.hit {
		if !isNull(id) {
			if err := check("hit group", i, id, true); err != nil {
				return err
			}
		}
	}

	var out *texture
	var scene *accel
	for i, set := range h.set {
		if !set {
			continue
		}
		s := h.slots[i]
		switch s.Kind {
		case device.DescriptorTextureUAV:
			if out == nil {
				out = d.textures[s.Texture]
				if out == nil {
					return fmt.Errorf("descriptor %d: texture %d: %w", i, s.Texture, device.ErrInvalidResource)
				}
			}
		case device.DescriptorAccelerationStructure:
			if scene == nil {
				scene = d.accels[s.Location]
				if scene == nil || scene.level != device.LevelTop {
					return fmt.Errorf("descriptor %d: %#x holds no top-level structure", i, uint64(s.Location))
				}
				b, _, _ := d.resolve(s.Location)
				if err := x.read(b, "top-level structure"); err != nil {
					return err
				}
			}
		}
	}
	if out == nil || scene == nil {
		return fmt.Errorf("descriptor heap needs an output UAV and a scene descriptor")
	}
	if out.state != device.StateUnorderedAccess {
		return fmt.Errorf("output %q is in %s, dispatch needs %s", out.desc.Label, out.state, device.StateUnorderedAccess)
	}
	if desc.Width > out.desc.Width || desc.Height > out.desc.Height {
		return fmt.Errorf("launch %dx%d exceeds output %dx%d", desc.Width, desc.Height, out.desc.Width, out.desc.Height)
	}

	tr := &tracer{
		scene:    scene,
		accels:   d.accels,
		table:    &st,
		rayTypes: d.opts.RayTypes,
		shadows:  so.maxDepth >= 2,
		stats: DispatchStats{
			Width:       desc.Width,
			Height:      desc.Height,
			HitRecords:  make([]uint64, len(st.hit)),
			MissRecords: make([]uint64, len(st.miss)),
		},
	}
	aspect := float32(desc.Width) / float32(desc.Height)
	for range desc.Depth {
		for py := range desc.Height {
			for px := range desc.Width {
				u := (2*(float32(px)+0.5)/float32(desc.Width) - 1) * tanHalfFOV * aspect
				v := (1 - 2*(float32(py)+0.5)/float32(desc.Height)) * tanHalfFOV
				rgb, err := tr.shade(cameraOrigin, normalize(f32.Vec3{u, v, 1}))
				if err != nil {
					return fmt.Errorf("pixel (%d, %d): %w", px, py, err)
				}
				o := (int(py)*int(out.desc.Width) + int(px)) * 4
				for c := range 3 {
					out.data[o+c] = uint8(math32.Min(rgb[c], 1)*255 + 0.5)
				}
				out.data[o+3] = 255
			}
		}
	}
	d.dispatches = append(d.dispatches, tr.stats)
	return nil
}

type tracer struct {
	scene    *accel
	accels   map[device.Address]*accel
	table    *shaderTable
	rayTypes uint32
	shadows  bool
	stats    DispatchStats
}

type hit struct {
	t        float32
	instance *instance
	geometry int
	normal   f32.Vec3
}

// trace finds the closest hit, or any hit when anyHit is set.
func (tr *tracer) trace(orig, dir f32.Vec3, anyHit bool) (hit, bool) {
	best := hit{t: rayFar}
	found := false
	for i := range tr.scene.instances {
		inst := &tr.scene.instances[i]
		if inst.mask == 0 {
			continue
		}
		blas := tr.accels[inst.blas]
		if blas == nil {
			continue
		}
		o := inst.inverse.point(orig)
		dv := inst.inverse.vector(dir)
		for gi, g := range blas.geoms {
			for _, t := range g.tris {
				dist, ok := intersect(o, dv, t, rayEpsilon, best.t)
				if !ok {
					continue
				}
				best = hit{t: dist, instance: inst, geometry: gi, normal: cross(sub(t[1], t[0]), sub(t[2], t[0]))}
				found = true
				if anyHit {
					return best, true
				}
			}
		}
	}
	if found {
		best.normal = best.instance.inverse.normal(best.normal)
	}
	return best, found
}

func (tr *tracer) hitRecord(h hit, rayType uint32) (int, error) {
	idx := int(h.instance.contribution) + h.geometry*int(tr.rayTypes) + int(rayType)
	if idx >= len(tr.table.hit) {
		return 0, fmt.Errorf("hit group index %d (instance %d, geometry %d, ray type %d) outside table of %d records",
			idx, h.instance.id, h.geometry, rayType, len(tr.table.hit))
	}
	tr.stats.HitRecords[idx]++
	return idx, nil
}

func (tr *tracer) missRecord(rayType uint32) (int, error) {
	if int(rayType) >= len(tr.table.miss) {
		return 0, fmt.Errorf("miss index %d outside table of %d records", rayType, len(tr.table.miss))
	}
	tr.stats.MissRecords[rayType]++
	return int(rayType), nil
}

func identifierColor(id []byte) f32.Vec3 {
	return f32.Vec3{float32(id[0]) / 255, float32(id[1]) / 255, float32(id[2]) / 255}
}

// shade traces a primary ray and, for hits, a shadow ray toward the light.
func (tr *tracer) shade(orig, dir f32.Vec3) (f32.Vec3, error) {
	tr.stats.PrimaryRays++
	h, ok := tr.trace(orig, dir, false)
	if !ok {
		idx, err := tr.missRecord(0)
		if err != nil {
			return f32.Vec3{}, err
		}
		return identifierColor(tr.table.miss[idx]), nil
	}
	idx, err := tr.hitRecord(h, 0)
	if err != nil {
		return f32.Vec3{}, err
	}
	n := h.normal
	if dot(n, dir) > 0 {
		n = scale(n, -1)
	}
	color := scale(identifierColor(tr.table.hit[idx]), 0.35+0.65*math32.Max(0, dot(n, lightDir)))
	if !tr.shadows {
		return color, nil
	}

	tr.stats.ShadowRays++
	p := add(add(orig, scale(dir, h.t)), scale(n, rayEpsilon))
	if sh, occluded := tr.trace(p, lightDir, true); occluded {
		if _, err := tr.hitRecord(sh, 1); err != nil {
			return f32.Vec3{}, err
		}
		return scale(color, 0.4), nil
	}
	if _, err := tr.missRecord(1); err != nil {
		return f32.Vec3{}, err
	}
	return color, nil
}
