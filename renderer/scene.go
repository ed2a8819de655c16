package renderer

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/config"
	"github.com/gogpu/rt/device"
)

var (
	triangleVertices = []float32{
		0, 1, 0,
		0.866, -0.5, 0,
		-0.866, -0.5, 0,
	}
	planeVertices = []float32{
		-10, -1, -10,
		10, -1, -10,
		10, -1, 10,
		-10, -1, 10,
	}
	planeIndices = []uint16{0, 1, 2, 0, 2, 3}

	// instanceColors are the vertex colors of each instance's triangle,
	// cycled when there are more instances.
	instanceColors = [][12]float32{
		{1, 0, 0, 1, 0, 1, 0, 1, 0, 0, 1, 1},
		{1, 1, 0, 1, 0, 1, 1, 1, 1, 0, 1, 1},
		{1, 0.5, 0, 1, 0.5, 1, 0, 1, 0, 0.5, 1, 1},
	}
)

// scene owns the geometry, acceleration structures and per-instance
// constant buffers of one device.
type scene struct {
	dev     device.Device
	buffers []device.BufferID

	// blas is indexed by config.GeometryKind.
	blas      map[config.GeometryKind]*rt.BottomLevel
	tlas      *rt.TopLevel
	instances []rt.Instance
	base      []rt.Transform3x4
	animated  []bool

	// colors holds the constant buffer address of each instance.
	colors []device.Address

	// hitRecords is the number of hit group records the instances need.
	hitRecords uint32
}

func (s *scene) upload(label string, data []byte) (device.Address, error) {
	id, err := s.dev.CreateBuffer(&device.BufferDesc{
		Label:        label,
		Size:         uint64(len(data)),
		Heap:         device.HeapUpload,
		InitialState: device.StateGenericRead,
	})
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", label, err)
	}
	s.buffers = append(s.buffers, id)
	if err := s.dev.WriteBuffer(id, 0, data); err != nil {
		return 0, fmt.Errorf("upload %s: %w", label, err)
	}
	return s.dev.BufferAddress(id), nil
}

func floatBytes(vs []float32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func indexBytes(is []uint16) []byte {
	b := make([]byte, 2*len(is))
	for i, v := range is {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return b
}

// geometries uploads the vertex and index data and returns the descriptors
// of the triangle and the plane.
func (s *scene) geometries() (tri, plane rt.GeometryDescriptor, err error) {
	triAddr, err := s.upload("triangle-vertices", floatBytes(triangleVertices))
	if err != nil {
		return tri, plane, err
	}
	planeAddr, err := s.upload("plane-vertices", floatBytes(planeVertices))
	if err != nil {
		return tri, plane, err
	}
	idxAddr, err := s.upload("plane-indices", indexBytes(planeIndices))
	if err != nil {
		return tri, plane, err
	}
	tri = rt.Triangles(triAddr, 12, uint32(len(triangleVertices)/3), gputypes.VertexFormatFloat32x3, true)
	plane = rt.Triangles(planeAddr, 12, uint32(len(planeVertices)/3), gputypes.VertexFormatFloat32x3, true).
		WithIndices(idxAddr, uint32(len(planeIndices)), gputypes.IndexFormatUint16)
	return tri, plane, nil
}

// build records the bottom- and top-level builds of the configured scene
// into cl.
func (s *scene) build(b *rt.Builder, cl device.CommandList, cfg *config.Config) error {
	tri, plane, err := s.geometries()
	if err != nil {
		return err
	}

	s.blas = make(map[config.GeometryKind]*rt.BottomLevel)
	for _, inst := range cfg.Scene.Instances {
		if _, ok := s.blas[inst.Geometry]; ok {
			continue
		}
		geoms := []rt.GeometryDescriptor{tri}
		if inst.Geometry == config.GeometryTrianglePlane {
			geoms = append(geoms, plane)
		}
		blas, err := b.BuildBottomLevel(cl, geoms)
		if err != nil {
			return fmt.Errorf("build %s: %w", inst.Geometry, err)
		}
		s.blas[inst.Geometry] = blas
	}

	rayTypes := cfg.Pipeline.RayTypes
	var offset uint32
	for i, inst := range cfg.Scene.Instances {
		color := instanceColors[i%len(instanceColors)]
		addr, err := s.upload(fmt.Sprintf("instance-%d-colors", i), floatBytes(color[:]))
		if err != nil {
			return err
		}
		s.colors = append(s.colors, addr)

		base := rt.Translation(f32.Vec3(inst.Translation))
		s.base = append(s.base, base)
		s.animated = append(s.animated, inst.Animated)
		s.instances = append(s.instances, rt.Instance{
			Transform:      base,
			BLAS:           s.blas[inst.Geometry],
			InstanceID:     uint32(i),
			Mask:           0xFF,
			HitGroupOffset: offset,
		})
		offset += uint32(inst.Geometry.Geometries()) * rayTypes
	}
	s.hitRecords = offset

	s.tlas, err = b.BuildTopLevel(cl, s.instances)
	if err != nil {
		return fmt.Errorf("build scene: %w", err)
	}
	return nil
}

// animate sets the transforms of animated instances for angle and returns
// the instance list to refit with.
func (s *scene) animate(angle float32) []rt.Instance {
	rot := rt.RotationY(angle)
	for i := range s.instances {
		if s.animated[i] {
			s.instances[i].Transform = s.base[i].Multiply(rot)
		}
	}
	return s.instances
}

// releaseScratch drops the bottom-level build scratch once the build has
// completed.
func (s *scene) releaseScratch() {
	for _, b := range s.blas {
		b.ReleaseScratch()
	}
}

func (s *scene) destroy() {
	if s.tlas != nil {
		s.tlas.Destroy()
		s.tlas = nil
	}
	for kind, b := range s.blas {
		if err := b.Destroy(); err != nil {
			rt.Logger().Warn("renderer: destroy bottom-level structure", "geometry", kind.String(), "err", err)
		}
	}
	s.blas = nil
	for _, id := range s.buffers {
		s.dev.DestroyBuffer(id)
	}
	s.buffers = nil
}
