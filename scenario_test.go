package rt

import (
	"bytes"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/mokiat/gog/opt"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/device/soft"
)

// Export names of the three-instance scene.
const (
	exportRaygen      = "raygen"
	exportMiss        = "miss"
	exportShadowMiss  = "shadow_miss"
	exportCHSTriangle = "chs_triangle"
	exportCHSPlane    = "chs_plane"
	exportShadowCHS   = "shadow_chs"
	groupTriangle     = "hitgroup_triangle"
	groupPlane        = "hitgroup_plane"
	groupShadow       = "hitgroup_shadow"
)

var sceneExports = []string{exportRaygen, exportMiss, exportCHSTriangle, exportCHSPlane, exportShadowCHS, exportShadowMiss}

// sceneGraph builds the 16-subobject graph of the three-instance scene.
func sceneGraph(t *testing.T, dev device.Device) *PipelineDescriptorGraph {
	t.Helper()
	g := NewPipelineDescriptorGraph(dev, "scene")
	none := opt.Unspecified[string]()

	g.AddShaderLibrary([]byte("scene library"), sceneExports)
	g.AddHitGroup(none, opt.V(exportCHSTriangle), none, groupTriangle)
	g.AddHitGroup(none, opt.V(exportCHSPlane), none, groupPlane)
	g.AddHitGroup(none, opt.V(exportShadowCHS), none, groupShadow)

	associate := func(h SubobjectHandle, names ...string) {
		t.Helper()
		if err := g.AssociateExports(h, names); err != nil {
			t.Fatalf("AssociateExports(%v): %v", names, err)
		}
	}

	raygenRS := g.AddRootSignature(RootLocal, []Binding{{
		Kind: device.ParameterDescriptorTable,
		Ranges: []device.DescriptorRange{
			{Kind: device.RangeUAV, BaseRegister: 0, Count: 1},
			{Kind: device.RangeSRV, BaseRegister: 0, Count: 1, OffsetInTable: 1},
		},
	}})
	associate(raygenRS, exportRaygen)

	triangleRS := g.AddRootSignature(RootLocal, []Binding{{Kind: device.ParameterCBV, Register: 0}})
	associate(triangleRS, exportCHSTriangle)

	planeRS := g.AddRootSignature(RootLocal, []Binding{{
		Kind:   device.ParameterDescriptorTable,
		Ranges: []device.DescriptorRange{{Kind: device.RangeSRV, BaseRegister: 0, Count: 1}},
	}})
	associate(planeRS, groupPlane)

	emptyRS := g.AddRootSignature(RootLocal, nil)
	associate(emptyRS, exportMiss, exportShadowCHS, exportShadowMiss)

	config := g.SetShaderConfig(12, 8)
	associate(config, sceneExports...)

	g.SetPipelineConfig(2)
	g.AddRootSignature(RootGlobal, nil)
	return g
}

func identifier(t *testing.T, p *PipelineObject, name string) ShaderIdentifier {
	t.Helper()
	id, err := p.Identifier(name)
	if err != nil {
		t.Fatalf("Identifier(%q): %v", name, err)
	}
	return id
}

func TestThreeInstanceScene(t *testing.T) {
	const width, height = 64, 48
	dev := newSoftDevice(t, soft.Options{})
	b := NewBuilder(dev, DefaultBuilderOptions())

	cl := commandList(t, dev, "scene build")
	blas, err := b.BuildBottomLevel(cl, []GeometryDescriptor{triangle(t, dev)})
	if err != nil {
		t.Fatal(err)
	}
	instances := []Instance{
		{Transform: Translation(f32.Vec3{0, 0, 0}), BLAS: blas, InstanceID: 0, Mask: 0xFF, HitGroupOffset: 0},
		{Transform: Translation(f32.Vec3{-2, 0, 0}), BLAS: blas, InstanceID: 1, Mask: 0xFF, HitGroupOffset: 4},
		{Transform: Translation(f32.Vec3{2, 0, 0}), BLAS: blas, InstanceID: 2, Mask: 0xFF, HitGroupOffset: 6},
	}
	tlas, err := b.BuildTopLevel(cl, instances)
	if err != nil {
		t.Fatal(err)
	}
	submitAndWait(t, dev, cl)
	blas.ReleaseScratch()

	g := sceneGraph(t, dev)
	if g.Len() != 16 {
		t.Fatalf("graph has %d subobjects, want 16", g.Len())
	}
	p, err := g.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	defer p.Destroy()

	out, err := dev.CreateTexture(&device.TextureDesc{
		Label:        "output",
		Width:        width,
		Height:       height,
		Format:       gputypes.TextureFormatRGBA8Unorm,
		InitialState: device.StateUnorderedAccess,
	})
	if err != nil {
		t.Fatal(err)
	}
	heap, err := dev.CreateDescriptorHeap(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteDescriptor(heap, 0, device.Descriptor{Kind: device.DescriptorTextureUAV, Texture: out}); err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteDescriptor(heap, 1, device.Descriptor{Kind: device.DescriptorAccelerationStructure, Location: tlas.Address()}); err != nil {
		t.Fatal(err)
	}
	cbuffers := make([]device.Address, 3)
	for i := range cbuffers {
		cbuffers[i] = uploadFloats(t, dev, "colors", float32(i), 1, 0, 1, 0, 1, 0, 1, 1, 0, 0, 1)
	}

	triangleHit := func(cb device.Address) ShaderRecord {
		return new(ArgWriter).Address(cb).Record(identifier(t, p, groupTriangle))
	}
	shadow := Record(identifier(t, p, groupShadow))
	raygen := []ShaderRecord{new(ArgWriter).Handle(dev.DescriptorHandle(heap, 0)).Record(identifier(t, p, exportRaygen))}
	miss := []ShaderRecord{Record(identifier(t, p, exportMiss)), Record(identifier(t, p, exportShadowMiss))}
	hit := []ShaderRecord{
		triangleHit(cbuffers[0]), shadow,
		new(ArgWriter).Handle(dev.DescriptorHandle(heap, 1)).Record(identifier(t, p, groupPlane)), shadow,
		triangleHit(cbuffers[1]), shadow,
		triangleHit(cbuffers[2]), shadow,
	}
	if len(hit) != 8 {
		t.Fatalf("%d hit records", len(hit))
	}
	for i, name := range []string{groupTriangle, groupShadow, groupPlane, groupShadow} {
		if err := p.CheckRecord(name, hit[i]); err != nil {
			t.Errorf("CheckRecord(%s): %v", name, err)
		}
	}

	layout, data, err := ShaderTableLayoutFor(dev.Capabilities()).Build(raygen, miss, hit)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if layout.HitGroup.Size != 8*layout.HitGroup.Stride {
		t.Errorf("hit group size %d, want 8 x %d", layout.HitGroup.Size, layout.HitGroup.Stride)
	}
	if layout.HitGroup.Stride != 64 || layout.RayGen.Stride != 64 || layout.Miss.Stride != 32 {
		t.Errorf("strides raygen=%d miss=%d hit=%d, want 64/32/64", layout.RayGen.Stride, layout.Miss.Stride, layout.HitGroup.Stride)
	}
	if layout.RayGen.Count != 1 || layout.Miss.Count != 2 || layout.HitGroup.Count != 8 {
		t.Errorf("counts %d/%d/%d, want 1/2/8", layout.RayGen.Count, layout.Miss.Count, layout.HitGroup.Count)
	}
	table, err := UploadShaderTable(dev, layout, data)
	if err != nil {
		t.Fatal(err)
	}
	defer table.Destroy()

	before, err := dev.ReadBuffer(tlas.InstanceBuffer(), 0, 3*device.InstanceDescSize)
	if err != nil {
		t.Fatal(err)
	}

	frame := commandList(t, dev, "frame")
	refit := append([]Instance(nil), instances...)
	for _, i := range []int{1, 2} {
		refit[i].Transform = instances[i].Transform.Multiply(RotationY(0.7))
	}
	if err := b.RefitTopLevel(frame, tlas, refit); err != nil {
		t.Fatalf("RefitTopLevel: %v", err)
	}
	frame.SetDescriptorHeap(heap)
	frame.SetGlobalRootSignature(p.GlobalRootSignature())
	frame.SetPipeline(p.ID())
	dispatch := table.DispatchDesc(width, height)
	frame.DispatchRays(&dispatch)
	submitAndWait(t, dev, frame)

	after, err := dev.ReadBuffer(tlas.InstanceBuffer(), 0, 3*device.InstanceDescSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before[:48], after[:48]) {
		t.Error("refit changed instance 0's transform bytes")
	}
	for i := range 3 {
		o := i * device.InstanceDescSize
		if !bytes.Equal(before[o+48:o+64], after[o+48:o+64]) {
			t.Errorf("refit changed non-transform bytes of instance %d", i)
		}
		if changed := !bytes.Equal(before[o:o+48], after[o:o+48]); changed != (i != 0) {
			t.Errorf("instance %d transform changed = %v", i, changed)
		}
	}
	if tlas.Refits() != 1 || tlas.InstanceCount() != 3 {
		t.Errorf("Refits = %d, InstanceCount = %d", tlas.Refits(), tlas.InstanceCount())
	}

	stats := dev.Dispatches()
	if len(stats) != 1 {
		t.Fatalf("%d dispatches executed", len(stats))
	}
	s := stats[0]
	if s.PrimaryRays != width*height {
		t.Errorf("PrimaryRays = %d, want %d", s.PrimaryRays, width*height)
	}
	for _, idx := range []int{0, 4, 6} {
		if s.HitRecords[idx] == 0 {
			t.Errorf("hit record %d never selected", idx)
		}
	}
	if s.MissRecords[0] == 0 {
		t.Error("primary miss record never selected")
	}
	if s.ShadowRays == 0 {
		t.Error("no shadow rays traced with recursion depth 2")
	}
}
