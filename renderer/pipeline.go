package renderer

import (
	"fmt"
	"slices"

	"github.com/mokiat/gog/opt"

	"github.com/gogpu/rt"
	"github.com/gogpu/rt/config"
	"github.com/gogpu/rt/device"
	"github.com/gogpu/rt/shader"
)

// Hit group names of the scene pipeline.
const (
	groupTriangle = "hitgroup_triangle"
	groupPlane    = "hitgroup_plane"
	groupShadow   = "hitgroup_shadow"
)

// Descriptor heap slots.
const (
	slotOutput = 0
	slotScene  = 1
	heapSlots  = 2
)

// buildPipeline finalizes the 16-subobject pipeline of the scene from lib.
func buildPipeline(dev device.Device, lib *shader.Module, cfg *config.Config) (*rt.PipelineObject, error) {
	names := cfg.Shaders
	exports := names.Exports()
	for _, e := range exports {
		if !slices.Contains(lib.Exports(), e) {
			return nil, fmt.Errorf("renderer: library %s does not export %q", lib.Name, e)
		}
	}

	g := rt.NewPipelineDescriptorGraph(dev, "scene")
	none := opt.Unspecified[string]()

	g.AddShaderLibrary(lib.SPIRV, exports)
	g.AddHitGroup(none, opt.V(names.TriangleHit), none, groupTriangle)
	g.AddHitGroup(none, opt.V(names.PlaneHit), none, groupPlane)
	g.AddHitGroup(none, opt.V(names.ShadowHit), none, groupShadow)

	raygenRS := g.AddRootSignature(rt.RootLocal, []rt.Binding{{
		Kind: device.ParameterDescriptorTable,
		Ranges: []device.DescriptorRange{
			{Kind: device.RangeUAV, BaseRegister: 0, Count: 1},
			{Kind: device.RangeSRV, BaseRegister: 0, Count: 1, OffsetInTable: 1},
		},
	}})
	triangleRS := g.AddRootSignature(rt.RootLocal, []rt.Binding{{Kind: device.ParameterCBV, Register: 0}})
	planeRS := g.AddRootSignature(rt.RootLocal, []rt.Binding{{
		Kind:   device.ParameterDescriptorTable,
		Ranges: []device.DescriptorRange{{Kind: device.RangeSRV, BaseRegister: 0, Count: 1}},
	}})
	emptyRS := g.AddRootSignature(rt.RootLocal, nil)
	shaderConfig := g.SetShaderConfig(cfg.Pipeline.MaxPayloadSize, cfg.Pipeline.MaxAttributeSize)

	associations := []struct {
		h     rt.SubobjectHandle
		names []string
	}{
		{raygenRS, []string{names.RayGen}},
		{triangleRS, []string{names.TriangleHit}},
		{planeRS, []string{groupPlane}},
		{emptyRS, []string{names.Miss, names.ShadowHit, names.ShadowMiss}},
		{shaderConfig, exports},
	}
	for _, a := range associations {
		if err := g.AssociateExports(a.h, a.names); err != nil {
			return nil, err
		}
	}
	g.SetPipelineConfig(cfg.Pipeline.MaxRecursion)
	g.AddRootSignature(rt.RootGlobal, nil)

	rt.Logger().Debug("renderer: pipeline graph", "subobjects", g.Len(), "library", lib.Name)
	return g.Finalize()
}

// hitEntry is a hit group record and the group it was built for.
type hitEntry struct {
	group string
	rec   rt.ShaderRecord
}

// tableRecords assembles the raygen, miss and hit group records.
//
// Hit records follow the instance order: for every geometry of an instance
// one record per ray type, the primary ray type first.
func tableRecords(p *rt.PipelineObject, s *scene, cfg *config.Config, raygenTable device.Handle, sceneTable device.Handle) (raygen, miss, hit []rt.ShaderRecord, err error) {
	ids := make(map[string]rt.ShaderIdentifier)
	for _, name := range []string{cfg.Shaders.RayGen, cfg.Shaders.Miss, cfg.Shaders.ShadowMiss, groupTriangle, groupPlane, groupShadow} {
		id, err := p.Identifier(name)
		if err != nil {
			return nil, nil, nil, err
		}
		ids[name] = id
	}

	raygen = []rt.ShaderRecord{new(rt.ArgWriter).Handle(raygenTable).Record(ids[cfg.Shaders.RayGen])}
	miss = []rt.ShaderRecord{rt.Record(ids[cfg.Shaders.Miss]), rt.Record(ids[cfg.Shaders.ShadowMiss])}

	hit = make([]rt.ShaderRecord, 0, s.hitRecords)
	add := func(group string, r rt.ShaderRecord) error {
		if err := p.CheckRecord(group, r); err != nil {
			return fmt.Errorf("hit record %d: %w", len(hit), err)
		}
		hit = append(hit, r)
		return nil
	}
	shadow := rt.Record(ids[groupShadow])
	for i, inst := range cfg.Scene.Instances {
		geoms := []hitEntry{
			{groupTriangle, new(rt.ArgWriter).Address(s.colors[i]).Record(ids[groupTriangle])},
		}
		if inst.Geometry == config.GeometryTrianglePlane {
			geoms = append(geoms, hitEntry{groupPlane, new(rt.ArgWriter).Handle(sceneTable).Record(ids[groupPlane])})
		}
		for _, g := range geoms {
			if err := add(g.group, g.rec); err != nil {
				return nil, nil, nil, err
			}
			for range cfg.Pipeline.RayTypes - 1 {
				if err := add(groupShadow, shadow); err != nil {
					return nil, nil, nil, err
				}
			}
		}
	}
	return raygen, miss, hit, nil
}
