package rt

import (
	"fmt"
	"slices"

	"github.com/gogpu/rt/device"
)

// resolved is the validated view of a graph that Finalize compiles.
type resolved struct {
	exports    []string            // library exports in declaration order
	hitGroups  map[string][]string // hit group name -> member shaders
	maxPayload uint32
	maxAttr    uint32
	localRoot  map[string]SubobjectHandle
}

// validate checks the whole graph without touching the device.
func (g *PipelineDescriptorGraph) validate() (*resolved, error) {
	if len(g.issues) > 0 {
		return nil, g.issues[0]
	}

	r := &resolved{
		hitGroups: make(map[string][]string),
		localRoot: make(map[string]SubobjectHandle),
	}
	declared := make(map[string]bool)
	for _, s := range g.arena {
		if s.kind != device.SubobjectLibrary {
			continue
		}
		for _, name := range s.exports {
			if declared[name] {
				return nil, &ValidationError{Export: name, Category: CategoryAssociation, Reason: "exported by more than one library"}
			}
			declared[name] = true
			r.exports = append(r.exports, name)
		}
	}
	if len(r.exports) == 0 {
		return nil, &ValidationError{Category: CategoryAssociation, Reason: "pipeline has no shader library exports", Kind: ErrEmptyInput}
	}

	for _, s := range g.arena {
		if s.kind != device.SubobjectHitGroup {
			continue
		}
		if s.name == "" || declared[s.name] {
			return nil, &ValidationError{Export: s.name, Category: CategoryHitGroup, Reason: "hit group name is empty or already exported"}
		}
		if _, dup := r.hitGroups[s.name]; dup {
			return nil, &ValidationError{Export: s.name, Category: CategoryHitGroup, Reason: "hit group declared twice"}
		}
		var members []string
		for _, slot := range []struct {
			role string
			name string
			set  bool
		}{
			{"any hit", s.anyHit.Value, s.anyHit.Specified},
			{"closest hit", s.closestHit.Value, s.closestHit.Specified},
			{"intersection", s.intersection.Value, s.intersection.Specified},
		} {
			if !slot.set {
				continue
			}
			if !declared[slot.name] {
				return nil, &ValidationError{
					Export:   s.name,
					Category: CategoryHitGroup,
					Reason:   fmt.Sprintf("%s shader %q is not exported by any library", slot.role, slot.name),
					Kind:     ErrUnknownExport,
				}
			}
			members = append(members, slot.name)
		}
		r.hitGroups[s.name] = members
	}

	// governing[category][shader export] = distinct governing subobjects,
	// through a direct association or one naming a hit group containing it.
	governing := make(map[Category]map[string][]SubobjectHandle)
	var unassociatedGlobals []SubobjectHandle
	associated := make(map[SubobjectHandle]bool)
	for i, s := range g.arena {
		if s.kind != device.SubobjectExportAssociation {
			continue
		}
		if s.target < 0 || int(s.target) >= i {
			return nil, &ValidationError{
				Category: CategoryAssociation,
				Reason:   fmt.Sprintf("association %d references subobject %d, which is not an earlier subobject", i, s.target),
				Kind:     ErrInvalidHandle,
			}
		}
		cat, ok := categoryOf(g.arena[s.target].kind)
		if !ok {
			return nil, &ValidationError{
				Category: CategoryAssociation,
				Reason:   fmt.Sprintf("association %d targets a %s", i, g.arena[s.target].kind),
				Kind:     ErrInvalidHandle,
			}
		}
		associated[s.target] = true
		if governing[cat] == nil {
			governing[cat] = make(map[string][]SubobjectHandle)
		}
		for _, name := range s.names {
			var shaders []string
			switch members, isGroup := r.hitGroups[name]; {
			case isGroup:
				shaders = members
			case declared[name]:
				shaders = []string{name}
			default:
				return nil, &ValidationError{
					Export:   name,
					Category: cat,
					Reason:   "associated name is neither a library export nor a hit group",
					Kind:     ErrUnknownExport,
				}
			}
			for _, sh := range shaders {
				if !slices.Contains(governing[cat][sh], s.target) {
					governing[cat][sh] = append(governing[cat][sh], s.target)
				}
			}
		}
	}
	for i, s := range g.arena {
		if s.kind == device.SubobjectGlobalRootSignature && !associated[SubobjectHandle(i)] {
			unassociatedGlobals = append(unassociatedGlobals, SubobjectHandle(i))
		}
	}
	if len(unassociatedGlobals) > 1 {
		return nil, &ValidationError{
			Category: CategoryGlobalRoot,
			Reason:   fmt.Sprintf("%d global root signatures without associations", len(unassociatedGlobals)),
			Kind:     ErrDuplicateAssociation,
		}
	}

	for _, name := range r.exports {
		switch sc := governing[CategoryShaderConfig][name]; {
		case len(sc) == 0:
			return nil, &ValidationError{
				Export:   name,
				Category: CategoryShaderConfig,
				Reason:   "no shader config association",
				Kind:     ErrMissingAssociation,
			}
		case len(sc) > 1:
			return nil, &ValidationError{
				Export:   name,
				Category: CategoryShaderConfig,
				Reason:   fmt.Sprintf("associated with %d shader configs (subobjects %v)", len(sc), sc),
				Kind:     ErrDuplicateAssociation,
			}
		}
		for _, cat := range []Category{CategoryLocalRoot, CategoryGlobalRoot} {
			if rs := governing[cat][name]; len(rs) > 1 {
				return nil, &ValidationError{
					Export:   name,
					Category: cat,
					Reason:   fmt.Sprintf("associated with %d root signatures (subobjects %v)", len(rs), rs),
					Kind:     ErrDuplicateAssociation,
				}
			}
		}
		if rs := governing[CategoryLocalRoot][name]; len(rs) == 1 {
			r.localRoot[name] = rs[0]
		}
	}

	if g.pipeline == InvalidSubobject {
		return nil, &ValidationError{Category: CategoryPipelineConfig, Reason: "pipeline config not set", Kind: ErrMissingAssociation}
	}
	if g.arena[g.pipeline].maxRecursion == 0 {
		return nil, &ValidationError{Category: CategoryPipelineConfig, Reason: "max trace recursion depth must be at least 1"}
	}

	for _, s := range g.arena {
		if s.kind == device.SubobjectShaderConfig {
			r.maxPayload = max(r.maxPayload, s.maxPayload)
			r.maxAttr = max(r.maxAttr, s.maxAttributes)
		}
	}
	return r, nil
}

// Finalize validates the graph and compiles it into a PipelineObject.
//
// Validation requires every library export to be governed by exactly one
// shader config and by at most one local and one global root signature
// (an export without a local root signature uses the global bindings only),
// and every association to reference an earlier subobject. On failure a
// *ValidationError names the export and category; nothing is sent to the
// device. Device compile errors are returned as *CompileError carrying the
// device's diagnostic text.
//
// Finalize does not modify the graph and may be called again.
func (g *PipelineDescriptorGraph) Finalize() (*PipelineObject, error) {
	r, err := g.validate()
	if err != nil {
		return nil, err
	}

	p := &PipelineObject{
		dev:          g.dev,
		label:        g.label,
		identifiers:  make(map[string]ShaderIdentifier),
		argSizes:     make(map[string]uint32),
		maxPayload:   r.maxPayload,
		maxAttr:      r.maxAttr,
		maxRecursion: g.arena[g.pipeline].maxRecursion,
	}

	roots := make(map[SubobjectHandle]device.RootSignatureID)
	desc := &device.StateObjectDesc{Label: g.label, Subobjects: make([]device.Subobject, len(g.arena))}
	for i, s := range g.arena {
		d := device.Subobject{Kind: s.kind}
		switch s.kind {
		case device.SubobjectLibrary:
			d.Bytecode, d.Exports = s.bytecode, s.exports
		case device.SubobjectHitGroup:
			d.HitGroup = device.HitGroupDesc{
				Name:         s.name,
				AnyHit:       s.anyHit.Value,
				ClosestHit:   s.closestHit.Value,
				Intersection: s.intersection.Value,
			}
		case device.SubobjectLocalRootSignature, device.SubobjectGlobalRootSignature:
			local := s.kind == device.SubobjectLocalRootSignature
			id, err := g.dev.CreateRootSignature(&device.RootSignatureDesc{
				Label:      fmt.Sprintf("%s-rs%d", g.label, i),
				Local:      local,
				Parameters: s.bindings,
			})
			if err != nil {
				p.destroyRoots(roots)
				return nil, compileError(fmt.Sprintf("root signature %d (%s)", i, s.kind), err)
			}
			roots[SubobjectHandle(i)] = id
			d.RootSignature = id
			if !local && p.global == device.InvalidID {
				p.global = id
			}
		case device.SubobjectShaderConfig:
			d.MaxPayloadSize, d.MaxAttributeSize = r.maxPayload, r.maxAttr
		case device.SubobjectPipelineConfig:
			d.MaxRecursionDepth = s.maxRecursion
		case device.SubobjectExportAssociation:
			d.Target, d.Exports = int(s.target), s.names
		}
		desc.Subobjects[i] = d
	}

	so, err := g.dev.CreateStateObject(desc)
	if err != nil {
		p.destroyRoots(roots)
		return nil, compileError("pipeline "+g.label, err)
	}
	p.id = so
	for _, id := range roots {
		p.roots = append(p.roots, id)
	}

	inGroup := make(map[string]bool)
	groups := make([]string, 0, len(r.hitGroups))
	for _, s := range g.arena {
		if s.kind == device.SubobjectHitGroup {
			groups = append(groups, s.name)
			for _, m := range r.hitGroups[s.name] {
				inGroup[m] = true
			}
		}
	}
	for _, name := range append(slices.Clone(r.exports), groups...) {
		raw, ok := g.dev.ShaderIdentifier(so, name)
		if !ok {
			if inGroup[name] {
				continue
			}
			p.Destroy()
			return nil, &CompileError{Op: "pipeline " + g.label, Text: fmt.Sprintf("no shader identifier for export %q", name), Err: ErrValidationFailure}
		}
		var id ShaderIdentifier
		copy(id[:], raw)
		p.identifiers[name] = id
		p.exports = append(p.exports, name)
	}

	for name, h := range r.localRoot {
		p.argSizes[name] = argumentSize(g.arena[h].bindings)
	}
	for group, members := range r.hitGroups {
		for _, m := range members {
			p.argSizes[group] = max(p.argSizes[group], p.argSizes[m])
		}
	}

	slogger().Info("rt: pipeline finalized",
		"label", g.label,
		"subobjects", len(g.arena),
		"exports", len(p.exports),
		"payload", r.maxPayload,
		"attributes", r.maxAttr,
		"recursion", p.maxRecursion)
	return p, nil
}

// argumentSize returns the local argument bytes a root signature consumes,
// with 8-byte parameters aligned to 8 bytes.
func argumentSize(bindings []Binding) uint32 {
	size := uint32(0)
	for _, b := range bindings {
		n := b.ArgumentSize()
		if n == 8 && size%8 != 0 {
			size += 8 - size%8
		}
		size += n
	}
	return size
}
