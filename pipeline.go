package rt

import (
	"fmt"
	"slices"

	"github.com/mokiat/gog/opt"

	"github.com/gogpu/rt/device"
)

// SubobjectHandle identifies a subobject by its emission index in a
// PipelineDescriptorGraph. Handles stay valid while the graph grows.
type SubobjectHandle int

// InvalidSubobject is returned when a subobject could not be added.
const InvalidSubobject SubobjectHandle = -1

// RootScope selects whether a root signature binds per-record local
// arguments or pipeline-wide global arguments.
type RootScope uint8

// Root signature scopes.
const (
	RootLocal RootScope = iota
	RootGlobal
)

// String returns "local" or "global".
func (s RootScope) String() string {
	if s == RootGlobal {
		return "global"
	}
	return "local"
}

// UnmarshalText parses "local" or "global".
func (s *RootScope) UnmarshalText(text []byte) error {
	switch string(text) {
	case "local":
		*s = RootLocal
	case "global":
		*s = RootGlobal
	default:
		return fmt.Errorf("rt: unknown root signature scope %q", text)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s RootScope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Binding is one root signature parameter.
type Binding = device.RootParameter

// subobject is one arena entry. Only the fields of its kind are set.
type subobject struct {
	kind device.SubobjectKind

	// library
	bytecode []byte
	exports  []string

	// hit group
	name         string
	anyHit       opt.T[string]
	closestHit   opt.T[string]
	intersection opt.T[string]

	// root signature
	bindings []Binding

	// shader config
	maxPayload    uint32
	maxAttributes uint32

	// pipeline config
	maxRecursion uint32

	// export association
	target SubobjectHandle
	names  []string
}

// PipelineDescriptorGraph assembles the ordered subobjects of a ray tracing
// pipeline: shader libraries, hit groups, root signatures, shader and
// pipeline configuration, and export associations.
//
// The graph is append-only. Associations refer to earlier subobjects by
// emission index, never by pointer, so growing the graph cannot invalidate
// them. Validation failures that can be detected while building (duplicate
// associations, bad handles) are reported immediately and again by
// Finalize, which never calls the device for an invalid graph.
type PipelineDescriptorGraph struct {
	dev      device.Device
	label    string
	arena    []subobject
	pipeline SubobjectHandle

	// governed maps category -> export -> governing subobjects.
	governed map[Category]map[string][]SubobjectHandle

	issues []error
}

// NewPipelineDescriptorGraph creates an empty graph compiling on dev.
func NewPipelineDescriptorGraph(dev device.Device, label string) *PipelineDescriptorGraph {
	return &PipelineDescriptorGraph{
		dev:      dev,
		label:    label,
		pipeline: InvalidSubobject,
		governed: make(map[Category]map[string][]SubobjectHandle),
	}
}

// Len returns the number of subobjects in the graph.
func (g *PipelineDescriptorGraph) Len() int {
	return len(g.arena)
}

// Kind returns the kind of subobject h.
func (g *PipelineDescriptorGraph) Kind(h SubobjectHandle) (device.SubobjectKind, bool) {
	if h < 0 || int(h) >= len(g.arena) {
		return 0, false
	}
	return g.arena[h].kind, true
}

func (g *PipelineDescriptorGraph) add(s subobject) SubobjectHandle {
	g.arena = append(g.arena, s)
	return SubobjectHandle(len(g.arena) - 1)
}

// AddShaderLibrary adds compiled shader bytecode exporting the named entry
// points.
func (g *PipelineDescriptorGraph) AddShaderLibrary(bytecode []byte, exports []string) SubobjectHandle {
	return g.add(subobject{
		kind:     device.SubobjectLibrary,
		bytecode: bytecode,
		exports:  slices.Clone(exports),
	})
}

// AddHitGroup adds a hit group exported as name. A group with no shaders is
// allowed as a placeholder; rays hitting it behave as misses.
func (g *PipelineDescriptorGraph) AddHitGroup(anyHit, closestHit, intersection opt.T[string], name string) SubobjectHandle {
	return g.add(subobject{
		kind:         device.SubobjectHitGroup,
		name:         name,
		anyHit:       anyHit,
		closestHit:   closestHit,
		intersection: intersection,
	})
}

// AddRootSignature adds a local or global root signature with the given
// bindings. An empty binding list is valid.
func (g *PipelineDescriptorGraph) AddRootSignature(scope RootScope, bindings []Binding) SubobjectHandle {
	kind := device.SubobjectLocalRootSignature
	if scope == RootGlobal {
		kind = device.SubobjectGlobalRootSignature
	}
	return g.add(subobject{kind: kind, bindings: slices.Clone(bindings)})
}

// SetShaderConfig adds a shader configuration. Every export must then be
// associated with exactly one shader configuration through AssociateExports.
//
// A pipeline has a single payload and attribute maximum: if several shader
// configurations are added, Finalize compiles all of them with the largest
// values.
func (g *PipelineDescriptorGraph) SetShaderConfig(maxPayloadBytes, maxAttributeBytes uint32) SubobjectHandle {
	return g.add(subobject{
		kind:          device.SubobjectShaderConfig,
		maxPayload:    maxPayloadBytes,
		maxAttributes: maxAttributeBytes,
	})
}

// SetPipelineConfig sets the maximum trace recursion depth: the deepest
// chain of nested trace calls reachable from ray generation. The first call
// adds the subobject; later calls update it in place.
func (g *PipelineDescriptorGraph) SetPipelineConfig(maxTraceRecursionDepth uint32) {
	if g.pipeline != InvalidSubobject {
		g.arena[g.pipeline].maxRecursion = maxTraceRecursionDepth
		return
	}
	g.pipeline = g.add(subobject{
		kind:         device.SubobjectPipelineConfig,
		maxRecursion: maxTraceRecursionDepth,
	})
}

// categoryOf returns the association category of an associable kind.
func categoryOf(kind device.SubobjectKind) (Category, bool) {
	switch kind {
	case device.SubobjectLocalRootSignature:
		return CategoryLocalRoot, true
	case device.SubobjectGlobalRootSignature:
		return CategoryGlobalRoot, true
	case device.SubobjectShaderConfig:
		return CategoryShaderConfig, true
	case device.SubobjectPipelineConfig:
		return CategoryPipelineConfig, true
	default:
		return "", false
	}
}

// AssociateExports appends an association making subobject h govern the
// named exports. h must be an earlier root signature, shader config or
// pipeline config.
//
// Returns a *ValidationError wrapping ErrDuplicateAssociation if any export
// already has an association of the same category; the graph then stays
// invalid and Finalize reports the same error.
func (g *PipelineDescriptorGraph) AssociateExports(h SubobjectHandle, exportNames []string) error {
	if h < 0 || int(h) >= len(g.arena) {
		return g.fail(&ValidationError{
			Category: CategoryAssociation,
			Reason:   fmt.Sprintf("subobject %d does not exist (graph has %d)", h, len(g.arena)),
			Kind:     ErrInvalidHandle,
		})
	}
	cat, ok := categoryOf(g.arena[h].kind)
	if !ok {
		return g.fail(&ValidationError{
			Category: CategoryAssociation,
			Reason:   fmt.Sprintf("subobject %d is a %s and cannot be associated", h, g.arena[h].kind),
			Kind:     ErrInvalidHandle,
		})
	}

	byExport := g.governed[cat]
	if byExport == nil {
		byExport = make(map[string][]SubobjectHandle)
		g.governed[cat] = byExport
	}
	for i, name := range exportNames {
		prev, dup := byExport[name]
		if !dup && slices.Contains(exportNames[:i], name) {
			prev, dup = []SubobjectHandle{h}, true
		}
		if dup {
			return g.fail(&ValidationError{
				Export:   name,
				Category: cat,
				Reason:   fmt.Sprintf("already associated with subobject %d", prev[0]),
				Kind:     ErrDuplicateAssociation,
			})
		}
	}
	for _, name := range exportNames {
		byExport[name] = append(byExport[name], h)
	}
	g.add(subobject{
		kind:   device.SubobjectExportAssociation,
		target: h,
		names:  slices.Clone(exportNames),
	})
	return nil
}

// fail records a validation error for Finalize and returns it.
func (g *PipelineDescriptorGraph) fail(err error) error {
	g.issues = append(g.issues, err)
	return err
}
