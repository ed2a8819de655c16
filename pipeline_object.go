package rt

import (
	"fmt"
	"slices"

	"github.com/gogpu/rt/device"
)

// PipelineObject is a compiled, read-only ray tracing pipeline.
type PipelineObject struct {
	dev          device.Device
	id           device.StateObjectID
	label        string
	global       device.RootSignatureID
	roots        []device.RootSignatureID
	identifiers  map[string]ShaderIdentifier
	exports      []string
	argSizes     map[string]uint32
	maxPayload   uint32
	maxAttr      uint32
	maxRecursion uint32
	destroyed    bool
}

// ID returns the device state object.
func (p *PipelineObject) ID() device.StateObjectID { return p.id }

// Label returns the pipeline label.
func (p *PipelineObject) Label() string { return p.label }

// GlobalRootSignature returns the global root signature to bind before a
// dispatch, or device.InvalidID if the pipeline has none.
func (p *PipelineObject) GlobalRootSignature() device.RootSignatureID { return p.global }

// MaxPayloadSize returns the compiled payload limit in bytes.
func (p *PipelineObject) MaxPayloadSize() uint32 { return p.maxPayload }

// MaxAttributeSize returns the compiled attribute limit in bytes.
func (p *PipelineObject) MaxAttributeSize() uint32 { return p.maxAttr }

// MaxRecursionDepth returns the compiled trace recursion limit.
func (p *PipelineObject) MaxRecursionDepth() uint32 { return p.maxRecursion }

// Exports returns the names that have shader identifiers, library exports
// first, then hit groups.
func (p *PipelineObject) Exports() []string {
	return slices.Clone(p.exports)
}

// Identifier returns the shader identifier of an exported shader or hit
// group.
func (p *PipelineObject) Identifier(name string) (ShaderIdentifier, error) {
	if p.destroyed {
		return ShaderIdentifier{}, &ValidationError{
			Export:   name,
			Category: CategoryShaderRecord,
			Reason:   fmt.Sprintf("identifier lookup on destroyed pipeline %s", p.label),
			Kind:     ErrDestroyed,
		}
	}
	id, ok := p.identifiers[name]
	if !ok {
		return ShaderIdentifier{}, &ValidationError{
			Export:   name,
			Category: CategoryShaderRecord,
			Reason:   fmt.Sprintf("not exported by pipeline %s", p.label),
			Kind:     ErrUnknownExport,
		}
	}
	return id, nil
}

// ArgumentSize returns the local argument size, in bytes, that the local
// root signature governing name expects. Exports without a local root
// signature return zero.
func (p *PipelineObject) ArgumentSize(name string) uint32 {
	return p.argSizes[name]
}

// CheckRecord verifies that a record built for export name carries at
// least the local arguments its root signature declares.
func (p *PipelineObject) CheckRecord(name string, r ShaderRecord) error {
	if want := p.ArgumentSize(name); uint32(len(r.Args)) < want {
		return &ValidationError{
			Export:   name,
			Category: CategoryShaderRecord,
			Reason:   fmt.Sprintf("record carries %d argument bytes, local root signature needs %d", len(r.Args), want),
		}
	}
	return nil
}

// Destroy releases the state object and its root signatures.
func (p *PipelineObject) Destroy() {
	if p.destroyed {
		return
	}
	if p.id != device.InvalidID {
		p.dev.DestroyStateObject(p.id)
	}
	for _, id := range p.roots {
		p.dev.DestroyRootSignature(id)
	}
	p.roots = nil
	p.destroyed = true
}

func (p *PipelineObject) destroyRoots(roots map[SubobjectHandle]device.RootSignatureID) {
	for _, id := range roots {
		p.dev.DestroyRootSignature(id)
	}
}
