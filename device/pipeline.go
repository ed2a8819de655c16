package device

import (
	"fmt"
	"strings"
)

// ParameterKind selects the type of a root signature parameter.
type ParameterKind uint8

// Root parameter kinds.
const (
	ParameterDescriptorTable ParameterKind = iota
	ParameterConstants
	ParameterCBV
	ParameterSRV
	ParameterUAV
)

// String returns the parameter kind name.
func (k ParameterKind) String() string {
	switch k {
	case ParameterDescriptorTable:
		return "DescriptorTable"
	case ParameterConstants:
		return "Constants"
	case ParameterCBV:
		return "CBV"
	case ParameterSRV:
		return "SRV"
	case ParameterUAV:
		return "UAV"
	default:
		return fmt.Sprintf("ParameterKind(%d)", k)
	}
}

// RangeKind selects the descriptor type of a descriptor table range.
type RangeKind uint8

// Descriptor range kinds.
const (
	RangeSRV RangeKind = iota
	RangeUAV
	RangeCBV
)

// RegisterClass returns the HLSL register letter for a range kind.
func (k RangeKind) RegisterClass() string {
	switch k {
	case RangeSRV:
		return "t"
	case RangeUAV:
		return "u"
	default:
		return "b"
	}
}

// DescriptorRange is one range of a descriptor table.
type DescriptorRange struct {
	Kind          RangeKind
	BaseRegister  uint32
	Space         uint32
	Count         uint32
	OffsetInTable uint32
}

// RootParameter is one binding of a root signature.
type RootParameter struct {
	Kind     ParameterKind
	Register uint32
	Space    uint32

	// Num32BitValues is used by ParameterConstants.
	Num32BitValues uint32

	// Ranges is used by ParameterDescriptorTable.
	Ranges []DescriptorRange
}

// String renders the parameter in a compact register notation,
// e.g. "CBV(b0)" or "Table(u0..u0, t0..t0)".
func (p RootParameter) String() string {
	switch p.Kind {
	case ParameterDescriptorTable:
		parts := make([]string, 0, len(p.Ranges))
		for _, r := range p.Ranges {
			c := r.Kind.RegisterClass()
			parts = append(parts, fmt.Sprintf("%s%d..%s%d", c, r.BaseRegister, c, r.BaseRegister+r.Count-1))
		}
		return "Table(" + strings.Join(parts, ", ") + ")"
	case ParameterConstants:
		return fmt.Sprintf("Constants(b%d, %d)", p.Register, p.Num32BitValues)
	case ParameterCBV:
		return fmt.Sprintf("CBV(b%d)", p.Register)
	case ParameterSRV:
		return fmt.Sprintf("SRV(t%d)", p.Register)
	case ParameterUAV:
		return fmt.Sprintf("UAV(u%d)", p.Register)
	default:
		return p.Kind.String()
	}
}

// ArgumentSize returns the number of bytes the parameter occupies in a
// shader record's local arguments.
func (p RootParameter) ArgumentSize() uint32 {
	switch p.Kind {
	case ParameterConstants:
		return 4 * p.Num32BitValues
	default:
		return 8
	}
}

// RootSignatureDesc describes a root signature to compile.
type RootSignatureDesc struct {
	Label      string
	Local      bool
	Parameters []RootParameter
}

// SubobjectKind identifies the type of a state object subobject.
type SubobjectKind uint8

// Subobject kinds.
const (
	SubobjectLibrary SubobjectKind = iota
	SubobjectHitGroup
	SubobjectLocalRootSignature
	SubobjectGlobalRootSignature
	SubobjectShaderConfig
	SubobjectPipelineConfig
	SubobjectExportAssociation
)

// String returns the subobject kind name.
func (k SubobjectKind) String() string {
	switch k {
	case SubobjectLibrary:
		return "DXIL Library"
	case SubobjectHitGroup:
		return "Hit Group"
	case SubobjectLocalRootSignature:
		return "Local Root Signature"
	case SubobjectGlobalRootSignature:
		return "Global Root Signature"
	case SubobjectShaderConfig:
		return "Shader Config"
	case SubobjectPipelineConfig:
		return "Pipeline Config"
	case SubobjectExportAssociation:
		return "Subobject to Exports Association"
	default:
		return fmt.Sprintf("SubobjectKind(%d)", k)
	}
}

// HitGroupDesc names the shaders of a hit group. Empty strings mean the
// slot is unused.
type HitGroupDesc struct {
	Name         string
	AnyHit       string
	ClosestHit   string
	Intersection string
}

// Subobject is one entry of a state object description. Only the field
// matching Kind is meaningful.
type Subobject struct {
	Kind SubobjectKind

	// SubobjectLibrary
	Bytecode []byte
	Exports  []string

	// SubobjectHitGroup
	HitGroup HitGroupDesc

	// SubobjectLocalRootSignature and SubobjectGlobalRootSignature
	RootSignature RootSignatureID

	// SubobjectShaderConfig
	MaxPayloadSize   uint32
	MaxAttributeSize uint32

	// SubobjectPipelineConfig
	MaxRecursionDepth uint32

	// SubobjectExportAssociation. Target is the index of an earlier subobject
	// in the same description; Exports lists the governed export names.
	Target int
}

// StateObjectDesc is the ordered subobject list of a ray tracing pipeline.
type StateObjectDesc struct {
	Label      string
	Subobjects []Subobject
}

// ShaderIdentifierSize is the identifier size used by all current devices.
const ShaderIdentifierSize = 32
