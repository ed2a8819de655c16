package shader

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SPIR-V constants used by entry point discovery.
const (
	spirvMagic        = 0x07230203
	spirvHeaderWords  = 5
	opEntryPoint      = 15
	entryPointMinArgs = 3
)

// Stage is a SPIR-V execution model.
type Stage uint32

// Execution models.
const (
	StageVertex        Stage = 0
	StageFragment      Stage = 4
	StageCompute       Stage = 5
	StageRayGeneration Stage = 5313
	StageIntersection  Stage = 5314
	StageAnyHit        Stage = 5315
	StageClosestHit    Stage = 5316
	StageMiss          Stage = 5317
	StageCallable      Stage = 5318
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	case StageRayGeneration:
		return "raygeneration"
	case StageIntersection:
		return "intersection"
	case StageAnyHit:
		return "anyhit"
	case StageClosestHit:
		return "closesthit"
	case StageMiss:
		return "miss"
	case StageCallable:
		return "callable"
	default:
		return fmt.Sprintf("Stage(%d)", uint32(s))
	}
}

// EntryPoint is one OpEntryPoint of a SPIR-V module.
type EntryPoint struct {
	Name  string
	Stage Stage
}

// ErrMalformed is returned for byte slices that are not SPIR-V modules.
var ErrMalformed = errors.New("shader: malformed SPIR-V")

// EntryPoints lists the entry points declared by a SPIR-V module, in
// declaration order.
func EntryPoints(spirv []byte) ([]EntryPoint, error) {
	if len(spirv)%4 != 0 || len(spirv) < spirvHeaderWords*4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(spirv))
	}
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(spirv[i*4:]) }
	if word(0) != spirvMagic {
		return nil, fmt.Errorf("%w: magic %#08x", ErrMalformed, word(0))
	}

	n := len(spirv) / 4
	var eps []EntryPoint
	for i := spirvHeaderWords; i < n; {
		count := int(word(i) >> 16)
		op := word(i) & 0xFFFF
		if count == 0 || i+count > n {
			return nil, fmt.Errorf("%w: instruction at word %d has length %d", ErrMalformed, i, count)
		}
		if op == opEntryPoint {
			if count < entryPointMinArgs+1 {
				return nil, fmt.Errorf("%w: short OpEntryPoint at word %d", ErrMalformed, i)
			}
			name, err := literalString(spirv[(i+3)*4 : (i+count)*4])
			if err != nil {
				return nil, fmt.Errorf("%w: OpEntryPoint at word %d: %v", ErrMalformed, i, err)
			}
			eps = append(eps, EntryPoint{Name: name, Stage: Stage(word(i + 1))})
		}
		i += count
	}
	return eps, nil
}

// literalString decodes a nul-terminated SPIR-V literal string.
func literalString(b []byte) (string, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return "", errors.New("unterminated literal string")
}
