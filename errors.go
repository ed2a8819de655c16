package rt

import (
	"errors"
	"fmt"

	"github.com/gogpu/rt/device"
)

// Error taxonomy. Every error returned by a build, shader table, pipeline or
// submission matches exactly one of the first four sentinels with errors.Is.
// Context errors from Wait and text decoding errors from UnmarshalText are
// returned unclassified.
var (
	// ErrUnsupportedGeometryLayout means the device cannot size an
	// acceleration structure for the given inputs.
	ErrUnsupportedGeometryLayout = errors.New("rt: unsupported geometry layout")

	// ErrAllocationFailure means a buffer or other device resource could not
	// be created.
	ErrAllocationFailure = errors.New("rt: allocation failure")

	// ErrValidationFailure means the caller supplied an invalid pipeline
	// graph, shader table or refit. It is a programming error.
	ErrValidationFailure = errors.New("rt: validation failure")

	// ErrDeviceLost means the device was removed. Every structure, table and
	// pipeline object must be recreated.
	ErrDeviceLost = errors.New("rt: device lost")
)

// Validation failure details.
var (
	// ErrDuplicateAssociation means an export already has an association of
	// the same subobject category.
	ErrDuplicateAssociation = errors.New("rt: duplicate association")

	// ErrMissingAssociation means an export has no required association.
	ErrMissingAssociation = errors.New("rt: missing association")

	// ErrTopologyMismatch means a refit changed the instance count or a
	// referenced bottom-level structure.
	ErrTopologyMismatch = errors.New("rt: refit topology mismatch")

	// ErrEmptyInput means a build was requested with no geometry or instances.
	ErrEmptyInput = errors.New("rt: empty input")

	// ErrInvalidHandle means a subobject handle does not name an earlier
	// subobject of an associable kind.
	ErrInvalidHandle = errors.New("rt: invalid subobject handle")

	// ErrUnknownExport means a name is not exported by the pipeline.
	ErrUnknownExport = errors.New("rt: unknown export")

	// ErrDestroyed means a structure or pipeline was used after Destroy.
	ErrDestroyed = errors.New("rt: use after destroy")
)

// Category names the kind of association a ValidationError is about.
type Category string

// Association categories.
const (
	CategoryShaderConfig   Category = "shader config"
	CategoryLocalRoot      Category = "local root signature"
	CategoryGlobalRoot     Category = "global root signature"
	CategoryPipelineConfig Category = "pipeline config"
	CategoryHitGroup       Category = "hit group"
	CategoryAssociation    Category = "association"
	CategoryShaderRecord   Category = "shader record"
	CategoryInstance       Category = "instance"
	CategoryGeometry       Category = "geometry"
)

// ValidationError reports an invalid pipeline graph, shader table or refit.
// It names the offending export (or record) and the association category.
type ValidationError struct {
	Export   string
	Category Category
	Reason   string

	// Kind is a detail sentinel such as ErrDuplicateAssociation. It may be nil.
	Kind error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Export == "" {
		return fmt.Sprintf("rt: validation failure: %s: %s", e.Category, e.Reason)
	}
	return fmt.Sprintf("rt: validation failure: export %q: %s: %s", e.Export, e.Category, e.Reason)
}

// Unwrap returns ErrValidationFailure and the detail sentinel.
func (e *ValidationError) Unwrap() []error {
	if e.Kind == nil {
		return []error{ErrValidationFailure}
	}
	return []error{ErrValidationFailure, e.Kind}
}

// BuildError reports a failed acceleration structure build, carrying the
// sizes that were requested and the input counts.
type BuildError struct {
	Level       device.Level
	Geometries  int
	Instances   int
	ResultSize  uint64
	ScratchSize uint64
	Err         error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("rt: %s-level build (geometries=%d instances=%d result=%d scratch=%d): %v",
		e.Level, e.Geometries, e.Instances, e.ResultSize, e.ScratchSize, e.Err)
}

// Unwrap returns the underlying cause.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// CompileError reports a device-side failure to compile a root signature or
// pipeline, with the device's serialized error text attached.
type CompileError struct {
	Op   string
	Text string
	Err  error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("rt: compile %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rt: compile %s: %s", e.Op, e.Text)
}

// Unwrap returns the underlying cause.
func (e *CompileError) Unwrap() error {
	return e.Err
}

// classify maps a device error onto the taxonomy. Errors that already carry
// a taxonomy sentinel are returned unchanged.
func classify(err error, fallback error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeviceLost), errors.Is(err, ErrAllocationFailure),
		errors.Is(err, ErrValidationFailure), errors.Is(err, ErrUnsupportedGeometryLayout):
		return err
	case errors.Is(err, device.ErrDeviceRemoved):
		return fmt.Errorf("%w: %w", ErrDeviceLost, err)
	case errors.Is(err, device.ErrOutOfMemory):
		return fmt.Errorf("%w: %w", ErrAllocationFailure, err)
	default:
		return fmt.Errorf("%w: %w", fallback, err)
	}
}

// compileError wraps a device compile failure, keeping its serialized text.
func compileError(op string, err error) error {
	var se *device.SerializeError
	if errors.As(err, &se) {
		return &CompileError{Op: op, Text: se.Text, Err: fmt.Errorf("%w: %w", ErrValidationFailure, err)}
	}
	return &CompileError{Op: op, Err: classify(err, ErrValidationFailure)}
}
