package rt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gogpu/rt/device"
)

var taxonomy = []error{
	ErrUnsupportedGeometryLayout,
	ErrAllocationFailure,
	ErrValidationFailure,
	ErrDeviceLost,
}

// assertCategory checks that err matches want and no other taxonomy sentinel.
func assertCategory(t *testing.T, err, want error) {
	t.Helper()
	for _, s := range taxonomy {
		if got := errors.Is(err, s); got != (s == want) {
			t.Errorf("errors.Is(%v, %v) = %v", err, s, got)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback error
		want     error
	}{
		{"removed", device.ErrDeviceRemoved, ErrValidationFailure, ErrDeviceLost},
		{"wrapped removed", fmt.Errorf("submit: %w", device.ErrDeviceRemoved), ErrValidationFailure, ErrDeviceLost},
		{"out of memory", device.ErrOutOfMemory, ErrValidationFailure, ErrAllocationFailure},
		{"invalid resource", device.ErrInvalidResource, ErrValidationFailure, ErrValidationFailure},
		{"fallback", errors.New("boom"), ErrUnsupportedGeometryLayout, ErrUnsupportedGeometryLayout},
		{"already classified", &ValidationError{Category: CategoryGeometry, Reason: "x"}, ErrDeviceLost, ErrValidationFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertCategory(t, classify(tt.err, tt.fallback), tt.want)
		})
	}
	if classify(nil, ErrDeviceLost) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	err := error(&ValidationError{
		Export:   "ClosestHit",
		Category: CategoryShaderConfig,
		Reason:   "two configs",
		Kind:     ErrDuplicateAssociation,
	})
	assertCategory(t, err, ErrValidationFailure)
	if !errors.Is(err, ErrDuplicateAssociation) {
		t.Error("detail sentinel lost")
	}
	msg := err.Error()
	for _, part := range []string{`"ClosestHit"`, "shader config", "two configs"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}

	var ve *ValidationError
	if !errors.As(fmt.Errorf("finalize: %w", err), &ve) || ve.Export != "ClosestHit" {
		t.Errorf("errors.As = %+v", ve)
	}
}

func TestBuildErrorUnwrap(t *testing.T) {
	err := error(&BuildError{
		Level:      device.LevelBottom,
		Geometries: 2,
		ResultSize: 1024,
		Err:        fmt.Errorf("%w: %w", ErrAllocationFailure, device.ErrOutOfMemory),
	})
	assertCategory(t, err, ErrAllocationFailure)
	if !errors.Is(err, device.ErrOutOfMemory) {
		t.Error("device cause lost")
	}
	if !strings.Contains(err.Error(), "result=1024") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCompileErrorText(t *testing.T) {
	se := &device.SerializeError{Op: "root signature", Text: "Shader register range overlaps"}
	err := compileError("global root signature", se)
	assertCategory(t, err, ErrValidationFailure)

	var ce *CompileError
	if !errors.As(err, &ce) || ce.Text != se.Text {
		t.Fatalf("errors.As = %+v", ce)
	}
	if !strings.Contains(err.Error(), "overlaps") {
		t.Errorf("Error() = %q", err.Error())
	}

	assertCategory(t, compileError("pipeline", device.ErrDeviceRemoved), ErrDeviceLost)
}

// stubSync completes ordinals up to done and fails waits beyond it.
type stubSync struct {
	done uint64
	err  error
}

func (s *stubSync) CompletedOrdinal() uint64 { return s.done }

func (s *stubSync) WaitUntilCompleted(ctx context.Context, ordinal uint64) error {
	if ordinal <= s.done {
		return nil
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestWait(t *testing.T) {
	ctx := context.Background()
	if err := Wait(ctx, &stubSync{done: 5}, 5); err != nil {
		t.Errorf("Wait(completed) = %v", err)
	}

	err := Wait(ctx, &stubSync{done: 1, err: device.ErrDeviceRemoved}, 2)
	assertCategory(t, err, ErrDeviceLost)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = Wait(cctx, &stubSync{done: 1}, 2)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait(cancelled) = %v, want context.Canceled", err)
	}
	for _, s := range taxonomy {
		if errors.Is(err, s) {
			t.Errorf("cancellation classified as %v", s)
		}
	}
}
