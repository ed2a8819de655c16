package rt

import (
	"math"
	"testing"

	"golang.org/x/image/math/f32"
)

const epsilon = 1e-5

func vecNear(a, b f32.Vec3) bool {
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > epsilon {
			return false
		}
	}
	return true
}

func TestTransformPoint(t *testing.T) {
	tests := []struct {
		name string
		m    Transform3x4
		in   f32.Vec3
		want f32.Vec3
	}{
		{"identity", Identity3x4(), f32.Vec3{1, 2, 3}, f32.Vec3{1, 2, 3}},
		{"translation", Translation(f32.Vec3{-2, 0, 5}), f32.Vec3{1, 1, 1}, f32.Vec3{-1, 1, 6}},
		{"scaling", Scaling(f32.Vec3{2, 3, 4}), f32.Vec3{1, 1, 1}, f32.Vec3{2, 3, 4}},
		{"rotate x 90", RotationX(math.Pi / 2), f32.Vec3{0, 1, 0}, f32.Vec3{0, 0, 1}},
		{"rotate y 90", RotationY(math.Pi / 2), f32.Vec3{1, 0, 0}, f32.Vec3{0, 0, -1}},
		{"rotate z 90", RotationZ(math.Pi / 2), f32.Vec3{1, 0, 0}, f32.Vec3{0, 1, 0}},
		{"translate after rotate", Translation(f32.Vec3{2, 0, 0}).Multiply(RotationY(math.Pi)), f32.Vec3{1, 0, 0}, f32.Vec3{1, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.TransformPoint(tt.in); !vecNear(got, tt.want) {
				t.Errorf("TransformPoint(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTransformVectorIgnoresTranslation(t *testing.T) {
	m := Translation(f32.Vec3{5, 6, 7})
	if got := m.TransformVector(f32.Vec3{1, 0, 0}); got != (f32.Vec3{1, 0, 0}) {
		t.Errorf("TransformVector = %v", got)
	}
	if got := m.Translation(); got != (f32.Vec3{5, 6, 7}) {
		t.Errorf("Translation() = %v", got)
	}
}

func TestTransformInvert(t *testing.T) {
	m := Translation(f32.Vec3{2, -1, 3}).Multiply(RotationY(0.7)).Multiply(Scaling(f32.Vec3{2, 2, 2}))
	inv, ok := m.Invert()
	if !ok {
		t.Fatal("Invert failed")
	}
	p := f32.Vec3{0.3, -4, 9}
	if got := inv.TransformPoint(m.TransformPoint(p)); !vecNear(got, p) {
		t.Errorf("round trip = %v, want %v", got, p)
	}
	if _, ok := Scaling(f32.Vec3{1, 0, 1}).Invert(); ok {
		t.Error("singular transform inverted")
	}
}

func TestTransformConversions(t *testing.T) {
	m := Translation(f32.Vec3{1, 2, 3}).Multiply(RotationZ(0.3))
	if got := FromMat4(m.Mat4()); got != m {
		t.Errorf("FromMat4(Mat4()) = %v, want %v", got, m)
	}
	if m4 := m.Mat4(); m4[12] != 0 || m4[13] != 0 || m4[14] != 0 || m4[15] != 1 {
		t.Errorf("Mat4 last row = %v", m4[12:])
	}

	// Column-major translation stores the offset in elements 12..14.
	cm := [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 4, 5, 6, 1}
	if got := FromColumnMajor(cm); got != Translation(f32.Vec3{4, 5, 6}) {
		t.Errorf("FromColumnMajor = %v", got)
	}
	if !Identity3x4().IsIdentity() || Translation(f32.Vec3{0, 0, 1}).IsIdentity() {
		t.Error("IsIdentity")
	}
}

func TestTransformBytes(t *testing.T) {
	m := RotationX(1.1).Multiply(Translation(f32.Vec3{9, 8, 7}))
	buf := make([]byte, 48)
	m.putBytes(buf)
	if got := transformFromBytes(buf); got != m {
		t.Errorf("transformFromBytes = %v, want %v", got, m)
	}
}
