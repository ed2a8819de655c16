package rt

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

// Transform3x4 is an affine object-to-world transform stored as a 3x4
// matrix in row-major order, the layout instance descriptors require:
//
//	| m[0] m[1]  m[2]  m[3]  |
//	| m[4] m[5]  m[6]  m[7]  |
//	| m[8] m[9]  m[10] m[11] |
//
// This represents the transformation:
//
//	x' = m[0]*x + m[1]*y + m[2]*z  + m[3]
//	y' = m[4]*x + m[5]*y + m[6]*z  + m[7]
//	z' = m[8]*x + m[9]*y + m[10]*z + m[11]
type Transform3x4 [12]float32

// Identity3x4 returns the identity transform.
func Identity3x4() Transform3x4 {
	return Transform3x4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	}
}

// Translation creates a translation transform.
func Translation(v f32.Vec3) Transform3x4 {
	return Transform3x4{
		1, 0, 0, v[0],
		0, 1, 0, v[1],
		0, 0, 1, v[2],
	}
}

// Scaling creates a scaling transform.
func Scaling(v f32.Vec3) Transform3x4 {
	return Transform3x4{
		v[0], 0, 0, 0,
		0, v[1], 0, 0,
		0, 0, v[2], 0,
	}
}

// RotationX creates a rotation about the X axis (angle in radians).
func RotationX(angle float32) Transform3x4 {
	s, c := math32.Sin(angle), math32.Cos(angle)
	return Transform3x4{
		1, 0, 0, 0,
		0, c, -s, 0,
		0, s, c, 0,
	}
}

// RotationY creates a rotation about the Y axis (angle in radians).
func RotationY(angle float32) Transform3x4 {
	s, c := math32.Sin(angle), math32.Cos(angle)
	return Transform3x4{
		c, 0, s, 0,
		0, 1, 0, 0,
		-s, 0, c, 0,
	}
}

// RotationZ creates a rotation about the Z axis (angle in radians).
func RotationZ(angle float32) Transform3x4 {
	s, c := math32.Sin(angle), math32.Cos(angle)
	return Transform3x4{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
	}
}

// FromMat4 drops the last row of a row-major 4x4 matrix.
func FromMat4(m f32.Mat4) Transform3x4 {
	var t Transform3x4
	copy(t[:], m[:12])
	return t
}

// FromColumnMajor converts a column-major 4x4 matrix, as produced by most
// host math libraries, into row-major 3x4 form.
func FromColumnMajor(m [16]float32) Transform3x4 {
	var t Transform3x4
	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			t[row*4+col] = m[col*4+row]
		}
	}
	return t
}

// Mat4 expands the transform to a row-major 4x4 matrix.
func (t Transform3x4) Mat4() f32.Mat4 {
	var m f32.Mat4
	copy(m[:12], t[:])
	m[15] = 1
	return m
}

// Multiply composes two transforms (t * other): other is applied first.
func (t Transform3x4) Multiply(other Transform3x4) Transform3x4 {
	var r Transform3x4
	for row := 0; row < 3; row++ {
		a0, a1, a2, a3 := t[row*4], t[row*4+1], t[row*4+2], t[row*4+3]
		for col := 0; col < 4; col++ {
			r[row*4+col] = a0*other[col] + a1*other[4+col] + a2*other[8+col]
		}
		r[row*4+3] += a3
	}
	return r
}

// TransformPoint applies the full transform to a point.
func (t Transform3x4) TransformPoint(p f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		t[0]*p[0] + t[1]*p[1] + t[2]*p[2] + t[3],
		t[4]*p[0] + t[5]*p[1] + t[6]*p[2] + t[7],
		t[8]*p[0] + t[9]*p[1] + t[10]*p[2] + t[11],
	}
}

// TransformVector applies the linear part of the transform to a direction.
func (t Transform3x4) TransformVector(v f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		t[0]*v[0] + t[1]*v[1] + t[2]*v[2],
		t[4]*v[0] + t[5]*v[1] + t[6]*v[2],
		t[8]*v[0] + t[9]*v[1] + t[10]*v[2],
	}
}

// Translation returns the translation column.
func (t Transform3x4) Translation() f32.Vec3 {
	return f32.Vec3{t[3], t[7], t[11]}
}

// Invert returns the inverse transform.
// Returns false if the linear part is singular.
func (t Transform3x4) Invert() (Transform3x4, bool) {
	a, b, c := t[0], t[1], t[2]
	d, e, f := t[4], t[5], t[6]
	g, h, i := t[8], t[9], t[10]

	c00 := e*i - f*h
	c01 := f*g - d*i
	c02 := d*h - e*g
	det := a*c00 + b*c01 + c*c02
	if math32.Abs(det) < 1e-12 {
		return Transform3x4{}, false
	}
	inv := 1 / det

	var r Transform3x4
	r[0] = c00 * inv
	r[1] = (c*h - b*i) * inv
	r[2] = (b*f - c*e) * inv
	r[4] = c01 * inv
	r[5] = (a*i - c*g) * inv
	r[6] = (c*d - a*f) * inv
	r[8] = c02 * inv
	r[9] = (b*g - a*h) * inv
	r[10] = (a*e - b*d) * inv

	tx, ty, tz := t[3], t[7], t[11]
	r[3] = -(r[0]*tx + r[1]*ty + r[2]*tz)
	r[7] = -(r[4]*tx + r[5]*ty + r[6]*tz)
	r[11] = -(r[8]*tx + r[9]*ty + r[10]*tz)
	return r, true
}

// IsIdentity reports whether t is the identity transform.
func (t Transform3x4) IsIdentity() bool {
	return t == Identity3x4()
}

// putBytes writes the 48-byte little-endian encoding of t into dst.
func (t Transform3x4) putBytes(dst []byte) {
	for i, v := range t {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

// transformFromBytes decodes a 48-byte little-endian transform.
func transformFromBytes(src []byte) Transform3x4 {
	var t Transform3x4
	for i := range t {
		t[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return t
}
