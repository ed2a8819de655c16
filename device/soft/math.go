package soft

import (
	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

func sub(a, b f32.Vec3) f32.Vec3 { return f32.Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func add(a, b f32.Vec3) f32.Vec3 { return f32.Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func scale(a f32.Vec3, s float32) f32.Vec3 {
	return f32.Vec3{a[0] * s, a[1] * s, a[2] * s}
}
func dot(a, b f32.Vec3) float32 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross(a, b f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize(a f32.Vec3) f32.Vec3 {
	l := math32.Sqrt(dot(a, a))
	if l == 0 {
		return a
	}
	return scale(a, 1/l)
}

// affine is a row-major 3x4 matrix.
type affine [12]float32

func (m affine) point(p f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3],
		m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7],
		m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11],
	}
}

func (m affine) vector(v f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2],
	}
}

// normal transforms an object-space normal to world space using the
// transpose of the inverse.
func (inv affine) normal(n f32.Vec3) f32.Vec3 {
	return normalize(f32.Vec3{
		inv[0]*n[0] + inv[4]*n[1] + inv[8]*n[2],
		inv[1]*n[0] + inv[5]*n[1] + inv[9]*n[2],
		inv[2]*n[0] + inv[6]*n[1] + inv[10]*n[2],
	})
}

// invert returns the inverse of m, or false if m is singular.
func (m affine) invert() (affine, bool) {
	a, b, c := m[0], m[1], m[2]
	d, e, f := m[4], m[5], m[6]
	g, h, i := m[8], m[9], m[10]

	c00 := e*i - f*h
	c01 := f*g - d*i
	c02 := d*h - e*g
	det := a*c00 + b*c01 + c*c02
	if math32.Abs(det) < 1e-12 {
		return affine{}, false
	}
	s := 1 / det

	var r affine
	r[0] = c00 * s
	r[1] = (c*h - b*i) * s
	r[2] = (b*f - c*e) * s
	r[4] = c01 * s
	r[5] = (a*i - c*g) * s
	r[6] = (c*d - a*f) * s
	r[8] = c02 * s
	r[9] = (b*g - a*h) * s
	r[10] = (a*e - b*d) * s

	t := f32.Vec3{m[3], m[7], m[11]}
	r[3] = -(r[0]*t[0] + r[1]*t[1] + r[2]*t[2])
	r[7] = -(r[4]*t[0] + r[5]*t[1] + r[6]*t[2])
	r[11] = -(r[8]*t[0] + r[9]*t[1] + r[10]*t[2])
	return r, true
}

// intersect returns the distance along the ray to the triangle, using the
// Möller-Trumbore test.
func intersect(orig, dir f32.Vec3, t triangle, tMin, tMax float32) (float32, bool) {
	const eps = 1e-7
	e1 := sub(t[1], t[0])
	e2 := sub(t[2], t[0])
	p := cross(dir, e2)
	det := dot(e1, p)
	if math32.Abs(det) < eps {
		return 0, false
	}
	inv := 1 / det
	s := sub(orig, t[0])
	u := dot(s, p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := cross(s, e1)
	v := dot(dir, q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	d := dot(e2, q) * inv
	if d <= tMin || d >= tMax {
		return 0, false
	}
	return d, true
}
