// Package geom provides the small amount of 4x4 homogeneous-transform math
// the reconstruction needs. Matrices are row-major [16]float64, the same
// layout used for sensor poses elsewhere in the codebase:
//
//	m00 m01 m02 m03
//	m10 m11 m12 m13
//	m20 m21 m22 m23
//	m30 m31 m32 m33
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mat4 is a row-major 4x4 matrix.
type Mat4 [16]float64

// Identity returns the 4x4 identity matrix.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns element (row, col).
func (m Mat4) At(row, col int) float64 {
	return m[row*4+col]
}

// Mul returns m*n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[r*4+k] * n[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// MulVec4 returns m*v for a homogeneous column vector v.
func (m Mat4) MulVec4(v [4]float64) [4]float64 {
	var out [4]float64
	for r := 0; r < 4; r++ {
		out[r] = m[r*4]*v[0] + m[r*4+1]*v[1] + m[r*4+2]*v[2] + m[r*4+3]*v[3]
	}
	return out
}

// Apply transforms a point (w=1) and drops the homogeneous coordinate.
func (m Mat4) Apply(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// ApplyDirection transforms a direction (w=0), ignoring translation.
func (m Mat4) ApplyDirection(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[4]*v.X + m[5]*v.Y + m[6]*v.Z,
		Z: m[8]*v.X + m[9]*v.Y + m[10]*v.Z,
	}
}

// Translate returns a pure translation by t.
func Translate(t r3.Vec) Mat4 {
	m := Identity()
	m[3], m[7], m[11] = t.X, t.Y, t.Z
	return m
}

// RotateX returns a rotation of angle radians about the X axis.
func RotateX(angle float64) Mat4 {
	s, c := math.Sincos(angle)
	return Mat4{
		1, 0, 0, 0,
		0, c, -s, 0,
		0, s, c, 0,
		0, 0, 0, 1,
	}
}

// RotateY returns a rotation of angle radians about the Y axis.
func RotateY(angle float64) Mat4 {
	s, c := math.Sincos(angle)
	return Mat4{
		c, 0, s, 0,
		0, 1, 0, 0,
		-s, 0, c, 0,
		0, 0, 0, 1,
	}
}

// RotateZ returns a rotation of angle radians about the Z axis.
func RotateZ(angle float64) Mat4 {
	s, c := math.Sincos(angle)
	return Mat4{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// EulerYXZ returns Ry(yaw) * Rx(pitch) * Rz(roll).
func EulerYXZ(yaw, pitch, roll float64) Mat4 {
	return RotateY(yaw).Mul(RotateX(pitch)).Mul(RotateZ(roll))
}

// RotationMatrix builds the rotation for an Euler triple stored as
// (X=yaw, Y=pitch, Z=roll), the layout used for head-pose parameters.
func RotationMatrix(euler r3.Vec) Mat4 {
	return EulerYXZ(euler.X, euler.Y, euler.Z)
}

// ViewMatrix returns T * R: rotate by the Euler triple, then translate.
func ViewMatrix(euler, translation r3.Vec) Mat4 {
	return Translate(translation).Mul(RotationMatrix(euler))
}

// Perspective returns a right-handed OpenGL projection matrix mapping the
// view frustum to clip space with depth in [-1, 1]. fovy is in radians.
func Perspective(fovy, aspect, near, far float64) Mat4 {
	f := 1.0 / math.Tan(fovy/2)
	return Mat4{
		f / aspect, 0, 0, 0,
		0, f, 0, 0,
		0, 0, -(far + near) / (far - near), -(2 * far * near) / (far - near),
		0, 0, -1, 0,
	}
}

// Project maps an object-space point through view and proj into window
// coordinates. viewport is (x, y, width, height). The returned Z is the
// window depth in [0, 1] for points inside the frustum. Points behind the
// camera produce meaningless but finite values (unless w == 0).
func Project(p r3.Vec, view, proj Mat4, viewport [4]float64) r3.Vec {
	clip := proj.Mul(view).MulVec4([4]float64{p.X, p.Y, p.Z, 1})
	x := clip[0]/clip[3]*0.5 + 0.5
	y := clip[1]/clip[3]*0.5 + 0.5
	z := clip[2]/clip[3]*0.5 + 0.5
	return r3.Vec{
		X: x*viewport[2] + viewport[0],
		Y: y*viewport[3] + viewport[1],
		Z: z,
	}
}
