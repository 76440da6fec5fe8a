// Package geom holds the rotation algebra shared by the attitude tracker and
// the dead-reckoning engine. Quaternions are gonum quat.Number values laid out
// as (Real, Imag, Jmag, Kmag) = (w, x, y, z) and express world←device.
package geom

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// NormTolerance is the allowed deviation of |q| from 1 before renormalizing.
const NormTolerance = 1e-6

// Identity returns the identity rotation.
func Identity() quat.Number { return quat.Number{Real: 1} }

// IsIdentity reports whether q is the identity rotation within tol.
// q and -q are the same rotation.
func IsIdentity(q quat.Number, tol float64) bool {
	return math.Abs(math.Abs(q.Real)-1) <= tol &&
		math.Abs(q.Imag) <= tol && math.Abs(q.Jmag) <= tol && math.Abs(q.Kmag) <= tol
}

// Valid reports whether every component is finite and the norm is non-zero.
func Valid(q quat.Number) bool {
	if quat.IsNaN(q) || quat.IsInf(q) {
		return false
	}
	return quat.Abs(q) > 0
}

// Normalize returns q scaled to unit norm when it has drifted more than
// NormTolerance. ok is false for a zero or non-finite quaternion.
func Normalize(q quat.Number) (quat.Number, bool) {
	if !Valid(q) {
		return Identity(), false
	}
	n := quat.Abs(q)
	if math.Abs(n-1) <= NormTolerance {
		return q, true
	}
	return quat.Scale(1/n, q), true
}

// Rotate maps a device-frame vector into the world frame.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// InverseRotate maps a world-frame vector back into the device frame.
func InverseRotate(q quat.Number, v r3.Vec) r3.Vec {
	return Rotate(quat.Conj(q), v)
}

// Matrix returns the 3×3 rotation matrix equivalent of unit quaternion q.
func Matrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// MulVec applies a 3×3 matrix to v.
func MulVec(m mat.Matrix, v r3.Vec) r3.Vec {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// FromEuler builds a quaternion from ZYX Euler angles in radians.
func FromEuler(yaw, pitch, roll float64) quat.Number {
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// Euler returns the ZYX Euler angles (yaw, pitch, roll) of q in radians.
func Euler(q quat.Number) (yaw, pitch, roll float64) {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	sp := 2 * (w*y - z*x)
	if sp > 1 {
		sp = 1
	} else if sp < -1 {
		sp = -1
	}
	pitch = math.Asin(sp)
	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	return yaw, pitch, roll
}

// Yaw returns the heading component of q, normalized to [-π, π].
func Yaw(q quat.Number) float64 {
	yaw, _, _ := Euler(q)
	return NormalizeAngle(yaw)
}

// TiltFromGravity returns pitch and roll of a device whose accelerometer reads a
// (gravity reaction, +Z up when flat).
func TiltFromGravity(a r3.Vec) (pitch, roll float64) {
	roll = math.Atan2(a.Y, a.Z)
	pitch = math.Atan2(-a.X, math.Sqrt(a.Y*a.Y+a.Z*a.Z))
	return pitch, roll
}
