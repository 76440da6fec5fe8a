package attitude

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// madgwickStep advances q by one gradient-descent fusion step and returns the
// unnormalized result. accel and mag may be in any unit; only direction is
// used. mag is ignored when useMag is false.
func madgwickStep(q quat.Number, gyro, accel, mag r3.Vec, useMag bool, beta, dt float64) quat.Number {
	// Rate of change from the gyroscope: ½ q ⊗ (0, ω).
	qDot := quat.Scale(0.5, quat.Mul(q, quat.Number{Imag: gyro.X, Jmag: gyro.Y, Kmag: gyro.Z}))

	an := r3.Norm(accel)
	if an > 0 {
		a := r3.Scale(1/an, accel)
		var s quat.Number
		if mn := r3.Norm(mag); useMag && mn > 0 {
			s = gradientMARG(q, a, r3.Scale(1/mn, mag))
		} else {
			s = gradientIMU(q, a)
		}
		// A zero gradient means the measurement already agrees with q.
		if sn := quat.Abs(s); sn > 0 && !math.IsNaN(sn) && !math.IsInf(sn, 0) {
			qDot = quat.Sub(qDot, quat.Scale(beta/sn, s))
		}
	}
	return quat.Add(q, quat.Scale(dt, qDot))
}

// gradientIMU is Jᵀf for the gravity objective only.
func gradientIMU(q quat.Number, a r3.Vec) quat.Number {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	ww, xx, yy, zz := w*w, x*x, y*y, z*z
	return quat.Number{
		Real: 4*w*yy + 2*y*a.X + 4*w*xx - 2*x*a.Y,
		Imag: 4*x*zz - 2*z*a.X + 4*ww*x - 2*w*a.Y - 4*x + 8*x*xx + 8*x*yy + 4*x*a.Z,
		Jmag: 4*ww*y + 2*w*a.X + 4*y*zz - 2*z*a.Y - 4*y + 8*y*xx + 8*y*yy + 4*y*a.Z,
		Kmag: 4*xx*z - 2*x*a.X + 4*yy*z - 2*y*a.Y,
	}
}

// gradientMARG is Jᵀf for the combined gravity and magnetic-field objective.
// The earth field reference (bx, 0, bz) is recovered from m rotated into the
// world frame.
func gradientMARG(q quat.Number, a, m r3.Vec) quat.Number {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	h := r3.Vec{
		X: m.X*(w*w+x*x-y*y-z*z) + 2*m.Y*(x*y-w*z) + 2*m.Z*(x*z+w*y),
		Y: 2*m.X*(x*y+w*z) + m.Y*(w*w-x*x+y*y-z*z) + 2*m.Z*(y*z-w*x),
		Z: 2*m.X*(x*z-w*y) + 2*m.Y*(y*z+w*x) + m.Z*(w*w-x*x-y*y+z*z),
	}
	bx2 := 2 * math.Hypot(h.X, h.Y)
	bz2 := 2 * h.Z
	bx4, bz4 := 2*bx2, 2*bz2

	// Objective residuals: predicted minus measured, in the device frame.
	fgx := 2*(x*z-w*y) - a.X
	fgy := 2*(w*x+y*z) - a.Y
	fgz := 2*(0.5-x*x-y*y) - a.Z
	fbx := bx2*(0.5-y*y-z*z) + bz2*(x*z-w*y) - m.X
	fby := bx2*(x*y-w*z) + bz2*(w*x+y*z) - m.Y
	fbz := bx2*(w*y+x*z) + bz2*(0.5-x*x-y*y) - m.Z

	return quat.Number{
		Real: -2*y*fgx + 2*x*fgy -
			bz2*y*fbx + (-bx2*z+bz2*x)*fby + bx2*y*fbz,
		Imag: 2*z*fgx + 2*w*fgy - 4*x*fgz +
			bz2*z*fbx + (bx2*y+bz2*w)*fby + (bx2*z-bz4*x)*fbz,
		Jmag: -2*w*fgx + 2*z*fgy - 4*y*fgz +
			(-bx4*y-bz2*w)*fbx + (bx2*x+bz2*z)*fby + (bx2*w-bz4*y)*fbz,
		Kmag: 2*x*fgx + 2*y*fgy +
			(-bx4*z+bz2*x)*fbx + (-bx2*w+bz2*y)*fby + bx2*x*fbz,
	}
}
