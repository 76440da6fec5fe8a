package geom

import (
	"math"

	"stridenav/internal/dsp"
)

// NormalizeAngle wraps a radian angle into [-π, π].
func NormalizeAngle(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return 0
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// AngleDiff returns the shortest signed difference a-b in [-π, π].
func AngleDiff(a, b float64) float64 {
	return NormalizeAngle(a - b)
}

// CircularMean averages radian angles through their unit vectors.
// An empty slice yields 0.
func CircularMean(angles []float64) float64 {
	if len(angles) == 0 {
		return 0
	}
	var s, c float64
	for _, a := range angles {
		s += math.Sin(a)
		c += math.Cos(a)
	}
	return math.Atan2(s, c)
}

// CircularMedian takes the median of angles unwrapped around the newest one,
// the last element of angles.
func CircularMedian(angles []float64) float64 {
	if len(angles) == 0 {
		return 0
	}
	ref := angles[len(angles)-1]
	offs := make([]float64, len(angles))
	for i, a := range angles {
		offs[i] = AngleDiff(a, ref)
	}
	return NormalizeAngle(ref + dsp.Median(offs))
}

// Lerp interpolates from a to b along the shorter arc; f in [0,1].
func Lerp(a, b, f float64) float64 {
	return NormalizeAngle(a + AngleDiff(b, a)*f)
}

// Degrees360 converts radians to a heading in [0, 360).
func Degrees360(a float64) float64 {
	d := math.Mod(a*180/math.Pi, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d = 0
	}
	return d
}

// Rad converts degrees to radians.
func Rad(deg float64) float64 { return deg * math.Pi / 180 }

// Deg converts radians to degrees.
func Deg(rad float64) float64 { return rad * 180 / math.Pi }
