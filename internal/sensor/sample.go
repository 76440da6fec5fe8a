// Package sensor defines the records that flow into the localization pipeline.
package sensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// StandardGravity in m/s².
const StandardGravity = 9.81

const (
	maxAccelNorm = 10 * StandardGravity // m/s²
	maxGyroNorm  = 35.0                 // rad/s
)

// ErrInvalidSample is returned (wrapped) for samples that must be dropped.
var ErrInvalidSample = errors.New("invalid sample")

// Sample is one inertial reading.
//
// Accel is in m/s², Gyro in rad/s, Mag in µT. Mag and Altitude are optional and
// only meaningful when HasMag / HasAltitude are set.
type Sample struct {
	TimestampMs int64

	Accel r3.Vec
	Gyro  r3.Vec

	Mag    r3.Vec
	HasMag bool

	// Barometric altitude in metres.
	Altitude    float64
	HasAltitude bool
}

// Validate reports whether the sample can be fed to the filters.
func (s Sample) Validate() error {
	if !finite(s.Accel) {
		return fmt.Errorf("%w: accel not finite", ErrInvalidSample)
	}
	if !finite(s.Gyro) {
		return fmt.Errorf("%w: gyro not finite", ErrInvalidSample)
	}
	if n := r3.Norm(s.Accel); n > maxAccelNorm {
		return fmt.Errorf("%w: accel norm %.1f m/s² exceeds %.1f", ErrInvalidSample, n, maxAccelNorm)
	}
	if n := r3.Norm(s.Gyro); n > maxGyroNorm {
		return fmt.Errorf("%w: gyro norm %.1f rad/s exceeds %.1f", ErrInvalidSample, n, maxGyroNorm)
	}
	if s.HasMag && !finite(s.Mag) {
		return fmt.Errorf("%w: mag not finite", ErrInvalidSample)
	}
	if s.HasAltitude && (math.IsNaN(s.Altitude) || math.IsInf(s.Altitude, 0)) {
		return fmt.Errorf("%w: altitude not finite", ErrInvalidSample)
	}
	return nil
}

// BatchCapacity is the most steps a batch over [start, end] can carry with
// distinct timestamps strictly between the ends.
func BatchCapacity(start, end int64) int64 {
	if end-start < 2 {
		return 0
	}
	return end - start - 1
}

// Batch is a native pedometer report covering an interval.
type Batch struct {
	StepCount       int
	StepLength      float64 // metres
	IntervalStartMs int64
	IntervalEndMs   int64
	TotalSteps      int
}

// Validate checks the batch shape.
func (b Batch) Validate() error {
	if b.StepCount < 0 {
		return fmt.Errorf("batch step count must be >= 0 (got %d)", b.StepCount)
	}
	if b.StepLength < 0 || math.IsNaN(b.StepLength) || math.IsInf(b.StepLength, 0) {
		return fmt.Errorf("batch step length must be finite and >= 0")
	}
	if b.IntervalEndMs <= b.IntervalStartMs {
		return fmt.Errorf("batch interval end %d must be after start %d", b.IntervalEndMs, b.IntervalStartMs)
	}
	// Each step needs its own millisecond strictly inside the interval.
	if limit := BatchCapacity(b.IntervalStartMs, b.IntervalEndMs); int64(b.StepCount) > limit {
		return fmt.Errorf("batch step count %d exceeds %d for a %d ms interval", b.StepCount, limit, b.IntervalEndMs-b.IntervalStartMs)
	}
	return nil
}

func finite(v r3.Vec) bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
