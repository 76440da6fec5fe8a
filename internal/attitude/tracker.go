// Package attitude tracks the world←device orientation of a handset with a
// Madgwick-style complementary filter and captures body-frame snapshots during
// stable phases.
//
// A Tracker is owned by a single goroutine; it performs no locking.
package attitude

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/dsp"
	"stridenav/internal/geom"
	"stridenav/internal/sensor"
)

var (
	// ErrInvalidQuaternion is returned when the filter state cannot be used for
	// a projection or snapshot.
	ErrInvalidQuaternion = errors.New("attitude: invalid quaternion")
	ErrInvalidVector     = errors.New("attitude: invalid vector")
)

const (
	minDtMs = 1
	maxDtMs = 100

	minStableSamples = 5

	magFieldMinUT   = 25.0
	magFieldMaxUT   = 65.0
	magFalloffUT    = 20.0
	magConfAlpha    = 0.1
	magMissingDecay = 0.98
)

type Config struct {
	Beta                    float64
	StabilityAccThreshold   float64 // m²/s⁴, variance of |a|
	StabilityGyroThreshold  float64 // rad/s
	StabilityDurationMs     int64
	MagConfidenceThreshold  float64
	RecalibrationIntervalMs int64
	AutoRecalibration       bool

	// SampleRateHz is the nominal producer rate, used for the first dt.
	SampleRateHz float64
	WindowSize   int
}

func DefaultConfig() Config {
	return Config{
		Beta:                    0.1,
		StabilityAccThreshold:   0.2,
		StabilityGyroThreshold:  0.1,
		StabilityDurationMs:     2000,
		MagConfidenceThreshold:  0.5,
		RecalibrationIntervalMs: 30000,
		AutoRecalibration:       true,
		SampleRateHz:            50,
		WindowSize:              50,
	}
}

func (c Config) Validate() error {
	switch {
	case !(c.Beta > 0):
		return fmt.Errorf("attitude.beta must be > 0")
	case c.StabilityAccThreshold < 0:
		return fmt.Errorf("attitude.stabilityAccThreshold must be >= 0")
	case c.StabilityGyroThreshold < 0:
		return fmt.Errorf("attitude.stabilityGyroThreshold must be >= 0")
	case c.StabilityDurationMs < 0:
		return fmt.Errorf("attitude.stabilityDuration must be >= 0")
	case c.MagConfidenceThreshold < 0 || c.MagConfidenceThreshold > 1:
		return fmt.Errorf("attitude.magConfidenceThreshold must be within [0,1]")
	case c.RecalibrationIntervalMs < 0:
		return fmt.Errorf("attitude.recalibrationInterval must be >= 0")
	case !(c.SampleRateHz > 0):
		return fmt.Errorf("attitude.sampleRateHz must be > 0")
	case c.WindowSize < minStableSamples:
		return fmt.Errorf("attitude.windowSize must be >= %d", minStableSamples)
	}
	return nil
}

// Status is a read-only view of the tracker.
type Status struct {
	Q                    quat.Number
	IsStable             bool
	StabilityDurationMs  int64
	MagneticConfidence   float64
	AccelerationVariance float64
	GyroMagnitude        float64
	// IsRecalibrating is set for the update that captured a snapshot.
	IsRecalibrating     bool
	LastRecalibrationMs int64
	HasSnapshot         bool
}

// Recalibration describes an accepted body↔device snapshot.
type Recalibration struct {
	TimestampMs  int64
	DeviceToBody *mat.Dense
	BodyToDevice *mat.Dense
	Automatic    bool
}

type Tracker struct {
	cfg Config

	q      quat.Number
	lastTs int64
	seen   bool

	accNorms  *dsp.Ring[float64]
	gyroNorms *dsp.Ring[float64]
	magNorms  *dsp.Ring[float64]

	stable      bool
	stableSince int64
	stableMs    int64
	magConf     float64
	accVar      float64
	gyroMag     float64
	recalNow    bool

	deviceToBody *mat.Dense
	bodyToDevice *mat.Dense
	lastRecalMs  int64
}

// New returns a tracker at identity. cfg is assumed valid; callers validate at
// the configuration entry point.
func New(cfg Config) *Tracker {
	if cfg.WindowSize < minStableSamples {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if !(cfg.SampleRateHz > 0) {
		cfg.SampleRateHz = DefaultConfig().SampleRateHz
	}
	t := &Tracker{
		cfg:       cfg,
		accNorms:  dsp.NewRing[float64](cfg.WindowSize),
		gyroNorms: dsp.NewRing[float64](cfg.WindowSize),
		magNorms:  dsp.NewRing[float64](cfg.WindowSize),
	}
	t.Reset()
	return t
}

// SetConfig swaps tunables without touching filter state.
func (t *Tracker) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.WindowSize != t.cfg.WindowSize {
		t.accNorms = resize(t.accNorms, cfg.WindowSize)
		t.gyroNorms = resize(t.gyroNorms, cfg.WindowSize)
		t.magNorms = resize(t.magNorms, cfg.WindowSize)
	}
	t.cfg = cfg
	return nil
}

func (t *Tracker) Config() Config { return t.cfg }

// Reset returns every buffer and counter to its initial state and q to
// identity.
func (t *Tracker) Reset() {
	t.q = geom.Identity()
	t.lastTs, t.seen = 0, false
	t.accNorms.Clear()
	t.gyroNorms.Clear()
	t.magNorms.Clear()
	t.stable, t.stableSince, t.stableMs = false, 0, 0
	t.magConf, t.accVar, t.gyroMag = 0, 0, 0
	t.recalNow = false
	t.deviceToBody, t.bodyToDevice = nil, nil
	t.lastRecalMs = 0
}

// Update advances the filter by one sample. Invalid samples are rejected with
// an error wrapping sensor.ErrInvalidSample and leave the state unchanged. A
// non-nil Recalibration is returned when this sample produced a snapshot.
func (t *Tracker) Update(s sensor.Sample) (*Recalibration, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	t.recalNow = false

	dtMs := 1000 / t.cfg.SampleRateHz
	if t.seen {
		dtMs = float64(s.TimestampMs - t.lastTs)
	}
	dtMs = dsp.Clamp(dtMs, minDtMs, maxDtMs)
	t.lastTs, t.seen = s.TimestampMs, true

	t.updateMagConfidence(s)

	useMag := s.HasMag && t.magConf > t.cfg.MagConfidenceThreshold
	next := madgwickStep(t.q, s.Gyro, s.Accel, s.Mag, useMag, t.cfg.Beta, dtMs/1000)
	if q, ok := geom.Normalize(next); ok {
		t.q = q
	}

	t.accNorms.Push(r3.Norm(s.Accel))
	t.gyroNorms.Push(r3.Norm(s.Gyro))
	t.updateStability(s.TimestampMs, r3.Norm(s.Gyro))

	if !t.cfg.AutoRecalibration || !t.snapshotDue(s.TimestampMs) {
		return nil, nil
	}
	// q was normalized above, so capture cannot fail here.
	rec, _ := t.capture(t.q, s.TimestampMs, true)
	return rec, nil
}

func (t *Tracker) updateMagConfidence(s sensor.Sample) {
	if !s.HasMag {
		t.magConf *= magMissingDecay
		return
	}
	n := r3.Norm(s.Mag)
	t.magNorms.Push(n)

	prox := 1.0
	switch {
	case n < magFieldMinUT:
		prox = 1 - (magFieldMinUT-n)/magFalloffUT
	case n > magFieldMaxUT:
		prox = 1 - (n-magFieldMaxUT)/magFalloffUT
	}
	prox = dsp.Clamp(prox, 0, 1)
	varFactor := 1 / (1 + dsp.Variance(t.magNorms.Values())/4)
	t.magConf = dsp.Clamp(dsp.EMA(t.magConf, prox*varFactor, magConfAlpha), 0, 1)
}

func (t *Tracker) updateStability(ts int64, gyroMag float64) {
	t.gyroMag = gyroMag
	t.accVar = dsp.Variance(t.accNorms.Values())
	stable := t.accNorms.Len() >= minStableSamples &&
		t.accVar < t.cfg.StabilityAccThreshold &&
		gyroMag < t.cfg.StabilityGyroThreshold
	if !stable {
		t.stable, t.stableMs = false, 0
		return
	}
	if !t.stable {
		t.stable, t.stableSince = true, ts
	}
	t.stableMs = ts - t.stableSince
}

func (t *Tracker) snapshotDue(ts int64) bool {
	if !t.stable || t.stableMs < t.cfg.StabilityDurationMs {
		return false
	}
	if !(t.magConf > t.cfg.MagConfidenceThreshold) {
		return false
	}
	if t.deviceToBody != nil && ts-t.lastRecalMs < t.cfg.RecalibrationIntervalMs {
		return false
	}
	return true
}

func (t *Tracker) capture(q quat.Number, ts int64, automatic bool) (*Recalibration, error) {
	if !geom.Valid(q) {
		return nil, ErrInvalidQuaternion
	}
	q, _ = geom.Normalize(q)
	d2b := geom.Matrix(q)
	b2d := mat.DenseCopyOf(d2b.T())
	t.deviceToBody, t.bodyToDevice = d2b, b2d
	t.lastRecalMs = ts
	t.recalNow = true
	return &Recalibration{
		TimestampMs:  ts,
		DeviceToBody: mat.DenseCopyOf(d2b),
		BodyToDevice: mat.DenseCopyOf(b2d),
		Automatic:    automatic,
	}, nil
}

// ForceRecalibration captures a snapshot immediately, skipping the stability,
// magnetic and interval gates. The snapshot tilt is re-levelled from accel
// while the current yaw is kept.
func (t *Tracker) ForceRecalibration(accel, gyro r3.Vec) (*Recalibration, error) {
	if !finiteVec(accel) || !finiteVec(gyro) || r3.Norm(accel) == 0 {
		return nil, fmt.Errorf("%w: force recalibration accel=%v gyro=%v", ErrInvalidVector, accel, gyro)
	}
	if !geom.Valid(t.q) {
		return nil, ErrInvalidQuaternion
	}
	pitch, roll := geom.TiltFromGravity(accel)
	return t.capture(geom.FromEuler(geom.Yaw(t.q), pitch, roll), t.lastTs, false)
}

// TransformAcceleration rotates a device-frame vector into the body frame
// captured by the last snapshot. Without a snapshot it returns a unchanged.
func (t *Tracker) TransformAcceleration(a r3.Vec) r3.Vec {
	if t.deviceToBody == nil {
		return a
	}
	return geom.MulVec(t.deviceToBody, a)
}

// TransformGyroscope is TransformAcceleration for angular rates.
func (t *Tracker) TransformGyroscope(g r3.Vec) r3.Vec {
	return t.TransformAcceleration(g)
}

// ToWorld projects a device-frame vector into the world frame using the
// current quaternion.
func (t *Tracker) ToWorld(v r3.Vec) (r3.Vec, error) {
	if !geom.Valid(t.q) {
		return r3.Vec{}, ErrInvalidQuaternion
	}
	if !finiteVec(v) {
		return r3.Vec{}, ErrInvalidVector
	}
	return geom.Rotate(t.q, v), nil
}

// ToDevice is the inverse of ToWorld.
func (t *Tracker) ToDevice(v r3.Vec) (r3.Vec, error) {
	if !geom.Valid(t.q) {
		return r3.Vec{}, ErrInvalidQuaternion
	}
	if !finiteVec(v) {
		return r3.Vec{}, ErrInvalidVector
	}
	return geom.InverseRotate(t.q, v), nil
}

// Matrices returns copies of the snapshot pair; ok is false before the first
// snapshot.
func (t *Tracker) Matrices() (deviceToBody, bodyToDevice *mat.Dense, ok bool) {
	if t.deviceToBody == nil {
		return nil, nil, false
	}
	return mat.DenseCopyOf(t.deviceToBody), mat.DenseCopyOf(t.bodyToDevice), true
}

func (t *Tracker) Quaternion() quat.Number { return t.q }

func (t *Tracker) Status() Status {
	return Status{
		Q:                    t.q,
		IsStable:             t.stable,
		StabilityDurationMs:  t.stableMs,
		MagneticConfidence:   t.magConf,
		AccelerationVariance: t.accVar,
		GyroMagnitude:        t.gyroMag,
		IsRecalibrating:      t.recalNow,
		LastRecalibrationMs:  t.lastRecalMs,
		HasSnapshot:          t.deviceToBody != nil,
	}
}

func resize(r *dsp.Ring[float64], n int) *dsp.Ring[float64] {
	out := dsp.NewRing[float64](n)
	for _, v := range r.Tail(n) {
		out.Push(v)
	}
	return out
}

func finiteVec(v r3.Vec) bool {
	return dsp.Finite(v.X) && dsp.Finite(v.Y) && dsp.Finite(v.Z)
}
