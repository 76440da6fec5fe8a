package pdr

import (
	"math"

	"stridenav/internal/dsp"
	"stridenav/internal/geom"
)

const (
	yawMedianSize    = 5
	yawAlpha         = 0.02
	yawDeadBand      = 3 * math.Pi / 180
	segmentDeviation = 10 * math.Pi / 180
	segmentHoldMs    = 200
	segmentMinSteps  = 3
	excellentMagConf = 0.8
	poorMagConf      = 0.3
)

// segmentYaw stabilizes the raw attitude yaw. The committed segment only moves
// after a large deviation that has been held for a while and spans a few steps.
type segmentYaw struct {
	raw *dsp.Ring[float64]

	init      bool
	smoothed  float64
	segment   float64
	pending   bool
	pendingMs int64
	steps     int
}

func newSegmentYaw() *segmentYaw {
	return &segmentYaw{raw: dsp.NewRing[float64](yawMedianSize)}
}

func (s *segmentYaw) reset(yaw float64) {
	s.raw.Clear()
	s.init = false
	s.smoothed, s.segment = geom.NormalizeAngle(yaw), geom.NormalizeAngle(yaw)
	s.pending, s.pendingMs, s.steps = false, 0, 0
}

// seed makes yaw the committed heading as if it had been observed.
func (s *segmentYaw) seed(yaw float64) {
	s.reset(yaw)
	s.init = true
}

func (s *segmentYaw) update(raw float64, ts int64, magConf float64) {
	raw = geom.NormalizeAngle(raw)
	s.raw.Push(raw)
	med := geom.CircularMedian(s.raw.Values())

	if !s.init {
		s.init = true
		s.smoothed, s.segment = med, med
		return
	}

	alpha := yawAlpha
	switch {
	case magConf >= excellentMagConf:
		alpha *= 0.5
	case magConf < poorMagConf:
		alpha *= 2
	}

	if diff := geom.AngleDiff(med, s.smoothed); math.Abs(diff) >= yawDeadBand {
		s.smoothed = geom.NormalizeAngle(s.smoothed + alpha*diff)
	}

	dev := math.Abs(geom.AngleDiff(s.smoothed, s.segment))
	if dev <= segmentDeviation {
		s.pending = false
		return
	}
	if !s.pending {
		s.pending, s.pendingMs = true, ts
	}
	if ts-s.pendingMs >= segmentHoldMs && s.steps >= segmentMinSteps {
		s.segment = s.smoothed
		s.steps = 0
		s.pending = false
	}
}

func (s *segmentYaw) stepTaken() { s.steps++ }
