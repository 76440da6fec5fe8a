// Package pdr implements pedestrian dead reckoning: step detection on either
// the world-vertical projection or the total acceleration magnitude, activity
// classification, adaptive step length and pose advance.
//
// An Engine is single-threaded; callers serialize access.
package pdr

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/attitude"
	"stridenav/internal/dsp"
	"stridenav/internal/geom"
	"stridenav/internal/monitoring"
	"stridenav/internal/sensor"
)

// ErrOutOfOrder is returned for samples at or before the previous timestamp.
var ErrOutOfOrder = errors.New("pdr: sample out of order")

// Attitude projects device-frame vectors into the world frame. The engine
// holds it without owning it.
type Attitude interface {
	ToWorld(v r3.Vec) (r3.Vec, error)
}

const (
	accelWindowSize    = 50
	gravityWindowSize  = 15
	gyroWindowSize     = 50
	gyroConfirmSamples = 10
	stepHistorySize    = 50
	stepTimesSpanMs    = 10000
	stepTimesCap       = 128
	verticalSpanMs     = 2000
	verticalCap        = 256
	zuptSamples        = 5
	rateSamples        = 5
	freqSteps          = 5

	peakSigmas     = 1.5
	neighbourRatio = 1.2
	warmupKScale   = 0.9

	ampMin, ampMax       = 0.5, 3.0
	ampFactorMin         = 0.7
	ampFactorMax         = 1.1
	lengthAlpha          = 0.05
	runningLengthFactor  = 1.2
	minLength, maxLength = 0.3, 1.2

	baroMaxStep = 1.0

	minDtMs = 1
	maxDtMs = 100

	identityTolerance = 1e-9
	warnIntervalMs    = 5000
)

type timed struct {
	ts int64
	v  float64
}

type candidate struct {
	ts        int64
	value     float64 // detrended peak, m/s²
	threshold float64 // m/s²
	path      Path
}

type Engine struct {
	cfg  Config
	att  Attitude
	warn *monitoring.Limiter

	seen   bool
	lastTs int64

	accNorms  *dsp.Ring[float64]
	gravity   *dsp.Ring[r3.Vec]
	gyroNorms *dsp.Ring[float64]
	magHist   *dsp.Ring[timed]
	vertHist  *dsp.Ring[timed]
	stepTimes *dsp.Ring[int64]
	steps     *dsp.Ring[StepEvent]

	mode     Mode
	auto     bool
	features Features
	scan     dsp.PeakScan

	stepCount  int
	distance   float64
	stepLength float64 // smoothed, before the mode factor
	hasStep    bool
	lastStepMs int64
	lastGapMs  int64 // minimum interval in force when the last step was taken

	pose     Pose
	velocity r3.Vec
	quiet    bool
	quietMs  int64

	hasBaro bool
	baroRef float64

	yaw        *segmentYaw
	orientConf float64
	rateHz     int

	lastPath       Path
	fallbackActive bool
	fallbackUntil  int64
	lastProjErr    string

	rejected   int
	lastReject string
}

// New returns an engine in stationary mode with automatic classification.
// cfg is expected to be valid.
func New(cfg Config) *Engine {
	if cfg.StepDetectionWindow < 5 {
		cfg.StepDetectionWindow = DefaultConfig().StepDetectionWindow
	}
	e := &Engine{
		cfg:  cfg,
		auto: true,
		warn: monitoring.NewLimiter(warnIntervalMs),
		yaw:  newSegmentYaw(),
	}
	e.allocate()
	e.Reset()
	return e
}

func (e *Engine) allocate() {
	w := e.cfg.StepDetectionWindow
	e.accNorms = dsp.NewRing[float64](max(accelWindowSize, w))
	e.gravity = dsp.NewRing[r3.Vec](gravityWindowSize)
	e.gyroNorms = dsp.NewRing[float64](gyroWindowSize)
	e.magHist = dsp.NewRing[timed](w)
	e.vertHist = dsp.NewRing[timed](verticalCap)
	e.stepTimes = dsp.NewRing[int64](stepTimesCap)
	e.steps = dsp.NewRing[StepEvent](stepHistorySize)
}

// SetAttitudeTracker injects the projection used by the vertical detector.
// nil restricts detection to the magnitude path.
func (e *Engine) SetAttitudeTracker(at Attitude) { e.att = at }

// SetConfig replaces the tunables. Buffers are rebuilt when the detection
// window changes, which drops their contents.
func (e *Engine) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rebuild := cfg.StepDetectionWindow != e.cfg.StepDetectionWindow
	e.cfg = cfg
	if rebuild {
		e.allocate()
	}
	return nil
}

func (e *Engine) Config() Config { return e.cfg }

// SetManualMode forces mode and suspends automatic classification. The
// returned change is nil when the mode did not change.
func (e *Engine) SetManualMode(m Mode) (*ModeChange, error) {
	if !m.valid() {
		return nil, fmt.Errorf("pdr: invalid mode %d", int(m))
	}
	e.auto = false
	if m == e.mode {
		return nil, nil
	}
	return e.setMode(m, e.features, e.lastTs, true), nil
}

// SetAutoClassification re-enables or suspends the classifier.
func (e *Engine) SetAutoClassification(on bool) { e.auto = on }

// Reset clears all buffers and counters and puts the pose at the origin. The
// heading is taken from the next attitude sample. A manual mode override
// survives a reset.
func (e *Engine) Reset() {
	e.clear(0, 0, 0)
	e.yaw.reset(0)
}

// ResetAt is Reset with an explicit starting position and committed heading.
func (e *Engine) ResetAt(x, y, yaw float64) {
	e.clear(x, y, yaw)
	e.yaw.seed(yaw)
}

func (e *Engine) clear(x, y, yaw float64) {
	e.seen, e.lastTs = false, 0
	e.accNorms.Clear()
	e.gravity.Clear()
	e.gyroNorms.Clear()
	e.magHist.Clear()
	e.vertHist.Clear()
	e.stepTimes.Clear()
	e.steps.Clear()

	if e.auto {
		e.mode = Stationary
	}
	e.features = Features{}
	e.scan = dsp.PeakScan{}

	e.stepCount, e.distance = 0, 0
	e.stepLength = e.cfg.seedLength()
	e.hasStep, e.lastStepMs, e.lastGapMs = false, 0, 0

	yaw = geom.NormalizeAngle(yaw)
	e.pose = Pose{X: x, Y: y, Yaw: yaw}
	e.velocity = r3.Vec{}
	e.quiet, e.quietMs = false, 0
	e.hasBaro, e.baroRef = false, 0

	e.orientConf = 0
	e.rateHz = e.cfg.BaseRateHz

	e.lastPath = PathMagnitude
	e.fallbackActive, e.fallbackUntil, e.lastProjErr = false, 0, ""
	e.rejected, e.lastReject = 0, ""
	e.warn.Reset()
}

// Process pushes one sample through the detectors. Invalid samples return an
// error wrapping sensor.ErrInvalidSample; stale ones return ErrOutOfOrder.
// Neither changes state.
func (e *Engine) Process(s sensor.Sample, st attitude.Status) (Result, error) {
	var res Result
	if err := s.Validate(); err != nil {
		return res, err
	}
	if e.seen && s.TimestampMs <= e.lastTs {
		return res, fmt.Errorf("%w: ts=%d last=%d", ErrOutOfOrder, s.TimestampMs, e.lastTs)
	}
	dtMs := 1000 / e.cfg.SampleRateHz
	if e.seen {
		dtMs = float64(s.TimestampMs - e.lastTs)
	}
	dtMs = dsp.Clamp(dtMs, minDtMs, maxDtMs)
	e.seen, e.lastTs = true, s.TimestampMs
	ts := s.TimestampMs

	e.accNorms.Push(r3.Norm(s.Accel))
	e.gravity.Push(s.Accel)
	e.gyroNorms.Push(r3.Norm(s.Gyro))
	lin := e.linearAccel(s.Accel)
	e.magHist.Push(timed{ts: ts, v: r3.Norm(lin)})

	e.velocity = r3.Add(e.velocity, r3.Scale(dtMs/1000, lin))
	e.applyZUPT(ts)
	if hz := e.advisedRate(); hz != e.rateHz {
		e.rateHz = hz
		res.RateHz = hz
	}

	e.orientConf = orientationConfidence(st)
	e.yaw.update(geom.Yaw(st.Q), ts, st.MagneticConfidence)

	poseChanged := false
	if s.HasAltitude && e.updateAltitude(s.Altitude) {
		poseChanged = true
	}

	magDet, magThr, magMean, magStd := e.magnitudeSignal()
	e.scan = dsp.ScanPeaks(magDet, magThr, rateHz(e.magHist, e.cfg.SampleRateHz))
	if e.auto && e.accNorms.Len() >= e.cfg.StepDetectionWindow {
		res.ModeChange = e.classify(ts)
	}

	if c, ok := e.detect(s.Accel, ts, st, magDet, magThr, magMean, magStd); ok {
		if step := e.admit(c); step != nil {
			res.Step = step
			poseChanged = true
		}
	}
	if poseChanged {
		p := e.pose
		res.Pose = &p
	}
	return res, nil
}

func (e *Engine) linearAccel(a r3.Vec) r3.Vec {
	if e.gravity.Full() {
		var g r3.Vec
		for _, v := range e.gravity.Values() {
			g = r3.Add(g, v)
		}
		return r3.Sub(a, r3.Scale(1/float64(e.gravity.Len()), g))
	}
	if n := r3.Norm(a); n >= 8 && n <= 12 {
		return r3.Sub(a, r3.Scale(sensor.StandardGravity/n, a))
	}
	return a
}

func (e *Engine) gravityEstimate() r3.Vec {
	var g r3.Vec
	vals := e.gravity.Values()
	for _, v := range vals {
		g = r3.Add(g, v)
	}
	if len(vals) > 0 {
		g = r3.Scale(1/float64(len(vals)), g)
	}
	return g
}

func (e *Engine) applyZUPT(ts int64) {
	w := e.accNorms.Tail(zuptSamples)
	if len(w) < zuptSamples || dsp.Variance(w) >= e.cfg.ZuptThreshold {
		e.quiet = false
		return
	}
	if !e.quiet {
		e.quiet, e.quietMs = true, ts
	}
	if ts-e.quietMs >= e.cfg.ZuptDurationMs {
		e.velocity = r3.Scale(0.1, e.velocity)
	}
}

func (e *Engine) advisedRate() int {
	peak := 0.0
	n := e.magHist.Len()
	for i := max(0, n-rateSamples); i < n; i++ {
		peak = math.Max(peak, e.magHist.At(i).v)
	}
	if peak > e.cfg.HighRateAccel {
		return e.cfg.HighRateHz
	}
	return e.cfg.BaseRateHz
}

func (e *Engine) updateAltitude(alt float64) bool {
	if !e.hasBaro {
		e.hasBaro, e.baroRef = true, alt
		return false
	}
	dz := dsp.Clamp(alt-e.baroRef-e.pose.Z, -baroMaxStep, baroMaxStep)
	if dz == 0 {
		return false
	}
	e.pose.Z += dz
	return true
}

// orientationConfidence scores how far the vertical projection can be trusted.
func orientationConfidence(st attitude.Status) float64 {
	c := 0.5
	if st.IsStable {
		c += 0.3
	}
	c += 0.2 * dsp.Clamp(st.MagneticConfidence, 0, 1)
	c -= math.Min(0.3, 0.15*math.Max(0, st.AccelerationVariance))
	c -= math.Min(0.2, 0.1*math.Max(0, st.GyroMagnitude))
	return dsp.Clamp(c, 0, 1)
}

func (e *Engine) classify(ts int64) *ModeChange {
	e.features = Features{
		Variance:  dsp.Variance(e.accNorms.Tail(e.cfg.StepDetectionWindow)),
		Frequency: e.scan.Frequency,
		Amplitude: e.scan.Amplitude / sensor.StandardGravity,
	}
	e.features.Pitch, _ = geom.TiltFromGravity(e.gravityEstimate())

	next := decideMode(e.features)
	if next == e.mode {
		return nil
	}
	return e.setMode(next, e.features, ts, false)
}

func decideMode(f Features) Mode {
	pitchDeg := math.Abs(geom.Deg(f.Pitch))
	switch {
	case f.Variance < 0.2:
		return Stationary
	case f.Amplitude > 1.0:
		return Walking
	case pitchDeg > 30 && pitchDeg < 60:
		return Walking
	case f.Frequency >= 0.1:
		if f.Frequency >= 2.5 || (f.Amplitude > 1.2 && f.Frequency > 2.0) {
			return Running
		}
		return Walking
	case f.Variance > 0.7:
		return Walking
	}
	return Walking
}

func (e *Engine) setMode(m Mode, f Features, ts int64, manual bool) *ModeChange {
	mc := &ModeChange{From: e.mode, To: m, Features: f, TimestampMs: ts, Manual: manual}
	e.mode = m
	e.velocity = r3.Vec{}
	return mc
}

func (e *Engine) admit(c candidate) *StepEvent {
	// A mode change since the last step never shortens the gap it owes.
	gap := max(e.lastGapMs, e.cfg.minInterval(c.path, e.mode))
	if e.hasStep && c.ts-e.lastStepMs < gap {
		return nil
	}
	if e.stepCount >= e.cfg.WarmupSteps {
		if kind, reason := e.physiologicalCheck(c.ts); reason != "" {
			e.rejected++
			e.lastReject = reason
			e.warn.Warnf("reject-"+kind, c.ts, "pdr: step rejected ts=%d: %s", c.ts, reason)
			return nil
		}
	}

	length := e.nextLength(c.value)
	yaw := e.yaw.segment
	ev := StepEvent{
		Index:        e.stepCount + 1,
		LengthMeters: length,
		DX:           length * math.Cos(yaw),
		DY:           length * math.Sin(yaw),
		TimestampMs:  c.ts,
		Confidence:   e.stepConfidence(c),
		Source:       SourceMagnitude,
	}
	if c.path == PathVertical {
		ev.Source = SourceVertical
	}

	e.stepCount++
	e.distance += length
	e.pose.X += ev.DX
	e.pose.Y += ev.DY
	e.pose.Yaw = yaw
	e.pose.Confidence = ev.Confidence

	e.hasStep, e.lastStepMs = true, c.ts
	e.lastGapMs = e.cfg.minInterval(c.path, e.mode)
	e.stepTimes.Push(c.ts)
	e.stepTimes.DropWhile(func(t int64) bool { return t < c.ts-stepTimesSpanMs })
	e.steps.Push(ev)
	e.yaw.stepTaken()
	return &ev
}

// AddStep applies a step detected elsewhere, typically one slice of a native
// pedometer batch, to the pose. Guards and the length model are bypassed and
// the detector's interval bookkeeping is left alone. The index is assigned
// here.
func (e *Engine) AddStep(ev StepEvent) StepEvent {
	e.stepCount++
	ev.Index = e.stepCount
	e.distance += ev.LengthMeters
	e.pose.X += ev.DX
	e.pose.Y += ev.DY
	if ev.DX != 0 || ev.DY != 0 {
		e.pose.Yaw = geom.NormalizeAngle(math.Atan2(ev.DY, ev.DX))
	}
	e.pose.Confidence = ev.Confidence
	e.steps.Push(ev)
	return ev
}

// Pose returns the current pose.
func (e *Engine) Pose() Pose { return e.pose }

// physiologicalCheck returns a non-empty reason when the candidate must be
// rejected; kind groups reasons for log rate limiting.
func (e *Engine) physiologicalCheck(ts int64) (kind, reason string) {
	if prev := e.stepTimes.Tail(freqSteps - 1); len(prev) == freqSteps-1 {
		limit := e.cfg.maxFrequency(e.mode)
		f := math.Inf(1)
		if span := ts - prev[0]; span > 0 {
			f = float64(freqSteps-1) * 1000 / float64(span)
		}
		if f > limit {
			return "frequency", fmt.Sprintf("step frequency %.2f Hz exceeds %.1f Hz for %s", f, limit, e.mode)
		}
	}
	if e.cfg.GyroConfirmationEnabled {
		w := e.gyroNorms.Tail(gyroConfirmSamples)
		peak, mean := dsp.Max(w), dsp.Mean(w)
		thr := e.cfg.GyroConfirmThreshold
		if !(peak > thr || mean > thr/2) {
			return "gyro", fmt.Sprintf("no gyro confirmation (max %.3f rad/s, mean %.3f rad/s)", peak, mean)
		}
	}
	return "", ""
}

func (e *Engine) nextLength(amplitude float64) float64 {
	amp := dsp.Clamp(amplitude, ampMin, ampMax)
	factor := ampFactorMin + (amp-ampMin)/(ampMax-ampMin)*(ampFactorMax-ampFactorMin)
	e.stepLength = dsp.EMA(e.stepLength, e.cfg.seedLength()*factor, lengthAlpha)
	l := e.stepLength
	if e.mode == Running {
		l *= runningLengthFactor
	}
	return dsp.Clamp(l, minLength, maxLength)
}

func (e *Engine) stepConfidence(c candidate) float64 {
	strength := 1.0
	if c.threshold > 0 {
		strength = math.Min(1, c.value/(2*c.threshold))
	}
	return dsp.Clamp(0.5*e.orientConf+0.5*strength, 0, 1)
}

// Steps returns the recent accepted steps, oldest first.
func (e *Engine) Steps() []StepEvent { return e.steps.Values() }

// FusedYaw is the smoothed heading before segment commitment.
func (e *Engine) FusedYaw() float64 { return e.yaw.smoothed }

func (e *Engine) Mode() Mode { return e.mode }

func (e *Engine) State() State {
	return State{
		Pose:                  e.pose,
		Mode:                  e.mode,
		AutoClassification:    e.auto,
		StepCount:             e.stepCount,
		DistanceMeters:        e.distance,
		StepLength:            e.stepLength,
		Velocity:              e.velocity,
		SmoothedYaw:           e.yaw.smoothed,
		SegmentYaw:            e.yaw.segment,
		OrientationConfidence: e.orientConf,
		Features:              e.features,
		RateHz:                e.rateHz,
		Vertical: VerticalState{
			Enabled:         e.cfg.VerticalEnabled && e.att != nil,
			LastPath:        e.lastPath.String(),
			FallbackActive:  e.fallbackActive,
			FallbackUntilMs: e.fallbackUntil,
			LastError:       e.lastProjErr,
		},
		RejectedSteps:    e.rejected,
		LastRejectReason: e.lastReject,
		LastSampleMs:     e.lastTs,
	}
}

func rateHz(h *dsp.Ring[timed], fallback float64) float64 {
	n := h.Len()
	if n < 2 {
		return fallback
	}
	span := h.At(n-1).ts - h.At(0).ts
	if span <= 0 {
		return fallback
	}
	return float64(n-1) * 1000 / float64(span)
}

// trendWidth is the moving-average width covering about one second.
func trendWidth(hz float64) int {
	return max(3, int(math.Round(hz)))
}

func values(ts []timed) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = t.v
	}
	return out
}
