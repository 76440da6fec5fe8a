// Package pipeline threads sensor samples through the attitude tracker, the
// dead-reckoning engine and the heading buffer, and turns their results into
// an ordered list of events.
//
// A Pipeline is owned by a single goroutine. The only method safe to call
// from elsewhere is Snapshot.
package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/attitude"
	"stridenav/internal/geom"
	"stridenav/internal/heading"
	"stridenav/internal/monitoring"
	"stridenav/internal/pdr"
	"stridenav/internal/sensor"
)

// ErrStaleSample is returned for samples older than the last accepted one.
var ErrStaleSample = errors.New("pipeline: stale sample")

// AttitudeView is the JSON-friendly part of the tracker status.
type AttitudeView struct {
	Quaternion          [4]float64 `json:"quaternion"` // w, x, y, z
	YawDeg              float64    `json:"yawDeg"`
	PitchDeg            float64    `json:"pitchDeg"`
	RollDeg             float64    `json:"rollDeg"`
	IsStable            bool       `json:"isStable"`
	StabilityDurationMs int64      `json:"stabilityDurationMs"`
	MagneticConfidence  float64    `json:"magneticConfidence"`
	HasSnapshot         bool       `json:"hasSnapshot"`
	LastRecalibrationMs int64      `json:"lastRecalibrationMs"`

	// Last sample in the body frame of the current snapshot; the device
	// frame until one exists.
	BodyAccel [3]float64 `json:"bodyAccel"`
	BodyGyro  [3]float64 `json:"bodyGyro"`
}

// Snapshot is an immutable copy of the pipeline state, published after every
// push.
type Snapshot struct {
	SessionID    string       `json:"sessionId"`
	LastSampleMs int64        `json:"lastSampleMs"`
	Samples      uint64       `json:"samples"`
	Dropped      uint64       `json:"dropped"`
	Attitude     AttitudeView `json:"attitude"`
	PDR          pdr.State    `json:"pdr"`
	HeadingDeg   float64      `json:"headingDeg"`
	HeadingValid bool         `json:"headingValid"`
	YawSource    string       `json:"yawSource"`
	NativeSteps  int          `json:"nativeSteps"`
}

type Pipeline struct {
	cfg  Config
	id   uuid.UUID
	att  *attitude.Tracker
	eng  *pdr.Engine
	hob  *heading.Buffer
	warn *monitoring.Limiter
	cb   Callbacks

	seen      bool
	lastTs    int64
	lastAccel r3.Vec
	lastGyro  r3.Vec
	samples   uint64
	dropped   uint64

	externalYaw   bool
	externalYawMs int64
	fedYaw        bool
	fedYawMs      int64
	nativeSteps   int

	snap atomic.Pointer[Snapshot]
}

// New builds a pipeline from cfg, which must be valid.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:  cfg,
		id:   uuid.New(),
		att:  attitude.New(cfg.Attitude),
		eng:  pdr.New(cfg.PDR),
		hob:  heading.New(),
		warn: monitoring.NewLimiter(cfg.WarnIntervalMs),
	}
	p.eng.SetAttitudeTracker(p.att)
	p.publish()
	return p, nil
}

// SessionID identifies this pipeline instance in logs and on the wire.
func (p *Pipeline) SessionID() string { return p.id.String() }

// SetCallbacks installs the adapter invoked for every event produced by the
// pipeline's push methods.
func (p *Pipeline) SetCallbacks(cb Callbacks) { p.cb = cb }

func (p *Pipeline) Config() Config { return p.cfg }

// SetConfig swaps tunables in every stage. On error the previous config
// stays in effect.
func (p *Pipeline) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := p.att.SetConfig(cfg.Attitude); err != nil {
		return fmt.Errorf("pipeline.%w", err)
	}
	if err := p.eng.SetConfig(cfg.PDR); err != nil {
		_ = p.att.SetConfig(p.cfg.Attitude)
		return fmt.Errorf("pipeline.%w", err)
	}
	if cfg.WarnIntervalMs != p.cfg.WarnIntervalMs {
		p.warn = monitoring.NewLimiter(cfg.WarnIntervalMs)
	}
	p.cfg = cfg
	return nil
}

// Push runs one sample through every stage. A duplicate of the last
// timestamp is ignored; an older one returns ErrStaleSample. Invalid samples
// return an error wrapping sensor.ErrInvalidSample. None of these change
// state beyond the drop counter in the snapshot.
func (p *Pipeline) Push(s sensor.Sample) ([]Event, error) {
	if p.seen && s.TimestampMs == p.lastTs {
		return nil, nil
	}
	if p.seen && s.TimestampMs < p.lastTs {
		p.dropped++
		p.warn.Warnf("stale", s.TimestampMs, "pipeline: dropping out-of-order sample ts=%d last=%d", s.TimestampMs, p.lastTs)
		p.publish()
		return nil, fmt.Errorf("%w: ts=%d last=%d", ErrStaleSample, s.TimestampMs, p.lastTs)
	}
	if err := s.Validate(); err != nil {
		p.dropped++
		p.warn.Warnf("invalid", s.TimestampMs, "pipeline: dropping sample ts=%d: %v", s.TimestampMs, err)
		p.publish()
		return nil, err
	}

	var events []Event
	rec, err := p.att.Update(s)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		events = append(events, Recalibrated{Recalibration: *rec})
	}
	res, err := p.eng.Process(s, p.att.Status())
	if err != nil {
		// The engine rejects only what the checks above already rejected.
		return events, err
	}
	p.seen, p.lastTs = true, s.TimestampMs
	p.lastAccel, p.lastGyro = s.Accel, s.Gyro
	p.samples++

	if res.ModeChange != nil {
		events = append(events, ModeChanged{Change: *res.ModeChange})
	}
	if res.Step != nil {
		events = append(events, StepDetected{Step: *res.Step})
	}
	if res.Pose != nil {
		events = append(events, PoseUpdated{Pose: *res.Pose, Mode: p.eng.Mode(), TimestampMs: s.TimestampMs})
	}
	if res.RateHz != 0 {
		events = append(events, RateAdvised{RateHz: res.RateHz, TimestampMs: s.TimestampMs})
	}

	p.feedYaw(s.TimestampMs)
	p.finish(events)
	return events, nil
}

// feedYaw keeps the heading buffer populated from the fused yaw while no
// external yaw source is active.
func (p *Pipeline) feedYaw(ts int64) {
	if p.externalYaw && ts-p.externalYawMs <= p.cfg.ExternalYawTimeoutMs {
		return
	}
	if p.fedYaw && ts-p.fedYawMs < p.cfg.YawFeedIntervalMs {
		return
	}
	if err := p.hob.PushYaw(p.eng.FusedYaw(), ts); err != nil {
		p.warn.Warnf("yaw", ts, "pipeline: fused yaw not buffered: %v", err)
		return
	}
	p.fedYaw, p.fedYawMs = true, ts
}

// PushYaw records a yaw observation from an external device-motion source.
// While such observations keep arriving the fused yaw is not buffered.
func (p *Pipeline) PushYaw(yaw float64, ts int64) error {
	if err := p.hob.PushYaw(yaw, ts); err != nil {
		return err
	}
	p.externalYaw, p.externalYawMs = true, ts
	p.publish()
	return nil
}

// PushBatch splits a native pedometer report into individual steps oriented
// by the buffered heading and applies them to the pose in ascending time.
func (p *Pipeline) PushBatch(b sensor.Batch) ([]Event, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	split, err := p.hob.SplitBatch(b.StepCount, b.StepLength, b.IntervalStartMs, b.IntervalEndMs)
	if err != nil {
		return nil, fmt.Errorf("pipeline: split batch: %w", err)
	}
	if len(split) == 0 {
		return nil, nil
	}
	events := make([]Event, 0, len(split)+1)
	for _, st := range split {
		events = append(events, StepDetected{Step: p.eng.AddStep(st)})
	}
	p.nativeSteps += len(split)
	events = append(events, PoseUpdated{Pose: p.eng.Pose(), Mode: p.eng.Mode(), TimestampMs: b.IntervalEndMs})
	p.finish(events)
	return events, nil
}

// Recalibrate forces a body↔device snapshot from the last sample.
func (p *Pipeline) Recalibrate() ([]Event, error) {
	if !p.seen {
		return nil, fmt.Errorf("pipeline: recalibrate before first sample")
	}
	rec, err := p.att.ForceRecalibration(p.lastAccel, p.lastGyro)
	if err != nil {
		return nil, err
	}
	events := []Event{Recalibrated{Recalibration: *rec}}
	p.finish(events)
	return events, nil
}

// SetMode overrides the activity classification. Auto re-enables the
// classifier.
func (p *Pipeline) SetMode(m pdr.Mode) ([]Event, error) {
	mc, err := p.eng.SetManualMode(m)
	if err != nil {
		return nil, err
	}
	var events []Event
	if mc != nil {
		events = append(events, ModeChanged{Change: *mc})
	}
	p.finish(events)
	return events, nil
}

func (p *Pipeline) SetAutoClassification(on bool) {
	p.eng.SetAutoClassification(on)
	p.publish()
}

// Reset returns every stage to its initial state. The session ID is kept.
func (p *Pipeline) Reset() {
	p.att.Reset()
	p.eng.Reset()
	p.hob.Reset()
	p.warn.Reset()
	p.seen, p.lastTs = false, 0
	p.lastAccel, p.lastGyro = r3.Vec{}, r3.Vec{}
	p.samples, p.dropped = 0, 0
	p.externalYaw, p.externalYawMs = false, 0
	p.fedYaw, p.fedYawMs = false, 0
	p.nativeSteps = 0
	p.publish()
}

// State returns the dead-reckoning state.
func (p *Pipeline) State() pdr.State { return p.eng.State() }

// AttitudeStatus returns the tracker status.
func (p *Pipeline) AttitudeStatus() attitude.Status { return p.att.Status() }

// Heading exposes the heading buffer for read access.
func (p *Pipeline) Heading() *heading.Buffer { return p.hob }

// Snapshot returns the most recently published state. Safe for concurrent
// use.
func (p *Pipeline) Snapshot() *Snapshot { return p.snap.Load() }

func (p *Pipeline) finish(events []Event) {
	p.publish()
	p.cb.Dispatch(events)
}

func (p *Pipeline) publish() {
	st := p.att.Status()
	yaw, pitch, roll := geom.Euler(st.Q)
	snap := &Snapshot{
		SessionID:    p.id.String(),
		LastSampleMs: p.lastTs,
		Samples:      p.samples,
		Dropped:      p.dropped,
		Attitude: AttitudeView{
			Quaternion:          [4]float64{st.Q.Real, st.Q.Imag, st.Q.Jmag, st.Q.Kmag},
			YawDeg:              geom.Deg(yaw),
			PitchDeg:            geom.Deg(pitch),
			RollDeg:             geom.Deg(roll),
			IsStable:            st.IsStable,
			StabilityDurationMs: st.StabilityDurationMs,
			MagneticConfidence:  st.MagneticConfidence,
			HasSnapshot:         st.HasSnapshot,
			LastRecalibrationMs: st.LastRecalibrationMs,
			BodyAccel:           vec3(p.att.TransformAcceleration(p.lastAccel)),
			BodyGyro:            vec3(p.att.TransformGyroscope(p.lastGyro)),
		},
		PDR:         p.eng.State(),
		YawSource:   "fused",
		NativeSteps: p.nativeSteps,
	}
	if p.externalYaw {
		snap.YawSource = "external"
	}
	if ts, ok := p.hob.LastTimestamp(); ok {
		if h, err := p.hob.HeadingAt(ts); err == nil {
			snap.HeadingDeg, snap.HeadingValid = h, true
		}
	}
	p.snap.Store(snap)
}

func vec3(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }
