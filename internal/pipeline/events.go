package pipeline

import (
	"stridenav/internal/attitude"
	"stridenav/internal/pdr"
)

// Event is one of Recalibrated, ModeChanged, StepDetected, PoseUpdated or
// RateAdvised. Within a single push events appear in that order.
type Event interface {
	// Kind is a stable lower-case name, used on the wire.
	Kind() string
	// Time is the sample time the event belongs to, in ms.
	Time() int64
}

type Recalibrated struct {
	Recalibration attitude.Recalibration
}

type ModeChanged struct {
	Change pdr.ModeChange
}

type StepDetected struct {
	Step pdr.StepEvent
}

// PoseUpdated carries the pose after a step and the activity mode it was
// taken in.
type PoseUpdated struct {
	Pose        pdr.Pose
	Mode        pdr.Mode
	TimestampMs int64
}

// RateAdvised asks the producer to switch its sampling rate.
type RateAdvised struct {
	RateHz      int
	TimestampMs int64
}

func (Recalibrated) Kind() string { return "recalibrated" }
func (ModeChanged) Kind() string  { return "modeChanged" }
func (StepDetected) Kind() string { return "stepDetected" }
func (PoseUpdated) Kind() string  { return "poseUpdated" }
func (RateAdvised) Kind() string  { return "rateAdvised" }

func (e Recalibrated) Time() int64 { return e.Recalibration.TimestampMs }
func (e ModeChanged) Time() int64  { return e.Change.TimestampMs }
func (e StepDetected) Time() int64 { return e.Step.TimestampMs }
func (e PoseUpdated) Time() int64  { return e.TimestampMs }
func (e RateAdvised) Time() int64  { return e.TimestampMs }

// Callbacks adapts the event list to per-kind functions. Nil fields are
// skipped.
type Callbacks struct {
	OnRecalibration func(attitude.Recalibration)
	OnModeChanged   func(pdr.ModeChange)
	OnStepDetected  func(pdr.StepEvent)
	OnPoseUpdate    func(pdr.Pose, pdr.Mode)
	OnRateAdvice    func(hz int)
}

// Dispatch calls the matching callback for each event, in order.
func (c Callbacks) Dispatch(events []Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case Recalibrated:
			if c.OnRecalibration != nil {
				c.OnRecalibration(e.Recalibration)
			}
		case ModeChanged:
			if c.OnModeChanged != nil {
				c.OnModeChanged(e.Change)
			}
		case StepDetected:
			if c.OnStepDetected != nil {
				c.OnStepDetected(e.Step)
			}
		case PoseUpdated:
			if c.OnPoseUpdate != nil {
				c.OnPoseUpdate(e.Pose, e.Mode)
			}
		case RateAdvised:
			if c.OnRateAdvice != nil {
				c.OnRateAdvice(e.RateHz)
			}
		}
	}
}
