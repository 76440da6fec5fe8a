package pdr

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrProjection marks a failed world-frame projection; the engine falls back
// to the magnitude path when it sees one.
var ErrProjection = errors.New("pdr: projection failed")

// Mode is the activity classification.
type Mode int

const (
	Stationary Mode = iota
	Walking
	Running
)

func (m Mode) String() string {
	switch m {
	case Stationary:
		return "stationary"
	case Walking:
		return "walking"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the lower-case names returned by String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stationary":
		return Stationary, nil
	case "walking":
		return Walking, nil
	case "running":
		return Running, nil
	}
	return 0, fmt.Errorf("pdr: unknown mode %q", s)
}

func (m Mode) valid() bool { return m >= Stationary && m <= Running }

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Source identifies which detector produced a step.
type Source int

const (
	SourceMagnitude Source = iota
	SourceVertical
	SourceNative
)

func (s Source) String() string {
	switch s {
	case SourceMagnitude:
		return "magnitude"
	case SourceVertical:
		return "vertical"
	case SourceNative:
		return "native"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type StepEvent struct {
	Index        int     `json:"index"`
	LengthMeters float64 `json:"lengthMeters"`
	DX           float64 `json:"dx"`
	DY           float64 `json:"dy"`
	TimestampMs  int64   `json:"timestampMs"`
	Confidence   float64 `json:"confidence"`
	Source       Source  `json:"source"`
}

// Features are the classifier inputs at the time of a decision.
type Features struct {
	Variance  float64 `json:"variance"`
	Frequency float64 `json:"frequency"`
	Amplitude float64 `json:"amplitude"` // g
	Pitch     float64 `json:"pitch"`     // radians
}

type ModeChange struct {
	From        Mode     `json:"from"`
	To          Mode     `json:"to"`
	Features    Features `json:"features"`
	TimestampMs int64    `json:"timestampMs"`
	Manual      bool     `json:"manual"`
}

type Pose struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Yaw        float64 `json:"yaw"`
	Confidence float64 `json:"confidence"`
}

// Result collects what a single Process call produced. Nil fields mean
// nothing happened for that kind.
type Result struct {
	ModeChange *ModeChange
	Step       *StepEvent
	Pose       *Pose
	// RateHz is non-zero when the advised producer rate changed.
	RateHz int
}

// Path is the detector chosen for a sample.
type Path int

const (
	PathMagnitude Path = iota
	PathVertical
)

func (p Path) String() string {
	if p == PathVertical {
		return "vertical"
	}
	return "magnitude"
}

// Projection is the outcome of projecting one sample onto the world vertical:
// either a projected value or a fallback carrying the cause.
type Projection struct {
	Up       float64 // g
	Fallback bool
	Err      error
}

type VerticalState struct {
	Enabled         bool   `json:"enabled"`
	LastPath        string `json:"lastPath"`
	FallbackActive  bool   `json:"fallbackActive"`
	FallbackUntilMs int64  `json:"fallbackUntilMs"`
	LastError       string `json:"lastError,omitempty"`
}

// State is a copy of the engine's externally meaningful state.
type State struct {
	Pose                  Pose          `json:"pose"`
	Mode                  Mode          `json:"mode"`
	AutoClassification    bool          `json:"autoClassification"`
	StepCount             int           `json:"stepCount"`
	DistanceMeters        float64       `json:"distanceMeters"`
	StepLength            float64       `json:"stepLength"`
	Velocity              r3.Vec        `json:"velocity"`
	SmoothedYaw           float64       `json:"smoothedYaw"`
	SegmentYaw            float64       `json:"segmentYaw"`
	OrientationConfidence float64       `json:"orientationConfidence"`
	Features              Features      `json:"features"`
	RateHz                int           `json:"rateHz"`
	Vertical              VerticalState `json:"vertical"`
	RejectedSteps         int           `json:"rejectedSteps"`
	LastRejectReason      string        `json:"lastRejectReason,omitempty"`
	LastSampleMs          int64         `json:"lastSampleMs"`
}
