package pipeline

import (
	"gonum.org/v1/gonum/mat"

	"stridenav/internal/pdr"
)

// Envelope is the JSON shape of an event on the UDP and web outputs.
type Envelope struct {
	Session string `json:"session"`
	Seq     uint64 `json:"seq"`
	Kind    string `json:"kind"`
	TimeMs  int64  `json:"timeMs"`
	Data    any    `json:"data"`
}

type recalibrationWire struct {
	TimestampMs  int64      `json:"timestampMs"`
	Automatic    bool       `json:"automatic"`
	DeviceToBody [9]float64 `json:"deviceToBody"` // row-major
}

type poseWire struct {
	pdr.Pose
	Mode pdr.Mode `json:"mode"`
}

type rateWire struct {
	RateHz int `json:"rateHz"`
}

// NewEnvelope wraps ev for the wire.
func NewEnvelope(session string, seq uint64, ev Event) Envelope {
	return Envelope{Session: session, Seq: seq, Kind: ev.Kind(), TimeMs: ev.Time(), Data: payload(ev)}
}

func payload(ev Event) any {
	switch e := ev.(type) {
	case Recalibrated:
		w := recalibrationWire{TimestampMs: e.Recalibration.TimestampMs, Automatic: e.Recalibration.Automatic}
		flatten(&w.DeviceToBody, e.Recalibration.DeviceToBody)
		return w
	case ModeChanged:
		return e.Change
	case StepDetected:
		return e.Step
	case PoseUpdated:
		return poseWire{Pose: e.Pose, Mode: e.Mode}
	case RateAdvised:
		return rateWire{RateHz: e.RateHz}
	}
	return nil
}

func flatten(dst *[9]float64, m *mat.Dense) {
	if m == nil {
		return
	}
	if r, c := m.Dims(); r != 3 || c != 3 {
		return
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst[3*i+j] = m.At(i, j)
		}
	}
}
