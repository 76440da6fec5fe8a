package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"stridenav/internal/attitude"
	"stridenav/internal/pdr"
)

func TestEnvelopeFlattensRecalibration(t *testing.T) {
	ev := Recalibrated{Recalibration: attitude.Recalibration{
		TimestampMs:  2000,
		DeviceToBody: mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1}),
		Automatic:    true,
	}}
	b, err := json.Marshal(NewEnvelope("s1", 7, ev))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"session": "s1", "seq": 7, "kind": "recalibrated", "timeMs": 2000,
		"data": {"timestampMs": 2000, "automatic": true, "deviceToBody": [0,-1,0,1,0,0,0,0,1]}
	}`, string(b))
}

func TestEnvelopeModeChangeUsesNames(t *testing.T) {
	ev := ModeChanged{Change: pdr.ModeChange{From: pdr.Stationary, To: pdr.Walking, TimestampMs: 900}}
	b, err := json.Marshal(NewEnvelope("s", 1, ev))
	require.NoError(t, err)

	var got struct {
		Kind string `json:"kind"`
		Data struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "modeChanged", got.Kind)
	assert.Equal(t, "stationary", got.Data.From)
	assert.Equal(t, "walking", got.Data.To)
}

func TestEnvelopeToleratesMissingMatrix(t *testing.T) {
	env := NewEnvelope("s", 1, Recalibrated{})
	w, ok := env.Data.(recalibrationWire)
	require.True(t, ok)
	assert.Equal(t, [9]float64{}, w.DeviceToBody)
}

func TestEnvelopePoseCarriesMode(t *testing.T) {
	ev := PoseUpdated{Pose: pdr.Pose{X: 1.5, Y: -0.5, Yaw: 0.25, Confidence: 0.8}, Mode: pdr.Running, TimestampMs: 4100}
	b, err := json.Marshal(NewEnvelope("s", 3, ev))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"session": "s", "seq": 3, "kind": "poseUpdated", "timeMs": 4100,
		"data": {"x": 1.5, "y": -0.5, "z": 0, "yaw": 0.25, "confidence": 0.8, "mode": "running"}
	}`, string(b))
}
