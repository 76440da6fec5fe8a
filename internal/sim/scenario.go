package sim

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"stridenav/internal/sensor"
)

// ScenarioScript is a deterministic, script-driven pedestrian walk.
//
// Time is expressed as Go duration strings (e.g. "0s", "600ms", "10s"). The
// handset is held flat; steps show up as vertical acceleration bumps and
// turns as yaw rate about the device z axis.
//
// YAML schema (v1):
//
//	version: 1
//	rate_hz: 25
//	seed: 42
//	start_ms: 0
//	accel_noise: 0.01      # m/s², per axis standard deviation
//	gyro_noise: 0          # rad/s
//	mag: {x: 20, y: 0, z: 40}   # world field in µT; omit for no magnetometer
//	baro: true             # emit barometric altitude
//	segments:
//	  - kind: stationary
//	    duration: 2s
//	  - kind: walk
//	    duration: 3s
//	    cadence_hz: 1.6667   # or step_interval: 600ms
//	    amplitude: 2.5       # m/s² peak
//	    gyro_activity: 0.5   # rad/s wobble around each step
//	  - kind: turn
//	    duration: 2s
//	    turn_deg: 90
//
// Keep this struct stable: scripts are test fixtures.
type ScenarioScript struct {
	Version    int       `yaml:"version"`
	RateHz     float64   `yaml:"rate_hz"`
	Seed       int64     `yaml:"seed"`
	StartMs    int64     `yaml:"start_ms"`
	AccelNoise float64   `yaml:"accel_noise"`
	GyroNoise  float64   `yaml:"gyro_noise"`
	Mag        *Vec3     `yaml:"mag"`
	Baro       bool      `yaml:"baro"`
	HeadingDeg float64   `yaml:"heading_deg"`
	Segments   []Segment `yaml:"segments"`
}

type Vec3 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

func (v Vec3) r3() r3.Vec { return r3.Vec{X: v.X, Y: v.Y, Z: v.Z} }

// Segment is one phase of the walk. Steps are spread evenly through the
// segment at the given cadence.
type Segment struct {
	Kind         string        `yaml:"kind"`
	Duration     time.Duration `yaml:"duration"`
	CadenceHz    float64       `yaml:"cadence_hz"`
	StepInterval time.Duration `yaml:"step_interval"`
	Amplitude    float64       `yaml:"amplitude"`
	GyroActivity float64       `yaml:"gyro_activity"`
	TurnDeg      float64       `yaml:"turn_deg"`
	ClimbMps     float64       `yaml:"climb_mps"`
}

// Step bump shape relative to the peak sample. The tail lobe cancels the
// positive part so the bump has zero mean.
var (
	bumpShape = []float64{0.4, 1, 0.4, -0.36, -0.36, -0.36, -0.36, -0.36}
	bumpStart = -1
)

// Truth is the ground truth recorded while generating samples.
type Truth struct {
	StepTimesMs []int64
	// HeadingDeg is the true heading at each sample, aligned with Samples.
	HeadingDeg []float64
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	periodMs int64
	n        int
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if script.RateHz == 0 {
		script.RateHz = 25
	}
	if script.RateHz < 1 || script.RateHz > 1000 {
		return nil, fmt.Errorf("rate_hz must be within [1,1000]")
	}
	if script.AccelNoise < 0 || script.GyroNoise < 0 {
		return nil, fmt.Errorf("noise must be >= 0")
	}
	if len(script.Segments) == 0 {
		return nil, fmt.Errorf("segments is required")
	}
	var total time.Duration
	for i, seg := range script.Segments {
		switch strings.ToLower(seg.Kind) {
		case "stationary", "walk", "run", "turn":
		default:
			return nil, fmt.Errorf("segments[%d].kind %q unsupported", i, seg.Kind)
		}
		if seg.Duration <= 0 {
			return nil, fmt.Errorf("segments[%d].duration must be > 0", i)
		}
		if seg.CadenceHz < 0 || seg.StepInterval < 0 {
			return nil, fmt.Errorf("segments[%d] cadence must be >= 0", i)
		}
		total += seg.Duration
	}

	period := int64(math.Round(1000 / script.RateHz))
	return &Scenario{
		script:   script,
		periodMs: period,
		n:        int(total.Milliseconds() / period),
	}, nil
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(int64(s.n)*s.periodMs) * time.Millisecond
}

func (s *Scenario) PeriodMs() int64 { return s.periodMs }

// Samples renders the whole scenario. Output is identical for identical
// scripts.
func (s *Scenario) Samples() ([]sensor.Sample, Truth) {
	if s == nil || s.n == 0 {
		return nil, Truth{}
	}
	sc := s.script
	n := s.n
	bump := make([]float64, n)
	wobble := make([]float64, n)
	yawRate := make([]float64, n)
	climb := make([]float64, n)
	var truth Truth

	start := 0
	for _, seg := range sc.Segments {
		count := int(seg.Duration.Milliseconds() / s.periodMs)
		for i := start; i < start+count && i < n; i++ {
			climb[i] = seg.ClimbMps
			if seg.TurnDeg != 0 {
				yawRate[i] = seg.TurnDeg * math.Pi / 180 / seg.Duration.Seconds()
			}
		}
		interval := stepIntervalSamples(seg, s.periodMs)
		if interval > 0 {
			steps := int(math.Floor(float64(count)/interval + 1e-9))
			for k := 0; k < steps; k++ {
				p := start + int(math.Round((float64(k)+0.5)*interval))
				if p >= n {
					break
				}
				truth.StepTimesMs = append(truth.StepTimesMs, sc.StartMs+int64(p)*s.periodMs)
				for j, w := range bumpShape {
					if idx := p + bumpStart + j; idx >= 0 && idx < n {
						bump[idx] += w * seg.Amplitude
					}
				}
				if seg.GyroActivity != 0 {
					for j, w := range []float64{1, 1, -1, -1} {
						if idx := p - 1 + j; idx >= 0 && idx < n {
							wobble[idx] += w * seg.GyroActivity
						}
					}
				}
			}
		}
		start += count
	}

	rng := rand.New(rand.NewSource(sc.Seed))
	out := make([]sensor.Sample, n)
	truth.HeadingDeg = make([]float64, n)
	yaw := sc.HeadingDeg * math.Pi / 180
	alt := 0.0
	dt := float64(s.periodMs) / 1000
	for i := 0; i < n; i++ {
		smp := sensor.Sample{
			TimestampMs: sc.StartMs + int64(i)*s.periodMs,
			Accel:       r3.Vec{Z: sensor.StandardGravity + bump[i]},
			Gyro:        r3.Vec{X: wobble[i], Z: yawRate[i]},
		}
		if sc.AccelNoise > 0 {
			smp.Accel.X += rng.NormFloat64() * sc.AccelNoise
			smp.Accel.Y += rng.NormFloat64() * sc.AccelNoise
			smp.Accel.Z += rng.NormFloat64() * sc.AccelNoise
		}
		if sc.GyroNoise > 0 {
			smp.Gyro.X += rng.NormFloat64() * sc.GyroNoise
			smp.Gyro.Y += rng.NormFloat64() * sc.GyroNoise
			smp.Gyro.Z += rng.NormFloat64() * sc.GyroNoise
		}
		if sc.Mag != nil {
			smp.Mag = deviceField(sc.Mag.r3(), yaw)
			smp.HasMag = true
		}
		if sc.Baro {
			smp.Altitude, smp.HasAltitude = alt, true
		}
		truth.HeadingDeg[i] = normDeg(yaw * 180 / math.Pi)
		out[i] = smp

		yaw += yawRate[i] * dt
		alt += climb[i] * dt
	}
	return out, truth
}

func stepIntervalSamples(seg Segment, periodMs int64) float64 {
	switch {
	case seg.CadenceHz > 0:
		return 1000 / seg.CadenceHz / float64(periodMs)
	case seg.StepInterval > 0:
		return float64(seg.StepInterval.Milliseconds()) / float64(periodMs)
	}
	return 0
}

// deviceField expresses a world-frame field in a flat device yawed by yaw.
func deviceField(world r3.Vec, yaw float64) r3.Vec {
	c, s := math.Cos(yaw), math.Sin(yaw)
	return r3.Vec{
		X: c*world.X + s*world.Y,
		Y: -s*world.X + c*world.Y,
		Z: world.Z,
	}
}

func normDeg(x float64) float64 {
	x = math.Mod(x, 360)
	if x < 0 {
		x += 360
	}
	return x
}

// Generate is NewScenario followed by Samples.
func Generate(script ScenarioScript) ([]sensor.Sample, Truth, error) {
	scn, err := NewScenario(script)
	if err != nil {
		return nil, Truth{}, err
	}
	samples, truth := scn.Samples()
	return samples, truth, nil
}

// DefaultWalk is the script used when no scenario file is configured: a
// settle period, a straight walk, a right-angle turn on the spot and a
// second walk.
func DefaultWalk() ScenarioScript {
	walk := Segment{Kind: "walk", Duration: 10 * time.Second, CadenceHz: 1.6, Amplitude: 2, GyroActivity: 0.5}
	return ScenarioScript{
		Version:    1,
		RateHz:     25,
		Seed:       1,
		AccelNoise: 0.02,
		GyroNoise:  0.002,
		Mag:        &Vec3{X: 20, Z: -40},
		Baro:       true,
		Segments: []Segment{
			{Kind: "stationary", Duration: 3 * time.Second},
			walk,
			{Kind: "turn", Duration: 2 * time.Second, TurnDeg: 90},
			walk,
			{Kind: "stationary", Duration: 2 * time.Second},
		},
	}
}
