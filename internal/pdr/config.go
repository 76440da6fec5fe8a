package pdr

import "fmt"

// Config holds the detector, classifier and length-model tunables. Times are
// milliseconds of sample time.
type Config struct {
	StepDetectionWindow int     // samples analysed for peaks and classification
	DefaultStepLength   float64 // metres, used when UserHeight is unknown
	HeightRatio         float64
	UserHeight          float64 // metres; 0 means unknown

	ZuptThreshold  float64 // m²/s⁴
	ZuptDurationMs int64

	VerticalEnabled      bool
	OrientationThreshold float64
	MinVerticalPeak      float64 // g
	MaxVerticalPeak      float64 // g
	FallbackLockoutMs    int64

	MinThreshold float64 // magnitude path, m/s²
	MaxThreshold float64

	// Minimum spacing between accepted steps per detector and mode.
	MagnitudeWalkingIntervalMs int64
	MagnitudeRunningIntervalMs int64
	VerticalWalkingIntervalMs  int64
	VerticalRunningIntervalMs  int64

	WarmupSteps             int
	MaxWalkingHz            float64
	MaxRunningHz            float64
	MaxStationaryHz         float64
	GyroConfirmationEnabled bool
	GyroConfirmThreshold    float64 // rad/s

	BaseRateHz int
	HighRateHz int
	// HighRateAccel is the linear-acceleration peak (m/s²) over the last few
	// samples above which the high rate is advised.
	HighRateAccel float64

	// SampleRateHz is assumed until the stream's own rate can be measured.
	SampleRateHz float64
}

func DefaultConfig() Config {
	return Config{
		StepDetectionWindow: 30,
		DefaultStepLength:   0.7,
		HeightRatio:         0.4,

		ZuptThreshold:  0.1,
		ZuptDurationMs: 300,

		VerticalEnabled:      true,
		OrientationThreshold: 0.3,
		MinVerticalPeak:      0.2,
		MaxVerticalPeak:      1.5,
		FallbackLockoutMs:    5000,

		MinThreshold: 0.12,
		MaxThreshold: 1.0,

		MagnitudeWalkingIntervalMs: 600,
		MagnitudeRunningIntervalMs: 400,
		VerticalWalkingIntervalMs:  400,
		VerticalRunningIntervalMs:  250,

		WarmupSteps:             10,
		MaxWalkingHz:            4.0,
		MaxRunningHz:            8.0,
		MaxStationaryHz:         3.0,
		GyroConfirmationEnabled: true,
		GyroConfirmThreshold:    0.3,

		BaseRateHz:    25,
		HighRateHz:    100,
		HighRateAccel: 2.0,

		SampleRateHz: 25,
	}
}

func (c Config) Validate() error {
	switch {
	case c.StepDetectionWindow < 5:
		return fmt.Errorf("pdr.stepDetectionWindow must be >= 5")
	case !(c.DefaultStepLength > 0):
		return fmt.Errorf("pdr.defaultStepLength must be > 0")
	case !(c.HeightRatio > 0):
		return fmt.Errorf("pdr.heightRatio must be > 0")
	case c.UserHeight < 0:
		return fmt.Errorf("pdr.userHeight must be >= 0")
	case c.ZuptThreshold < 0:
		return fmt.Errorf("pdr.zuptThreshold must be >= 0")
	case c.ZuptDurationMs < 0:
		return fmt.Errorf("pdr.zuptDuration must be >= 0")
	case c.OrientationThreshold < 0 || c.OrientationThreshold > 1:
		return fmt.Errorf("pdr.orientationThreshold must be within [0,1]")
	case !(c.MinVerticalPeak > 0) || c.MaxVerticalPeak < c.MinVerticalPeak:
		return fmt.Errorf("pdr.verticalPeak range invalid (min=%v max=%v)", c.MinVerticalPeak, c.MaxVerticalPeak)
	case c.FallbackLockoutMs < 0:
		return fmt.Errorf("pdr.fallbackLockout must be >= 0")
	case !(c.MinThreshold > 0) || c.MaxThreshold < c.MinThreshold:
		return fmt.Errorf("pdr.threshold range invalid (min=%v max=%v)", c.MinThreshold, c.MaxThreshold)
	case c.MagnitudeWalkingIntervalMs < 0 || c.MagnitudeRunningIntervalMs < 0 ||
		c.VerticalWalkingIntervalMs < 0 || c.VerticalRunningIntervalMs < 0:
		return fmt.Errorf("pdr step intervals must be >= 0")
	case c.WarmupSteps < 0:
		return fmt.Errorf("pdr.warmupSteps must be >= 0")
	case !(c.MaxWalkingHz > 0) || !(c.MaxRunningHz > 0) || !(c.MaxStationaryHz > 0):
		return fmt.Errorf("pdr max step frequencies must be > 0")
	case c.GyroConfirmThreshold < 0:
		return fmt.Errorf("pdr.gyroConfirmThreshold must be >= 0")
	case c.BaseRateHz <= 0 || c.HighRateHz < c.BaseRateHz:
		return fmt.Errorf("pdr rate advice invalid (base=%d high=%d)", c.BaseRateHz, c.HighRateHz)
	case !(c.SampleRateHz > 0):
		return fmt.Errorf("pdr.sampleRateHz must be > 0")
	}
	return nil
}

func (c Config) minInterval(p Path, m Mode) int64 {
	running := m == Running
	if p == PathVertical {
		if running {
			return c.VerticalRunningIntervalMs
		}
		return c.VerticalWalkingIntervalMs
	}
	if running {
		return c.MagnitudeRunningIntervalMs
	}
	return c.MagnitudeWalkingIntervalMs
}

func (c Config) maxFrequency(m Mode) float64 {
	switch m {
	case Running:
		return c.MaxRunningHz
	case Stationary:
		return c.MaxStationaryHz
	default:
		return c.MaxWalkingHz
	}
}

func (c Config) seedLength() float64 {
	if c.UserHeight > 0 {
		return c.UserHeight * c.HeightRatio
	}
	return c.DefaultStepLength
}
