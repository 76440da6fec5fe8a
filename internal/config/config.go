package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stridenav/internal/pipeline"
)

type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Source   SourceConfig   `yaml:"source"`
	Output   OutputConfig   `yaml:"output"`
}

type PipelineConfig struct {
	Attitude           AttitudeConfig `yaml:"attitude"`
	PDR                PDRConfig      `yaml:"pdr"`
	YawFeedInterval    time.Duration  `yaml:"yaw_feed_interval"`
	ExternalYawTimeout time.Duration  `yaml:"external_yaw_timeout"`
	WarnInterval       time.Duration  `yaml:"warn_interval"`
}

type AttitudeConfig struct {
	Beta                   float64       `yaml:"beta"`
	StabilityAccThreshold  float64       `yaml:"stability_acc_threshold"`
	StabilityGyroThreshold float64       `yaml:"stability_gyro_threshold"`
	StabilityDuration      time.Duration `yaml:"stability_duration"`
	MagConfidenceThreshold float64       `yaml:"mag_confidence_threshold"`
	RecalibrationInterval  time.Duration `yaml:"recalibration_interval"`
	AutoRecalibration      *bool         `yaml:"auto_recalibration"`
	SampleRateHz           float64       `yaml:"sample_rate_hz"`
	WindowSize             int           `yaml:"window_size"`
}

type PDRConfig struct {
	UserHeightM          float64       `yaml:"user_height_m"`
	StepDetectionWindow  int           `yaml:"step_detection_window"`
	DefaultStepLengthM   float64       `yaml:"default_step_length_m"`
	HeightRatio          float64       `yaml:"height_ratio"`
	ZuptThreshold        float64       `yaml:"zupt_threshold"`
	ZuptDuration         time.Duration `yaml:"zupt_duration"`
	VerticalEnabled      *bool         `yaml:"vertical_enabled"`
	OrientationThreshold float64       `yaml:"orientation_threshold"`
	MinVerticalPeakG     float64       `yaml:"min_vertical_peak_g"`
	MaxVerticalPeakG     float64       `yaml:"max_vertical_peak_g"`
	FallbackLockout      time.Duration `yaml:"fallback_lockout"`
	MinThreshold         float64       `yaml:"min_threshold"`
	MaxThreshold         float64       `yaml:"max_threshold"`

	MagnitudeWalkingInterval time.Duration `yaml:"magnitude_walking_interval"`
	MagnitudeRunningInterval time.Duration `yaml:"magnitude_running_interval"`
	VerticalWalkingInterval  time.Duration `yaml:"vertical_walking_interval"`
	VerticalRunningInterval  time.Duration `yaml:"vertical_running_interval"`

	WarmupSteps             int     `yaml:"warmup_steps"`
	MaxWalkingHz            float64 `yaml:"max_walking_hz"`
	MaxRunningHz            float64 `yaml:"max_running_hz"`
	MaxStationaryHz         float64 `yaml:"max_stationary_hz"`
	GyroConfirmationEnabled *bool   `yaml:"gyro_confirmation_enabled"`
	GyroConfirmThreshold    float64 `yaml:"gyro_confirm_threshold"`

	BaseRateHz    int     `yaml:"base_rate_hz"`
	HighRateHz    int     `yaml:"high_rate_hz"`
	HighRateAccel float64 `yaml:"high_rate_accel"`
	SampleRateHz  float64 `yaml:"sample_rate_hz"`
}

type SourceConfig struct {
	Kind   string       `yaml:"kind"`
	Sim    SimConfig    `yaml:"sim"`
	Replay ReplayConfig `yaml:"replay"`
	Serial SerialConfig `yaml:"serial"`
	IMU    IMUConfig    `yaml:"imu"`
}

type SimConfig struct {
	// Script is a scenario YAML file; empty runs the built-in walk.
	Script string  `yaml:"script"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type IMUConfig struct {
	I2CBus   int    `yaml:"i2c_bus"`
	IMUAddr  uint16 `yaml:"imu_addr"`
	BaroAddr uint16 `yaml:"baro_addr"`
	// DataReadyChip and DataReadyLine select a GPIO input pulsed by the IMU.
	// A negative line polls on a timer instead.
	DataReadyChip string `yaml:"data_ready_chip"`
	DataReadyLine *int   `yaml:"data_ready_line"`
}

type OutputConfig struct {
	UDP    UDPConfig    `yaml:"udp"`
	Web    WebConfig    `yaml:"web"`
	Record RecordConfig `yaml:"record"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

var unknownFieldRE = regexp.MustCompile(`^line \d+: (field .* not found in type .*)$`)

// Load reads path, applies defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse is Load for an in-memory document. Unknown fields are rejected.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			var unknown []string
			for _, msg := range te.Errors {
				if m := unknownFieldRE.FindStringSubmatch(msg); m != nil {
					unknown = append(unknown, m[1])
				}
			}
			if len(unknown) == len(te.Errors) {
				return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(unknown, "; "))
			}
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset values and checks the result.
func DefaultAndValidate(cfg *Config) error {
	applyPipelineDefaults(&cfg.Pipeline)
	if err := cfg.PipelineConfig().Validate(); err != nil {
		return err
	}

	src := &cfg.Source
	src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
	if src.Kind == "" {
		src.Kind = "sim"
	}
	switch src.Kind {
	case "sim":
		if src.Sim.Speed == 0 {
			src.Sim.Speed = 1
		}
		if src.Sim.Speed < 0 {
			return fmt.Errorf("source.sim.speed must be > 0")
		}
	case "replay":
		if src.Replay.Path == "" {
			return fmt.Errorf("source.replay.path is required when source.kind is 'replay'")
		}
		if src.Replay.Speed == 0 {
			src.Replay.Speed = 1
		}
		if src.Replay.Speed < 0 {
			return fmt.Errorf("source.replay.speed must be > 0")
		}
	case "serial":
		if src.Serial.Device == "" {
			return fmt.Errorf("source.serial.device is required when source.kind is 'serial'")
		}
		if src.Serial.Baud == 0 {
			src.Serial.Baud = 115200
		}
		if src.Serial.Baud < 0 {
			return fmt.Errorf("source.serial.baud must be > 0")
		}
	case "imu":
		if src.IMU.I2CBus == 0 {
			src.IMU.I2CBus = 1
		}
		if src.IMU.IMUAddr == 0 {
			src.IMU.IMUAddr = 0x68
		}
		if src.IMU.BaroAddr == 0 {
			src.IMU.BaroAddr = 0x77
		}
		if src.IMU.DataReadyChip == "" {
			src.IMU.DataReadyChip = "gpiochip0"
		}
		if src.IMU.DataReadyLine == nil {
			none := -1
			src.IMU.DataReadyLine = &none
		}
	default:
		return fmt.Errorf("source.kind must be one of sim, replay, serial, imu (got %q)", src.Kind)
	}

	out := &cfg.Output
	if out.UDP.Enable && out.UDP.Dest == "" {
		return fmt.Errorf("output.udp.dest is required when output.udp.enable is true")
	}
	if out.Web.Enable && out.Web.Listen == "" {
		out.Web.Listen = ":8080"
	}
	if out.Record.Enable {
		if out.Record.Path == "" {
			return fmt.Errorf("output.record.path is required when output.record.enable is true")
		}
		if src.Kind == "replay" {
			return fmt.Errorf("output.record cannot be used with source.kind=replay")
		}
	}
	return nil
}

func applyPipelineDefaults(p *PipelineConfig) {
	def := pipeline.DefaultConfig()
	if p.YawFeedInterval <= 0 {
		p.YawFeedInterval = ms(def.YawFeedIntervalMs)
	}
	if p.ExternalYawTimeout <= 0 {
		p.ExternalYawTimeout = ms(def.ExternalYawTimeoutMs)
	}
	if p.WarnInterval <= 0 {
		p.WarnInterval = ms(def.WarnIntervalMs)
	}

	a, da := &p.Attitude, def.Attitude
	orFloat(&a.Beta, da.Beta)
	orFloat(&a.StabilityAccThreshold, da.StabilityAccThreshold)
	orFloat(&a.StabilityGyroThreshold, da.StabilityGyroThreshold)
	orDuration(&a.StabilityDuration, da.StabilityDurationMs)
	orFloat(&a.MagConfidenceThreshold, da.MagConfidenceThreshold)
	orDuration(&a.RecalibrationInterval, da.RecalibrationIntervalMs)
	orBool(&a.AutoRecalibration, da.AutoRecalibration)
	orFloat(&a.SampleRateHz, da.SampleRateHz)
	orInt(&a.WindowSize, da.WindowSize)

	d, dd := &p.PDR, def.PDR
	orInt(&d.StepDetectionWindow, dd.StepDetectionWindow)
	orFloat(&d.DefaultStepLengthM, dd.DefaultStepLength)
	orFloat(&d.HeightRatio, dd.HeightRatio)
	orFloat(&d.ZuptThreshold, dd.ZuptThreshold)
	orDuration(&d.ZuptDuration, dd.ZuptDurationMs)
	orBool(&d.VerticalEnabled, dd.VerticalEnabled)
	orFloat(&d.OrientationThreshold, dd.OrientationThreshold)
	orFloat(&d.MinVerticalPeakG, dd.MinVerticalPeak)
	orFloat(&d.MaxVerticalPeakG, dd.MaxVerticalPeak)
	orDuration(&d.FallbackLockout, dd.FallbackLockoutMs)
	orFloat(&d.MinThreshold, dd.MinThreshold)
	orFloat(&d.MaxThreshold, dd.MaxThreshold)
	orDuration(&d.MagnitudeWalkingInterval, dd.MagnitudeWalkingIntervalMs)
	orDuration(&d.MagnitudeRunningInterval, dd.MagnitudeRunningIntervalMs)
	orDuration(&d.VerticalWalkingInterval, dd.VerticalWalkingIntervalMs)
	orDuration(&d.VerticalRunningInterval, dd.VerticalRunningIntervalMs)
	orInt(&d.WarmupSteps, dd.WarmupSteps)
	orFloat(&d.MaxWalkingHz, dd.MaxWalkingHz)
	orFloat(&d.MaxRunningHz, dd.MaxRunningHz)
	orFloat(&d.MaxStationaryHz, dd.MaxStationaryHz)
	orBool(&d.GyroConfirmationEnabled, dd.GyroConfirmationEnabled)
	orFloat(&d.GyroConfirmThreshold, dd.GyroConfirmThreshold)
	orInt(&d.BaseRateHz, dd.BaseRateHz)
	orInt(&d.HighRateHz, dd.HighRateHz)
	orFloat(&d.HighRateAccel, dd.HighRateAccel)
	orFloat(&d.SampleRateHz, dd.SampleRateHz)
}

// PipelineConfig converts the YAML view into the runtime configuration.
// Call after DefaultAndValidate.
func (c Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	a, d := p.Attitude, p.PDR
	out := pipeline.DefaultConfig()
	out.YawFeedIntervalMs = p.YawFeedInterval.Milliseconds()
	out.ExternalYawTimeoutMs = p.ExternalYawTimeout.Milliseconds()
	out.WarnIntervalMs = p.WarnInterval.Milliseconds()

	out.Attitude.Beta = a.Beta
	out.Attitude.StabilityAccThreshold = a.StabilityAccThreshold
	out.Attitude.StabilityGyroThreshold = a.StabilityGyroThreshold
	out.Attitude.StabilityDurationMs = a.StabilityDuration.Milliseconds()
	out.Attitude.MagConfidenceThreshold = a.MagConfidenceThreshold
	out.Attitude.RecalibrationIntervalMs = a.RecalibrationInterval.Milliseconds()
	out.Attitude.AutoRecalibration = a.AutoRecalibration == nil || *a.AutoRecalibration
	out.Attitude.SampleRateHz = a.SampleRateHz
	out.Attitude.WindowSize = a.WindowSize

	out.PDR.UserHeight = d.UserHeightM
	out.PDR.StepDetectionWindow = d.StepDetectionWindow
	out.PDR.DefaultStepLength = d.DefaultStepLengthM
	out.PDR.HeightRatio = d.HeightRatio
	out.PDR.ZuptThreshold = d.ZuptThreshold
	out.PDR.ZuptDurationMs = d.ZuptDuration.Milliseconds()
	out.PDR.VerticalEnabled = d.VerticalEnabled == nil || *d.VerticalEnabled
	out.PDR.OrientationThreshold = d.OrientationThreshold
	out.PDR.MinVerticalPeak = d.MinVerticalPeakG
	out.PDR.MaxVerticalPeak = d.MaxVerticalPeakG
	out.PDR.FallbackLockoutMs = d.FallbackLockout.Milliseconds()
	out.PDR.MinThreshold = d.MinThreshold
	out.PDR.MaxThreshold = d.MaxThreshold
	out.PDR.MagnitudeWalkingIntervalMs = d.MagnitudeWalkingInterval.Milliseconds()
	out.PDR.MagnitudeRunningIntervalMs = d.MagnitudeRunningInterval.Milliseconds()
	out.PDR.VerticalWalkingIntervalMs = d.VerticalWalkingInterval.Milliseconds()
	out.PDR.VerticalRunningIntervalMs = d.VerticalRunningInterval.Milliseconds()
	out.PDR.WarmupSteps = d.WarmupSteps
	out.PDR.MaxWalkingHz = d.MaxWalkingHz
	out.PDR.MaxRunningHz = d.MaxRunningHz
	out.PDR.MaxStationaryHz = d.MaxStationaryHz
	out.PDR.GyroConfirmationEnabled = d.GyroConfirmationEnabled == nil || *d.GyroConfirmationEnabled
	out.PDR.GyroConfirmThreshold = d.GyroConfirmThreshold
	out.PDR.BaseRateHz = d.BaseRateHz
	out.PDR.HighRateHz = d.HighRateHz
	out.PDR.HighRateAccel = d.HighRateAccel
	out.PDR.SampleRateHz = d.SampleRateHz
	return out
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func orFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func orInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func orDuration(v *time.Duration, defMs int64) {
	if *v == 0 {
		*v = ms(defMs)
	}
}

func orBool(v **bool, def bool) {
	if *v == nil {
		*v = &def
	}
}
