// Package ingest adapts recordings, the simulator, a serial link and the
// on-board IMU to one record stream for the runtime.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"stridenav/internal/config"
	"stridenav/internal/imu"
	"stridenav/internal/replay"
	"stridenav/internal/sensor"
	"stridenav/internal/sim"
)

// Source produces records until ctx is done, emit fails or the input ends.
// A finite source returns nil at its end.
type Source interface {
	Run(ctx context.Context, emit func(replay.Record) error) error
	Close() error
}

// RateSetter is implemented by sources whose sampling rate can follow the
// pipeline's advice.
type RateSetter interface {
	SetRate(hz int)
}

// Open builds the source selected by cfg, which must have been validated by
// config.DefaultAndValidate.
func Open(cfg config.SourceConfig) (Source, error) {
	switch strings.ToLower(cfg.Kind) {
	case "sim":
		script := sim.DefaultWalk()
		if p := strings.TrimSpace(cfg.Sim.Script); p != "" {
			s, err := sim.LoadScenarioScript(p)
			if err != nil {
				return nil, fmt.Errorf("ingest: load scenario: %w", err)
			}
			script = s
		}
		return NewSimSource(script, cfg.Sim.Speed, cfg.Sim.Loop)
	case "replay":
		return NewReplaySource(cfg.Replay.Path, cfg.Replay.Speed, cfg.Replay.Loop)
	case "serial":
		return OpenSerial(cfg.Serial.Device, cfg.Serial.Baud)
	case "imu":
		line := -1
		if cfg.IMU.DataReadyLine != nil {
			line = *cfg.IMU.DataReadyLine
		}
		src, err := imu.Open(imu.Config{
			I2CBus:        cfg.IMU.I2CBus,
			IMUAddr:       cfg.IMU.IMUAddr,
			BaroAddr:      cfg.IMU.BaroAddr,
			DataReadyChip: cfg.IMU.DataReadyChip,
			DataReadyLine: line,
		})
		if err != nil {
			return nil, err
		}
		return &IMUSource{src: src}, nil
	}
	return nil, fmt.Errorf("ingest: unknown source kind %q", cfg.Kind)
}

// IMUSource wraps the on-board sensors.
type IMUSource struct {
	src *imu.Source
}

func (s *IMUSource) Run(ctx context.Context, emit func(replay.Record) error) error {
	return s.src.Run(ctx, func(smp sensor.Sample) error {
		return emit(replay.Record{Kind: replay.KindSample, Sample: smp})
	})
}

func (s *IMUSource) SetRate(hz int) { s.src.SetRate(hz) }

func (s *IMUSource) Close() error { return s.src.Close() }
