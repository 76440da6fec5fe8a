package ingest

import (
	"context"
	"fmt"
	"time"

	"stridenav/internal/replay"
	"stridenav/internal/sim"
)

// ReplaySource plays a recording with its original timing.
type ReplaySource struct {
	records []replay.Record
	speed   float64
	loop    bool
	sleeper replay.Sleeper
}

func NewReplaySource(path string, speed float64, loop bool) (*ReplaySource, error) {
	recs, err := replay.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read recording: %w", err)
	}
	return newPlayback(recs, speed, loop)
}

// NewSimSource renders script up front and plays it like a recording.
func NewSimSource(script sim.ScenarioScript, speed float64, loop bool) (*ReplaySource, error) {
	scn, err := sim.NewScenario(script)
	if err != nil {
		return nil, fmt.Errorf("ingest: scenario: %w", err)
	}
	samples, _ := scn.Samples()
	recs := make([]replay.Record, 0, len(samples)+1)
	recs = append(recs, replay.Record{Kind: replay.KindStart})
	for _, s := range samples {
		at := time.Duration(s.TimestampMs-script.StartMs) * time.Millisecond
		recs = append(recs, replay.Record{At: at, Kind: replay.KindSample, Sample: s})
	}
	return newPlayback(recs, speed, loop)
}

func newPlayback(recs []replay.Record, speed float64, loop bool) (*ReplaySource, error) {
	if speed <= 0 {
		speed = 1
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("ingest: recording is empty")
	}
	return &ReplaySource{records: recs, speed: speed, loop: loop}, nil
}

func (s *ReplaySource) Len() int { return len(s.records) }

func (s *ReplaySource) Run(ctx context.Context, emit func(replay.Record) error) error {
	return replay.Play(ctx, s.records, s.speed, s.loop, s.sleeper, emit)
}

func (s *ReplaySource) Close() error { return nil }
