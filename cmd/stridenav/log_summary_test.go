package main

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/replay"
	"stridenav/internal/sensor"
)

func TestSummarizeRecording(t *testing.T) {
	sample := func(at time.Duration, ts int64, mag bool) replay.Record {
		s := sensor.Sample{TimestampMs: ts, Accel: r3.Vec{Z: 9.81}}
		if mag {
			s.Mag, s.HasMag = r3.Vec{X: 20, Z: -40}, true
		}
		return replay.Record{At: at, Kind: replay.KindSample, Sample: s}
	}
	recs := []replay.Record{
		{Kind: replay.KindStart},
		sample(0, 1000, true),
		sample(40*time.Millisecond, 1040, false),
		sample(80*time.Millisecond, 1020, false), // backwards
		sample(120*time.Millisecond, 1080, false),
		{At: 130 * time.Millisecond, Kind: replay.KindYaw, Yaw: replay.Yaw{Yaw: 0.1, TimestampMs: 1085}},
		{Kind: replay.KindStart},
		sample(0, 0, false),
		sample(2*time.Second, 40, false),
		{At: 2 * time.Second, Kind: replay.KindBatch, Batch: sensor.Batch{StepCount: 3, StepLength: 0.7, IntervalStartMs: 0, IntervalEndMs: 40, TotalSteps: 3}},
	}

	s := summarizeRecording(recs)
	if s.Segments != 2 {
		t.Fatalf("segments=%d want 2", s.Segments)
	}
	if s.Samples != 6 || s.WithMag != 1 || s.Backwards != 1 {
		t.Fatalf("samples=%d mag=%d backwards=%d", s.Samples, s.WithMag, s.Backwards)
	}
	if s.Yaws != 1 || s.Batches != 1 || s.NativeSteps != 3 {
		t.Fatalf("yaws=%d batches=%d steps=%d", s.Yaws, s.Batches, s.NativeSteps)
	}
	if s.MaxDuration != 2*time.Second {
		t.Fatalf("maxDuration=%s", s.MaxDuration)
	}
	// 80 ms in the first segment plus 40 ms in the second, three intervals.
	if s.SampleSpanMs != 120 || s.Intervals != 3 {
		t.Fatalf("span=%d intervals=%d", s.SampleSpanMs, s.Intervals)
	}
	if got := s.RateHz(); math.Abs(got-25) > 1e-9 {
		t.Fatalf("rate=%v want 25", got)
	}
}

func TestSummarizeRecordingWithoutStart(t *testing.T) {
	s := summarizeRecording([]replay.Record{{Kind: replay.KindYaw}})
	if s.Segments != 1 || s.RateHz() != 0 {
		t.Fatalf("summary=%+v", s)
	}
	if s := summarizeRecording(nil); s.Segments != 0 {
		t.Fatalf("empty summary=%+v", s)
	}
}

func TestPrintLogSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.log")
	w, err := replay.CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	now := time.Now()
	for i := 0; i < 26; i++ {
		if err := w.WriteSample(now.Add(time.Duration(i)*40*time.Millisecond), sensor.Sample{TimestampMs: int64(i) * 40, Accel: r3.Vec{Z: 9.81}}); err != nil {
			t.Fatalf("WriteSample: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var out bytes.Buffer
	if err := printLogSummary(&out, path); err != nil {
		t.Fatalf("printLogSummary: %v", err)
	}
	for _, want := range []string{"segments: 1\n", "samples: 26 (mag=0 baro=0 backwards=0)\n", "sample_span: 1s\n", "sample_rate_hz: 25.0\n"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, out.String())
		}
	}

	if err := printLogSummary(&out, " "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
