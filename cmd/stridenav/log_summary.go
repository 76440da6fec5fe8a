package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"stridenav/internal/replay"
)

type logSummary struct {
	Segments    int
	Samples     int
	WithMag     int
	WithBaro    int
	Yaws        int
	Batches     int
	NativeSteps int
	// MaxDuration is the longest wall-clock offset seen in any segment.
	MaxDuration time.Duration
	// SampleSpanMs adds up the sample-clock span of each segment.
	SampleSpanMs int64
	// Intervals counts forward steps of the sample clock; Backwards counts
	// samples older than their predecessor.
	Intervals int
	Backwards int
}

// RateHz is the mean sample rate over the sample-clock span.
func (s logSummary) RateHz() float64 {
	if s.SampleSpanMs <= 0 {
		return 0
	}
	return float64(s.Intervals) / (float64(s.SampleSpanMs) / 1000)
}

func summarizeRecording(records []replay.Record) logSummary {
	var s logSummary
	var first, last int64
	haveSample := false
	segments := 0

	closeSegment := func() {
		if haveSample {
			s.SampleSpanMs += last - first
		}
		haveSample = false
	}

	for _, r := range records {
		if r.Kind == replay.KindStart {
			closeSegment()
			segments++
			continue
		}
		if r.At > s.MaxDuration {
			s.MaxDuration = r.At
		}
		switch r.Kind {
		case replay.KindSample:
			s.Samples++
			if r.Sample.HasMag {
				s.WithMag++
			}
			if r.Sample.HasAltitude {
				s.WithBaro++
			}
			ts := r.Sample.TimestampMs
			switch {
			case !haveSample:
				first, last, haveSample = ts, ts, true
			case ts < last:
				s.Backwards++
			case ts > last:
				s.Intervals++
				last = ts
			}
		case replay.KindYaw:
			s.Yaws++
		case replay.KindBatch:
			s.Batches++
			s.NativeSteps += r.Batch.StepCount
		}
	}
	closeSegment()
	if segments == 0 && len(records) > 0 {
		segments = 1
	}
	s.Segments = segments
	return s
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s := summarizeRecording(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "samples: %d (mag=%d baro=%d backwards=%d)\n", s.Samples, s.WithMag, s.WithBaro, s.Backwards)
	fmt.Fprintf(w, "yaw_records: %d\n", s.Yaws)
	fmt.Fprintf(w, "batches: %d (steps=%d)\n", s.Batches, s.NativeSteps)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	fmt.Fprintf(w, "sample_span: %s\n", time.Duration(s.SampleSpanMs)*time.Millisecond)
	fmt.Fprintf(w, "sample_rate_hz: %.1f\n", s.RateHz())
	return nil
}
