package imu

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/monitoring"
	"stridenav/internal/sensor"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

type fakeMotion struct {
	reads int
	err   error
}

func (m *fakeMotion) ReadMotion() (r3.Vec, r3.Vec, error) {
	m.reads++
	if m.err != nil {
		return r3.Vec{}, r3.Vec{}, m.err
	}
	return r3.Vec{Z: sensor.StandardGravity}, r3.Vec{Z: 0.1}, nil
}

type fakeMag struct{ ready bool }

func (m *fakeMag) ReadMag() (r3.Vec, bool, error) {
	return r3.Vec{X: 20, Z: -40}, m.ready, nil
}

type fakeBaro struct {
	reads int
	alt   float64
}

func (b *fakeBaro) ReadAltitude() (float64, error) {
	b.reads++
	b.alt += 0.5
	return b.alt, nil
}

// fakeReady fires an edge every 10 ms of fake time.
type fakeReady struct {
	clock    *fakeClock
	timeouts int
}

func (r *fakeReady) Wait(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.clock.t = r.clock.t.Add(10 * time.Millisecond)
	if r.timeouts > 0 {
		r.timeouts--
		return ErrDataReadyTimeout
	}
	return nil
}

func (r *fakeReady) Close() error { return nil }

func muteLogs(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	old := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	t.Cleanup(func() { monitoring.Logf = old })
	return &lines
}

func TestSource_ReadCombinesSensors(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	baro := &fakeBaro{}
	mag := &fakeMag{ready: true}
	s := newSource(&fakeMotion{}, 25)
	s.now, s.mag, s.baro = clock.now, mag, baro

	var got []sensor.Sample
	for i := 0; i < 6; i++ {
		sm, err := s.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if err := sm.Validate(); err != nil {
			t.Fatalf("invalid sample: %v", err)
		}
		got = append(got, sm)
		mag.ready = i%2 == 0
		clock.t = clock.t.Add(40 * time.Millisecond)
	}
	if baro.reads != 2 {
		t.Fatalf("baro reads=%d want 2 (every %d samples)", baro.reads, baroEvery)
	}
	if !got[3].HasAltitude || got[3].Altitude != 0.5 || got[4].Altitude != 1.0 {
		t.Fatalf("altitude not held between reads: %+v %+v", got[3], got[4])
	}
	if !got[0].HasMag || !got[1].HasMag || got[2].HasMag {
		t.Fatalf("mag readiness not honored")
	}
	if got[1].TimestampMs-got[0].TimestampMs != 40 {
		t.Fatalf("timestamps %d %d", got[0].TimestampMs, got[1].TimestampMs)
	}
}

func TestSource_DataReadyDecimatesToRate(t *testing.T) {
	muteLogs(t)
	clock := &fakeClock{t: time.UnixMilli(5_000_000)}
	s := newSource(&fakeMotion{}, 25)
	s.now = clock.now
	s.ready = &fakeReady{clock: clock, timeouts: 1}

	errStop := errors.New("stop")
	var ts []int64
	err := s.Run(context.Background(), func(sm sensor.Sample) error {
		ts = append(ts, sm.TimestampMs)
		if len(ts) == 5 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("Run err=%v want stop", err)
	}
	for i := 1; i < len(ts); i++ {
		if d := ts[i] - ts[i-1]; d != 40 {
			t.Fatalf("interval[%d]=%d want 40 (ts=%v)", i, d, ts)
		}
	}
}

func TestSource_GivesUpAfterRepeatedReadErrors(t *testing.T) {
	logs := muteLogs(t)
	clock := &fakeClock{t: time.UnixMilli(0)}
	motion := &fakeMotion{err: errors.New("bus fault")}
	s := newSource(motion, 100)
	s.now = clock.now
	s.ready = &fakeReady{clock: clock}

	err := s.Run(context.Background(), func(sensor.Sample) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "bus fault") {
		t.Fatalf("err=%v", err)
	}
	if motion.reads != maxReadErrs {
		t.Fatalf("reads=%d want %d", motion.reads, maxReadErrs)
	}
	// 50 errors within 500 ms of sample time collapse into one warning.
	if len(*logs) != 1 {
		t.Fatalf("logged %d warnings want 1", len(*logs))
	}
}

func TestSource_PollingStopsOnCancel(t *testing.T) {
	s := newSource(&fakeMotion{}, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ts []int64
	err := s.Run(ctx, func(sm sensor.Sample) error {
		ts = append(ts, sm.TimestampMs)
		if len(ts) == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want canceled", err)
	}
	if len(ts) != 3 || ts[1] <= ts[0] || ts[2] <= ts[1] {
		t.Fatalf("timestamps=%v", ts)
	}
}

func TestSource_SetRate(t *testing.T) {
	s := newSource(&fakeMotion{}, 0)
	if s.RateHz() != 25 {
		t.Fatalf("default rate=%d", s.RateHz())
	}
	s.SetRate(100)
	if s.RateHz() != 100 || len(s.rateCh) != 1 {
		t.Fatalf("rate=%d pending=%d", s.RateHz(), len(s.rateCh))
	}
	s.SetRate(0)
	s.SetRate(400)
	if s.RateHz() != 100 {
		t.Fatalf("out-of-range rate accepted: %d", s.RateHz())
	}
	if s.period() != 10*time.Millisecond {
		t.Fatalf("period=%s", s.period())
	}
}

func TestSource_RunRejectsNilEmit(t *testing.T) {
	if err := newSource(&fakeMotion{}, 25).Run(context.Background(), nil); err == nil {
		t.Fatalf("expected error")
	}
}
