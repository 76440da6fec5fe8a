package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/config"
	"stridenav/internal/monitoring"
	"stridenav/internal/replay"
	"stridenav/internal/sensor"
	"stridenav/internal/sim"
)

type instant struct{ slept time.Duration }

func (i *instant) Sleep(d time.Duration) { i.slept += d }

func collect(t *testing.T, src Source) []replay.Record {
	t.Helper()
	var out []replay.Record
	err := src.Run(context.Background(), func(r replay.Record) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSimSourcePlaysScenarioInRealTime(t *testing.T) {
	src, err := NewSimSource(sim.DefaultWalk(), 2, false)
	require.NoError(t, err)
	sl := &instant{}
	src.sleeper = sl

	recs := collect(t, src)
	require.Len(t, recs, 675)
	for i, r := range recs {
		require.Equal(t, replay.KindSample, r.Kind)
		if i > 0 {
			require.Equal(t, int64(40), r.Sample.TimestampMs-recs[i-1].Sample.TimestampMs)
		}
	}
	// 674 gaps of 40 ms at double speed.
	assert.Equal(t, 674*20*time.Millisecond, sl.slept)
}

func TestSimSourceRejectsBadScript(t *testing.T) {
	_, err := NewSimSource(sim.ScenarioScript{}, 1, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segments is required")
}

func TestReplaySourceReadsRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walk.log")
	w, err := replay.CreateWriter(path)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, w.WriteSample(now, sensor.Sample{TimestampMs: 10, Accel: r3.Vec{Z: 9.81}}))
	require.NoError(t, w.WriteYaw(now.Add(5*time.Millisecond), 0.5, 15))
	require.NoError(t, w.WriteBatch(now.Add(10*time.Millisecond), sensor.Batch{StepCount: 1, StepLength: 0.7, IntervalStartMs: 10, IntervalEndMs: 20}))
	require.NoError(t, w.Close())

	src, err := NewReplaySource(path, 0, false)
	require.NoError(t, err)
	src.sleeper = &instant{}
	assert.Equal(t, 4, src.Len())

	recs := collect(t, src)
	kinds := make([]replay.Kind, len(recs))
	for i, r := range recs {
		kinds[i] = r.Kind
	}
	assert.Equal(t, []replay.Kind{replay.KindSample, replay.KindYaw, replay.KindBatch}, kinds)
	assert.Equal(t, 0.5, recs[1].Yaw.Yaw)
}

func TestReplaySourceMissingFile(t *testing.T) {
	_, err := NewReplaySource(filepath.Join(t.TempDir(), "none.log"), 1, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

type fakePort struct {
	io.Reader
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestSerialSourceParsesLinesAndSkipsGarbage(t *testing.T) {
	var logged []string
	old := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) { logged = append(logged, format) })
	t.Cleanup(func() { monitoring.Logf = old })

	stream := strings.Join([]string{
		"START",
		"0,S,1000,0,0,9.81,0,0,0,,,,",
		"noise from boot",
		"0,S,1040,0,0,9.81,0,0,0.1,,,,",
		"0,Y,1050,0.3",
		"",
	}, "\n")
	port := &fakePort{Reader: strings.NewReader(stream)}
	src := newSerialSource(port, "fake")

	recs := collect(t, src)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(1040), recs[1].Sample.TimestampMs)
	assert.Equal(t, replay.KindYaw, recs[2].Kind)
	assert.Len(t, logged, 1)

	src.SetRate(100)
	assert.Equal(t, "RATE,100\n", port.written.String())

	require.NoError(t, src.Close())
	assert.True(t, port.closed)
	src.SetRate(25)
	assert.Equal(t, "RATE,100\n", port.written.String(), "no writes after close")
}

func TestSerialSourceStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	port := &pipePort{r: pr, w: pw}
	src := newSerialSource(port, "pipe")
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan replay.Record, 1)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(r replay.Record) error {
			got <- r
			return nil
		})
	}()
	_, err := io.WriteString(pw, "0,Y,1,0.1\n")
	require.NoError(t, err)
	select {
	case r := <-got:
		assert.Equal(t, int64(1), r.Yaw.TimestampMs)
	case <-time.After(2 * time.Second):
		t.Fatal("no record")
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// pipePort unblocks readers on Close like a real port.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipePort) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}

func TestOpen(t *testing.T) {
	_, err := Open(config.SourceConfig{Kind: "gps"})
	assert.EqualError(t, err, `ingest: unknown source kind "gps"`)

	src, err := Open(config.SourceConfig{Kind: "sim", Sim: config.SimConfig{Speed: 1}})
	require.NoError(t, err)
	assert.IsType(t, &ReplaySource{}, src)

	script := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(script, []byte("segments:\n  - kind: stationary\n    duration: 1s\n"), 0o644))
	src, err = Open(config.SourceConfig{Kind: "SIM", Sim: config.SimConfig{Script: script, Speed: 1}})
	require.NoError(t, err)
	assert.Equal(t, 26, src.(*ReplaySource).Len())

	_, err = Open(config.SourceConfig{Kind: "sim", Sim: config.SimConfig{Script: filepath.Join(t.TempDir(), "missing.yaml")}})
	assert.ErrorContains(t, err, "load scenario")
}
