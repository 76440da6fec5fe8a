// Package replay reads, writes and plays back sensor recordings.
package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/sensor"
)

// Recording format: line-oriented text.
//
//   - Blank lines and lines starting with '#' are ignored.
//   - "START" begins a segment; playback timing restarts at 0.
//   - Data lines are <t_ns>,<kind>,<fields...> where t_ns is wall time since
//     START and kind is one of:
//     S,<ts_ms>,<ax>,<ay>,<az>,<gx>,<gy>,<gz>,<mx>,<my>,<mz>,<alt>
//     (mag and alt fields empty when absent)
//     Y,<ts_ms>,<yaw_rad>
//     P,<count>,<length_m>,<start_ms>,<end_ms>,<total>

type Kind byte

const (
	KindStart Kind = iota
	KindSample
	KindYaw
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "START"
	case KindSample:
		return "S"
	case KindYaw:
		return "Y"
	case KindBatch:
		return "P"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Yaw is an external yaw observation in radians.
type Yaw struct {
	Yaw         float64
	TimestampMs int64
}

// Record is one line of a recording. Only the field matching Kind is set.
type Record struct {
	At     time.Duration
	Kind   Kind
	Sample sensor.Sample
	Yaw    Yaw
	Batch  sensor.Batch
}

// TimestampMs is the sample-clock time of the record; 0 for START.
func (r Record) TimestampMs() int64 {
	switch r.Kind {
	case KindSample:
		return r.Sample.TimestampMs
	case KindYaw:
		return r.Yaw.TimestampMs
	case KindBatch:
		return r.Batch.IntervalEndMs
	}
	return 0
}

// Shift moves every sample-clock time in r by ms.
func (r Record) Shift(ms int64) Record {
	switch r.Kind {
	case KindSample:
		r.Sample.TimestampMs += ms
	case KindYaw:
		r.Yaw.TimestampMs += ms
	case KindBatch:
		r.Batch.IntervalStartMs += ms
		r.Batch.IntervalEndMs += ms
	}
	return r
}

// ParseLine decodes one recording line. ok is false for blank and comment
// lines.
func ParseLine(line string) (rec Record, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Record{}, false, nil
	}
	if line == "START" {
		return Record{Kind: KindStart}, true, nil
	}
	f := strings.Split(line, ",")
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}
	if len(f) < 3 {
		return Record{}, false, fmt.Errorf("invalid replay line (too few fields): %q", line)
	}
	tsNs, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("invalid replay timestamp %q: %w", f[0], err)
	}
	if tsNs < 0 {
		return Record{}, false, fmt.Errorf("invalid replay timestamp (negative): %d", tsNs)
	}
	rec.At = time.Duration(tsNs)

	p := fieldParser{fields: f[2:]}
	switch f[1] {
	case "S":
		if len(p.fields) != 11 {
			return Record{}, false, fmt.Errorf("invalid sample line (want 11 fields, got %d): %q", len(p.fields), line)
		}
		rec.Kind = KindSample
		s := &rec.Sample
		s.TimestampMs = p.int(0)
		s.Accel = p.vec(1)
		s.Gyro = p.vec(4)
		if p.present(7, 3) {
			s.Mag, s.HasMag = p.vec(7), true
		}
		if p.present(10, 1) {
			s.Altitude, s.HasAltitude = p.float(10), true
		}
	case "Y":
		if len(p.fields) != 2 {
			return Record{}, false, fmt.Errorf("invalid yaw line (want 2 fields, got %d): %q", len(p.fields), line)
		}
		rec.Kind = KindYaw
		rec.Yaw = Yaw{TimestampMs: p.int(0), Yaw: p.float(1)}
	case "P":
		if len(p.fields) != 5 {
			return Record{}, false, fmt.Errorf("invalid batch line (want 5 fields, got %d): %q", len(p.fields), line)
		}
		rec.Kind = KindBatch
		rec.Batch = sensor.Batch{
			StepCount:       int(p.int(0)),
			StepLength:      p.float(1),
			IntervalStartMs: p.int(2),
			IntervalEndMs:   p.int(3),
			TotalSteps:      int(p.int(4)),
		}
	default:
		return Record{}, false, fmt.Errorf("invalid replay record kind %q: %q", f[1], line)
	}
	if p.err != nil {
		return Record{}, false, fmt.Errorf("invalid replay line %q: %w", line, p.err)
	}
	return rec, true, nil
}

// fieldParser keeps the first conversion error.
type fieldParser struct {
	fields []string
	err    error
}

func (p *fieldParser) present(i, n int) bool {
	for _, f := range p.fields[i : i+n] {
		if f == "" {
			return false
		}
	}
	return true
}

func (p *fieldParser) int(i int) int64 {
	v, err := strconv.ParseInt(p.fields[i], 10, 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) float(i int) float64 {
	v, err := strconv.ParseFloat(p.fields[i], 64)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) vec(i int) r3.Vec {
	return r3.Vec{X: p.float(i), Y: p.float(i + 1), Z: p.float(i + 2)}
}

// FormatLine encodes rec without the trailing newline.
func FormatLine(rec Record) string {
	if rec.Kind == KindStart {
		return "START"
	}
	var b strings.Builder
	b.WriteString(strconv.FormatInt(rec.At.Nanoseconds(), 10))
	b.WriteByte(',')
	b.WriteString(rec.Kind.String())
	add := func(s string) {
		b.WriteByte(',')
		b.WriteString(s)
	}
	num := func(v float64) { add(strconv.FormatFloat(v, 'g', -1, 64)) }
	vec := func(v r3.Vec) {
		num(v.X)
		num(v.Y)
		num(v.Z)
	}
	switch rec.Kind {
	case KindSample:
		s := rec.Sample
		add(strconv.FormatInt(s.TimestampMs, 10))
		vec(s.Accel)
		vec(s.Gyro)
		if s.HasMag {
			vec(s.Mag)
		} else {
			b.WriteString(",,,")
		}
		if s.HasAltitude {
			num(s.Altitude)
		} else {
			b.WriteByte(',')
		}
	case KindYaw:
		add(strconv.FormatInt(rec.Yaw.TimestampMs, 10))
		num(rec.Yaw.Yaw)
	case KindBatch:
		bt := rec.Batch
		add(strconv.Itoa(bt.StepCount))
		num(bt.StepLength)
		add(strconv.FormatInt(bt.IntervalStartMs, 10))
		add(strconv.FormatInt(bt.IntervalEndMs, 10))
		add(strconv.Itoa(bt.TotalSteps))
	}
	return b.String()
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		rec, ok, err := ParseLine(s.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile loads a recording from disk.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

type Writer struct {
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

// CreateWriter truncates path and starts a segment.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

// Write appends rec stamped with now relative to the segment start.
func (ww *Writer) Write(now time.Time, rec Record) error {
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	if rec.Kind == KindStart {
		return errors.New("START is written by CreateWriter")
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	rec.At = d
	_, err := ww.w.WriteString(FormatLine(rec) + "\n")
	return err
}

func (ww *Writer) WriteSample(now time.Time, s sensor.Sample) error {
	return ww.Write(now, Record{Kind: KindSample, Sample: s})
}

func (ww *Writer) WriteYaw(now time.Time, yaw float64, ts int64) error {
	return ww.Write(now, Record{Kind: KindYaw, Yaw: Yaw{Yaw: yaw, TimestampMs: ts}})
}

func (ww *Writer) WriteBatch(now time.Time, b sensor.Batch) error {
	return ww.Write(now, Record{Kind: KindBatch, Batch: b})
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}
