// Package heading keeps a short, time-stamped history of yaw so that steps
// reported after the fact by a native pedometer can be given the heading the
// walker had when each step happened.
package heading

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"stridenav/internal/dsp"
	"stridenav/internal/geom"
	"stridenav/internal/pdr"
	"stridenav/internal/sensor"
)

const (
	// Capacity covers about ten seconds at the nominal 10 Hz feed.
	Capacity   = 100
	medianSize = 5
	smoothSize = 5
)

var (
	ErrEmpty      = errors.New("heading: buffer empty")
	ErrOutOfOrder = errors.New("heading: yaw out of order")
)

type entry struct {
	ts  int64
	yaw float64
}

// Buffer is not safe for concurrent use.
type Buffer struct {
	entries *dsp.Ring[entry]
	median  *dsp.Ring[float64]
}

func New() *Buffer {
	return &Buffer{
		entries: dsp.NewRing[entry](Capacity),
		median:  dsp.NewRing[float64](medianSize),
	}
}

// PushYaw appends a yaw observation in radians. Timestamps must strictly
// increase.
func (b *Buffer) PushYaw(yaw float64, ts int64) error {
	if !dsp.Finite(yaw) {
		return fmt.Errorf("heading: yaw not finite at ts=%d", ts)
	}
	if last, ok := b.entries.Last(); ok && ts <= last.ts {
		return fmt.Errorf("%w: ts=%d last=%d", ErrOutOfOrder, ts, last.ts)
	}
	yaw = geom.NormalizeAngle(yaw)
	b.entries.Push(entry{ts: ts, yaw: yaw})
	b.median.Push(yaw)
	return nil
}

// Len is the number of buffered observations.
func (b *Buffer) Len() int { return b.entries.Len() }

// LastTimestamp returns the newest observation time.
func (b *Buffer) LastTimestamp() (int64, bool) {
	e, ok := b.entries.Last()
	return e.ts, ok
}

// MedianYaw is the wrap-aware median of the most recent raw observations.
func (b *Buffer) MedianYaw() (float64, error) {
	if b.median.Len() == 0 {
		return 0, ErrEmpty
	}
	return geom.CircularMedian(b.median.Values()), nil
}

// YawAt interpolates along the shorter arc between the observations that
// bracket ts. Outside the buffered span the nearest end is returned.
func (b *Buffer) YawAt(ts int64) (float64, error) {
	n := b.entries.Len()
	if n == 0 {
		return 0, ErrEmpty
	}
	i := b.search(ts)
	if i == 0 {
		return b.entries.At(0).yaw, nil
	}
	if i == n {
		return b.entries.At(n - 1).yaw, nil
	}
	lo, hi := b.entries.At(i-1), b.entries.At(i)
	f := float64(ts-lo.ts) / float64(hi.ts-lo.ts)
	return geom.Lerp(lo.yaw, hi.yaw, f), nil
}

// SmoothedYawAt picks the observation nearest to ts and returns the circular
// mean of it and the observations just before it.
func (b *Buffer) SmoothedYawAt(ts int64) (float64, error) {
	n := b.entries.Len()
	if n == 0 {
		return 0, ErrEmpty
	}
	i := b.search(ts)
	switch {
	case i == n:
		i = n - 1
	case i > 0 && ts-b.entries.At(i-1).ts <= b.entries.At(i).ts-ts:
		i--
	}
	angles := make([]float64, 0, smoothSize)
	for j := max(0, i-smoothSize+1); j <= i; j++ {
		angles = append(angles, b.entries.At(j).yaw)
	}
	return geom.CircularMean(angles), nil
}

// HeadingAt is YawAt as a compass heading in degrees, [0, 360).
func (b *Buffer) HeadingAt(ts int64) (float64, error) {
	yaw, err := b.YawAt(ts)
	if err != nil {
		return 0, err
	}
	return geom.Degrees360(yaw), nil
}

// SplitBatch spreads count steps of length metres evenly over [start, end].
// Step i is stamped at the middle of its slot and oriented by the yaw
// interpolated there. count may not exceed sensor.BatchCapacity, which keeps
// the rounded stamps distinct and off the interval ends. Events are returned in ascending time; Index is left
// for the caller to assign.
func (b *Buffer) SplitBatch(count int, length float64, start, end int64) ([]pdr.StepEvent, error) {
	if count <= 0 {
		return nil, nil
	}
	if end <= start {
		return nil, fmt.Errorf("heading: batch interval end %d must be after start %d", end, start)
	}
	if limit := sensor.BatchCapacity(start, end); int64(count) > limit {
		return nil, fmt.Errorf("heading: %d steps do not fit strictly inside %d..%d (max %d)", count, start, end, limit)
	}
	if math.IsNaN(length) || math.IsInf(length, 0) {
		return nil, fmt.Errorf("heading: step length %v is not finite", length)
	}
	if b.entries.Len() == 0 {
		return nil, ErrEmpty
	}
	span := float64(end - start)
	out := make([]pdr.StepEvent, 0, count)
	for i := 0; i < count; i++ {
		ts := start + int64(math.Round((float64(i)+0.5)*span/float64(count)))
		yaw, _ := b.YawAt(ts)
		out = append(out, pdr.StepEvent{
			LengthMeters: length,
			DX:           length * math.Cos(yaw),
			DY:           length * math.Sin(yaw),
			TimestampMs:  ts,
			Confidence:   1,
			Source:       pdr.SourceNative,
		})
	}
	return out, nil
}

func (b *Buffer) Reset() {
	b.entries.Clear()
	b.median.Clear()
}

// search returns the index of the first entry at or after ts.
func (b *Buffer) search(ts int64) int {
	return sort.Search(b.entries.Len(), func(i int) bool { return b.entries.At(i).ts >= ts })
}
