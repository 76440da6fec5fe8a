package heading

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stridenav/internal/geom"
	"stridenav/internal/pdr"
)

// ramp pushes yaw rising linearly from fromDeg to toDeg over [t0, t1] at 10 Hz.
func ramp(t *testing.T, b *Buffer, t0, t1 int64, fromDeg, toDeg float64) {
	t.Helper()
	for ts := t0; ts <= t1; ts += 100 {
		f := float64(ts-t0) / float64(t1-t0)
		require.NoError(t, b.PushYaw(geom.Rad(fromDeg+f*(toDeg-fromDeg)), ts))
	}
}

func TestSplitBatchAlongYawRamp(t *testing.T) {
	b := New()
	ramp(t, b, 1000, 2200, 0, 90)

	steps, err := b.SplitBatch(4, 0.75, 1000, 2200)
	require.NoError(t, err)
	require.Len(t, steps, 4)

	wantTs := []int64{1150, 1450, 1750, 2050}
	wantDeg := []float64{11.25, 33.75, 56.25, 78.75}
	for i, s := range steps {
		assert.Equal(t, wantTs[i], s.TimestampMs)
		assert.Equal(t, pdr.SourceNative, s.Source)
		assert.Equal(t, 0.75, s.LengthMeters)
		yaw := math.Atan2(s.DY, s.DX)
		assert.InDelta(t, wantDeg[i], geom.Deg(yaw), 1e-6)
		assert.InDelta(t, 0.75*math.Cos(geom.Rad(wantDeg[i])), s.DX, 1e-9)
	}
}

func TestSplitBatchTotality(t *testing.T) {
	b := New()
	ramp(t, b, 0, 5000, -170, 170)

	const n, length = 7, 0.8
	var t0, t1 int64 = 500, 4300
	steps, err := b.SplitBatch(n, length, t0, t1)
	require.NoError(t, err)
	require.Len(t, steps, n)

	var sumX, sumY, cosSum, sinSum float64
	prev := t0
	for _, s := range steps {
		require.Greater(t, s.TimestampMs, prev)
		require.Less(t, s.TimestampMs, t1)
		prev = s.TimestampMs
		sumX += s.DX
		sumY += s.DY
		yaw, err := b.YawAt(s.TimestampMs)
		require.NoError(t, err)
		cosSum += math.Cos(yaw)
		sinSum += math.Sin(yaw)
	}
	assert.InDelta(t, n*length*cosSum/n, sumX, 1e-9)
	assert.InDelta(t, n*length*sinSum/n, sumY, 1e-9)
}

func TestSplitBatchEdges(t *testing.T) {
	b := New()
	_, err := b.SplitBatch(3, 0.7, 0, 1000)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, b.PushYaw(0.5, 0))
	steps, err := b.SplitBatch(0, 0.7, 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, steps)

	_, err = b.SplitBatch(2, 0.7, 1000, 1000)
	assert.Error(t, err)
}

func TestSplitBatchTightInterval(t *testing.T) {
	b := New()
	require.NoError(t, b.PushYaw(0, 0))

	// Two steps in 3 ms take the two inner milliseconds.
	steps, err := b.SplitBatch(2, 0.7, 0, 3)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, int64(1), steps[0].TimestampMs)
	assert.Equal(t, int64(2), steps[1].TimestampMs)

	_, err = b.SplitBatch(3, 0.7, 0, 2)
	assert.ErrorContains(t, err, "do not fit")
	_, err = b.SplitBatch(1<<30, 0.7, 0, 1000)
	assert.ErrorContains(t, err, "do not fit")
	_, err = b.SplitBatch(1, math.Inf(1), 0, 1000)
	assert.ErrorContains(t, err, "not finite")
}

func TestSplitBatchStampsDistinctAtCapacity(t *testing.T) {
	b := New()
	require.NoError(t, b.PushYaw(0, 0))
	for _, span := range []int64{2, 3, 7, 10, 101} {
		n := int(span - 1)
		steps, err := b.SplitBatch(n, 0.5, 100, 100+span)
		require.NoError(t, err, "span %d", span)
		require.Len(t, steps, n)
		prev := int64(100)
		for _, s := range steps {
			require.Greater(t, s.TimestampMs, prev, "span %d", span)
			prev = s.TimestampMs
		}
		require.Less(t, prev, 100+span, "span %d", span)
	}
}

func TestYawAtInterpolatesShortArc(t *testing.T) {
	b := New()
	require.NoError(t, b.PushYaw(geom.Rad(170), 0))
	require.NoError(t, b.PushYaw(geom.Rad(-170), 100))

	yaw, err := b.YawAt(50)
	require.NoError(t, err)
	assert.InDelta(t, math.Pi, math.Abs(yaw), 1e-9)

	h, err := b.HeadingAt(75)
	require.NoError(t, err)
	assert.InDelta(t, 185, h, 1e-9)

	// Clamped outside the span.
	yaw, _ = b.YawAt(-500)
	assert.InDelta(t, geom.Rad(170), yaw, 1e-12)
	yaw, _ = b.YawAt(900)
	assert.InDelta(t, geom.Rad(-170), yaw, 1e-12)
}

func TestHeadingRange(t *testing.T) {
	b := New()
	ramp(t, b, 0, 3000, -180, 540)
	for ts := int64(0); ts <= 3000; ts += 37 {
		h, err := b.HeadingAt(ts)
		require.NoError(t, err)
		require.True(t, h >= 0 && h < 360, "heading %v at %d", h, ts)
	}
}

func TestSmoothedYawAt(t *testing.T) {
	b := New()
	for i, deg := range []float64{0, 10, 20, 30, 40, 50, 60} {
		require.NoError(t, b.PushYaw(geom.Rad(deg), int64(i*100)))
	}
	// Nearest to 290 is ts=300 (30°); mean of 0..30.
	yaw, err := b.SmoothedYawAt(290)
	require.NoError(t, err)
	assert.InDelta(t, 15, geom.Deg(yaw), 1e-9)

	// Nearest to 610 is the last entry (60°); mean of 20..60.
	yaw, err = b.SmoothedYawAt(610)
	require.NoError(t, err)
	assert.InDelta(t, 40, geom.Deg(yaw), 1e-9)

	yaw, err = b.SmoothedYawAt(10000)
	require.NoError(t, err)
	assert.InDelta(t, 40, geom.Deg(yaw), 1e-9)
}

func TestSmoothedYawAcrossWrap(t *testing.T) {
	b := New()
	for i, deg := range []float64{176, 178, -178, -176, 180} {
		require.NoError(t, b.PushYaw(geom.Rad(deg), int64(i*100)))
	}
	yaw, err := b.SmoothedYawAt(400)
	require.NoError(t, err)
	assert.InDelta(t, math.Pi, math.Abs(yaw), 1e-9)
}

func TestPushYawRejects(t *testing.T) {
	b := New()
	require.NoError(t, b.PushYaw(0, 100))
	assert.ErrorIs(t, b.PushYaw(0.1, 100), ErrOutOfOrder)
	assert.ErrorIs(t, b.PushYaw(0.1, 50), ErrOutOfOrder)
	assert.Error(t, b.PushYaw(math.NaN(), 200))
	assert.Equal(t, 1, b.Len())
}

func TestCapacityAndReset(t *testing.T) {
	b := New()
	for i := 0; i < 250; i++ {
		require.NoError(t, b.PushYaw(float64(i)*0.01, int64(i*100)))
	}
	assert.Equal(t, Capacity, b.Len())
	yaw, _ := b.YawAt(0)
	assert.InDelta(t, 1.5, yaw, 1e-12, "oldest entries evicted")
	last, ok := b.LastTimestamp()
	require.True(t, ok)
	assert.Equal(t, int64(24900), last)

	med, err := b.MedianYaw()
	require.NoError(t, err)
	assert.InDelta(t, 2.47, med, 1e-12)

	b.Reset()
	assert.Zero(t, b.Len())
	_, err = b.YawAt(0)
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = b.MedianYaw()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMedianYawRejectsOutlier(t *testing.T) {
	b := New()
	for i, yaw := range []float64{3.1, -3.1, 3.12, 0.2, -3.13} {
		require.NoError(t, b.PushYaw(yaw, int64(i)))
	}
	med, err := b.MedianYaw()
	require.NoError(t, err)
	assert.Greater(t, math.Abs(med), 3.0)
}
