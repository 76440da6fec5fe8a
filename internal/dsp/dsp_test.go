package dsp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	require.Equal(t, 3, r.Len())
	assert.True(t, r.Full())
	assert.Equal(t, []int{3, 4, 5}, r.Values())
	assert.Equal(t, 3, r.At(0))
	last, ok := r.Last()
	assert.True(t, ok)
	assert.Equal(t, 5, last)
	assert.Equal(t, []int{4, 5}, r.Tail(2))
	assert.Equal(t, []int{3, 4, 5}, r.Tail(10))
	assert.Nil(t, r.Tail(0))
}

func TestRingNeverExceedsCap(t *testing.T) {
	r := NewRing[float64](50)
	for i := 0; i < 1000; i++ {
		r.Push(float64(i))
		if r.Len() > r.Cap() {
			t.Fatalf("len=%d exceeds cap=%d", r.Len(), r.Cap())
		}
	}
	assert.Equal(t, 950.0, r.At(0))
}

func TestRingDropWhileAndClear(t *testing.T) {
	r := NewRing[int64](10)
	for _, v := range []int64{100, 200, 300, 400} {
		r.Push(v)
	}
	r.DropWhile(func(v int64) bool { return v < 250 })
	assert.Equal(t, []int64{300, 400}, r.Values())

	r.Clear()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Last()
	assert.False(t, ok)
	assert.Panics(t, func() { r.At(0) })
}

func TestMedian(t *testing.T) {
	xs := []float64{5, 1, 3}
	assert.Equal(t, 3.0, Median(xs))
	assert.Equal(t, []float64{5, 1, 3}, xs, "input must not be reordered")
	assert.Equal(t, 2.5, Median([]float64{4, 1, 2, 3}))
	assert.Equal(t, 0.0, Median(nil))
}

func TestMeanStdVariance(t *testing.T) {
	m, s := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, m, 1e-12)
	assert.InDelta(t, 2.0, s, 1e-12)
	assert.InDelta(t, 4.0, Variance([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-12)
	assert.Equal(t, 0.0, Variance([]float64{1}))
	m, s = MeanStd(nil)
	assert.Zero(t, m)
	assert.Zero(t, s)
}

func TestDetrendRemovesConstant(t *testing.T) {
	xs := []float64{3, 3, 3, 3, 3, 3}
	got := Detrend(xs, 5)
	want := make([]float64, len(xs))
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("Detrend mismatch (-want +got):\n%s", diff)
	}
}

func TestDetrendTruncatesAtEdges(t *testing.T) {
	got := Detrend([]float64{0, 0, 6, 0, 0}, 3)
	// Edges average over two samples, interior over three.
	want := []float64{0, -2, 4, -2, 0}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("Detrend mismatch (-want +got):\n%s", diff)
	}
}

func TestPeakShapes(t *testing.T) {
	xs := []float64{0, 1, 3, 1, 0, 2, 2}
	assert.True(t, LocalMax3(xs, 2))
	assert.False(t, LocalMax3(xs, 5), "plateau is not a strict max")
	assert.False(t, LocalMax3(xs, 0))
	assert.True(t, StrictPeak5(xs, 2))
	assert.False(t, StrictPeak5(xs, 5))
}

func TestScanPeaks(t *testing.T) {
	xs := make([]float64, 30)
	for _, i := range []int{5, 15, 25} {
		xs[i] = 1.0
	}
	ps := ScanPeaks(xs, 0.5, 25)
	assert.Equal(t, 3, ps.Count)
	assert.InDelta(t, 1.0, ps.Amplitude, 1e-12)
	assert.InDelta(t, 2.5, ps.Frequency, 1e-12)

	assert.Equal(t, PeakScan{}, ScanPeaks(xs, 2, 25))
}

func TestClampAndEMA(t *testing.T) {
	assert.Equal(t, 0.2, Clamp(0.1, 0.2, 1.5))
	assert.Equal(t, 1.5, Clamp(9, 0.2, 1.5))
	assert.Equal(t, 0.7, Clamp(0.7, 0.2, 1.5))
	assert.InDelta(t, 1.1, EMA(1, 2, 0.1), 1e-12)
}
