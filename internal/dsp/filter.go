package dsp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MeanStd returns the population mean and standard deviation of xs.
// Empty input yields zeros.
func MeanStd(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.PopMeanStdDev(xs, nil)
}

// Variance is the population variance of xs.
func Variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.PopVariance(xs, nil)
}

// Mean returns the arithmetic mean, or 0 for no samples.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// Max returns the largest value, or 0 for no samples.
func Max(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return floats.Max(xs)
}

// Median returns the median of xs without modifying it.
func Median(xs []float64) float64 {
	switch len(xs) {
	case 0:
		return 0
	case 1:
		return xs[0]
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// Detrend subtracts a centered moving average of width w from xs. Near the
// edges the averaging window is truncated to the samples that exist.
func Detrend(xs []float64, w int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	if w < 1 {
		w = 1
	}
	half := w / 2
	prefix := make([]float64, len(xs)+1)
	for i, v := range xs {
		prefix[i+1] = prefix[i] + v
	}
	for i, v := range xs {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > len(xs)-1 {
			hi = len(xs) - 1
		}
		avg := (prefix[hi+1] - prefix[lo]) / float64(hi-lo+1)
		out[i] = v - avg
	}
	return out
}

// LocalMax3 reports whether xs[i] is strictly above both neighbours.
func LocalMax3(xs []float64, i int) bool {
	if i < 1 || i >= len(xs)-1 {
		return false
	}
	return xs[i] > xs[i-1] && xs[i] > xs[i+1]
}

// StrictPeak5 reports whether xs[i] is strictly above the two samples on each
// side.
func StrictPeak5(xs []float64, i int) bool {
	if i < 2 || i >= len(xs)-2 {
		return false
	}
	v := xs[i]
	return v > xs[i-1] && v > xs[i-2] && v > xs[i+1] && v > xs[i+2]
}

// PeakScan summarizes the local maxima of a detrended window.
type PeakScan struct {
	Count     int
	Amplitude float64 // mean peak height
	Frequency float64 // Hz, from mean spacing of peaks
}

// ScanPeaks finds strict 5-point maxima above minHeight. Frequency is derived
// from the mean index spacing at sampleHz and is zero with fewer than two peaks.
func ScanPeaks(xs []float64, minHeight, sampleHz float64) PeakScan {
	var idx []int
	var sum float64
	for i := 2; i < len(xs)-2; i++ {
		if xs[i] > minHeight && StrictPeak5(xs, i) {
			idx = append(idx, i)
			sum += xs[i]
		}
	}
	ps := PeakScan{Count: len(idx)}
	if len(idx) == 0 {
		return ps
	}
	ps.Amplitude = sum / float64(len(idx))
	if len(idx) >= 2 && sampleHz > 0 {
		spacing := float64(idx[len(idx)-1]-idx[0]) / float64(len(idx)-1)
		if spacing > 0 {
			ps.Frequency = sampleHz / spacing
		}
	}
	return ps
}

// EMA folds v into prev with weight alpha.
func EMA(prev, v, alpha float64) float64 {
	return prev + alpha*(v-prev)
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
