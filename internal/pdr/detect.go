package pdr

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"stridenav/internal/attitude"
	"stridenav/internal/dsp"
	"stridenav/internal/geom"
	"stridenav/internal/sensor"
)

// detect runs the detector selected for this sample and returns the candidate
// peak, if any. Both detectors judge the sample two positions behind the head
// so a step carries the same latency regardless of path.
func (e *Engine) detect(a r3.Vec, ts int64, st attitude.Status, magDet []float64, thr, mean, std float64) (candidate, bool) {
	if e.fallbackActive && ts >= e.fallbackUntil {
		e.fallbackActive = false
	}
	if e.verticalSelectable() {
		pr := e.project(a, st)
		if !pr.Fallback {
			e.lastPath = PathVertical
			e.vertHist.Push(timed{ts: ts, v: pr.Up})
			e.vertHist.DropWhile(func(t timed) bool { return t.ts < ts-verticalSpanMs })
			return e.verticalCandidate()
		}
		e.assertFallback(ts, pr.Err)
	}
	e.lastPath = PathMagnitude
	return e.magnitudeCandidate(magDet, thr, mean, std)
}

func (e *Engine) verticalSelectable() bool {
	return e.cfg.VerticalEnabled && e.att != nil && !e.fallbackActive &&
		e.orientConf >= e.cfg.OrientationThreshold
}

// project rotates a into the world frame and returns its vertical component
// in g, or a fallback when the attitude cannot be trusted.
func (e *Engine) project(a r3.Vec, st attitude.Status) Projection {
	if geom.IsIdentity(st.Q, identityTolerance) {
		return Projection{Fallback: true, Err: fmt.Errorf("%w: attitude not initialized", ErrProjection)}
	}
	w, err := e.att.ToWorld(a)
	if err != nil {
		return Projection{Fallback: true, Err: fmt.Errorf("%w: %v", ErrProjection, err)}
	}
	if !dsp.Finite(w.Z) {
		return Projection{Fallback: true, Err: fmt.Errorf("%w: non-finite result", ErrProjection)}
	}
	return Projection{Up: w.Z / sensor.StandardGravity}
}

func (e *Engine) assertFallback(ts int64, cause error) {
	e.fallbackActive = true
	e.fallbackUntil = ts + e.cfg.FallbackLockoutMs
	e.vertHist.Clear()
	if cause != nil {
		e.lastProjErr = cause.Error()
	}
	e.warn.Warnf("fallback", ts, "pdr: vertical detection disabled until ts=%d: %v", e.fallbackUntil, cause)
}

func (e *Engine) verticalCandidate() (candidate, bool) {
	hist := e.vertHist.Values()
	n := len(hist)
	if n < 5 {
		return candidate{}, false
	}
	det := dsp.Detrend(values(hist), trendWidth(rateHz(e.vertHist, e.cfg.SampleRateHz)))
	mean, std := dsp.MeanStd(det)
	thr := dsp.Clamp(mean+peakSigmas*std, e.cfg.MinVerticalPeak, e.cfg.MaxVerticalPeak)

	i := n - 3
	v := det[i]
	if !dsp.LocalMax3(det, i) || v < e.cfg.MinVerticalPeak || v > e.cfg.MaxVerticalPeak || v <= thr {
		return candidate{}, false
	}
	return candidate{
		ts:        hist[i].ts,
		value:     v * sensor.StandardGravity,
		threshold: thr * sensor.StandardGravity,
		path:      PathVertical,
	}, true
}

// magnitudeSignal detrends the linear-acceleration magnitude window and
// derives the adaptive threshold for the current mode.
func (e *Engine) magnitudeSignal() (det []float64, thr, mean, std float64) {
	det = dsp.Detrend(values(e.magHist.Values()), trendWidth(rateHz(e.magHist, e.cfg.SampleRateHz)))
	mean, std = dsp.MeanStd(det)

	k := 1.2
	if e.mode == Walking {
		k = 1.1
	}
	if e.stepCount < e.cfg.WarmupSteps {
		k *= warmupKScale
	}
	thr = dsp.Clamp(mean+k*std, e.cfg.MinThreshold, e.cfg.MaxThreshold)
	return det, thr, mean, std
}

func (e *Engine) magnitudeCandidate(det []float64, thr, mean, std float64) (candidate, bool) {
	n := len(det)
	i := n - 3
	if i < 2 || !dsp.StrictPeak5(det, i) {
		return candidate{}, false
	}
	v := det[i]
	neighbours := (det[i-1] + det[i+1]) / 2
	if v <= thr || v < neighbourRatio*neighbours || v <= mean+peakSigmas*std {
		return candidate{}, false
	}
	return candidate{
		ts:        e.magHist.At(i).ts,
		value:     v,
		threshold: thr,
		path:      PathMagnitude,
	}, true
}
