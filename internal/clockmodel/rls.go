package clockmodel

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// RLS fits host_time ≈ a*frame + b over a trailing window of samples,
// refitting on every Update call. The window bound (rather than a true
// incremental recursive update) keeps the fit cheap to recompute with
// gonum/stat.LinearRegression while still tracking slow clock drift.
type RLS struct {
	window   int
	frames   []float64
	times    []float64
	a, b     float64
	fitted   bool
}

// NewRLS constructs an RLS clock model retaining the last window
// samples (config.TrackingTuning.GetClockRLSWindow(), default 200).
func NewRLS(window int) *RLS {
	if window < 2 {
		window = 2
	}
	return &RLS{window: window}
}

// Update feeds one (host_time, frame) sample from the trigger device
// and refits the linear model.
func (r *RLS) Update(hostTimeNs int64, frame uint64) {
	r.frames = append(r.frames, float64(frame))
	r.times = append(r.times, float64(hostTimeNs))
	if len(r.frames) > r.window {
		drop := len(r.frames) - r.window
		r.frames = r.frames[drop:]
		r.times = r.times[drop:]
	}
	if len(r.frames) < 2 {
		return
	}
	b, a := stat.LinearRegression(r.frames, r.times, nil, false)
	r.a, r.b = a, b
	r.fitted = true
}

// TriggerTime implements Model.
func (r *RLS) TriggerTime(frame uint64) (time.Time, bool) {
	if !r.fitted {
		return time.Time{}, false
	}
	ns := r.a*float64(frame) + r.b
	return time.Unix(0, int64(ns)), true
}

// Residual implements Model.
func (r *RLS) Residual(hostTimeNs int64, frame uint64) (float64, bool) {
	if !r.fitted {
		return 0, false
	}
	predicted := r.a*float64(frame) + r.b
	diff := float64(hostTimeNs) - predicted
	if diff < 0 {
		diff = -diff
	}
	return diff, true
}

// Locked reports whether the model has accumulated enough samples to
// produce a fit.
func (r *RLS) Locked() bool { return r.fitted }

// SampleCount returns the number of samples currently retained in the
// trailing window, for diagnostics.
func (r *RLS) SampleCount() int { return len(r.frames) }
