// Package clockmodel maps the external trigger's integer frame counter
// to a wall-clock instant. Two implementations satisfy
// the same Model interface: RLS, a recursive-least-squares fit over a
// trailing window of trigger samples, and FakeSync, a synthesized
// fixed-period schedule used when no trigger hardware is present.
package clockmodel

import (
	"time"
)

// Model is the capability the bundler and camera registry need from a
// clock source: converting a frame number to the instant it was
// triggered, and judging whether an observed (host_time, frame) sample
// is consistent with the current fit.
type Model interface {
	// TriggerTime returns the predicted instant frame N was triggered.
	// ok is false before the model has enough samples to fit.
	TriggerTime(frame uint64) (t time.Time, ok bool)

	// Residual returns the absolute difference, in nanoseconds, between
	// an observed host_time for frame N and the model's prediction.
	// Used to judge whether a camera's samples are consistent with the
	// locked fit.
	Residual(hostTimeNs int64, frame uint64) (ns float64, ok bool)
}

// UnwrapCounter turns a wrapping u32 trigger counter into an
// ever-increasing frame number, given the previous raw counter and the
// running frame number it corresponded to.
func UnwrapCounter(prevRaw uint32, prevFrame uint64, rawNow uint32) uint64 {
	if rawNow >= prevRaw {
		return prevFrame + uint64(rawNow-prevRaw)
	}
	// Wrapped around a 32-bit counter.
	wrapped := (uint64(1) << 32) - uint64(prevRaw) + uint64(rawNow)
	return prevFrame + wrapped
}
