package clockmodel

import "time"

// FakeSync synthesizes an idealized fixed-period schedule when no
// trigger hardware is present. It is seeded by the first observation's host time and
// frame number and a configured frame rate; every subsequent frame's
// trigger time is computed, never measured.
type FakeSync struct {
	frameRateHz float64
	seeded      bool
	seedFrame   uint64
	seedTimeNs  int64
}

// NewFakeSync constructs a FakeSync model at the given frame rate. It
// is unseeded until the first call to Seed.
func NewFakeSync(frameRateHz float64) *FakeSync {
	return &FakeSync{frameRateHz: frameRateHz}
}

// Seed anchors the synthesized schedule to a known (frame, host_time)
// pair. Only the first call has an effect; later calls are no-ops so
// the schedule stays internally consistent once established.
func (f *FakeSync) Seed(frame uint64, hostTimeNs int64) {
	if f.seeded {
		return
	}
	f.seedFrame = frame
	f.seedTimeNs = hostTimeNs
	f.seeded = true
}

// TriggerTime implements Model.
func (f *FakeSync) TriggerTime(frame uint64) (time.Time, bool) {
	if !f.seeded {
		return time.Time{}, false
	}
	periodNs := 1e9 / f.frameRateHz
	var deltaFrames float64
	if frame >= f.seedFrame {
		deltaFrames = float64(frame - f.seedFrame)
	} else {
		deltaFrames = -float64(f.seedFrame - frame)
	}
	ns := f.seedTimeNs + int64(deltaFrames*periodNs)
	return time.Unix(0, ns), true
}

// Residual implements Model. Fake-sync never rejects a camera for
// clock drift since there is no hardware sample to validate against; it
// always reports zero deviation once seeded.
func (f *FakeSync) Residual(hostTimeNs int64, frame uint64) (float64, bool) {
	if !f.seeded {
		return 0, false
	}
	return 0, true
}

// Locked reports whether the schedule has been seeded.
func (f *FakeSync) Locked() bool { return f.seeded }
