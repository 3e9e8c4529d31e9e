// Package bundle implements the frame bundler: it turns asynchronously
// arriving per-camera observations into a monotone stream of complete,
// totally-ordered frame bundles, filling gaps and force-emitting on a
// per-frame deadline so that downstream consumers always see frame
// numbers advance by exactly one.
package bundle

import (
	"time"

	"github.com/strawlab/strand-braid-sub000/internal/clockmodel"
	"github.com/strawlab/strand-braid-sub000/internal/monitoring"
)

// Detection is one 2D feature reported by a camera for a single frame.
type Detection struct {
	U, V        float64
	Area        float32
	Orientation *float32
}

// Observation is a single camera's report for a single frame. A camera
// may report zero detections; the Observation still exists.
type Observation struct {
	CamID      uint16
	FrameNumber uint64
	RecvTime   time.Time
	Detections []Detection
}

// Bundle is the per-frame output of the bundler: every registered,
// synchronized camera has exactly one entry, possibly with zero
// detections.
type Bundle struct {
	FrameNumber uint64
	TriggerTime time.Time
	PerCam      map[uint16]Observation
}

// Bundler accumulates per-camera observations keyed by frame number and
// emits complete bundles in strict frame order.
type Bundler struct {
	clock         clockmodel.Model
	syncedCamIDs  func() []uint16
	deadline      time.Duration

	started      bool
	currentFrame uint64
	buffer       map[uint64]map[uint16]Observation
	lateDrops    map[uint16]int
}

// New constructs a Bundler. syncedCamIDs is queried fresh on every
// completeness check so cameras that (de)synchronize mid-run are
// reflected immediately.
func New(clock clockmodel.Model, syncedCamIDs func() []uint16, deadline time.Duration) *Bundler {
	return &Bundler{
		clock:        clock,
		syncedCamIDs: syncedCamIDs,
		deadline:     deadline,
		buffer:       make(map[uint64]map[uint16]Observation),
		lateDrops:    make(map[uint16]int),
	}
}

// LateDrops returns the number of observations discarded for camID
// because they arrived for a frame already emitted.
func (b *Bundler) LateDrops(camID uint16) int {
	return b.lateDrops[camID]
}

// CurrentFrame returns the frame number the bundler is currently
// accumulating.
func (b *Bundler) CurrentFrame() uint64 { return b.currentFrame }

// NextDeadline returns the wall-clock instant at which the current
// frame will be force-emitted if it has not completed naturally, for
// the caller's event loop to wait on.
func (b *Bundler) NextDeadline() (time.Time, bool) {
	if !b.started {
		return time.Time{}, false
	}
	tt, ok := b.clock.TriggerTime(b.currentFrame)
	if !ok {
		return time.Time{}, false
	}
	return tt.Add(b.deadline), true
}

// Ingest records one observation and returns every bundle the arrival
// causes to be emitted, in increasing frame order (zero, one, or many
// when it triggers gap-filling).
func (b *Bundler) Ingest(obs Observation) []Bundle {
	if !b.started {
		b.currentFrame = obs.FrameNumber
		b.started = true
	}

	var emitted []Bundle

	if obs.FrameNumber < b.currentFrame {
		b.lateDrops[obs.CamID]++
		monitoring.Tracef("bundle: late drop cam=%d frame=%d current=%d", obs.CamID, obs.FrameNumber, b.currentFrame)
		return nil
	}

	if frames, ok := b.buffer[obs.FrameNumber]; ok {
		frames[obs.CamID] = obs
	} else {
		b.buffer[obs.FrameNumber] = map[uint16]Observation{obs.CamID: obs}
	}

	if obs.FrameNumber > b.currentFrame+1 {
		// Gap fill: emit every intermediate frame immediately, in order,
		// with whatever partial data they hold.
		for f := b.currentFrame; f < obs.FrameNumber; f++ {
			emitted = append(emitted, b.emitFrame(f))
		}
		b.currentFrame = obs.FrameNumber
	}

	emitted = append(emitted, b.drainComplete()...)
	return emitted
}

// Tick checks the deadline for the current frame against now and
// force-emits it (and any frames that become complete as a result) if
// the deadline has passed.
func (b *Bundler) Tick(now time.Time) []Bundle {
	if !b.started {
		return nil
	}
	var emitted []Bundle
	for {
		if b.isComplete(b.currentFrame) {
			emitted = append(emitted, b.emitFrame(b.currentFrame))
			b.currentFrame++
			continue
		}
		deadline, ok := b.NextDeadline()
		if ok && !now.Before(deadline) {
			emitted = append(emitted, b.emitFrame(b.currentFrame))
			b.currentFrame++
			continue
		}
		break
	}
	return emitted
}

// Drain force-emits every buffered frame in order with its current
// contents, used at shutdown so no observation already accepted is
// lost. The bundler remains usable afterwards but its buffer is empty.
func (b *Bundler) Drain() []Bundle {
	if !b.started {
		return nil
	}
	var maxFrame uint64
	any := false
	for f := range b.buffer {
		if !any || f > maxFrame {
			maxFrame = f
			any = true
		}
	}
	if !any {
		return nil
	}
	var emitted []Bundle
	for f := b.currentFrame; f <= maxFrame; f++ {
		emitted = append(emitted, b.emitFrame(f))
	}
	b.currentFrame = maxFrame + 1
	return emitted
}

// drainComplete emits b.currentFrame (and advances) for as long as each
// successive current frame has a report from every synchronized camera.
func (b *Bundler) drainComplete() []Bundle {
	var emitted []Bundle
	for b.isComplete(b.currentFrame) {
		emitted = append(emitted, b.emitFrame(b.currentFrame))
		b.currentFrame++
	}
	return emitted
}

func (b *Bundler) isComplete(frame uint64) bool {
	synced := b.syncedCamIDs()
	if len(synced) == 0 {
		return false
	}
	reported := b.buffer[frame]
	for _, id := range synced {
		if _, ok := reported[id]; !ok {
			return false
		}
	}
	return true
}

// emitFrame builds and returns the Bundle for frame, filling an empty
// Observation for every synchronized camera that has not yet reported,
// then discards the frame's buffer entry.
func (b *Bundler) emitFrame(frame uint64) Bundle {
	perCam := make(map[uint16]Observation)
	reported := b.buffer[frame]
	for id, obs := range reported {
		perCam[id] = obs
	}
	for _, id := range b.syncedCamIDs() {
		if _, ok := perCam[id]; !ok {
			perCam[id] = Observation{CamID: id, FrameNumber: frame}
		}
	}
	delete(b.buffer, frame)

	triggerTime, _ := b.clock.TriggerTime(frame)
	return Bundle{FrameNumber: frame, TriggerTime: triggerTime, PerCam: perCam}
}
