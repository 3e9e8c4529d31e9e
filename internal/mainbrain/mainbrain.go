// Package mainbrain wires the tracking pipeline together: observations
// and trigger samples arrive over bounded channels, a single event loop
// runs bundling, association, and filtering, and every bundle's results
// fan out to persistence and the outbound event stream. All mutable
// tracking state is owned by the loop goroutine; ingest goroutines only
// ever touch their channels.
package mainbrain

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/strawlab/strand-braid-sub000/internal/assoc"
	"github.com/strawlab/strand-braid-sub000/internal/braiderr"
	"github.com/strawlab/strand-braid-sub000/internal/bundle"
	"github.com/strawlab/strand-braid-sub000/internal/camera"
	"github.com/strawlab/strand-braid-sub000/internal/clockmodel"
	"github.com/strawlab/strand-braid-sub000/internal/config"
	"github.com/strawlab/strand-braid-sub000/internal/ekf"
	"github.com/strawlab/strand-braid-sub000/internal/ingest"
	"github.com/strawlab/strand-braid-sub000/internal/monitoring"
	"github.com/strawlab/strand-braid-sub000/internal/outbound"
	"github.com/strawlab/strand-braid-sub000/internal/persist"
	"github.com/strawlab/strand-braid-sub000/internal/track"
)

// textlogSummaryEvery is the bundle interval between per-camera drop
// counter summaries in the textlog.
const textlogSummaryEvery = 100

// Options collects everything Run needs beyond the config file.
type Options struct {
	Config       *config.MainbrainConfig
	Calibrations map[string]assoc.Calibration // keyed by camera name
	CalibrationXML []byte
	Writer       *persist.Writer
	Publisher    *outbound.Publisher

	// TriggerSamples is nil in fake-sync mode.
	TriggerSamples <-chan ingest.TriggerSample

	// Now is replaceable for tests; defaults to time.Now.
	Now func() time.Time
}

// Mainbrain is the tracking loop and its owned state.
type Mainbrain struct {
	cfg      *config.MainbrainConfig
	tuning   *config.TrackingTuning
	registry *camera.Registry
	cals     map[uint16]assoc.Calibration
	camNames map[uint16]string

	clock clockmodel.Model
	rls   *clockmodel.RLS
	fake  *clockmodel.FakeSync

	bundler *bundle.Bundler
	store   *track.Store
	params  assoc.Params

	writer *persist.Writer
	pub    *outbound.Publisher

	obsCh   chan bundle.Observation
	trigCh  <-chan ingest.TriggerSample
	now     func() time.Time

	trigSeen      bool
	trigPrevRaw   uint32
	trigPrevFrame uint64

	framePeriod time.Duration

	lastEmittedFrame     uint64
	haveEmitted          bool
	prevBundleTrigger    time.Time
	havePrevBundle       bool
	bundlesProcessed     uint64
	outOfBoundsDrops     int
	illConditionedDrops  int
}

// New builds a Mainbrain from options, registering cameras in config
// order so camera numbers are stable across runs of the same config.
func New(opts Options) (*Mainbrain, error) {
	cfg := opts.Config
	tuning := &cfg.Tracking

	registry := camera.NewRegistry()
	cals := make(map[uint16]assoc.Calibration, len(cfg.Cameras))
	camNames := make(map[uint16]string, len(cfg.Cameras))
	for i, cc := range cfg.Cameras {
		cal, ok := opts.Calibrations[cc.Name]
		if !ok {
			return nil, braiderr.NewFatal(braiderr.KindCalibration,
				fmt.Errorf("no calibration for camera %q", cc.Name))
		}
		id := uint16(i)
		if err := registry.Register(camera.NewCamera(id, cc.Name, cal)); err != nil {
			return nil, braiderr.NewFatal(braiderr.KindCalibration, err)
		}
		cals[id] = cal
		camNames[id] = cc.Name
	}

	var clock clockmodel.Model
	var rls *clockmodel.RLS
	var fake *clockmodel.FakeSync
	if cfg.Trigger.GetFakeSync() {
		fake = clockmodel.NewFakeSync(cfg.Trigger.GetFrameRateHz())
		clock = fake
	} else {
		rls = clockmodel.NewRLS(tuning.GetClockRLSWindow())
		clock = rls
	}

	framePeriod := time.Duration(float64(time.Second) / cfg.Trigger.GetFrameRateHz())
	deadline := time.Duration(tuning.GetBundlerDeadlineMs() * float64(time.Millisecond))

	m := &Mainbrain{
		cfg:         cfg,
		tuning:      tuning,
		registry:    registry,
		cals:        cals,
		camNames:    camNames,
		clock:       clock,
		rls:         rls,
		fake:        fake,
		store:       track.NewStore(),
		params:      assoc.ParamsFromTuning(tuning, cfg.WorldBounds),
		writer:      opts.Writer,
		pub:         opts.Publisher,
		obsCh:       make(chan bundle.Observation, 256),
		trigCh:      opts.TriggerSamples,
		now:         opts.Now,
		framePeriod: framePeriod,
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.bundler = bundle.New(clock, m.syncedCamIDs, deadline)

	for i, cc := range cfg.Cameras {
		m.writer.WriteCamInfo(persist.CamInfoRow{Camn: uint16(i), CamID: cc.Name})
	}
	if len(opts.CalibrationXML) > 0 {
		m.writer.SaveCalibrationXML(opts.CalibrationXML)
	}
	return m, nil
}

// Observations is the sink camera ingest goroutines feed. The channel
// is bounded; a stalled loop backpressures ingest rather than growing
// without bound.
func (m *Mainbrain) Observations() chan<- bundle.Observation { return m.obsCh }

// IngestPacket converts a wire packet into the loop's observation type
// and delivers it. It blocks only while the loop's channel is full.
func (m *Mainbrain) IngestPacket(pkt ingest.ObservationPacket) {
	obs := bundle.Observation{
		CamID:       pkt.CamID,
		FrameNumber: pkt.FrameNumber,
		RecvTime:    time.Unix(0, pkt.HostRecvTimeNs),
		Detections:  make([]bundle.Detection, len(pkt.Detections)),
	}
	for i, d := range pkt.Detections {
		obs.Detections[i] = bundle.Detection{U: d.U, V: d.V, Area: d.Area, Orientation: d.Orientation}
	}
	m.obsCh <- obs
}

// Store exposes the live track set for observability surfaces.
func (m *Mainbrain) Store() *track.Store { return m.store }

func (m *Mainbrain) syncedCamIDs() []uint16 {
	cams := m.registry.Synchronized()
	ids := make([]uint16, len(cams))
	for i, c := range cams {
		ids[i] = c.ID
	}
	return ids
}

// Run drives the tracking loop until ctx is cancelled, then drains the
// bundler and returns. Persistence flushing and sealing is the caller's
// responsibility so it can bound the seal with its own grace period.
func (m *Mainbrain) Run(ctx context.Context) error {
	timer := time.NewTimer(m.framePeriod)
	defer timer.Stop()

	for {
		m.resetDeadlineTimer(timer)
		select {
		case <-ctx.Done():
			m.drain()
			return nil

		case sample, ok := <-m.trigCh:
			if !ok {
				m.trigCh = nil
				continue
			}
			m.handleTriggerSample(sample)

		case obs := <-m.obsCh:
			if err := m.handleObservation(obs); err != nil {
				return err
			}

		case now := <-timer.C:
			for _, b := range m.bundler.Tick(now) {
				if err := m.processBundle(b); err != nil {
					return err
				}
			}
		}
	}
}

func (m *Mainbrain) resetDeadlineTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if deadline, ok := m.bundler.NextDeadline(); ok {
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		return
	}
	timer.Reset(m.framePeriod)
}

// handleTriggerSample unwraps the hardware counter and feeds the RLS
// fit. In fake-sync mode there is no trigger channel so this never
// runs.
func (m *Mainbrain) handleTriggerSample(s ingest.TriggerSample) {
	var frame uint64
	if !m.trigSeen {
		frame = uint64(s.Counter)
		m.trigSeen = true
	} else {
		frame = clockmodel.UnwrapCounter(m.trigPrevRaw, m.trigPrevFrame, s.Counter)
	}
	m.trigPrevRaw = s.Counter
	m.trigPrevFrame = frame

	if m.rls != nil {
		m.rls.Update(s.HostTimeNs, frame)
	}
	ts := float64(s.HostTimeNs) / 1e9
	m.writer.WriteTriggerClock(persist.TriggerClockRow{
		StartTimestamp: ts,
		Framecount:     frame,
		Tcnt:           s.Counter,
		StopTimestamp:  ts,
	})
}

// handleObservation persists the raw detections, advances the camera's
// sync state, and feeds the bundler when the camera is synchronized.
func (m *Mainbrain) handleObservation(obs bundle.Observation) error {
	cam := m.registry.Get(obs.CamID)
	if cam == nil {
		monitoring.Diagf("mainbrain: observation from unregistered camera %d", obs.CamID)
		return nil
	}

	if m.fake != nil {
		m.fake.Seed(obs.FrameNumber, obs.RecvTime.UnixNano())
	}

	m.persistData2D(obs)

	residual, fitted := m.clock.Residual(obs.RecvTime.UnixNano(), obs.FrameNumber)
	if fitted {
		if residual > float64(m.framePeriod.Nanoseconds())/2 {
			if cam.State() == camera.Synchronized {
				camErr := braiderr.NewCameraScoped(cam.ID,
					fmt.Errorf("desynchronized: clock residual %.1fms exceeds half the frame period", residual/1e6))
				monitoring.Opsf("mainbrain: %v (%s)", camErr, cam.Name)
				m.writer.WriteTextLog(cam.Name, camErr.Error())
			}
			cam.MarkUnsynchronized()
		} else {
			wasSynced := cam.State() == camera.Synchronized
			cam.ObserveConsistent(obs.FrameNumber, m.tuning.GetSyncLockFrames())
			if !wasSynced && cam.State() == camera.Synchronized {
				monitoring.Opsf("mainbrain: camera %s synchronized at frame %d", cam.Name, obs.FrameNumber)
				m.writer.WriteTextLog(cam.Name, fmt.Sprintf("synchronized at frame %d", obs.FrameNumber))
			}
		}
	}

	if cam.State() != camera.Synchronized {
		return nil
	}
	for _, b := range m.bundler.Ingest(obs) {
		if err := m.processBundle(b); err != nil {
			return err
		}
	}
	return nil
}

// persistData2D writes every detection of an observation, or one NaN
// row when the camera reported nothing, to the raw 2D stream.
func (m *Mainbrain) persistData2D(obs bundle.Observation) {
	ts := float64(obs.RecvTime.UnixNano()) / 1e9
	if tt, ok := m.clock.TriggerTime(obs.FrameNumber); ok {
		ts = float64(tt.UnixNano()) / 1e9
	}
	if len(obs.Detections) == 0 {
		m.writer.WriteData2D(persist.Data2DRow{
			Camn: obs.CamID, Frame: obs.FrameNumber, Timestamp: ts,
			X: math.NaN(), Y: math.NaN(), FramePtIdx: 0,
		})
		return
	}
	for i, d := range obs.Detections {
		m.writer.WriteData2D(persist.Data2DRow{
			Camn: obs.CamID, Frame: obs.FrameNumber, Timestamp: ts,
			X: d.U, Y: d.V, Area: d.Area, Orientation: d.Orientation, FramePtIdx: i,
		})
	}
}

// processBundle is one full pipeline step: predict, associate, update,
// lifecycle, persist, publish.
func (m *Mainbrain) processBundle(b bundle.Bundle) error {
	dt := m.framePeriod.Seconds()
	if m.havePrevBundle && !b.TriggerTime.IsZero() && !m.prevBundleTrigger.IsZero() {
		if d := b.TriggerTime.Sub(m.prevBundleTrigger).Seconds(); d > 0 {
			dt = d
		}
	}
	m.prevBundleTrigger = b.TriggerTime
	m.havePrevBundle = true

	sigmaA := m.tuning.GetSigmaA()

	live := m.store.Snapshot()
	sort.Slice(live, func(i, j int) bool { return live[i].ObjID < live[j].ObjID })
	predicted := make([]assoc.Predicted, len(live))
	for i, t := range live {
		predicted[i] = assoc.Predicted{ObjID: t.ObjID, State: ekf.Predict(t.State, dt, sigmaA)}
	}

	res := assoc.Associate(b, predicted, m.cals, m.params)
	if res.OutOfBounds > 0 {
		m.outOfBoundsDrops += res.OutOfBounds
		monitoring.Diagf("mainbrain: %v", braiderr.NewFrameScoped(b.FrameNumber,
			fmt.Errorf("%d birth candidates outside world bounds", res.OutOfBounds)))
	}
	if res.IllConditioned > 0 {
		m.illConditionedDrops += res.IllConditioned
		monitoring.Diagf("mainbrain: %v", braiderr.NewFrameScoped(b.FrameNumber,
			fmt.Errorf("%d ill-conditioned triangulations", res.IllConditioned)))
	}

	matched := make(map[int64]bool, len(res.Matches))
	for _, match := range res.Matches {
		var st ekf.State
		for _, p := range predicted {
			if p.ObjID == match.ObjID {
				st = p.State
				break
			}
		}
		updated, ok := ekf.Update(st, match.Meas)
		if !ok {
			// Projection failed mid-update; treat as a coast this frame.
			m.store.Commit(match.ObjID, st, b.FrameNumber, false)
			continue
		}
		matched[match.ObjID] = true
		m.store.Commit(match.ObjID, updated, b.FrameNumber, true)
		for _, r := range match.Records {
			m.writer.WriteAssociation(persist.AssociationRow{
				ObjID: r.ObjID, Frame: r.Frame, CamNum: r.CamID, PtIdx: r.DetIdx,
			})
		}
	}
	for _, p := range predicted {
		if !matched[p.ObjID] {
			m.store.Commit(p.ObjID, p.State, b.FrameNumber, false)
		}
	}

	coastLimit := m.tuning.GetCoastFrames()
	killTrace := m.tuning.GetKillTrace()
	for _, t := range m.store.Snapshot() {
		if track.ShouldKill(t, coastLimit, killTrace) {
			monitoring.Diagf("mainbrain: killing track %d at frame %d (coast=%d)",
				t.ObjID, b.FrameNumber, t.ConsecutiveCoastCount)
			m.store.Kill(t.ObjID)
		}
	}

	for _, birth := range res.Births {
		st := ekf.NewState(birth.Pos, [3]float64{0, 0, 0},
			m.tuning.GetSigmaPInit(), m.tuning.GetSigmaVInit())
		objID := m.store.Birth(b.FrameNumber, st)
		for _, r := range birth.Records {
			m.writer.WriteAssociation(persist.AssociationRow{
				ObjID: objID, Frame: r.Frame, CamNum: r.CamID, PtIdx: r.DetIdx,
			})
		}
		monitoring.Diagf("mainbrain: birthed track %d at frame %d", objID, b.FrameNumber)
	}

	m.emitEstimates(b)

	m.lastEmittedFrame = b.FrameNumber
	m.haveEmitted = true
	m.bundlesProcessed++
	if m.bundlesProcessed%textlogSummaryEvery == 0 {
		m.writeCounterSummary()
	}

	if err := m.writer.Err(); err != nil {
		if fatal, ok := err.(*braiderr.Fatal); ok && !fatal.HaveLastFrame {
			return braiderr.NewFatalAtFrame(fatal.Kind, fatal.Cause, m.lastEmittedFrame)
		}
		return err
	}
	return nil
}

// emitEstimates writes one row and one event per live track for the
// bundle just processed.
func (m *Mainbrain) emitEstimates(b bundle.Bundle) {
	ts := float64(b.TriggerTime.UnixNano()) / 1e9
	latencyMs := 0.0
	if !b.TriggerTime.IsZero() {
		latencyMs = float64(m.now().Sub(b.TriggerTime).Nanoseconds()) / 1e6
	}

	live := m.store.Snapshot()
	sort.Slice(live, func(i, j int) bool { return live[i].ObjID < live[j].ObjID })
	for _, t := range live {
		x, y, z := t.State.Position()
		p := t.State.P
		m.writer.WriteKalmanEstimate(persist.KalmanRow{
			ObjID: t.ObjID, Frame: b.FrameNumber, Timestamp: ts,
			X: x, Y: y, Z: z,
			XVel: t.State.X.AtVec(3), YVel: t.State.X.AtVec(4), ZVel: t.State.X.AtVec(5),
			P00: p.At(0, 0), P01: p.At(0, 1), P02: p.At(0, 2),
			P11: p.At(1, 1), P12: p.At(1, 2), P22: p.At(2, 2),
			P33: p.At(3, 3), P44: p.At(4, 4), P55: p.At(5, 5),
		})
		m.pub.Publish(outbound.Event{
			Frame: b.FrameNumber, ObjID: t.ObjID,
			X: x, Y: y, Z: z, LatencyMs: latencyMs,
		})
	}
}

// writeCounterSummary records the per-camera recoverable-drop counters
// in the textlog.
func (m *Mainbrain) writeCounterSummary() {
	for _, cam := range m.registry.All() {
		m.writer.WriteTextLog(cam.Name, fmt.Sprintf(
			"counters: late_drops=%d out_of_bounds=%d ill_conditioned=%d",
			m.bundler.LateDrops(cam.ID), m.outOfBoundsDrops, m.illConditionedDrops))
	}
}

// drain force-emits everything still buffered in the bundler at
// shutdown. Errors here are logged, not returned: shutdown proceeds to
// flush and seal regardless.
func (m *Mainbrain) drain() {
	for _, b := range m.bundler.Drain() {
		if err := m.processBundle(b); err != nil {
			monitoring.Opsf("mainbrain: drain: %v", err)
			return
		}
	}
}

// LastEmittedFrame reports the last bundle frame processed, for the
// fatal error report.
func (m *Mainbrain) LastEmittedFrame() (uint64, bool) {
	return m.lastEmittedFrame, m.haveEmitted
}
