package mainbrain

import (
	"archive/zip"
	"compress/gzip"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strawlab/strand-braid-sub000/internal/assoc"
	"github.com/strawlab/strand-braid-sub000/internal/bundle"
	"github.com/strawlab/strand-braid-sub000/internal/calib"
	"github.com/strawlab/strand-braid-sub000/internal/config"
	"github.com/strawlab/strand-braid-sub000/internal/outbound"
	"github.com/strawlab/strand-braid-sub000/internal/persist"
)

func intPtr(v int) *int             { return &v }
func boolPtr(v bool) *bool          { return &v }
func floatPtr(v float64) *float64   { return &v }

func testConfig(coastFrames int) *config.MainbrainConfig {
	return &config.MainbrainConfig{
		Mainbrain: config.MainbrainTable{CalFname: "unused.xml"},
		Cameras: []config.CameraConfig{
			{Name: "cam1", StartBackend: "local"},
			{Name: "cam2", StartBackend: "local"},
		},
		Trigger: config.TriggerConfig{
			FakeSync:    boolPtr(true),
			FrameRateHz: floatPtr(100),
		},
		Tracking: config.TrackingTuning{
			SyncLockFrames: intPtr(1),
			CoastFrames:    intPtr(coastFrames),
		},
		WorldBounds: config.WorldBounds{
			X: config.Range{Min: -2, Max: 2},
			Y: config.Range{Min: -2, Max: 2},
			Z: config.Range{Min: -2, Max: 2},
		},
	}
}

func testCalibrations() map[string]assoc.Calibration {
	mk := func(tx float64) calib.Pinhole {
		return calib.Pinhole{
			Pose: calib.Pose{
				R: [3][3]float64{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
				T: [3]float64{tx, 0, 2},
			},
			Intrinsics: calib.Intrinsics{Fx: 800, Fy: 800, Cx: 320, Cy: 240},
		}
	}
	return map[string]assoc.Calibration{"cam1": mk(0.2), "cam2": mk(-0.2)}
}

func newTestMainbrain(t *testing.T, coastFrames int) (*Mainbrain, *persist.Writer, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run.braid")
	writer, err := persist.NewWriter(dir, 65536)
	require.NoError(t, err)

	mb, err := New(Options{
		Config:       testConfig(coastFrames),
		Calibrations: testCalibrations(),
		Writer:       writer,
		Publisher:    outbound.NewPublisher(256),
		Now:          func() time.Time { return time.Unix(100, 0) },
	})
	require.NoError(t, err)
	return mb, writer, dir
}

// feedFrame delivers one observation per camera for the given frame,
// projecting the truth point, or an empty report when visible is false.
func feedFrame(t *testing.T, mb *Mainbrain, frame uint64, truth [3]float64, visible bool) {
	t.Helper()
	period := 10 * time.Millisecond
	recv := time.Unix(0, int64(frame)*period.Nanoseconds())
	for camID := uint16(0); camID < 2; camID++ {
		obs := bundle.Observation{CamID: camID, FrameNumber: frame, RecvTime: recv}
		if visible {
			u, v, ok := mb.cals[camID].Project(truth[0], truth[1], truth[2])
			require.True(t, ok)
			obs.Detections = []bundle.Detection{{U: u, V: v, Area: 20}}
		}
		require.NoError(t, mb.handleObservation(obs))
	}
}

func truthAt(frame uint64) [3]float64 {
	// Straight line through the volume at 0.1 m/s.
	return [3]float64{-0.05 + 0.001*float64(frame), 0.02, 0.5}
}

func readCSVGZ(t *testing.T, path string) [][]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != persist.KalmanEstimatesName {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		gz, err := gzip.NewReader(rc)
		require.NoError(t, err)
		rows, err := csv.NewReader(gz).ReadAll()
		require.NoError(t, err)
		return rows
	}
	t.Fatalf("kalman_estimates stream missing from %s", path)
	return nil
}

// A single object seen by two cameras over 100 perfect frames yields
// one obj_id, one estimate row per frame from the track's birth on, and
// a final state on the true trajectory.
func TestSingleObjectTwoCameras(t *testing.T) {
	t.Parallel()
	mb, writer, dir := newTestMainbrain(t, 15)

	const frames = 100
	for f := uint64(0); f < frames; f++ {
		feedFrame(t, mb, f, truthAt(f), true)
	}

	assert.Equal(t, int64(1), mb.store.NextObjID(), "exactly one obj_id allocated")
	live := mb.store.Snapshot()
	require.Len(t, live, 1)
	x, y, z := live[0].State.Position()
	truth := truthAt(frames - 1)
	assert.InDelta(t, truth[0], x, 1e-3)
	assert.InDelta(t, truth[1], y, 1e-3)
	assert.InDelta(t, truth[2], z, 1e-3)

	require.NoError(t, writer.Flush())
	archive := filepath.Join(filepath.Dir(dir), "run.braidz")
	require.NoError(t, writer.Seal(archive))

	// Camera 1 locks first, so the frame-0 bundle emits with camera 2
	// still unsynchronized and the track is born at frame 1: header plus
	// one estimate row for every frame from 1 on.
	rows := readCSVGZ(t, archive)
	assert.Len(t, rows, frames)
}

// Occlusion shorter than the coast limit keeps the obj_id; a tighter
// limit kills the track and the reappearance births a fresh one.
func TestCoastSurvivalAndResurrection(t *testing.T) {
	t.Parallel()
	scenario := func(t *testing.T, coastFrames int, wantObjIDs int64) {
		mb, _, _ := newTestMainbrain(t, coastFrames)
		frame := uint64(0)
		for ; frame < 50; frame++ {
			feedFrame(t, mb, frame, truthAt(frame), true)
		}
		for ; frame < 60; frame++ {
			feedFrame(t, mb, frame, [3]float64{}, false)
		}
		for ; frame < 70; frame++ {
			feedFrame(t, mb, frame, truthAt(frame), true)
		}
		assert.Equal(t, wantObjIDs, mb.store.NextObjID())
		require.Equal(t, 1, mb.store.Len(), "one live track at the end either way")
		for _, trk := range mb.store.Snapshot() {
			if wantObjIDs == 2 {
				assert.GreaterOrEqual(t, trk.OriginFrame, uint64(60), "resurrected track born after the gap")
			}
		}
	}
	t.Run("coast survives gap", func(t *testing.T) { scenario(t, 15, 1) })
	t.Run("short coast splits track", func(t *testing.T) { scenario(t, 5, 2) })
}

// With a coast limit of zero, a track unmatched in a single frame dies
// immediately.
func TestZeroCoastKillsImmediately(t *testing.T) {
	t.Parallel()
	mb, _, _ := newTestMainbrain(t, 0)
	feedFrame(t, mb, 0, truthAt(0), true)
	feedFrame(t, mb, 1, truthAt(1), true)
	assert.Equal(t, 1, mb.store.Len())

	feedFrame(t, mb, 2, [3]float64{}, false)
	assert.Equal(t, 0, mb.store.Len())
}

// An unsynchronized camera contributes nothing to bundling, so a lone
// synchronized camera can never birth a track.
func TestNoBirthWithOneCamera(t *testing.T) {
	t.Parallel()
	mb, _, _ := newTestMainbrain(t, 15)
	period := 10 * time.Millisecond
	for f := uint64(0); f < 20; f++ {
		truth := truthAt(f)
		u, v, ok := mb.cals[0].Project(truth[0], truth[1], truth[2])
		require.True(t, ok)
		obs := bundle.Observation{
			CamID: 0, FrameNumber: f,
			RecvTime:   time.Unix(0, int64(f)*period.Nanoseconds()),
			Detections: []bundle.Detection{{U: u, V: v, Area: 20}},
		}
		require.NoError(t, mb.handleObservation(obs))
	}
	// Force the pending frames out despite camera 2 never reporting.
	for _, b := range mb.bundler.Drain() {
		require.NoError(t, mb.processBundle(b))
	}
	assert.Equal(t, int64(0), mb.store.NextObjID())
}
