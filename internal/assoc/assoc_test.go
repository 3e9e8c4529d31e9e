package assoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strawlab/strand-braid-sub000/internal/bundle"
	"github.com/strawlab/strand-braid-sub000/internal/calib"
	"github.com/strawlab/strand-braid-sub000/internal/config"
	"github.com/strawlab/strand-braid-sub000/internal/ekf"
)

// stereoRig returns two cameras looking down from z=2, offset along x,
// with a generous world volume.
func stereoRig() (map[uint16]Calibration, Params) {
	mk := func(tx float64) calib.Pinhole {
		return calib.Pinhole{
			Pose: calib.Pose{
				R: [3][3]float64{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
				T: [3]float64{tx, 0, 2},
			},
			Intrinsics: calib.Intrinsics{Fx: 800, Fy: 800, Cx: 320, Cy: 240},
		}
	}
	cals := map[uint16]Calibration{0: mk(0.2), 1: mk(-0.2)}
	bounds := config.WorldBounds{
		X: config.Range{Min: -2, Max: 2},
		Y: config.Range{Min: -2, Max: 2},
		Z: config.Range{Min: -2, Max: 2},
	}
	params := Params{
		PixelGate:         10,
		GateMinCams:       1,
		SigmaPixel:        1.0,
		BirthMinCams:      2,
		BirthReprojGatePx: 10,
		Bounds:            bounds,
	}
	return cals, params
}

func observe(t *testing.T, cals map[uint16]Calibration, pos [3]float64) bundle.Bundle {
	t.Helper()
	b := bundle.Bundle{FrameNumber: 7, PerCam: map[uint16]bundle.Observation{}}
	for id, cal := range cals {
		u, v, ok := cal.Project(pos[0], pos[1], pos[2])
		require.True(t, ok)
		b.PerCam[id] = bundle.Observation{
			CamID:       id,
			FrameNumber: 7,
			Detections:  []bundle.Detection{{U: u, V: v, Area: 12}},
		}
	}
	return b
}

func TestAssociateMatchesPredictedTrack(t *testing.T) {
	t.Parallel()
	cals, params := stereoRig()
	truth := [3]float64{0.05, -0.03, 0.4}
	b := observe(t, cals, truth)

	st := ekf.NewState(truth, [3]float64{0, 0, 0}, 0.05, 0.5)
	res := Associate(b, []Predicted{{ObjID: 3, State: st}}, cals, params)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, int64(3), res.Matches[0].ObjID)
	assert.Len(t, res.Matches[0].Meas, 2, "both cameras gate the detection")
	assert.Empty(t, res.Births, "consumed detections never reach the birth search")
}

func TestAssociateBirthsFromUnclaimedDetections(t *testing.T) {
	t.Parallel()
	cals, params := stereoRig()
	truth := [3]float64{-0.1, 0.08, 0.6}
	b := observe(t, cals, truth)

	res := Associate(b, nil, cals, params)

	require.Len(t, res.Births, 1)
	birth := res.Births[0]
	assert.InDelta(t, truth[0], birth.Pos[0], 1e-6)
	assert.InDelta(t, truth[1], birth.Pos[1], 1e-6)
	assert.InDelta(t, truth[2], birth.Pos[2], 1e-6)
	require.Len(t, birth.Records, 2)

	// The birthed point must reproject onto the consumed detections
	// within the birth gate.
	for _, r := range birth.Records {
		det := b.PerCam[r.CamID].Detections[r.DetIdx]
		u, v, ok := cals[r.CamID].Project(birth.Pos[0], birth.Pos[1], birth.Pos[2])
		require.True(t, ok)
		du := det.U - u
		dv := det.V - v
		assert.LessOrEqual(t, du*du+dv*dv, params.BirthReprojGatePx*params.BirthReprojGatePx)
	}
}

func TestNoBirthFromSingleCamera(t *testing.T) {
	t.Parallel()
	cals, params := stereoRig()
	truth := [3]float64{0, 0, 0.5}
	b := observe(t, cals, truth)
	// Remove camera 1's detections: one camera alone must never birth.
	obs := b.PerCam[1]
	obs.Detections = nil
	b.PerCam[1] = obs

	res := Associate(b, nil, cals, params)
	assert.Empty(t, res.Births)
}

func TestBirthRequiresMinimumCameras(t *testing.T) {
	t.Parallel()
	cals, params := stereoRig()
	params.BirthMinCams = 3
	b := observe(t, cals, [3]float64{0, 0, 0.5})

	res := Associate(b, nil, cals, params)
	assert.Empty(t, res.Births, "two cameras cannot satisfy a three-camera birth requirement")
}

func TestBirthRejectedOutsideWorldBounds(t *testing.T) {
	t.Parallel()
	cals, params := stereoRig()
	params.Bounds.Z = config.Range{Min: 1.5, Max: 2.0} // excludes the point
	truth := [3]float64{0, 0, 0.5}
	b := observe(t, cals, truth)

	res := Associate(b, nil, cals, params)
	assert.Empty(t, res.Births)
	assert.Equal(t, 1, res.OutOfBounds)
}

// A detection exactly on the gate boundary is accepted; strictly
// outside is rejected.
func TestGateBoundaryInclusive(t *testing.T) {
	t.Parallel()
	cals, params := stereoRig()
	truth := [3]float64{0, 0, 0.5}

	st := ekf.NewState(truth, [3]float64{0, 0, 0}, 0, 0)
	// With zero prior covariance the innovation covariance is exactly
	// σ²I, so Mahalanobis distance is pixel distance over σ.
	onGate := params.PixelGate * params.SigmaPixel

	for _, tc := range []struct {
		name   string
		offset float64
		want   int
	}{
		{"exactly on the gate", onGate, 1},
		{"strictly outside", onGate + 1e-6, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := bundle.Bundle{FrameNumber: 1, PerCam: map[uint16]bundle.Observation{}}
			u, v, ok := cals[0].Project(truth[0], truth[1], truth[2])
			require.True(t, ok)
			b.PerCam[0] = bundle.Observation{
				CamID: 0, FrameNumber: 1,
				Detections: []bundle.Detection{{U: u + tc.offset, V: v}},
			}
			res := Associate(b, []Predicted{{ObjID: 1, State: st}}, map[uint16]Calibration{0: cals[0]}, params)
			assert.Len(t, res.Matches, tc.want)
		})
	}
}

func TestTieBreakPrefersLowerDetectionIndex(t *testing.T) {
	t.Parallel()
	cals, params := stereoRig()
	truth := [3]float64{0, 0, 0.5}
	st := ekf.NewState(truth, [3]float64{0, 0, 0}, 0, 0)

	u, v, ok := cals[0].Project(truth[0], truth[1], truth[2])
	require.True(t, ok)
	// Two detections mirrored around the prediction: identical pixel
	// distance, so the lower index must win.
	b := bundle.Bundle{FrameNumber: 1, PerCam: map[uint16]bundle.Observation{
		0: {CamID: 0, FrameNumber: 1, Detections: []bundle.Detection{
			{U: u + 2, V: v},
			{U: u - 2, V: v},
		}},
	}}
	res := Associate(b, []Predicted{{ObjID: 1, State: st}}, map[uint16]Calibration{0: cals[0]}, params)
	require.Len(t, res.Matches, 1)
	require.Len(t, res.Matches[0].Records, 1)
	assert.Equal(t, 0, res.Matches[0].Records[0].DetIdx)
}

func TestTriangulateRefractiveRecoversDepth(t *testing.T) {
	t.Parallel()
	mk := func(tx float64) calib.Refractive {
		return calib.Refractive{
			Pinhole: calib.Pinhole{
				Pose: calib.Pose{
					R: [3][3]float64{{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
					T: [3]float64{tx, 0, 1.0},
				},
				Intrinsics: calib.Intrinsics{Fx: 800, Fy: 800, Cx: 320, Cy: 240},
			},
			N: 1.333,
		}
	}
	calA, calB := mk(0.3), mk(-0.3)

	truth := [3]float64{0.05, 0.02, -0.3}
	uA, vA, ok := calA.Project(truth[0], truth[1], truth[2])
	require.True(t, ok)
	uB, vB, ok := calB.Project(truth[0], truth[1], truth[2])
	require.True(t, ok)

	pos, ok := triangulatePair(calA, uA, vA, calB, uB, vB)
	require.True(t, ok)
	assert.InDelta(t, truth[2], pos[2], 2e-3, "depth within 2mm through the refractive model")

	// The same pixels triangulated without the refractive model land
	// visibly shallower: the bias the water correction exists to remove.
	posDry, ok := triangulatePair(calA.Pinhole, uA, vA, calB.Pinhole, uB, vB)
	require.True(t, ok)
	assert.Greater(t, absf(posDry[2]-truth[2]), 0.01)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
