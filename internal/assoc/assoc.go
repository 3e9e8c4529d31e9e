// Package assoc matches a frame bundle's 2D detections to predicted 3D
// tracks and promotes the leftovers to new tracks when enough cameras
// agree on a reconstructible 3D point. It owns no state: the caller
// hands in predicted track states and receives back matches, births,
// and drop counters, keeping the track store the single mutator.
package assoc

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/strawlab/strand-braid-sub000/internal/bundle"
	"github.com/strawlab/strand-braid-sub000/internal/config"
	"github.com/strawlab/strand-braid-sub000/internal/ekf"
	"github.com/strawlab/strand-braid-sub000/internal/monitoring"
)

// Calibration is the projection capability the associator needs per
// camera: forward projection with its analytic Jacobian, plus pixel
// back-projection to seed triangulation.
type Calibration interface {
	Project(x, y, z float64) (u, v float64, ok bool)
	Jacobian(x, y, z float64) (dudxyz, dvdxyz [3]float64, ok bool)
	Ray(u, v float64) (origin, dir [3]float64, ok bool)
}

// DebugCollector observes association internals without the associator
// depending on any consumer; a visualiser can watch gating decisions
// and births live. A nil collector disables collection entirely.
type DebugCollector interface {
	DetectionGated(frame uint64, objID int64, camID uint16, detIdx int, mahalanobis2 float64)
	BirthAccepted(frame uint64, pos [3]float64, cams []uint16)
}

// Params are the associator's tuning knobs, resolved once from the
// tracking config at startup.
type Params struct {
	PixelGate         float64
	GateMinCams       int
	SigmaPixel        float64
	BirthMinCams      int
	BirthReprojGatePx float64
	Bounds            config.WorldBounds
	Debug             DebugCollector
}

// ParamsFromTuning resolves Params from the tracking table's accessors.
func ParamsFromTuning(t *config.TrackingTuning, bounds config.WorldBounds) Params {
	return Params{
		PixelGate:         t.GetPixelGate(),
		GateMinCams:       t.GetGateMinCams(),
		SigmaPixel:        t.GetSigmaPixelMeasurement(),
		BirthMinCams:      t.GetBirthMinCams(),
		BirthReprojGatePx: t.GetBirthReprojGatePx(),
		Bounds:            bounds,
	}
}

// Predicted is one live track after the predict step, as the associator
// sees it.
type Predicted struct {
	ObjID int64
	State ekf.State
}

// Record identifies one accepted (detection, track) pairing within a
// frame.
type Record struct {
	Frame  uint64
	ObjID  int64
	CamID  uint16
	DetIdx int
}

// Match is the association outcome for one track: the gated
// measurements to feed the EKF update, and the records to persist.
type Match struct {
	ObjID   int64
	Meas    []ekf.Measurement
	Records []Record
}

// Birth is a newly reconstructed 3D point with the detections that
// produced it. The caller allocates the obj_id.
type Birth struct {
	Pos     [3]float64
	Records []Record
}

// Result is everything one bundle's association produced.
type Result struct {
	Matches []Match
	Births  []Birth

	// Frame-scoped drop counters for the textlog.
	OutOfBounds    int
	IllConditioned int
}

// Associate runs gating and greedy birth over one bundle. tracks must
// already be predicted to the bundle's frame; they are processed in
// ascending obj_id order so older tracks claim contested detections
// first. Consumed detections never reach the birth search.
func Associate(b bundle.Bundle, tracks []Predicted, cals map[uint16]Calibration, p Params) Result {
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ObjID < tracks[j].ObjID })

	camIDs := make([]uint16, 0, len(b.PerCam))
	for id := range b.PerCam {
		camIDs = append(camIDs, id)
	}
	sort.Slice(camIDs, func(i, j int) bool { return camIDs[i] < camIDs[j] })

	consumed := make(map[uint16][]bool, len(b.PerCam))
	for id, obs := range b.PerCam {
		consumed[id] = make([]bool, len(obs.Detections))
	}

	var res Result
	for _, trk := range tracks {
		m := gateTrack(b, trk, camIDs, consumed, cals, p)
		if len(m.Meas) < p.GateMinCams {
			continue
		}
		for _, r := range m.Records {
			consumed[r.CamID][r.DetIdx] = true
		}
		res.Matches = append(res.Matches, m)
	}

	births(b, camIDs, consumed, cals, p, &res)
	return res
}

// gateTrack picks, per camera, the closest unconsumed detection inside
// the Mahalanobis gate around the track's predicted reprojection.
func gateTrack(b bundle.Bundle, trk Predicted, camIDs []uint16, consumed map[uint16][]bool, cals map[uint16]Calibration, p Params) Match {
	m := Match{ObjID: trk.ObjID}
	x, y, z := trk.State.Position()

	for _, camID := range camIDs {
		cal, ok := cals[camID]
		if !ok {
			continue
		}
		uHat, vHat, ok := cal.Project(x, y, z)
		if !ok {
			continue
		}
		du, dv, ok := cal.Jacobian(x, y, z)
		if !ok {
			continue
		}

		sInv, ok := innovationInverse(trk.State.P, du, dv, p.SigmaPixel)
		if !ok {
			continue
		}

		bestIdx := -1
		bestM2 := 0.0
		bestPx2 := 0.0
		for i, det := range b.PerCam[camID].Detections {
			if consumed[camID][i] {
				continue
			}
			iu := det.U - uHat
			iv := det.V - vHat
			m2 := sInv[0]*iu*iu + 2*sInv[1]*iu*iv + sInv[2]*iv*iv
			if m2 > p.PixelGate*p.PixelGate {
				continue
			}
			px2 := iu*iu + iv*iv
			if bestIdx < 0 || m2 < bestM2 || (m2 == bestM2 && px2 < bestPx2) {
				bestIdx = i
				bestM2 = m2
				bestPx2 = px2
			}
		}
		if bestIdx < 0 {
			continue
		}
		if p.Debug != nil {
			p.Debug.DetectionGated(b.FrameNumber, trk.ObjID, camID, bestIdx, bestM2)
		}
		det := b.PerCam[camID].Detections[bestIdx]
		m.Meas = append(m.Meas, ekf.Measurement{U: det.U, V: det.V, Calib: cal, SigmaPixel: p.SigmaPixel})
		m.Records = append(m.Records, Record{Frame: b.FrameNumber, ObjID: trk.ObjID, CamID: camID, DetIdx: bestIdx})
	}
	return m
}

// innovationInverse computes the inverse of the 2x2 innovation
// covariance S = H_pos P_pos H_posᵀ + σ²I, returned as the packed
// symmetric [S⁻¹00, S⁻¹01, S⁻¹11].
func innovationInverse(P *mat.SymDense, du, dv [3]float64, sigmaPixel float64) ([3]float64, bool) {
	var s00, s01, s11 float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pij := P.At(i, j)
			s00 += du[i] * pij * du[j]
			s01 += du[i] * pij * dv[j]
			s11 += dv[i] * pij * dv[j]
		}
	}
	sigma2 := sigmaPixel * sigmaPixel
	s00 += sigma2
	s11 += sigma2

	det := s00*s11 - s01*s01
	if det <= 0 {
		return [3]float64{}, false
	}
	return [3]float64{s11 / det, -s01 / det, s00 / det}, true
}

// births greedily promotes unconsumed detections to new tracks: camera
// pairs are enumerated in ascending cam_id order and each accepted
// reconstruction removes its detections from further consideration
// within the same frame.
func births(b bundle.Bundle, camIDs []uint16, consumed map[uint16][]bool, cals map[uint16]Calibration, p Params, res *Result) {
	if p.BirthMinCams < 2 || len(camIDs) < 2 {
		return
	}
	for ai := 0; ai < len(camIDs); ai++ {
		for bi := ai + 1; bi < len(camIDs); bi++ {
			camA, camB := camIDs[ai], camIDs[bi]
			calA, okA := cals[camA]
			calB, okB := cals[camB]
			if !okA || !okB {
				continue
			}
			for ia, detA := range b.PerCam[camA].Detections {
				if consumed[camA][ia] {
					continue
				}
				for ib, detB := range b.PerCam[camB].Detections {
					if consumed[camB][ib] {
						continue
					}
					pos, ok := triangulatePair(calA, detA.U, detA.V, calB, detB.U, detB.V)
					if !ok {
						res.IllConditioned++
						continue
					}
					if !withinGate(calA, detA.U, detA.V, pos, p.BirthReprojGatePx) ||
						!withinGate(calB, detB.U, detB.V, pos, p.BirthReprojGatePx) {
						continue
					}
					if !p.Bounds.Contains(pos[0], pos[1], pos[2]) {
						res.OutOfBounds++
						continue
					}
					records := []Record{
						{Frame: b.FrameNumber, CamID: camA, DetIdx: ia},
						{Frame: b.FrameNumber, CamID: camB, DetIdx: ib},
					}
					records = appendSupporters(records, b, camIDs, camA, camB, consumed, cals, pos, p)
					if len(records) < p.BirthMinCams {
						continue
					}
					for _, r := range records {
						consumed[r.CamID][r.DetIdx] = true
					}
					res.Births = append(res.Births, Birth{Pos: pos, Records: records})
					if p.Debug != nil {
						cams := make([]uint16, len(records))
						for i, r := range records {
							cams[i] = r.CamID
						}
						p.Debug.BirthAccepted(b.FrameNumber, pos, cams)
					}
					monitoring.Tracef("assoc: birth frame=%d cams=%d,%d pos=(%.3f,%.3f,%.3f)",
						b.FrameNumber, camA, camB, pos[0], pos[1], pos[2])
					break
				}
			}
		}
	}
}

// appendSupporters extends a pair-seeded birth candidate with one
// detection from each further camera whose unconsumed detections
// reproject within the birth gate, so a minimum-camera requirement
// above two is satisfiable. The closest in-gate detection per camera is
// taken.
func appendSupporters(records []Record, b bundle.Bundle, camIDs []uint16, camA, camB uint16, consumed map[uint16][]bool, cals map[uint16]Calibration, pos [3]float64, p Params) []Record {
	for _, camID := range camIDs {
		if camID == camA || camID == camB {
			continue
		}
		cal, ok := cals[camID]
		if !ok {
			continue
		}
		uHat, vHat, ok := cal.Project(pos[0], pos[1], pos[2])
		if !ok {
			continue
		}
		bestIdx := -1
		bestPx2 := 0.0
		for i, det := range b.PerCam[camID].Detections {
			if consumed[camID][i] {
				continue
			}
			du := det.U - uHat
			dv := det.V - vHat
			px2 := du*du + dv*dv
			if px2 > p.BirthReprojGatePx*p.BirthReprojGatePx {
				continue
			}
			if bestIdx < 0 || px2 < bestPx2 {
				bestIdx = i
				bestPx2 = px2
			}
		}
		if bestIdx >= 0 {
			records = append(records, Record{Frame: b.FrameNumber, CamID: camID, DetIdx: bestIdx})
		}
	}
	return records
}

// withinGate reports whether pos reprojects into the camera within
// gatePx pixels of the observed detection. Exactly on the gate counts
// as inside.
func withinGate(cal Calibration, u, v float64, pos [3]float64, gatePx float64) bool {
	uHat, vHat, ok := cal.Project(pos[0], pos[1], pos[2])
	if !ok {
		return false
	}
	du := u - uHat
	dv := v - vHat
	return du*du+dv*dv <= gatePx*gatePx
}
