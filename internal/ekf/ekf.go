// Package ekf implements the tracker's predict/update engine: a
// constant-velocity 6-state filter (position, velocity) with the
// calibration-provided observation Jacobian, stacked across an
// arbitrary number of contributing cameras, updated with the Joseph-form
// covariance expression. The naive (I-KH)P form loses symmetry under
// finite precision and is a correctness bug here, not a style choice.
package ekf

import (
	"gonum.org/v1/gonum/mat"
)

// State is a track's 6-vector [x y z ẋ ẏ ż] and its 6x6 PSD covariance.
type State struct {
	X *mat.VecDense // length 6
	P *mat.SymDense // 6x6
}

// NewState builds a State from a position and velocity with a diagonal
// initial covariance.
func NewState(pos, vel [3]float64, sigmaPInit, sigmaVInit float64) State {
	x := mat.NewVecDense(6, []float64{pos[0], pos[1], pos[2], vel[0], vel[1], vel[2]})
	diag := []float64{
		sigmaPInit * sigmaPInit, sigmaPInit * sigmaPInit, sigmaPInit * sigmaPInit,
		sigmaVInit * sigmaVInit, sigmaVInit * sigmaVInit, sigmaVInit * sigmaVInit,
	}
	p := mat.NewSymDense(6, nil)
	for i, v := range diag {
		p.SetSym(i, i, v)
	}
	return State{X: x, P: p}
}

// Position returns the state's position components.
func (s State) Position() (x, y, z float64) {
	return s.X.AtVec(0), s.X.AtVec(1), s.X.AtVec(2)
}

// PositionCovTrace returns trace(P_position), the sum of the diagonal
// position-block entries, compared against τ_kill.
func (s State) PositionCovTrace() float64 {
	return s.P.At(0, 0) + s.P.At(1, 1) + s.P.At(2, 2)
}

// transitionMatrix builds F(Δt) for constant-velocity motion.
func transitionMatrix(dt float64) *mat.Dense {
	f := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		f.Set(i, i, 1)
	}
	f.Set(0, 3, dt)
	f.Set(1, 4, dt)
	f.Set(2, 5, dt)
	return f
}

// processNoise builds Q(Δt) for discrete white-noise acceleration with
// scale sigmaA.
func processNoise(dt, sigmaA float64) *mat.SymDense {
	q := mat.NewSymDense(6, nil)
	dt2 := dt * dt
	dt3 := dt2 * dt
	dt4 := dt3 * dt
	posPos := dt4 / 4 * sigmaA * sigmaA
	posVel := dt3 / 2 * sigmaA * sigmaA
	velVel := dt2 * sigmaA * sigmaA
	for i := 0; i < 3; i++ {
		q.SetSym(i, i, posPos)
		q.SetSym(i+3, i+3, velVel)
		q.SetSym(i, i+3, posVel)
	}
	return q
}

// Predict advances state to the bundle's frame under constant-velocity
// motion: x ← F(Δt)x, P ← F P Fᵀ + Q(Δt).
func Predict(s State, dt, sigmaA float64) State {
	if dt < 0 {
		dt = 0
	}
	f := transitionMatrix(dt)
	q := processNoise(dt, sigmaA)

	var xNext mat.VecDense
	xNext.MulVec(f, s.X)

	var fp mat.Dense
	fp.Mul(f, s.P)
	var fpft mat.Dense
	fpft.Mul(&fp, f.T())

	pNext := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			pNext.SetSym(i, j, fpft.At(i, j)+q.At(i, j))
		}
	}
	return State{X: &xNext, P: pNext}
}

// Measurement is one 2D observation contributed by a camera, paired
// with the projection capability used to compute h(x) and H at the
// current state estimate.
type Measurement struct {
	U, V       float64
	Calib      Calibration
	SigmaPixel float64
}

// Calibration is the subset of camera.Calibration the EKF needs; kept
// local to avoid an import cycle between ekf and camera.
type Calibration interface {
	Project(x, y, z float64) (u, v float64, ok bool)
	Jacobian(x, y, z float64) (dudxyz, dvdxyz [3]float64, ok bool)
}

// Update applies the Joseph-form EKF update for m stacked measurements
// from different cameras. With zero measurements it is
// exactly the identity on s.
func Update(s State, meas []Measurement) (State, bool) {
	if len(meas) == 0 {
		return s, true
	}

	m := len(meas)
	x, y, z := s.Position()

	y_ := mat.NewVecDense(2*m, nil)
	h := mat.NewDense(2*m, 6, nil)
	rDiag := make([]float64, 2*m)

	for i, mrow := range meas {
		u, v, ok := mrow.Calib.Project(x, y, z)
		if !ok {
			return s, false
		}
		dudxyz, dvdxyz, ok := mrow.Calib.Jacobian(x, y, z)
		if !ok {
			return s, false
		}
		y_.SetVec(2*i, mrow.U-u)
		y_.SetVec(2*i+1, mrow.V-v)
		for col := 0; col < 3; col++ {
			h.Set(2*i, col, dudxyz[col])
			h.Set(2*i+1, col, dvdxyz[col])
		}
		sigma2 := mrow.SigmaPixel * mrow.SigmaPixel
		rDiag[2*i] = sigma2
		rDiag[2*i+1] = sigma2
	}

	r := mat.NewDiagDense(2*m, rDiag)

	var ph mat.Dense
	ph.Mul(s.P, h.T())

	var hph mat.Dense
	hph.Mul(h, &ph)

	var innovCov mat.Dense
	innovCov.Add(&hph, r)

	var innovCovInv mat.Dense
	if err := innovCovInv.Inverse(&innovCov); err != nil {
		return s, false
	}

	var k mat.Dense
	k.Mul(&ph, &innovCovInv)

	var xDelta mat.VecDense
	xDelta.MulVec(&k, y_)

	var xNext mat.VecDense
	xNext.AddVec(s.X, &xDelta)

	// Joseph form: P' = (I-KH) P (I-KH)^T + K R K^T.
	ikh := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		ikh.Set(i, i, 1)
	}
	var kh mat.Dense
	kh.Mul(&k, h)
	ikh.Sub(ikh, &kh)

	var ikhP mat.Dense
	ikhP.Mul(ikh, s.P)
	var ikhPikhT mat.Dense
	ikhPikhT.Mul(&ikhP, ikh.T())

	var kr mat.Dense
	kr.Mul(&k, r)
	var krkt mat.Dense
	krkt.Mul(&kr, k.T())

	var pNextDense mat.Dense
	pNextDense.Add(&ikhPikhT, &krkt)

	pNext := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			// Symmetrize explicitly: Joseph form is PSD-preserving in
			// exact arithmetic, but floating point can leave a residual
			// asymmetry that SymDense would otherwise reject.
			v := (pNextDense.At(i, j) + pNextDense.At(j, i)) / 2
			pNext.SetSym(i, j, v)
		}
	}

	return State{X: &xNext, P: pNext}, true
}
