package assoc

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	gaussNewtonIters = 10
	gaussNewtonTol   = 1e-12
)

// triangulatePair reconstructs a 3D point from one detection in each of
// two cameras: the closest-point midpoint of the two back-projected
// rays seeds a Gauss-Newton refinement through the full projection
// model, so distortion and any water refraction are accounted for even
// though the seed rays ignore them.
func triangulatePair(calA Calibration, uA, vA float64, calB Calibration, uB, vB float64) ([3]float64, bool) {
	oA, dA, ok := calA.Ray(uA, vA)
	if !ok {
		return [3]float64{}, false
	}
	oB, dB, ok := calB.Ray(uB, vB)
	if !ok {
		return [3]float64{}, false
	}
	seed, ok := rayMidpoint(oA, dA, oB, dB)
	if !ok {
		return [3]float64{}, false
	}
	return refine(seed, []Calibration{calA, calB}, []float64{uA, uB}, []float64{vA, vB})
}

// rayMidpoint returns the point halfway between the closest points of
// two skew rays. Near-parallel rays are rejected as ill-conditioned.
func rayMidpoint(o1, d1, o2, d2 [3]float64) ([3]float64, bool) {
	w := [3]float64{o2[0] - o1[0], o2[1] - o1[1], o2[2] - o1[2]}
	a := dot(d1, d1)
	bb := dot(d1, d2)
	c := dot(d2, d2)
	det := a*c - bb*bb
	if math.Abs(det) < 1e-12 {
		return [3]float64{}, false
	}
	e := dot(w, d1)
	f := dot(w, d2)
	t1 := (e*c - bb*f) / det
	t2 := (e*bb - a*f) / det

	p1 := [3]float64{o1[0] + t1*d1[0], o1[1] + t1*d1[1], o1[2] + t1*d1[2]}
	p2 := [3]float64{o2[0] + t2*d2[0], o2[1] + t2*d2[1], o2[2] + t2*d2[2]}
	return [3]float64{(p1[0] + p2[0]) / 2, (p1[1] + p2[1]) / 2, (p1[2] + p2[2]) / 2}, true
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// refine runs Gauss-Newton on the stacked reprojection residual. Each
// iteration solves (JᵀJ)δ = Jᵀr for the position correction; it stops
// early once the correction is negligible.
func refine(x [3]float64, cals []Calibration, us, vs []float64) ([3]float64, bool) {
	m := len(cals)
	r := mat.NewVecDense(2*m, nil)
	j := mat.NewDense(2*m, 3, nil)

	for iter := 0; iter < gaussNewtonIters; iter++ {
		for i, cal := range cals {
			uHat, vHat, ok := cal.Project(x[0], x[1], x[2])
			if !ok {
				return [3]float64{}, false
			}
			du, dv, ok := cal.Jacobian(x[0], x[1], x[2])
			if !ok {
				return [3]float64{}, false
			}
			r.SetVec(2*i, us[i]-uHat)
			r.SetVec(2*i+1, vs[i]-vHat)
			for col := 0; col < 3; col++ {
				j.Set(2*i, col, du[col])
				j.Set(2*i+1, col, dv[col])
			}
		}

		var jtj mat.Dense
		jtj.Mul(j.T(), j)
		var jtr mat.VecDense
		jtr.MulVec(j.T(), r)

		var delta mat.VecDense
		if err := delta.SolveVec(&jtj, &jtr); err != nil {
			return [3]float64{}, false
		}
		x[0] += delta.AtVec(0)
		x[1] += delta.AtVec(1)
		x[2] += delta.AtVec(2)

		if delta.AtVec(0)*delta.AtVec(0)+delta.AtVec(1)*delta.AtVec(1)+delta.AtVec(2)*delta.AtVec(2) < gaussNewtonTol {
			break
		}
	}
	return x, true
}
