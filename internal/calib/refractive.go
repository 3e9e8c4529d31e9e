package calib

import "math"

// Refractive wraps a Pinhole camera with a planar water interface at
// z=0 and refractive index N ≥ 1. The camera must be
// above the surface (world-frame z > 0); points below the surface are
// observed along a ray refracted at the crossing point, found by a
// monotone 1-D root-find (bisection then Newton) and differentiated by
// implicit differentiation of Snell's law, never numerically.
type Refractive struct {
	Pinhole Pinhole
	N       float64 // refractive index of water, N >= 1
}

const (
	refractBisectIters = 40
	refractNewtonIters  = 4
)

// crossing solves for s, the distance along the camera-to-target lateral
// line from the camera's lateral position to the water-surface crossing
// point, given camera height h1 above the surface, target depth h2 below
// it, and lateral separation d. f(s) is monotone increasing over [0, d]
// with a unique root (Snell's law expressed via the sines of the
// incidence and refraction angles).
func crossing(d, h1, h2, n float64) float64 {
	f := func(s float64) float64 {
		u := d - s
		return s/math.Hypot(s, h1) - n*u/math.Hypot(u, h2)
	}

	lo, hi := 0.0, d
	flo := f(lo)
	for i := 0; i < refractBisectIters; i++ {
		mid := (lo + hi) / 2
		if (f(mid) > 0) == (flo > 0) {
			lo = mid
		} else {
			hi = mid
		}
	}
	s := (lo + hi) / 2

	for i := 0; i < refractNewtonIters; i++ {
		u := d - s
		a := h1 * h1 / math.Pow(s*s+h1*h1, 1.5)
		b := n * h2 * h2 / math.Pow(u*u+h2*h2, 1.5)
		deriv := a + b
		if deriv == 0 {
			break
		}
		s -= f(s) / deriv
		if s < 0 {
			s = 0
		}
		if s > d {
			s = d
		}
	}
	return s
}

// surfacePoint returns the water-surface crossing point for a target at
// world (x, y, z) with z < 0, observed from a camera whose world center
// is (cx, cy, cz) with cz > 0. ok is false if the camera is not above
// the surface or the target is not below it. A target directly below
// the camera needs no root-find: the crossing is the point under the
// camera, returned with s = d = 0.
func (r Refractive) surfacePoint(x, y, z, cx, cy, cz float64) (sx, sy, s, d float64, ok bool) {
	dx := x - cx
	dy := y - cy
	d = math.Hypot(dx, dy)
	h1 := cz
	h2 := -z
	if h1 <= 0 || h2 <= 0 {
		return 0, 0, 0, 0, false
	}
	if d == 0 {
		return cx, cy, 0, 0, true
	}
	s = crossing(d, h1, h2, r.N)
	k := s / d
	sx = cx + k*dx
	sy = cy + k*dy
	return sx, sy, s, d, true
}

// Project implements camera.Calibration. Points at or above the water
// surface project directly through the pinhole model (no refraction);
// points below it refract at the computed surface crossing.
func (r Refractive) Project(x, y, z float64) (u, v float64, ok bool) {
	if z >= 0 {
		return r.Pinhole.Project(x, y, z)
	}
	cx, cy, cz := r.Pinhole.Pose.WorldCenter()
	sx, sy, _, _, ok := r.surfacePoint(x, y, z, cx, cy, cz)
	if !ok {
		return 0, 0, false
	}
	return r.Pinhole.Project(sx, sy, 0)
}

// Jacobian implements camera.Calibration via implicit differentiation of
// Snell's law at the surface crossing, then the chain rule through the
// pinhole Jacobian evaluated at the crossing point.
func (r Refractive) Jacobian(x, y, z float64) (dudxyz, dvdxyz [3]float64, ok bool) {
	if z >= 0 {
		return r.Pinhole.Jacobian(x, y, z)
	}
	cx, cy, cz := r.Pinhole.Pose.WorldCenter()
	sx, sy, s, d, ok := r.surfacePoint(x, y, z, cx, cy, cz)
	if !ok {
		return dudxyz, dvdxyz, false
	}
	if d == 0 {
		// Target directly below the camera: dS/dP is diagonal. The
		// crossing moves laterally by k0 = ds/dd at s = d = 0 (the
		// small-angle limit of Snell's law) per unit of lateral target
		// motion, and depth has no lateral effect by symmetry.
		h1, h2 := cz, -z
		k0 := (r.N / h2) / (1/h1 + r.N/h2)
		hPinhole, vPinhole, pok := r.Pinhole.Jacobian(sx, sy, 0)
		if !pok {
			return dudxyz, dvdxyz, false
		}
		dudxyz = [3]float64{k0 * hPinhole[0], k0 * hPinhole[1], 0}
		dvdxyz = [3]float64{k0 * vPinhole[0], k0 * vPinhole[1], 0}
		return dudxyz, dvdxyz, true
	}

	h1 := cz
	h2 := -z
	n := r.N
	u := d - s

	a := h1 * h1 / math.Pow(s*s+h1*h1, 1.5)
	b := n * h2 * h2 / math.Pow(u*u+h2*h2, 1.5)
	chScale := n * u * h2 / math.Pow(u*u+h2*h2, 1.5)
	denom := a + b

	dsdd := b / denom
	dsdh2 := -chScale / denom // h2 = -z, so ds/dz = dsdh2 * d(h2)/dz = dsdh2 * -1

	dx := x - cx
	dy := y - cy

	dddx := dx / d
	dddy := dy / d

	dsdx := dsdd * dddx
	dsdy := dsdd * dddy
	dsdz := -dsdh2 // chain through h2 = -z

	k := s / d
	// Sx = cx + k*dx, Sy = cy + k*dy, with k = s/d, d depending on x,y.
	// dk/dx = (dsdx*d - s*dddx)/d^2, dk/dy analogous, dk/dz = dsdz/d.
	dkdx := (dsdx*d - s*dddx) / (d * d)
	dkdy := (dsdy*d - s*dddy) / (d * d)
	dkdz := dsdz / d

	var dS [3][3]float64 // dS[row][col]: row 0=Sx,1=Sy,2=Sz(=0); col 0=x,1=y,2=z
	dS[0][0] = k + dx*dkdx
	dS[0][1] = dx * dkdy
	dS[0][2] = dx * dkdz
	dS[1][0] = dy * dkdx
	dS[1][1] = k + dy*dkdy
	dS[1][2] = dy * dkdz
	// dS[2][*] stays zero: the surface point's z coordinate is always 0.

	hPinhole, vPinhole, pok := r.Pinhole.Jacobian(sx, sy, 0)
	if !pok {
		return dudxyz, dvdxyz, false
	}

	for col := 0; col < 3; col++ {
		dudxyz[col] = hPinhole[0]*dS[0][col] + hPinhole[1]*dS[1][col] + hPinhole[2]*dS[2][col]
		dvdxyz[col] = vPinhole[0]*dS[0][col] + vPinhole[1]*dS[1][col] + vPinhole[2]*dS[2][col]
	}
	return dudxyz, dvdxyz, true
}
