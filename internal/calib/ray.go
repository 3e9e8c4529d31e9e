package calib

import "math"

// Ray back-projects a pixel to a world-frame ray: the camera center and
// a unit direction pointing into the scene. The distortion polynomial is
// inverted by fixed-point iteration, which converges quickly for the
// moderate distortion coefficients real lenses produce. Triangulation
// uses the ray only as an initial guess; the subsequent Gauss-Newton
// refinement runs through the full projection model.
func (p Pinhole) Ray(u, v float64) (origin, dir [3]float64, ok bool) {
	k := p.Intrinsics
	if k.Fx == 0 || k.Fy == 0 {
		return origin, dir, false
	}
	xd := (u - k.Cx) / k.Fx
	yd := (v - k.Cy) / k.Fy

	// Invert the Brown-Conrady distortion by fixed-point iteration.
	xn, yn := xd, yd
	for i := 0; i < 8; i++ {
		xe, ye := p.distort(xn, yn)
		xn += xd - xe
		yn += yd - ye
	}

	// Camera-frame direction [xn yn 1] rotated back to world: R^T * d.
	R := p.Pose.R
	dx := R[0][0]*xn + R[1][0]*yn + R[2][0]
	dy := R[0][1]*xn + R[1][1]*yn + R[2][1]
	dz := R[0][2]*xn + R[1][2]*yn + R[2][2]
	norm := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if norm == 0 {
		return origin, dir, false
	}

	cx, cy, cz := p.Pose.WorldCenter()
	return [3]float64{cx, cy, cz}, [3]float64{dx / norm, dy / norm, dz / norm}, true
}

// Ray implements the same back-projection for a refractive camera by
// returning the in-air ray. Below-surface geometry bends at the water
// interface, so the returned ray is only approximate there; callers
// refine through Project, which models the refraction exactly.
func (r Refractive) Ray(u, v float64) (origin, dir [3]float64, ok bool) {
	return r.Pinhole.Ray(u, v)
}
