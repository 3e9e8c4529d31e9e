// Package calib implements the camera projection capability: a single
// `{Project, Jacobian}` interface
// satisfied by two concrete models, a pinhole-plus-distortion camera and
// a camera observing through a planar water interface. Both are pure
// functions of a calibration loaded once at startup and then shared
// read-only across the tracking loop.
package calib

// Pose is a camera's extrinsic: world point Xw maps to camera frame via
// Xc = R*Xw + T.
type Pose struct {
	R [3][3]float64
	T [3]float64
}

// WorldCenter returns the camera center in world coordinates, i.e. the
// Xw for which R*Xw+T = 0. Used by the refractive model to find the
// lateral offset to the water-surface crossing point.
func (p Pose) WorldCenter() (x, y, z float64) {
	// Cw = -R^T T
	x = -(p.R[0][0]*p.T[0] + p.R[1][0]*p.T[1] + p.R[2][0]*p.T[2])
	y = -(p.R[0][1]*p.T[0] + p.R[1][1]*p.T[1] + p.R[2][1]*p.T[2])
	z = -(p.R[0][2]*p.T[0] + p.R[1][2]*p.T[1] + p.R[2][2]*p.T[2])
	return
}

func (p Pose) apply(x, y, z float64) (xc, yc, zc float64) {
	xc = p.R[0][0]*x + p.R[0][1]*y + p.R[0][2]*z + p.T[0]
	yc = p.R[1][0]*x + p.R[1][1]*y + p.R[1][2]*z + p.T[1]
	zc = p.R[2][0]*x + p.R[2][1]*y + p.R[2][2]*z + p.T[2]
	return
}

// Intrinsics is the pinhole intrinsic matrix plus radial/tangential
// distortion coefficients (Brown-Conrady model).
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
	K1, K2, K3 float64
	P1, P2     float64
}

// Pinhole is the non-refractive calibration model: standard
// pinhole-plus-distortion projection, differentiable in closed form.
type Pinhole struct {
	Pose       Pose
	Intrinsics Intrinsics
}

// Project implements camera.Calibration.
func (p Pinhole) Project(x, y, z float64) (u, v float64, ok bool) {
	xc, yc, zc := p.Pose.apply(x, y, z)
	if zc <= 1e-9 {
		return 0, 0, false
	}
	xn := xc / zc
	yn := yc / zc
	xd, yd := p.distort(xn, yn)
	k := p.Intrinsics
	return k.Fx*xd + k.Cx, k.Fy*yd + k.Cy, true
}

func (p Pinhole) distort(xn, yn float64) (xd, yd float64) {
	k := p.Intrinsics
	r2 := xn*xn + yn*yn
	radial := 1 + k.K1*r2 + k.K2*r2*r2 + k.K3*r2*r2*r2
	xd = xn*radial + 2*k.P1*xn*yn + k.P2*(r2+2*xn*xn)
	yd = yn*radial + k.P1*(r2+2*yn*yn) + 2*k.P2*xn*yn
	return
}

// Jacobian implements camera.Calibration. It is the full analytic chain
// rule through the extrinsic rotation, the perspective division, and the
// distortion polynomial — no finite differences.
func (p Pinhole) Jacobian(x, y, z float64) (dudxyz, dvdxyz [3]float64, ok bool) {
	xc, yc, zc := p.Pose.apply(x, y, z)
	if zc <= 1e-9 {
		return dudxyz, dvdxyz, false
	}
	k := p.Intrinsics

	xn := xc / zc
	yn := yc / zc
	r2 := xn*xn + yn*yn
	dradial_dr2 := k.K1 + 2*k.K2*r2 + 3*k.K3*r2*r2
	radial := 1 + k.K1*r2 + k.K2*r2*r2 + k.K3*r2*r2*r2

	// d(xd,yd)/d(xn,yn)
	dxd_dxn := radial + 2*xn*xn*dradial_dr2 + 2*k.P1*yn + 6*k.P2*xn
	dxd_dyn := 2*xn*yn*dradial_dr2 + 2*k.P1*xn + 2*k.P2*yn
	dyd_dxn := 2*xn*yn*dradial_dr2 + 2*k.P1*xn + 2*k.P2*yn
	dyd_dyn := radial + 2*yn*yn*dradial_dr2 + 6*k.P1*yn + 2*k.P2*xn

	// d(xn,yn)/d(xc,yc,zc)
	invZc := 1.0 / zc
	dxn := [3]float64{invZc, 0, -xn * invZc}
	dyn := [3]float64{0, invZc, -yn * invZc}

	// d(xd,yd)/d(xc,yc,zc) via chain rule
	var dxd, dyd [3]float64
	for i := 0; i < 3; i++ {
		dxd[i] = dxd_dxn*dxn[i] + dxd_dyn*dyn[i]
		dyd[i] = dyd_dxn*dxn[i] + dyd_dyn*dyn[i]
	}

	// d(xc,yc,zc)/d(x,y,z) = R
	R := p.Pose.R
	for j := 0; j < 3; j++ {
		var du, dv float64
		for i := 0; i < 3; i++ {
			du += dxd[i] * R[i][j]
			dv += dyd[i] * R[i][j]
		}
		dudxyz[j] = k.Fx * du
		dvdxyz[j] = k.Fy * dv
	}
	return dudxyz, dvdxyz, true
}
