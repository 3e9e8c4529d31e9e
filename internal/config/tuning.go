package config

// TrackingTuning is the `[tracking]` table. Every field is
// optional; the Get* accessors below supply documented defaults rather
// than requiring the operator to spell them out.
type TrackingTuning struct {
	SigmaA               *float64 `toml:"sigma_a,omitempty"`
	SigmaPInit           *float64 `toml:"sigma_p_init,omitempty"`
	SigmaVInit           *float64 `toml:"sigma_v_init,omitempty"`
	PixelGate            *float64 `toml:"pixel_gate,omitempty"`
	BirthMinCams         *int     `toml:"birth_min_cams,omitempty"`
	GateMinCams          *int     `toml:"gate_min_cams,omitempty"`
	CoastFrames          *int     `toml:"coast_frames,omitempty"`
	SigmaPixelMeasurement *float64 `toml:"sigma_pixel_measurement,omitempty"`
	KillTrace            *float64 `toml:"kill_trace,omitempty"`
	BirthReprojGatePx    *float64 `toml:"birth_reproj_gate_px,omitempty"`
	SyncLockFrames       *int     `toml:"sync_lock_frames,omitempty"`
	BundlerDeadlineMs    *float64 `toml:"bundler_deadline_ms,omitempty"`
	ClockRLSWindow       *int     `toml:"clock_rls_window,omitempty"`
}

// GetSigmaA returns the process-noise acceleration scale σ_a (m/s²),
// used to build Q(Δt) in the EKF predict step.
func (t *TrackingTuning) GetSigmaA() float64 {
	if t == nil || t.SigmaA == nil {
		return 2.0
	}
	return *t.SigmaA
}

// GetSigmaPInit returns the initial position standard deviation (m)
// used to seed a newly birthed track's covariance diagonal.
func (t *TrackingTuning) GetSigmaPInit() float64 {
	if t == nil || t.SigmaPInit == nil {
		return 0.1
	}
	return *t.SigmaPInit
}

// GetSigmaVInit returns the initial velocity standard deviation (m/s)
// used to seed a newly birthed track's covariance diagonal.
func (t *TrackingTuning) GetSigmaVInit() float64 {
	if t == nil || t.SigmaVInit == nil {
		return 1.0
	}
	return *t.SigmaVInit
}

// GetPixelGate returns the Mahalanobis-gate radius, in pixels, used by
// the associator to accept a detection as supporting a predicted track.
func (t *TrackingTuning) GetPixelGate() float64 {
	if t == nil || t.PixelGate == nil {
		return 10.0
	}
	return *t.PixelGate
}

// GetBirthMinCams returns K, the minimum number of cameras with mutually
// consistent detections required to birth a new track.
func (t *TrackingTuning) GetBirthMinCams() int {
	if t == nil || t.BirthMinCams == nil {
		return 2
	}
	return *t.BirthMinCams
}

// GetGateMinCams returns G, the minimum number of cameras that must yield
// a gated detection before a track update is attempted.
func (t *TrackingTuning) GetGateMinCams() int {
	if t == nil || t.GateMinCams == nil {
		return 1
	}
	return *t.GateMinCams
}

// GetCoastFrames returns N_coast, the number of consecutive unmatched
// bundles a track tolerates before death.
func (t *TrackingTuning) GetCoastFrames() int {
	if t == nil || t.CoastFrames == nil {
		return 15
	}
	return *t.CoastFrames
}

// GetSigmaPixelMeasurement returns the per-camera 2D measurement noise σ
// (pixels) used to build R in the EKF update.
func (t *TrackingTuning) GetSigmaPixelMeasurement() float64 {
	if t == nil || t.SigmaPixelMeasurement == nil {
		return 1.0
	}
	return *t.SigmaPixelMeasurement
}

// GetKillTrace returns τ_kill, the position-covariance trace bound past
// which a track is killed regardless of coast count.
func (t *TrackingTuning) GetKillTrace() float64 {
	if t == nil || t.KillTrace == nil {
		return 100.0
	}
	return *t.KillTrace
}

// GetBirthReprojGatePx returns the reprojection-residual gate (pixels)
// a candidate triangulation must satisfy in every contributing camera to
// be accepted as a birth.
func (t *TrackingTuning) GetBirthReprojGatePx() float64 {
	if t == nil || t.BirthReprojGatePx == nil {
		return 10.0
	}
	return *t.BirthReprojGatePx
}

// GetSyncLockFrames returns N, the number of consecutive trigger-consistent
// frames required before a camera transitions Synchronizing → Synchronized.
func (t *TrackingTuning) GetSyncLockFrames() int {
	if t == nil || t.SyncLockFrames == nil {
		return 5
	}
	return *t.SyncLockFrames
}

// GetBundlerDeadlineMs returns δ, the bundler's per-frame deadline in
// milliseconds.
func (t *TrackingTuning) GetBundlerDeadlineMs() float64 {
	if t == nil || t.BundlerDeadlineMs == nil {
		return 50.0
	}
	return *t.BundlerDeadlineMs
}

// GetClockRLSWindow returns the number of trailing (host_time,
// trigger_counter) samples the clock model's recursive least squares fit
// retains. The window trades drift tracking against noise rejection; at
// 100 Hz the default covers the last two seconds of trigger samples.
func (t *TrackingTuning) GetClockRLSWindow() int {
	if t == nil || t.ClockRLSWindow == nil {
		return 200
	}
	return *t.ClockRLSWindow
}
