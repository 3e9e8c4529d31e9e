// Package config loads the mainbrain's TOML configuration file and
// supplies tuning defaults for any key the operator left unset. It
// follows the same optional-pointer-field-plus-accessor shape used
// throughout this codebase's config loading: a field is either present
// in the file or the corresponding Get* method supplies the documented
// default.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is the canonical tuning-defaults file shipped with
// the repository. It documents every recognized key for operators and is
// loaded through the ordinary config.Load path by the tests.
const DefaultConfigPath = "config/tracking.defaults.toml"

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// CameraConfig is one entry of the `cameras` array.
type CameraConfig struct {
	Name         string `toml:"name"`
	StartBackend string `toml:"start_backend"` // "local" or "remote"
}

// TriggerConfig describes the `trigger` table. If FakeSync is true (or the
// table is absent) the mainbrain runs its clock model in fake-sync mode
// seeded from the first observation instead of reading real trigger
// samples.
type TriggerConfig struct {
	FrameRateHz *float64 `toml:"framerate_hz,omitempty"`
	FakeSync    *bool    `toml:"fake_sync,omitempty"`
	Port        *string  `toml:"port,omitempty"`
}

// GetFrameRateHz returns the configured trigger frame rate or the default
// used when synthesizing a fake-sync schedule.
func (t *TriggerConfig) GetFrameRateHz() float64 {
	if t == nil || t.FrameRateHz == nil {
		return 100.0
	}
	return *t.FrameRateHz
}

// GetFakeSync reports whether the clock model should run without a real
// trigger device. Defaults to true: no trigger configured means fake-sync.
func (t *TriggerConfig) GetFakeSync() bool {
	if t == nil || t.FakeSync == nil {
		return t.GetPort() == ""
	}
	return *t.FakeSync
}

// GetPort returns the serial device path for a real trigger, or "" if
// none is configured (implying fake-sync).
func (t *TriggerConfig) GetPort() string {
	if t == nil || t.Port == nil {
		return ""
	}
	return *t.Port
}

// Range is an inclusive [min, max] bound, used for world_bounds.
type Range struct {
	Min float64 `toml:"min"`
	Max float64 `toml:"max"`
}

// Contains reports whether v lies within the inclusive range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// WorldBounds is the `world_bounds` table: the volume a birthed track's
// triangulated position must lie within to be accepted.
type WorldBounds struct {
	X Range `toml:"x"`
	Y Range `toml:"y"`
	Z Range `toml:"z"`
}

// Contains reports whether a 3D point lies within all three axis bounds.
func (w WorldBounds) Contains(x, y, z float64) bool {
	return w.X.Contains(x) && w.Y.Contains(y) && w.Z.Contains(z)
}

// MainbrainTable is the `[mainbrain]` table.
type MainbrainTable struct {
	CalFname          string   `toml:"cal_fname"`
	HTTPAPIServerAddr string   `toml:"http_api_server_addr"`
	SealTimeoutSecs   *float64 `toml:"seal_timeout_secs,omitempty"`
	OutputDir         *string  `toml:"output_dir,omitempty"`
	ObservationAddr   *string  `toml:"observation_listen_addr,omitempty"`
}

// GetOutputDir returns the directory run archives are written under.
func (m MainbrainTable) GetOutputDir() string {
	if m.OutputDir == nil {
		return "."
	}
	return *m.OutputDir
}

// GetObservationAddr returns the TCP address camera drivers connect to
// with observation packet streams.
func (m MainbrainTable) GetObservationAddr() string {
	if m.ObservationAddr == nil {
		return "127.0.0.1:8398"
	}
	return *m.ObservationAddr
}

// GetSealTimeoutSecs returns the configured archive-seal grace period, or
// the default of 10 seconds.
func (m MainbrainTable) GetSealTimeoutSecs() float64 {
	if m.SealTimeoutSecs == nil {
		return 10.0
	}
	return *m.SealTimeoutSecs
}

// MainbrainConfig is the root of the TOML configuration file passed on
// the command line.
type MainbrainConfig struct {
	Mainbrain   MainbrainTable  `toml:"mainbrain"`
	Cameras     []CameraConfig  `toml:"cameras"`
	Trigger     TriggerConfig   `toml:"trigger"`
	Tracking    TrackingTuning  `toml:"tracking"`
	WorldBounds WorldBounds     `toml:"world_bounds"`
}

// Load reads and parses a MainbrainConfig from path. The file is
// validated to have a .toml extension and to be under the 1MB safety
// cap, matching this codebase's config-loading convention.
func Load(path string) (*MainbrainConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return nil, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	var cfg MainbrainConfig
	if _, err := toml.DecodeFile(cleanPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}
	if cfg.Mainbrain.CalFname == "" {
		return nil, fmt.Errorf("mainbrain.cal_fname is required")
	}
	if len(cfg.Cameras) == 0 {
		return nil, fmt.Errorf("at least one entry in [[cameras]] is required")
	}
	return &cfg, nil
}
