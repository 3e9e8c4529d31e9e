// Package camera holds the camera registry: each configured camera's
// identity, its calibration, and its synchronization state machine.
package camera

import (
	"fmt"
	"sync"
)

// SyncState is a camera's position in the synchronization state machine.
type SyncState int

const (
	Unsynchronized SyncState = iota
	Synchronizing
	Synchronized
)

func (s SyncState) String() string {
	switch s {
	case Unsynchronized:
		return "Unsynchronized"
	case Synchronizing:
		return "Synchronizing"
	case Synchronized:
		return "Synchronized"
	default:
		return "Unknown"
	}
}

// Calibration is the capability a camera's projection model satisfies:
// pinhole-only or pinhole-plus-refraction. Concrete implementations live in internal/calib; camera
// only needs the interface to attach one to each registered Camera.
type Calibration interface {
	// Project maps a 3D world point to a 2D pixel. ok is false if the
	// point cannot be projected (behind the camera, or a refractive
	// camera that is not above the water surface) — callers must never
	// receive an infinity.
	Project(x, y, z float64) (u, v float64, ok bool)

	// Jacobian returns the 2x3 analytic derivative of Project with
	// respect to (x, y, z) at the given world point. Only valid when
	// Project reports ok; numerical Jacobians are forbidden.
	Jacobian(x, y, z float64) (dudxyz, dvdxyz [3]float64, ok bool)
}

// Camera is one registered camera. Immutable except SyncState, which the
// clock model transitions as trigger-consistent frames accumulate or a
// desync is detected.
type Camera struct {
	ID          uint16
	Name        string
	Calibration Calibration

	mu              sync.Mutex
	state           SyncState
	syncSinceFrame  uint64
	consistentCount int
}

// NewCamera constructs a Camera in the Unsynchronized state.
func NewCamera(id uint16, name string, calib Calibration) *Camera {
	return &Camera{ID: id, Name: name, Calibration: calib, state: Unsynchronized}
}

// State returns the camera's current synchronization state.
func (c *Camera) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ObserveConsistent records one trigger-consistent frame. After
// lockFrames consecutive consistent observations the camera transitions
// to Synchronized.
func (c *Camera) ObserveConsistent(frame uint64, lockFrames int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Unsynchronized {
		c.state = Synchronizing
		c.syncSinceFrame = frame
		c.consistentCount = 0
	}
	c.consistentCount++
	if c.state == Synchronizing && c.consistentCount >= lockFrames {
		c.state = Synchronized
	}
}

// MarkUnsynchronized transitions the camera back to Unsynchronized,
// e.g. when its clock-model samples deviate from the fit beyond
// threshold or it disconnects.
func (c *Camera) MarkUnsynchronized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Unsynchronized
	c.consistentCount = 0
}

// Registry holds every configured camera, keyed by id. Loaded once at
// startup and then read freely; only SyncState on individual Cameras
// ever changes.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uint16]*Camera
	ordered []uint16
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint16]*Camera)}
}

// Register adds a camera to the registry. Returns an error if the id is
// already taken.
func (r *Registry) Register(c *Camera) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[c.ID]; exists {
		return fmt.Errorf("camera id %d already registered", c.ID)
	}
	r.byID[c.ID] = c
	r.ordered = append(r.ordered, c.ID)
	return nil
}

// Get returns the camera with the given id, or nil if not registered.
func (r *Registry) Get(id uint16) *Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// All returns every registered camera in registration order.
func (r *Registry) All() []*Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Camera, 0, len(r.ordered))
	for _, id := range r.ordered {
		out = append(out, r.byID[id])
	}
	return out
}

// Synchronized returns the subset of registered cameras currently in the
// Synchronized state, in registration (i.e. cam_id) order — the active
// set used for bundling, association, and birth.
func (r *Registry) Synchronized() []*Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Camera, 0, len(r.ordered))
	for _, id := range r.ordered {
		if cam := r.byID[id]; cam.State() == Synchronized {
			out = append(out, cam)
		}
	}
	return out
}

// Len returns the number of registered cameras.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
