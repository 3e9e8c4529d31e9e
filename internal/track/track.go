// Package track owns the set of live 3D object hypotheses: arena-style
// storage indexed by obj_id, monotonic id allocation, and the lifecycle
// rules (birth, update, coast, death). It is the
// sole mutator of track state; the EKF and associator only ever see
// copies returned from Snapshot and write results back through Commit
// or Kill.
package track

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/strawlab/strand-braid-sub000/internal/ekf"
)

// Track is one live 3D object hypothesis.
type Track struct {
	ObjID                 int64
	State                 ekf.State
	LastUpdateFrame       uint64
	ConsecutiveCoastCount int
	OriginFrame           uint64
}

// Store holds every live track, guarded by a mutex so that a concurrent
// reader (the outbound publisher, the persistence writer) never
// observes a torn update, even though only the tracking loop thread
// ever calls Commit/Kill/Birth.
type Store struct {
	mu        sync.RWMutex
	tracks    map[int64]*Track
	nextObjID int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{tracks: make(map[int64]*Track)}
}

// Birth allocates a fresh, never-reused obj_id and inserts a new track.
func (s *Store) Birth(originFrame uint64, state ekf.State) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObjID
	s.nextObjID++
	s.tracks[id] = &Track{
		ObjID:           id,
		State:           state,
		LastUpdateFrame: originFrame,
		OriginFrame:     originFrame,
	}
	return id
}

// Snapshot returns a deep copy of every live track, safe to read
// without holding the store's lock.
func (s *Store) Snapshot() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, copyTrack(t))
	}
	return out
}

// Get returns a copy of the track with the given id, or false if it is
// not live.
func (s *Store) Get(objID int64) (Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[objID]
	if !ok {
		return Track{}, false
	}
	return copyTrack(t), true
}

func copyTrack(t *Track) Track {
	cp := *t
	var x mat.VecDense
	x.CloneFromVec(t.State.X)
	var p mat.SymDense
	p.CloneFromSym(t.State.P)
	cp.State = ekf.State{X: &x, P: &p}
	return cp
}

// Commit writes a track's new state after a predict (coast) or
// predict+update step and advances its bookkeeping. matched resets the
// consecutive coast count; !matched increments it.
func (s *Store) Commit(objID int64, state ekf.State, frame uint64, matched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[objID]
	if !ok {
		return
	}
	t.State = state
	t.LastUpdateFrame = frame
	if matched {
		t.ConsecutiveCoastCount = 0
	} else {
		t.ConsecutiveCoastCount++
	}
}

// Kill permanently removes a track. obj_id is never reassigned (the
// allocation counter is never rolled back).
func (s *Store) Kill(objID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracks, objID)
}

// ShouldKill reports whether a track has exceeded the coast limit or its
// position-covariance trace bound. coastLimit == 0 kills
// any track that failed to match in the frame it was just processed in.
func ShouldKill(t Track, coastLimit int, killTrace float64) bool {
	if t.ConsecutiveCoastCount > coastLimit {
		return true
	}
	if t.State.PositionCovTrace() > killTrace {
		return true
	}
	return false
}

// NextObjID returns the id the next Birth would allocate, which equals
// the number of tracks ever birthed in this process.
func (s *Store) NextObjID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextObjID
}

// Len returns the number of live tracks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
