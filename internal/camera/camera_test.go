package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalib struct{}

func (fakeCalib) Project(x, y, z float64) (float64, float64, bool)          { return x, y, true }
func (fakeCalib) Jacobian(x, y, z float64) ([3]float64, [3]float64, bool) {
	return [3]float64{1, 0, 0}, [3]float64{0, 1, 0}, true
}

func TestCameraSyncStateMachine(t *testing.T) {
	t.Parallel()

	cam := NewCamera(0, "cam0", fakeCalib{})
	assert.Equal(t, Unsynchronized, cam.State())

	cam.ObserveConsistent(1, 5)
	assert.Equal(t, Synchronizing, cam.State())

	for frame := uint64(2); frame <= 4; frame++ {
		cam.ObserveConsistent(frame, 5)
		assert.Equal(t, Synchronizing, cam.State(), "frame %d should still be synchronizing", frame)
	}
	cam.ObserveConsistent(5, 5)
	assert.Equal(t, Synchronized, cam.State(), "fifth consistent frame should lock")

	cam.MarkUnsynchronized()
	assert.Equal(t, Unsynchronized, cam.State())
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(NewCamera(0, "cam0", fakeCalib{})))
	err := reg.Register(NewCamera(0, "cam0-again", fakeCalib{}))
	require.Error(t, err)
}

func TestRegistrySynchronizedFiltersByState(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	a := NewCamera(0, "a", fakeCalib{})
	b := NewCamera(1, "b", fakeCalib{})
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	assert.Empty(t, reg.Synchronized())

	for frame := uint64(1); frame <= 5; frame++ {
		a.ObserveConsistent(frame, 5)
	}
	synced := reg.Synchronized()
	require.Len(t, synced, 1)
	assert.Equal(t, uint16(0), synced[0].ID)
	assert.Equal(t, 2, reg.Len())
}
