package clockmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrapCounterNoWrap(t *testing.T) {
	t.Parallel()
	frame := UnwrapCounter(100, 5000, 110)
	assert.Equal(t, uint64(5010), frame)
}

func TestUnwrapCounterWraps(t *testing.T) {
	t.Parallel()
	// prevRaw near the top of a u32, rawNow wrapped back to a small value.
	prevRaw := uint32(1<<32 - 5)
	frame := UnwrapCounter(prevRaw, 1000, 3)
	assert.Equal(t, uint64(1008), frame) // 5 steps to wrap + 3 past it
}

func TestRLSLocksAfterTwoSamples(t *testing.T) {
	t.Parallel()
	r := NewRLS(200)
	assert.False(t, r.Locked())

	r.Update(1_000_000_000, 0)
	assert.False(t, r.Locked(), "one sample is not enough to fit")

	r.Update(1_010_000_000, 1)
	assert.True(t, r.Locked())
}

func TestRLSPerfectLinearFit(t *testing.T) {
	t.Parallel()
	r := NewRLS(50)
	const periodNs = 10_000_000 // 100 Hz
	for frame := uint64(0); frame < 30; frame++ {
		r.Update(int64(frame)*periodNs, frame)
	}
	tt, ok := r.TriggerTime(29)
	require.True(t, ok)
	assert.Equal(t, int64(29*periodNs), tt.UnixNano())

	resid, ok := r.Residual(29*periodNs, 29)
	require.True(t, ok)
	assert.InDelta(t, 0, resid, 1e-3)
}

func TestRLSWindowBound(t *testing.T) {
	t.Parallel()
	r := NewRLS(5)
	for frame := uint64(0); frame < 50; frame++ {
		r.Update(int64(frame)*10_000_000, frame)
	}
	assert.Equal(t, 5, r.SampleCount())
}

func TestFakeSyncRequiresSeed(t *testing.T) {
	t.Parallel()
	f := NewFakeSync(100)
	_, ok := f.TriggerTime(10)
	assert.False(t, ok)

	f.Seed(5, 1_000_000_000)
	assert.True(t, f.Locked())

	tt, ok := f.TriggerTime(5)
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000_000), tt.UnixNano())

	tt, ok = f.TriggerTime(15)
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000_000+100_000_000), tt.UnixNano())
}

func TestFakeSyncSeedIsSticky(t *testing.T) {
	t.Parallel()
	f := NewFakeSync(100)
	f.Seed(0, 500)
	f.Seed(100, 999_999_999) // should be ignored
	tt, _ := f.TriggerTime(0)
	assert.Equal(t, int64(500), tt.UnixNano())
}
