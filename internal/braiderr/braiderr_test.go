package braiderr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatalErrorLine(t *testing.T) {
	t.Parallel()
	cause := errors.New("disk full")

	err := NewFatal(KindPersistence, cause)
	assert.Equal(t, "fatal[persistence_io]: disk full", err.Error())

	withFrame := NewFatalAtFrame(KindArchiveSeal, cause, 1234)
	assert.Equal(t, "fatal[archive_seal]: disk full (last_frame=1234)", withFrame.Error())
	assert.True(t, withFrame.HaveLastFrame)
}

func TestFatalUnwrapsThroughWrapping(t *testing.T) {
	t.Parallel()
	cause := errors.New("no such file")
	wrapped := fmt.Errorf("loading calibration: %w", NewFatal(KindCalibration, cause))

	var fatal *Fatal
	require.True(t, errors.As(wrapped, &fatal))
	assert.Equal(t, KindCalibration, fatal.Kind)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestCameraScoped(t *testing.T) {
	t.Parallel()
	cause := errors.New("clock residual 12.5ms exceeds half the frame period")
	err := NewCameraScoped(3, cause)
	assert.Equal(t, "camera 3: clock residual 12.5ms exceeds half the frame period", err.Error())
	assert.True(t, errors.Is(err, cause))

	var camErr *CameraScoped
	require.True(t, errors.As(error(err), &camErr))
	assert.Equal(t, uint16(3), camErr.CamID)
}

func TestFrameScoped(t *testing.T) {
	t.Parallel()
	cause := errors.New("2 birth candidates outside world bounds")
	err := NewFrameScoped(97, cause)
	assert.Equal(t, "frame 97: 2 birth candidates outside world bounds", err.Error())
	assert.True(t, errors.Is(err, cause))

	var frameErr *FrameScoped
	require.True(t, errors.As(error(err), &frameErr))
	assert.Equal(t, uint64(97), frameErr.Frame)
}
