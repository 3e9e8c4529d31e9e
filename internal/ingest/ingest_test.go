package ingest

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservationPacketRoundTrip(t *testing.T) {
	t.Parallel()
	orientation := float32(1.25)
	pkt := ObservationPacket{
		CamID:          3,
		FrameNumber:    1 << 40,
		HostRecvTimeNs: 1700000000123456789,
		Detections: []DetectionWire{
			{U: 102.5, V: 88.25, Area: 14.5, Orientation: &orientation},
			{U: 640.0, V: 1.0, Area: 2.0},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, pkt))

	var got ObservationPacket
	require.NoError(t, ReadFrame(&buf, &got))
	if diff := cmp.Diff(pkt, got); diff != "" {
		t.Fatalf("packet round trip mismatch (-sent +received):\n%s", diff)
	}
}

func TestEmptyDetectionsIsValidReport(t *testing.T) {
	t.Parallel()
	pkt := ObservationPacket{CamID: 1, FrameNumber: 42}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, pkt))

	var got ObservationPacket
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, uint64(42), got.FrameNumber)
	assert.Empty(t, got.Detections)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		require.NoError(t, WriteFrame(&buf, TriggerSample{HostTimeNs: int64(i) * 1000, Counter: uint32(i)}))
	}
	for i := 0; i < 3; i++ {
		var got TriggerSample
		require.NoError(t, ReadFrame(&buf, &got))
		assert.Equal(t, uint32(i), got.Counter)
	}
	var extra TriggerSample
	assert.Equal(t, io.EOF, ReadFrame(&buf, &extra))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxFrameBytes+1)
	buf.Write(prefix[:])

	var got TriggerSample
	err := ReadFrame(&buf, &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TriggerSample{Counter: 9}))
	data := buf.Bytes()
	truncated := bytes.NewReader(data[:len(data)-1])

	var got TriggerSample
	require.Error(t, ReadFrame(truncated, &got))
}
