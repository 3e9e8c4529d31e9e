// Package ingest defines the wire format for inbound camera observation
// packets and trigger samples: length-prefixed CBOR frames over any
// stream transport. Camera drivers encode with the same types, so the
// codec round-trips by construction.
package ingest

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// maxFrameBytes caps a single wire frame so a corrupt length prefix
// cannot force an unbounded allocation.
const maxFrameBytes = 16 * 1024 * 1024

// DetectionWire is one 2D feature as serialized on the wire.
type DetectionWire struct {
	U           float64  `cbor:"u"`
	V           float64  `cbor:"v"`
	Area        float32  `cbor:"area"`
	Orientation *float32 `cbor:"orientation,omitempty"`
}

// ObservationPacket is a camera's report for one frame. Zero detections
// is a valid report; the packet still carries the frame number.
type ObservationPacket struct {
	CamID          uint16          `cbor:"cam_id"`
	FrameNumber    uint64          `cbor:"frame_number"`
	HostRecvTimeNs int64           `cbor:"host_recv_time_ns"`
	Detections     []DetectionWire `cbor:"detections"`
}

// TriggerSample is one (host_time, counter) reading from the trigger
// device. The counter is the raw 32-bit value and may wrap; the clock
// model unwraps it.
type TriggerSample struct {
	HostTimeNs int64  `cbor:"host_time_ns"`
	Counter    uint32 `cbor:"counter"`
}

var encMode cbor.EncMode

func init() {
	// Core deterministic encoding so identical packets are
	// byte-identical on the wire regardless of sender.
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// WriteFrame encodes v as CBOR and writes it to w behind a big-endian
// u32 length prefix.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed CBOR frame from r into v.
// io.EOF is returned unwrapped when the stream ends cleanly between
// frames.
func ReadFrame(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameBytes {
		return fmt.Errorf("frame length %d exceeds limit %d", n, maxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("reading frame payload: %w", err)
	}
	if err := cbor.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
