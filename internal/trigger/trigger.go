// Package trigger reads (host_time, counter) samples from the external
// trigger device. The hardware source wraps a serial port behind a
// minimal ReadWriteCloser interface so tests can substitute a pipe; a
// fake source synthesizes the same sample stream at a fixed rate for
// trigger-less deployments.
package trigger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/strawlab/strand-braid-sub000/internal/ingest"
	"github.com/strawlab/strand-braid-sub000/internal/monitoring"
)

// Source delivers trigger samples to the tracking loop. Close releases
// the underlying device; the samples channel is closed when Run returns.
type Source interface {
	// Samples returns the channel Run delivers onto.
	Samples() <-chan ingest.TriggerSample
	// Run reads from the device until the context is cancelled or the
	// device fails.
	Run(ctx context.Context) error
	Close() error
}

// SerialPorter is the minimal surface of a serial port the reader
// needs. go.bug.st/serial ports satisfy it; tests substitute any
// ReadWriteCloser.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Serial reads newline-delimited "C=<counter>" reports from a trigger
// device over a serial line, stamping each with the host receive time.
type Serial struct {
	port SerialPorter
	out  chan ingest.TriggerSample
	now  func() time.Time
}

// OpenSerial opens the trigger device at path with the device's fixed
// line settings and returns a Serial source.
func OpenSerial(path string) (*Serial, error) {
	mode := &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening trigger device %q: %w", path, err)
	}
	return NewSerial(port), nil
}

// NewSerial wraps an already-open port. Exposed for tests.
func NewSerial(port SerialPorter) *Serial {
	return &Serial{port: port, out: make(chan ingest.TriggerSample, 64), now: time.Now}
}

// Samples implements Source.
func (s *Serial) Samples() <-chan ingest.TriggerSample { return s.out }

// Run implements Source: it reads lines until the port closes or the
// context is cancelled, parsing counter reports and discarding anything
// else the device chatters.
func (s *Serial) Run(ctx context.Context) error {
	defer close(s.out)
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		counter, ok := parseCounterLine(scanner.Text())
		if !ok {
			continue
		}
		sample := ingest.TriggerSample{HostTimeNs: s.now().UnixNano(), Counter: counter}
		select {
		case s.out <- sample:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading trigger device: %w", err)
	}
	return nil
}

// Close implements Source.
func (s *Serial) Close() error { return s.port.Close() }

// parseCounterLine extracts the counter from a "C=<n>" report.
func parseCounterLine(line string) (uint32, bool) {
	line = strings.TrimSpace(line)
	rest, found := strings.CutPrefix(line, "C=")
	if !found {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		monitoring.Diagf("trigger: unparseable counter line %q", line)
		return 0, false
	}
	return uint32(n), true
}

// Fake synthesizes trigger samples at a fixed rate, for deployments
// without trigger hardware that still want the clock model driven by a
// sample stream rather than seeded from observations.
type Fake struct {
	frameRateHz float64
	out         chan ingest.TriggerSample
}

// NewFake constructs a Fake source at the given rate.
func NewFake(frameRateHz float64) *Fake {
	return &Fake{frameRateHz: frameRateHz, out: make(chan ingest.TriggerSample, 64)}
}

// Samples implements Source.
func (f *Fake) Samples() <-chan ingest.TriggerSample { return f.out }

// Run implements Source: it emits one synthetic sample per frame period
// until cancelled.
func (f *Fake) Run(ctx context.Context) error {
	defer close(f.out)
	period := time.Duration(float64(time.Second) / f.frameRateHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var counter uint32
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			sample := ingest.TriggerSample{HostTimeNs: t.UnixNano(), Counter: counter}
			counter++
			select {
			case f.out <- sample:
			default:
				// The tracking loop is behind; skipping a synthetic
				// sample is harmless since the next one carries the
				// advanced counter.
			}
		}
	}
}

// Close implements Source.
func (f *Fake) Close() error { return nil }
