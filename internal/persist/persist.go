// Package persist writes the mainbrain's record streams to a working
// directory and seals it into a single .braidz archive on shutdown.
// High-volume streams (2D detections, filter estimates, associations)
// are gzip-compressed as they are written; low-volume operational
// streams (textlog, experiment info, trigger clock info) stay plain and
// are flushed on every row so they survive a crash, then get compressed
// at seal time.
//
// All file I/O happens on a dedicated writer goroutine fed by a bounded
// queue. A full queue is a fatal persistence failure, never a silent
// drop.
package persist

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strawlab/strand-braid-sub000/internal/braiderr"
	"github.com/strawlab/strand-braid-sub000/internal/monitoring"
)

// Archive entry names. Only images/ nests below the top level.
const (
	MetadataName         = "braid_metadata.yml"
	CamInfoName          = "cam_info.csv.gz"
	CalibrationName      = "calibration.xml"
	Data2DName           = "data2d_distorted.csv.gz"
	KalmanEstimatesName  = "kalman_estimates.csv.gz"
	DataAssociationName  = "data_association.csv.gz"
	TextlogName          = "textlog.csv"
	ExperimentInfoName   = "experiment_info.csv"
	TriggerClockInfoName = "trigger_clock_info.csv"
	ImagesDirName        = "images"
)

// Data2DRow is one arriving 2D detection, written for every observation
// whether or not it made its bundle. A camera's "no detections this
// frame" report is a row with NaN coordinates.
type Data2DRow struct {
	Camn        uint16
	Frame       uint64
	Timestamp   float64 // trigger time, seconds since the Unix epoch
	X, Y        float64 // NaN for a no-detection row
	Area        float32
	Orientation *float32
	FramePtIdx  int
}

// KalmanRow is one live track's state after a bundle's update step.
type KalmanRow struct {
	ObjID     int64
	Frame     uint64
	Timestamp float64
	X, Y, Z   float64
	XVel      float64
	YVel      float64
	ZVel      float64
	// Lower-triangular position covariance block plus the velocity
	// diagonal.
	P00, P01, P02, P11, P12, P22 float64
	P33, P44, P55                float64
}

// AssociationRow is one accepted (detection, track) match.
type AssociationRow struct {
	ObjID  int64
	Frame  uint64
	CamNum uint16
	PtIdx  int
}

// CamInfoRow maps a small camera number to its configured name.
type CamInfoRow struct {
	Camn  uint16
	CamID string
}

// TriggerClockRow is one trigger device sample as used by the clock
// model.
type TriggerClockRow struct {
	StartTimestamp float64
	Framecount     uint64
	Tcnt           uint32
	StopTimestamp  float64
}

// Writer owns the working directory and the writer goroutine. Create
// with NewWriter, feed with the Write* methods, check Err after each
// bundle, and finish with Seal.
type Writer struct {
	dir     string
	runUUID string

	queue chan func() error
	wg    sync.WaitGroup

	errMu sync.Mutex
	err   error

	streams map[string]*stream
	sealed  bool
}

// stream is one append-only CSV file, optionally gzip-compressed.
type stream struct {
	file *os.File
	gz   *gzip.Writer
	csv  *csv.Writer
	// flushEach streams push every row to disk immediately.
	flushEach bool
}

func (s *stream) write(record []string) error {
	if err := s.csv.Write(record); err != nil {
		return err
	}
	if s.flushEach {
		return s.flush()
	}
	return nil
}

func (s *stream) flush() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if s.gz != nil {
		if err := s.gz.Flush(); err != nil {
			return err
		}
	}
	return s.file.Sync()
}

func (s *stream) close() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return err
		}
	}
	return s.file.Close()
}

// NewWriter creates the working directory, opens every stream with its
// header row, writes the metadata document, and starts the writer
// goroutine. queueSize bounds the pending-write queue.
func NewWriter(dir string, queueSize int) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, ImagesDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}
	w := &Writer{
		dir:     dir,
		runUUID: uuid.NewString(),
		queue:   make(chan func() error, queueSize),
		streams: make(map[string]*stream),
	}

	headers := map[string][]string{
		Data2DName:           {"camn", "frame", "timestamp", "x", "y", "area", "orientation", "frame_pt_idx"},
		KalmanEstimatesName:  {"obj_id", "frame", "timestamp", "x", "y", "z", "xvel", "yvel", "zvel", "P00", "P01", "P02", "P11", "P12", "P22", "P33", "P44", "P55"},
		DataAssociationName:  {"obj_id", "frame", "cam_num", "pt_idx"},
		CamInfoName:          {"camn", "cam_id"},
		TextlogName:          {"mainbrain_timestamp", "cam_id", "host_timestamp", "message"},
		ExperimentInfoName:   {"uuid"},
		TriggerClockInfoName: {"start_timestamp", "framecount", "tcnt", "stop_timestamp"},
	}
	for name, header := range headers {
		s, err := openStream(dir, name)
		if err != nil {
			w.closeStreams()
			return nil, err
		}
		if err := s.write(header); err != nil {
			w.closeStreams()
			return nil, fmt.Errorf("writing %s header: %w", name, err)
		}
		w.streams[name] = s
	}

	if err := w.writeMetadata(); err != nil {
		w.closeStreams()
		return nil, err
	}
	if err := w.streams[ExperimentInfoName].write([]string{w.runUUID}); err != nil {
		w.closeStreams()
		return nil, fmt.Errorf("writing experiment info: %w", err)
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

func openStream(dir, name string) (*stream, error) {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", name, err)
	}
	s := &stream{file: f}
	if filepath.Ext(name) == ".gz" {
		s.gz = gzip.NewWriter(f)
		s.csv = csv.NewWriter(s.gz)
	} else {
		s.csv = csv.NewWriter(f)
		s.flushEach = true
	}
	return s, nil
}

func (w *Writer) closeStreams() {
	for _, s := range w.streams {
		_ = s.close()
	}
}

// run executes queued writes until the queue closes. The first failed
// write latches the writer's fatal error; later writes still run and
// fail fast against the broken stream, which keeps Flush markers from
// wedging behind a latched error.
func (w *Writer) run() {
	defer w.wg.Done()
	for op := range w.queue {
		if err := op(); err != nil {
			w.setErr(braiderr.NewFatal(braiderr.KindPersistence, err))
		}
	}
}

func (w *Writer) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
		monitoring.Opsf("persist: %v", err)
	}
}

// Err returns the writer's latched fatal error, if any. The tracking
// loop checks it after each bundle and shuts down on non-nil.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// RunUUID returns this run's identity as written to experiment_info.
func (w *Writer) RunUUID() string { return w.runUUID }

// Dir returns the working directory path.
func (w *Writer) Dir() string { return w.dir }

// enqueue hands an operation to the writer goroutine. A full queue is
// the fatal persistence-overflow condition.
func (w *Writer) enqueue(op func() error) {
	select {
	case w.queue <- op:
	default:
		w.setErr(braiderr.NewFatal(braiderr.KindPersistence,
			fmt.Errorf("writer queue overflow (%d pending)", cap(w.queue))))
	}
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteData2D appends one detection row. Late and dropped observations
// are written here too; the bundler's verdict never gates this stream.
func (w *Writer) WriteData2D(row Data2DRow) {
	orientation := "nan"
	if row.Orientation != nil {
		orientation = strconv.FormatFloat(float64(*row.Orientation), 'g', -1, 32)
	}
	record := []string{
		strconv.FormatUint(uint64(row.Camn), 10),
		strconv.FormatUint(row.Frame, 10),
		formatFloat(row.Timestamp),
		formatFloat(row.X),
		formatFloat(row.Y),
		strconv.FormatFloat(float64(row.Area), 'g', -1, 32),
		orientation,
		strconv.Itoa(row.FramePtIdx),
	}
	w.enqueue(func() error { return w.streams[Data2DName].write(record) })
}

// WriteKalmanEstimate appends one post-update track state row.
func (w *Writer) WriteKalmanEstimate(row KalmanRow) {
	record := []string{
		strconv.FormatInt(row.ObjID, 10),
		strconv.FormatUint(row.Frame, 10),
		formatFloat(row.Timestamp),
		formatFloat(row.X), formatFloat(row.Y), formatFloat(row.Z),
		formatFloat(row.XVel), formatFloat(row.YVel), formatFloat(row.ZVel),
		formatFloat(row.P00), formatFloat(row.P01), formatFloat(row.P02),
		formatFloat(row.P11), formatFloat(row.P12), formatFloat(row.P22),
		formatFloat(row.P33), formatFloat(row.P44), formatFloat(row.P55),
	}
	w.enqueue(func() error { return w.streams[KalmanEstimatesName].write(record) })
}

// WriteAssociation appends one accepted (detection, track) match row.
func (w *Writer) WriteAssociation(row AssociationRow) {
	record := []string{
		strconv.FormatInt(row.ObjID, 10),
		strconv.FormatUint(row.Frame, 10),
		strconv.FormatUint(uint64(row.CamNum), 10),
		strconv.Itoa(row.PtIdx),
	}
	w.enqueue(func() error { return w.streams[DataAssociationName].write(record) })
}

// WriteCamInfo appends one camera registry row.
func (w *Writer) WriteCamInfo(row CamInfoRow) {
	record := []string{strconv.FormatUint(uint64(row.Camn), 10), row.CamID}
	w.enqueue(func() error { return w.streams[CamInfoName].write(record) })
}

// WriteTextLog appends one operator-visible log row, flushed
// immediately.
func (w *Writer) WriteTextLog(camID, message string) {
	now := formatFloat(float64(time.Now().UnixNano()) / 1e9)
	record := []string{now, camID, now, message}
	w.enqueue(func() error { return w.streams[TextlogName].write(record) })
}

// WriteTriggerClock appends one trigger sample row, flushed
// immediately.
func (w *Writer) WriteTriggerClock(row TriggerClockRow) {
	record := []string{
		formatFloat(row.StartTimestamp),
		strconv.FormatUint(row.Framecount, 10),
		strconv.FormatUint(uint64(row.Tcnt), 10),
		formatFloat(row.StopTimestamp),
	}
	w.enqueue(func() error { return w.streams[TriggerClockInfoName].write(record) })
}

// SaveCalibrationXML copies the calibration document into the working
// directory so the sealed archive is self-describing.
func (w *Writer) SaveCalibrationXML(data []byte) {
	w.enqueue(func() error {
		return os.WriteFile(filepath.Join(w.dir, CalibrationName), data, 0o644)
	})
}

// SaveImage stores a camera's PNG background reference image under
// images/<camID>.png.
func (w *Writer) SaveImage(camID string, png []byte) {
	w.enqueue(func() error {
		return os.WriteFile(filepath.Join(w.dir, ImagesDirName, camID+".png"), png, 0o644)
	})
}

// Flush blocks until every queued write so far has hit its stream and
// each stream's buffers are pushed to disk.
func (w *Writer) Flush() error {
	done := make(chan struct{})
	w.enqueue(func() error {
		defer close(done)
		for _, s := range w.streams {
			if err := s.flush(); err != nil {
				return err
			}
		}
		return nil
	})
	if err := w.Err(); err != nil {
		return err
	}
	<-done
	return w.Err()
}
