package persist

import (
	"archive/zip"
	"compress/gzip"
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run.braid")
	w, err := NewWriter(dir, 1024)
	require.NoError(t, err)
	return w, dir
}

// readCSVGZ opens one .csv.gz entry of a sealed archive and returns its
// parsed rows.
func readCSVGZ(t *testing.T, zr *zip.Reader, name string) [][]string {
	t.Helper()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		gz, err := gzip.NewReader(rc)
		require.NoError(t, err)
		rows, err := csv.NewReader(gz).ReadAll()
		require.NoError(t, err)
		return rows
	}
	t.Fatalf("entry %s not found in archive", name)
	return nil
}

func TestSealProducesExpectedArchiveLayout(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t)

	w.WriteCamInfo(CamInfoRow{Camn: 0, CamID: "cam1"})
	w.WriteCamInfo(CamInfoRow{Camn: 1, CamID: "cam2"})
	w.WriteData2D(Data2DRow{Camn: 0, Frame: 10, Timestamp: 1.5, X: 100, Y: 200, Area: 12, FramePtIdx: 0})
	w.WriteData2D(Data2DRow{Camn: 1, Frame: 10, Timestamp: 1.5, X: math.NaN(), Y: math.NaN()})
	w.WriteKalmanEstimate(KalmanRow{ObjID: 0, Frame: 10, Timestamp: 1.5, X: 0.1, Y: 0.2, Z: 0.3})
	w.WriteAssociation(AssociationRow{ObjID: 0, Frame: 10, CamNum: 0, PtIdx: 0})
	w.WriteTextLog("cam1", "synchronized at frame 10")
	w.WriteTriggerClock(TriggerClockRow{StartTimestamp: 1.0, Framecount: 10, Tcnt: 10, StopTimestamp: 1.0})
	w.SaveCalibrationXML([]byte("<calibration></calibration>"))
	w.SaveImage("cam1", []byte("\x89PNG fake"))
	require.NoError(t, w.Flush())

	archive := filepath.Join(filepath.Dir(dir), "run.braidz")
	require.NoError(t, w.Seal(archive))

	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"braid_metadata.yml",
		"calibration.xml",
		"cam_info.csv.gz",
		"data2d_distorted.csv.gz",
		"data_association.csv.gz",
		"experiment_info.csv.gz",
		"images/cam1.png",
		"kalman_estimates.csv.gz",
		"textlog.csv.gz",
		"trigger_clock_info.csv.gz",
	}, names)

	rows := readCSVGZ(t, &zr.Reader, Data2DName)
	require.Len(t, rows, 3) // header + 2 rows
	assert.Equal(t, []string{"camn", "frame", "timestamp", "x", "y", "area", "orientation", "frame_pt_idx"}, rows[0])
	assert.Equal(t, "nan", rows[2][3], "no-detection rows carry NaN coordinates")

	kalman := readCSVGZ(t, &zr.Reader, KalmanEstimatesName)
	require.Len(t, kalman, 2)
	assert.Equal(t, "0", kalman[1][0])
}

// Reopening a sealed archive must yield byte-identical stream contents:
// the gzipped streams are stored, not recompressed.
func TestSealedStreamsMatchWorkingDirectory(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t)
	for i := 0; i < 50; i++ {
		w.WriteAssociation(AssociationRow{ObjID: int64(i), Frame: uint64(i), CamNum: 0, PtIdx: i})
	}
	require.NoError(t, w.Flush())

	archive := filepath.Join(filepath.Dir(dir), "run.braidz")
	require.NoError(t, w.Seal(archive))

	onDisk, err := os.ReadFile(filepath.Join(dir, DataAssociationName))
	require.NoError(t, err)

	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != DataAssociationName {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		inArchive, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, onDisk, inArchive)
		return
	}
	t.Fatal("data_association.csv.gz missing from archive")
}

func TestSealIsIdempotent(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t)
	archive := filepath.Join(filepath.Dir(dir), "run.braidz")
	require.NoError(t, w.Seal(archive))
	require.NoError(t, w.Seal(archive))
}

func TestQueueOverflowIsFatal(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "run.braid")
	w, err := NewWriter(dir, 1)
	require.NoError(t, err)

	// Wedge the writer goroutine so the queue cannot drain, then
	// overfill it.
	blocked := make(chan struct{})
	w.enqueue(func() error { <-blocked; return nil })
	for i := 0; i < 10; i++ {
		w.WriteTextLog("cam1", "spam")
	}
	err = w.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue overflow")
	close(blocked)
}

func TestMetadataWrittenAtStartup(t *testing.T) {
	t.Parallel()
	w, dir := newTestWriter(t)
	data, err := os.ReadFile(filepath.Join(dir, MetadataName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "schema_version")
	assert.Contains(t, string(data), w.RunUUID())
}
