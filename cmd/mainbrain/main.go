// Command mainbrain runs the multi-camera tracking coordinator: it
// accepts per-camera observation streams, synchronizes them against the
// trigger clock, tracks 3D objects, and seals the run into a single
// .braidz archive on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/strawlab/strand-braid-sub000/internal/archiveindex"
	"github.com/strawlab/strand-braid-sub000/internal/assoc"
	"github.com/strawlab/strand-braid-sub000/internal/braiderr"
	"github.com/strawlab/strand-braid-sub000/internal/calib"
	"github.com/strawlab/strand-braid-sub000/internal/config"
	"github.com/strawlab/strand-braid-sub000/internal/ingest"
	"github.com/strawlab/strand-braid-sub000/internal/mainbrain"
	"github.com/strawlab/strand-braid-sub000/internal/monitoring"
	"github.com/strawlab/strand-braid-sub000/internal/outbound"
	"github.com/strawlab/strand-braid-sub000/internal/persist"
	"github.com/strawlab/strand-braid-sub000/internal/trigger"
	"github.com/strawlab/strand-braid-sub000/internal/version"
)

var (
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable diagnostic logging")
)

const writerQueueSize = 4096

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <config.toml>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("mainbrain %s (schema %s)\n", version.SoftwareVersion, version.SchemaVersion)
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *debug {
		monitoring.SetVerbosity(monitoring.LevelDiag)
	}

	if err := run(flag.Arg(0)); err != nil {
		monitoring.Opsf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cals, calXML, err := loadCalibrations(cfg)
	if err != nil {
		return err
	}

	startTime := time.Now()
	base := fmt.Sprintf("braid_%s", startTime.UTC().Format("20060102_150405"))
	workDir := filepath.Join(cfg.Mainbrain.GetOutputDir(), base+".braid")
	archivePath := filepath.Join(cfg.Mainbrain.GetOutputDir(), base+".braidz")

	writer, err := persist.NewWriter(workDir, writerQueueSize)
	if err != nil {
		return braiderr.NewFatal(braiderr.KindPersistence, err)
	}

	pub := outbound.NewPublisher(64)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var trigSamples <-chan ingest.TriggerSample
	if !cfg.Trigger.GetFakeSync() {
		src, err := trigger.OpenSerial(cfg.Trigger.GetPort())
		if err != nil {
			return braiderr.NewFatal(braiderr.KindTrigger, err)
		}
		defer src.Close()
		trigSamples = src.Samples()
		go func() {
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Opsf("trigger: %v", err)
			}
		}()
	}

	mb, err := mainbrain.New(mainbrain.Options{
		Config:         cfg,
		Calibrations:   cals,
		CalibrationXML: calXML,
		Writer:         writer,
		Publisher:      pub,
		TriggerSamples: trigSamples,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Mainbrain.GetObservationAddr())
	if err != nil {
		return fmt.Errorf("listening for observations: %w", err)
	}
	defer ln.Close()
	go acceptObservations(ctx, ln, mb)
	monitoring.Opsf("mainbrain: accepting observations on %s", ln.Addr())

	runErr := mb.Run(ctx)

	sealErr := sealWithTimeout(writer, archivePath,
		time.Duration(cfg.Mainbrain.GetSealTimeoutSecs()*float64(time.Second)))
	if sealErr == nil {
		recordRun(cfg, writer, mb, archivePath, startTime)
	}

	if runErr != nil {
		return tagLastFrame(runErr, mb)
	}
	if sealErr != nil {
		return tagLastFrame(sealErr, mb)
	}
	return nil
}

// tagLastFrame attaches the last emitted frame to a fatal error that
// does not already carry one, so the single structured error line names
// where processing stopped.
func tagLastFrame(err error, mb *mainbrain.Mainbrain) error {
	var fatal *braiderr.Fatal
	if errors.As(err, &fatal) && !fatal.HaveLastFrame {
		if frame, ok := mb.LastEmittedFrame(); ok {
			return braiderr.NewFatalAtFrame(fatal.Kind, fatal.Cause, frame)
		}
	}
	return err
}

// loadCalibrations loads the calibration document and picks the
// refractive model for every camera when a water interface is declared.
func loadCalibrations(cfg *config.MainbrainConfig) (map[string]assoc.Calibration, []byte, error) {
	path := cfg.Mainbrain.CalFname
	pinholes, refractives, _, hasWater, err := calib.Load(path)
	if err != nil {
		return nil, nil, braiderr.NewFatal(braiderr.KindCalibration, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, braiderr.NewFatal(braiderr.KindCalibration, err)
	}

	cals := make(map[string]assoc.Calibration, len(cfg.Cameras))
	for _, cc := range cfg.Cameras {
		if hasWater {
			r, ok := refractives[cc.Name]
			if !ok {
				return nil, nil, braiderr.NewFatal(braiderr.KindCalibration,
					fmt.Errorf("camera %q missing from calibration %s", cc.Name, path))
			}
			cals[cc.Name] = r
		} else {
			p, ok := pinholes[cc.Name]
			if !ok {
				return nil, nil, braiderr.NewFatal(braiderr.KindCalibration,
					fmt.Errorf("camera %q missing from calibration %s", cc.Name, path))
			}
			cals[cc.Name] = p
		}
	}
	return cals, raw, nil
}

// acceptObservations serves camera driver connections: each delivers a
// stream of length-prefixed CBOR observation packets.
func acceptObservations(ctx context.Context, ln net.Listener, mb *mainbrain.Mainbrain) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			monitoring.Opsf("mainbrain: accept: %v", err)
			return
		}
		go func() {
			defer conn.Close()
			for {
				var pkt ingest.ObservationPacket
				if err := ingest.ReadFrame(conn, &pkt); err != nil {
					if err != io.EOF && ctx.Err() == nil {
						monitoring.Diagf("mainbrain: observation stream %s: %v", conn.RemoteAddr(), err)
					}
					return
				}
				mb.IngestPacket(pkt)
			}
		}()
	}
}

// sealWithTimeout runs the archive seal under the configured grace
// period. On timeout the working directory is left in place for the
// operator; the run still exits non-zero.
func sealWithTimeout(writer *persist.Writer, archivePath string, timeout time.Duration) error {
	if err := writer.Flush(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- writer.Seal(archivePath) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return braiderr.NewFatal(braiderr.KindArchiveSeal,
			fmt.Errorf("seal did not complete within %s; working directory %s left in place", timeout, writer.Dir()))
	}
}

// recordRun inserts the sealed archive into the operational run index.
// Index failures are logged, never fatal: the archive is already on
// disk.
func recordRun(cfg *config.MainbrainConfig, writer *persist.Writer, mb *mainbrain.Mainbrain, archivePath string, startTime time.Time) {
	indexPath := filepath.Join(cfg.Mainbrain.GetOutputDir(), "braid_runs.sqlite")
	ix, err := archiveindex.Open(indexPath)
	if err != nil {
		monitoring.Opsf("archiveindex: %v", err)
		return
	}
	defer ix.Close()

	frame, _ := mb.LastEmittedFrame()
	if err := ix.Insert(archiveindex.Run{
		RunUUID:     writer.RunUUID(),
		ArchivePath: archivePath,
		StartedAt:   startTime,
		SealedAt:    time.Now(),
		FrameCount:  frame,
		CameraCount: len(cfg.Cameras),
		TrackCount:  mb.Store().NextObjID(),
	}); err != nil {
		monitoring.Opsf("archiveindex: %v", err)
	}
}
