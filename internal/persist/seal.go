package persist

import (
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/strawlab/strand-braid-sub000/internal/braiderr"
	"github.com/strawlab/strand-braid-sub000/internal/monitoring"
)

// Seal stops the writer goroutine, closes every stream, and packages
// the working directory into a single ZIP archive at archivePath (by
// convention a .braidz file). Top-level entries carry no parent
// directory. Plain .csv streams are gzipped into .csv.gz entries as
// they are copied, so the archive always presents the compressed
// layout; already-gzipped streams are stored without recompression.
//
// The working directory is left in place on failure: every stream was
// already durable on disk and the directory remains readable by the
// same consumers as the archive.
func (w *Writer) Seal(archivePath string) error {
	if w.sealed {
		return nil
	}
	w.sealed = true

	close(w.queue)
	w.wg.Wait()
	for _, s := range w.streams {
		if err := s.close(); err != nil {
			w.setErr(braiderr.NewFatal(braiderr.KindPersistence, err))
		}
	}
	if err := w.Err(); err != nil {
		return err
	}

	if err := writeArchive(w.dir, archivePath); err != nil {
		return braiderr.NewFatal(braiderr.KindArchiveSeal, err)
	}
	monitoring.Opsf("persist: sealed %s", archivePath)
	return nil
}

func writeArchive(dir, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	zw := zip.NewWriter(out)

	entries, err := os.ReadDir(dir)
	if err != nil {
		out.Close()
		return fmt.Errorf("listing working directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if entry.Name() != ImagesDirName {
				continue
			}
			if err := addImages(zw, dir); err != nil {
				out.Close()
				return err
			}
			continue
		}
		if err := addFile(zw, dir, entry.Name()); err != nil {
			out.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing archive: %w", err)
	}
	return out.Close()
}

func addImages(zw *zip.Writer, dir string) error {
	images, err := os.ReadDir(filepath.Join(dir, ImagesDirName))
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}
	for _, img := range images {
		if img.IsDir() {
			continue
		}
		name := ImagesDirName + "/" + img.Name()
		src, err := os.Open(filepath.Join(dir, ImagesDirName, img.Name()))
		if err != nil {
			return fmt.Errorf("opening %s: %w", name, err)
		}
		dst, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			src.Close()
			return fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			return fmt.Errorf("copying %s: %w", name, err)
		}
		src.Close()
	}
	return nil
}

func addFile(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer src.Close()

	switch {
	case strings.HasSuffix(name, ".gz"):
		// Already compressed; store verbatim.
		dst, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	case strings.HasSuffix(name, ".csv"):
		// Plain stream from the run: compress into its .csv.gz entry.
		dst, err := zw.CreateHeader(&zip.FileHeader{Name: name + ".gz", Method: zip.Store})
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		gz := gzip.NewWriter(dst)
		if _, err := io.Copy(gz, src); err != nil {
			return fmt.Errorf("compressing %s: %w", name, err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("compressing %s: %w", name, err)
		}
	default:
		dst, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	return nil
}
