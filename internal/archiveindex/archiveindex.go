// Package archiveindex keeps a small SQLite index of sealed archives so
// an operator can enumerate past runs across restarts without scanning
// the filesystem. It is additive instrumentation beside the archive
// itself, which stays the source of truth.
package archiveindex

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS braid_runs (
	run_uuid      TEXT PRIMARY KEY,
	archive_path  TEXT NOT NULL,
	started_at_ns INTEGER NOT NULL,
	sealed_at_ns  INTEGER NOT NULL,
	frame_count   INTEGER NOT NULL,
	camera_count  INTEGER NOT NULL,
	track_count   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_braid_runs_sealed_at ON braid_runs(sealed_at_ns);
`

// Run is one sealed archive's summary row.
type Run struct {
	RunUUID     string
	ArchivePath string
	StartedAt   time.Time
	SealedAt    time.Time
	FrameCount  uint64
	CameraCount int
	TrackCount  int64
}

// Index wraps the SQLite database holding the run table.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing archive index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Insert records one sealed run.
func (ix *Index) Insert(r Run) error {
	_, err := ix.db.Exec(`
		INSERT INTO braid_runs (
			run_uuid, archive_path, started_at_ns, sealed_at_ns,
			frame_count, camera_count, track_count
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunUUID, r.ArchivePath, r.StartedAt.UnixNano(), r.SealedAt.UnixNano(),
		r.FrameCount, r.CameraCount, r.TrackCount,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.RunUUID, err)
	}
	return nil
}

// List returns every recorded run, most recently sealed first.
func (ix *Index) List() ([]Run, error) {
	rows, err := ix.db.Query(`
		SELECT run_uuid, archive_path, started_at_ns, sealed_at_ns,
		       frame_count, camera_count, track_count
		FROM braid_runs
		ORDER BY sealed_at_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedNs, sealedNs int64
		if err := rows.Scan(&r.RunUUID, &r.ArchivePath, &startedNs, &sealedNs,
			&r.FrameCount, &r.CameraCount, &r.TrackCount); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt = time.Unix(0, startedNs)
		r.SealedAt = time.Unix(0, sealedNs)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the underlying database.
func (ix *Index) Close() error { return ix.db.Close() }
