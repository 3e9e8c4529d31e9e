package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strawlab/strand-braid-sub000/internal/version"
)

// Metadata is the braid_metadata.yml document identifying the schema,
// software build, and run.
type Metadata struct {
	SchemaVersion   string `yaml:"schema_version"`
	SoftwareVersion string `yaml:"software_version"`
	RunUUID         string `yaml:"run_uuid"`
	StartTime       string `yaml:"start_time"`
}

// writeMetadata renders and stores the metadata document in the working
// directory. Written synchronously at startup so a crash mid-run still
// leaves an identifiable directory behind.
func (w *Writer) writeMetadata() error {
	md := Metadata{
		SchemaVersion:   version.SchemaVersion,
		SoftwareVersion: version.SoftwareVersion,
		RunUUID:         w.runUUID,
		StartTime:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := yaml.Marshal(md)
	if err != nil {
		return fmt.Errorf("rendering metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, MetadataName), data, 0o644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}
