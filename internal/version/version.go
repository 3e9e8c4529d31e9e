// Package version holds the schema and software version constants written
// into braid_metadata.yml on every sealed archive.
package version

// SchemaVersion identifies the layout of the persistence archive (§6).
// Bump it whenever a column or top-level entry changes shape.
const SchemaVersion = "1.0"

// SoftwareVersion identifies this build of the mainbrain core.
const SoftwareVersion = "0.1.0-core"
