// Package monitoring provides the mainbrain's package-level diagnostic
// logger. It exists so every other package can log without importing a
// concrete logging framework, and so tests can redirect or mute output.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or
// mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Verbosity gates the Tracef/Diagf helpers below. Ops-level lines
// (Opsf) always print; they are reserved for operator-actionable events
// (camera desync, fatal errors, archive seal).
type Level int

const (
	LevelOps Level = iota
	LevelDiag
	LevelTrace
)

var verbosity = LevelOps

// SetVerbosity controls how much of the tracking loop's internal chatter
// reaches Logf. Production runs should stay at LevelOps.
func SetVerbosity(l Level) { verbosity = l }

// Opsf logs an operator-actionable line unconditionally.
func Opsf(format string, v ...interface{}) { Logf(format, v...) }

// Diagf logs a diagnostic line when verbosity is Diag or above.
func Diagf(format string, v ...interface{}) {
	if verbosity >= LevelDiag {
		Logf(format, v...)
	}
}

// Tracef logs a high-frequency trace line when verbosity is Trace.
func Tracef(format string, v ...interface{}) {
	if verbosity >= LevelTrace {
		Logf(format, v...)
	}
}
