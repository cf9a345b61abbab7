// Package monitoring holds the diagnostic loggers shared by the sweep pipeline.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger used by every pipeline stage. It
// defaults to log.Printf and may be replaced with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

var verbose atomic.Bool

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbose toggles progress logging through Verbosef.
func SetVerbose(on bool) {
	verbose.Store(on)
}

// Verbose reports whether progress logging is enabled.
func Verbose() bool {
	return verbose.Load()
}

// Verbosef logs through Logf only when verbose mode is on.
func Verbosef(format string, v ...interface{}) {
	if verbose.Load() {
		Logf(format, v...)
	}
}
