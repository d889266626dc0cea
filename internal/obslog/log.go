// Package obslog builds the process-wide structured logger used by every
// other package in this module. It pairs logiface with the stumpy JSON
// backend, the same combination the scheduler's ancestor (the teacher's
// eventloop package) depends on.
package obslog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through the runtime.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w at the given
// minimum level.
func New(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithWriter(w),
		stumpy.L.WithLevel(level),
	)
}

// Default builds a Logger writing to stderr at the informational level,
// suitable for cmd/vmrt's default configuration.
func Default() *Logger {
	return New(os.Stderr, logiface.LevelInformational)
}

// Noop returns a Logger that discards everything, for tests that don't
// want log output on their console.
func Noop() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}
