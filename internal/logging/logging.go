// Package logging provides the configured zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing human-readable output to stderr. The digest
// output itself goes to stdout, so logs must not.
func New(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// NewJSON returns a structured JSON logger for non-interactive runs.
func NewJSON(out io.Writer) zerolog.Logger {
	return zerolog.New(out).With().Timestamp().Logger()
}

// Nop returns a disabled logger, used as the default in library code so that
// callers who do not care about logging pass nothing.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
