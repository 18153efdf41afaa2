// Package logging sets up the single process-global structured logger.
// It is created once at startup and handed to every component as an
// injected dependency; nothing reaches for a package-level logger after
// New has run, so tests can construct a hermetic sub-logger of their own.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the base logger. component-scoped loggers are derived from it
// via Logger.With().Str("component", name).Logger() at each constructor site.
func New(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(console).Level(lvl).With().Timestamp().Logger()
}

// Discard returns a logger that drops everything, for hermetic unit tests
// that don't want log noise but still need to satisfy a logger-shaped
// constructor argument.
func Discard() zerolog.Logger {
	return zerolog.Nop()
}
