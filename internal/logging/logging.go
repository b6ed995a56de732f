// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing JSON lines to w, or human-readable console
// output when pretty is set. w defaults to stderr.
func New(level string, pretty bool, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Must is New for binaries: an invalid level falls back to info with a warning.
func Must(level string, pretty bool) zerolog.Logger {
	log, err := New(level, pretty, nil)
	if err != nil {
		log, _ = New("info", pretty, nil)
		log.Warn().Err(err).Msg("falling back to info level")
	}
	return log
}
