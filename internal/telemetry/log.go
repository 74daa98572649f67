// Package telemetry wires the engine's logging and metrics. Every
// subsystem pulls its logger from here rather than constructing its own,
// so a replica's log stream shares one logger, with each line tagged by
// the component that emitted it.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Replaced wholesale by Init; until
// then it writes timestamped JSON lines to stderr, so packages imported
// for tests never need to call Init themselves.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level names the subset of zerolog levels the engine exposes in config.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init installs the process-wide logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with a subsystem name.
// store, deltablock, and replica each keep one package-level logger
// built this way, so every log line from a commit, pack flush, meld,
// gc, or conflict resolution carries which subsystem emitted it.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
