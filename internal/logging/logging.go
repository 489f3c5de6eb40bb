// Package logging configures the process-wide zerolog root logger.
// Components derive their own loggers with Component().
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls root logger construction.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Unknown values fall
	// back to info.
	Level string `yaml:"level"`

	// Pretty switches from JSON to human-readable console output.
	Pretty bool `yaml:"pretty"`
}

// New builds the root logger. It never fails; a bad level falls back to
// info so early startup always has a usable logger.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component derives a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
