// Package logger provides structured logging setup for Helmsman.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string
	Pretty bool
}

// New creates a configured zerolog logger
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Pretty {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		log = zerolog.New(output)
	} else {
		log = zerolog.New(os.Stdout)
	}

	return log.Level(level).With().Timestamp().Logger()
}
