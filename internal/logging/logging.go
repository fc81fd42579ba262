// Package logging builds the zerolog logger shared by every binary.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a JSON logger on stdout, or a human readable console logger
// when env is "dev".
func New(env, service string) zerolog.Logger {
	return NewWithWriter(os.Stdout, env, service)
}

func NewWithWriter(w io.Writer, env, service string) zerolog.Logger {
	if env == "dev" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).With().Timestamp().Str("service", service).Logger()
}
