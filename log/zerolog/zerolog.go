// Package zerolog adapts a zerolog.Logger to statekv.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/statekv"
)

var _ statekv.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

func New(l zerolog.Logger) Logger {
	return Logger{L: l.With().Str("component", "statekv").Logger()}
}

func (z Logger) Debug(msg string, f statekv.Fields) { emit(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f statekv.Fields)  { emit(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f statekv.Fields)  { emit(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f statekv.Fields) { emit(z.L.Error(), msg, f) }

// emit is a no-op for disabled levels; zerolog returns a nil event then.
func emit(e *zerolog.Event, msg string, f statekv.Fields) {
	if e == nil {
		return
	}
	if len(f) > 0 {
		e = e.Fields(map[string]any(f))
	}
	e.Msg(msg)
}
