// Package zap adapts a *zap.Logger to statekv.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/statekv"
)

var _ statekv.Logger = Logger{}

// Logger writes statekv records through zap. Fields are emitted in key
// order so records are stable across runs.
type Logger struct{ L *zap.Logger }

// New returns a Logger named "statekv" under l. A nil l yields zap's no-op
// logger.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("statekv")}
}

func (z Logger) Debug(msg string, f statekv.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f statekv.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f statekv.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f statekv.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f statekv.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
