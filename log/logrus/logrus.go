// Package logrus adapts a logrus entry to statekv.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/statekv"
)

var _ statekv.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every record with component=statekv.
func New(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return Logger{E: l.WithField("component", "statekv")}
}

func (l Logger) with(f statekv.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	return l.E.WithFields(logrus.Fields(f))
}

func (l Logger) Debug(msg string, f statekv.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f statekv.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f statekv.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f statekv.Fields) { l.with(f).Error(msg) }
