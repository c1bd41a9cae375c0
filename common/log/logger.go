package log

import (
	"github.com/sirupsen/logrus"
)

// Shared logger used by all stitch engines. Callers that want their own
// formatting or output can swap fields on Log directly, or install hooks.
var Log = logrus.New()

func AddHook(hook logrus.Hook) {
	Log.AddHook(hook)
}

func SetLevel(level logrus.Level) {
	Log.SetLevel(level)
}

// WithFields returns an entry carrying structured fields, for callsites
// that log the same context repeatedly (saga id, breaker name, etc).
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

func Debug(args ...interface{}) {
	Log.Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

func Error(args ...interface{}) {
	Log.Error(args...)
}

func Errorf(format string, args ...interface{}) {
	Log.Errorf(format, args...)
}

func Info(args ...interface{}) {
	Log.Info(args...)
}

func Infof(format string, args ...interface{}) {
	Log.Infof(format, args...)
}

func Warn(args ...interface{}) {
	Log.Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}
