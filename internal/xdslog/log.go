// Package xdslog provides a prefixed logger for the xDS dynamic
// configuration subsystem. The call shape (Infof/Warningf/Debugf/Errorf)
// mirrors grpc-go's internal grpclog.PrefixLogger so that code carried
// over from it needs no changes at call sites.
package xdslog

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger is a component-prefixed, printf-style logger backed by zap.
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

// New returns a Logger that prepends prefix to every message it logs.
// A nil base logger falls back to zap's global logger.
func New(base *zap.Logger, prefix string) *Logger {
	if base == nil {
		base = zap.L()
	}
	return &Logger{prefix: prefix, sugar: base.Sugar()}
}

func (l *Logger) format(format string, args []interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if l.prefix == "" {
		return msg
	}
	return l.prefix + " " + msg
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.sugar.Info(l.format(format, args))
}

// Warningf logs at warn level.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.sugar.Warn(l.format(format, args))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.sugar.Debug(l.format(format, args))
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.sugar.Error(l.format(format, args))
}
