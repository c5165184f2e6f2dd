// Package logging wraps logrus behind a small interface so that components
// depend on a facade rather than a concrete logging library, mirroring
// armada's internal/common/logging.Logger.
package logging

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...any)
	Info(msg string)
	Infof(format string, args ...any)
	Warn(msg string)
	Warnf(format string, args ...any)
	Error(msg string)
	Errorf(format string, args ...any)
	Fatal(msg string)
	Fatalf(format string, args ...any)
	With(key string, value any) Logger
	WithError(err error) Logger
	WithStacktrace(err error) Logger
}

// stackTracer is the unexported interface pkg/errors attaches to errors
// created via errors.New/Errorf/WithStack.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

func New(entry *logrus.Entry) Logger {
	return &logrusLogger{delegate: entry}
}

func NewLogger() Logger {
	return &logrusLogger{delegate: logrus.NewEntry(logrus.New())}
}

type logrusLogger struct {
	delegate *logrus.Entry
}

func (l *logrusLogger) Debug(msg string)                    { l.delegate.Debug(msg) }
func (l *logrusLogger) Debugf(format string, args ...any)    { l.delegate.Debugf(format, args...) }
func (l *logrusLogger) Info(msg string)                      { l.delegate.Info(msg) }
func (l *logrusLogger) Infof(format string, args ...any)      { l.delegate.Infof(format, args...) }
func (l *logrusLogger) Warn(msg string)                      { l.delegate.Warn(msg) }
func (l *logrusLogger) Warnf(format string, args ...any)      { l.delegate.Warnf(format, args...) }
func (l *logrusLogger) Error(msg string)                     { l.delegate.Error(msg) }
func (l *logrusLogger) Errorf(format string, args ...any)     { l.delegate.Errorf(format, args...) }
func (l *logrusLogger) Fatal(msg string)                     { l.delegate.Error(msg) }
func (l *logrusLogger) Fatalf(format string, args ...any)     { l.delegate.Errorf(format, args...) }

func (l *logrusLogger) With(key string, value any) Logger {
	return &logrusLogger{delegate: l.delegate.WithField(key, value)}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{delegate: l.delegate.WithError(err)}
}

// WithStacktrace attaches the error and, when available, the pkg/errors
// stack trace that was captured at the point the error was created.
func (l *logrusLogger) WithStacktrace(err error) Logger {
	entry := l.delegate.WithError(err)
	if tracer, ok := err.(stackTracer); ok {
		entry = entry.WithField("stacktrace", fmt.Sprintf("%+v", tracer.StackTrace()))
	}
	return &logrusLogger{delegate: entry}
}
