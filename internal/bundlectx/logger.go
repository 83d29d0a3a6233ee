// Package bundlectx carries a structured logger through a context.Context,
// the way every component of the shell and the update engine logs: no
// package-level logger variables, no global mutable state beyond the
// fallback default.
package bundlectx

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	defaultLogger   = logrus.StandardLogger().WithField("component", "bundle-shell")
	defaultLoggerMu sync.RWMutex
)

// Logger is the leveled-logging interface every component logs through.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)

	WithError(err error) *logrus.Entry
	WithField(key string, value any) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
}

type loggerKey struct{}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// WithFields returns a context whose logger has the given fields attached,
// building on whatever logger (or the default) is already in ctx.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, GetLogger(ctx).WithFields(fields))
}

// GetLogger returns the logger carried by ctx, or the package default.
func GetLogger(ctx context.Context) Logger {
	if v := ctx.Value(loggerKey{}); v != nil {
		if lgr, ok := v.(Logger); ok {
			return lgr
		}
	}

	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the fallback logger used when no logger has
// been attached to a context.
func SetDefaultLogger(entry *logrus.Entry) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = entry
}

// WithOp returns ctx with a logger tagged with the named operation, a
// convenience for the op-scoped logging every write-scope and retry loop
// does ("op=prepare_version", "op=download", ...).
func WithOp(ctx context.Context, op string) context.Context {
	return WithFields(ctx, logrus.Fields{"op": op})
}

// Errorf is a convenience for fmt.Errorf that also logs at Error level
// through the context's logger before returning the error, matching the
// "log and propagate" idiom used at every non-recoverable failure point.
func Errorf(ctx context.Context, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	GetLogger(ctx).WithError(err).Error(err.Error())
	return err
}
