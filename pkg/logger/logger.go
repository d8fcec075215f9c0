// Package logger provides the logging capability for the site API.
//
// It is a thin shim over zap that keeps a process-wide sugared logger.
// New code should prefer injecting the logger obtained from [Get]; the
// package-level functions exist for call sites where injection is awkward.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(newLogger(false))
}

func newLogger(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap only fails on invalid config; fall back to a no-op logger.
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Initialize builds the process logger. Debug logging is enabled when the
// DEBUG environment variable parses as true.
func Initialize() {
	debug, _ := strconv.ParseBool(os.Getenv("DEBUG"))
	singleton.Store(newLogger(debug))
}

func get() *zap.SugaredLogger {
	return singleton.Load()
}

// Get returns the underlying logger for injection into structs.
func Get() *zap.SugaredLogger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string) { get().Debug(msg) }

// Debugf logs a formatted message at debug level using the singleton logger.
func Debugf(msg string, args ...any) { get().Debugf(msg, args...) }

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) { get().Debugw(msg, keysAndValues...) }

// Info logs a message at info level using the singleton logger.
func Info(msg string) { get().Info(msg) }

// Infof logs a formatted message at info level using the singleton logger.
func Infof(msg string, args ...any) { get().Infof(msg, args...) }

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) { get().Infow(msg, keysAndValues...) }

// Warn logs a message at warning level using the singleton logger.
func Warn(msg string) { get().Warn(msg) }

// Warnf logs a formatted message at warning level using the singleton logger.
func Warnf(msg string, args ...any) { get().Warnf(msg, args...) }

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) { get().Warnw(msg, keysAndValues...) }

// Error logs a message at error level using the singleton logger.
func Error(msg string) { get().Error(msg) }

// Errorf logs a formatted message at error level using the singleton logger.
func Errorf(msg string, args ...any) { get().Errorf(msg, args...) }

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) { get().Errorw(msg, keysAndValues...) }

// Panicf logs a formatted message at panic level and then panics.
func Panicf(msg string, args ...any) { get().Panicf(msg, args...) }

// Fatalf logs a formatted message at fatal level and then exits.
func Fatalf(msg string, args ...any) { get().Fatalf(msg, args...) }
