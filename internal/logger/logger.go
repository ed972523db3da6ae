// Package logger provides the shared application logger for the sync engine.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger
)

// Initialize sets up the global logger. Structured JSON output goes to
// stderr so stdout stays clean for commands that emit data.
// Safe to call more than once; the last call wins.
func Initialize(debug bool) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a bare logger rather than failing startup.
		l = zap.NewNop()
	}

	mu.Lock()
	log = l.Sugar()
	mu.Unlock()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		Initialize(false)
		mu.RLock()
		l = log
		mu.RUnlock()
	}
	return l
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) { get().Debugf(format, args...) }

// Infof logs a formatted info message.
func Infof(format string, args ...any) { get().Infof(format, args...) }

// Warnf logs a formatted warning message.
func Warnf(format string, args ...any) { get().Warnf(format, args...) }

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) { get().Errorf(format, args...) }

// Infow logs an info message with structured key/value pairs.
func Infow(msg string, keysAndValues ...any) { get().Infow(msg, keysAndValues...) }

// Errorw logs an error message with structured key/value pairs.
func Errorw(msg string, keysAndValues ...any) { get().Errorw(msg, keysAndValues...) }

// Sync flushes any buffered log entries.
func Sync() {
	if l := get(); l != nil {
		_ = l.Sync()
	}
}
