// Package log provides the leveled loggers shared by the hkpair packages.
//
// Loggers are created from a logging.LoggerFactory. Components accept their own
// factory in their config; when none is given they fall back to the package
// factory, which honours the PION_LOG_* environment variables.
package log

import (
	"io"
	"sync"

	"github.com/pion/logging"
)

var (
	mu      sync.RWMutex
	factory logging.LoggerFactory = logging.NewDefaultLoggerFactory()
	debug   logging.LeveledLogger = factory.NewLogger("hap")
	info    logging.LeveledLogger = factory.NewLogger("hkpair")
)

// SetFactory replaces the package factory. Loggers created before the call keep
// writing through the old factory.
func SetFactory(f logging.LoggerFactory) {
	if f == nil {
		return
	}
	mu.Lock()
	factory = f
	debug = f.NewLogger("hap")
	info = f.NewLogger("hkpair")
	mu.Unlock()
}

// Debug returns the package logger for protocol details, used by code that
// has no component config.
func Debug() logging.LeveledLogger {
	mu.RLock()
	defer mu.RUnlock()
	return debug
}

// Info returns the package logger for lifecycle messages.
func Info() logging.LeveledLogger {
	mu.RLock()
	defer mu.RUnlock()
	return info
}

// Factory returns the package factory.
func Factory() logging.LoggerFactory {
	mu.RLock()
	defer mu.RUnlock()
	return factory
}

// Or returns f, or the package factory when f is nil.
func Or(f logging.LoggerFactory) logging.LoggerFactory {
	if f != nil {
		return f
	}
	return Factory()
}

// New returns a scoped logger from f, or from the package factory when f is nil.
func New(f logging.LoggerFactory, scope string) logging.LeveledLogger {
	return Or(f).NewLogger(scope)
}

// NewFactory returns a factory writing to w at the given level for every scope.
func NewFactory(w io.Writer, level logging.LogLevel) logging.LoggerFactory {
	return &logging.DefaultLoggerFactory{
		Writer:          w,
		DefaultLogLevel: level,
		ScopeLevels:     map[string]logging.LogLevel{},
	}
}

// Discard is a factory whose loggers drop everything.
func Discard() logging.LoggerFactory {
	return NewFactory(io.Discard, logging.LogLevelDisabled)
}
