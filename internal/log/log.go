// Package log provides the internal structured logger used across the
// taskqueue engine, mirroring the minimal Logger contract the public
// package exposes for override.
package log

import (
	"fmt"
	stdlog "log"
	"os"
	"sync"
)

// Level represents the internal logging level.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// Base is the minimal logging contract an external logger must satisfy.
type Base interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// Logger wraps a Base implementation with a level filter so callers don't
// need to re-implement level checks in every subsystem.
type Logger struct {
	mu    sync.Mutex
	level Level
	base  Base
}

// NewLogger returns a Logger that writes through base. If base is nil, a
// default logger writing to stderr via the standard log package is used.
func NewLogger(base Base) *Logger {
	if base == nil {
		base = newDefaultLogger()
	}
	return &Logger{level: InfoLevel, base: base}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *Logger) Debug(args ...interface{}) {
	if l.enabled(DebugLevel) {
		l.base.Debug(args...)
	}
}

func (l *Logger) Info(args ...interface{}) {
	if l.enabled(InfoLevel) {
		l.base.Info(args...)
	}
}

func (l *Logger) Warn(args ...interface{}) {
	if l.enabled(WarnLevel) {
		l.base.Warn(args...)
	}
}

func (l *Logger) Error(args ...interface{}) {
	if l.enabled(ErrorLevel) {
		l.base.Error(args...)
	}
}

func (l *Logger) Fatal(args ...interface{}) {
	if l.enabled(FatalLevel) {
		l.base.Fatal(args...)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }

type defaultLogger struct {
	*stdlog.Logger
}

func newDefaultLogger() *defaultLogger {
	return &defaultLogger{stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds)}
}

func (l *defaultLogger) Debug(args ...interface{}) { l.print("DEBUG", args...) }
func (l *defaultLogger) Info(args ...interface{})  { l.print("INFO", args...) }
func (l *defaultLogger) Warn(args ...interface{})  { l.print("WARN", args...) }
func (l *defaultLogger) Error(args ...interface{}) { l.print("ERROR", args...) }
func (l *defaultLogger) Fatal(args ...interface{}) { l.print("FATAL", args...); os.Exit(1) }

func (l *defaultLogger) print(level string, args ...interface{}) {
	l.Logger.Println(append([]interface{}{"[" + level + "]"}, args...)...)
}
