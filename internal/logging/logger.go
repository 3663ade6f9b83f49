// Package logging provides leveled logging for the tracker. Runtime
// anomalies in the capture and fusion paths are logged and accounted,
// never propagated, so the logger sits on several hot paths and keeps
// formatting cost behind the level check.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger wraps stdlib log with level support and an optional subsystem
// scope that prefixes every line (e.g. "uvc", "tracker").
type Logger struct {
	logger *log.Logger
	level  LogLevel
	scope  string
	mu     sync.Mutex
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags|log.Lmicroseconds),
		level:  config.Level,
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// WithScope returns a logger sharing this logger's sink and level, with
// all output prefixed by the given subsystem name.
func (l *Logger) WithScope(scope string) *Logger {
	return &Logger{
		logger: l.logger,
		level:  l.level,
		scope:  scope,
	}
}

// Scope returns a scoped view of the default logger.
func Scope(scope string) *Logger {
	return Default().WithScope(scope)
}

func (l *Logger) log(level LogLevel, prefix, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scope != "" {
		l.logger.Printf("%s %s: %s", prefix, l.scope, msg)
	} else {
		l.logger.Printf("%s %s", prefix, msg)
	}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", format, args...)
}

// Printf logs at info level, for callers expecting a stdlib-shaped logger.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions

func Debugf(format string, args ...any) { Default().Debugf(format, args...) }
func Infof(format string, args ...any)  { Default().Infof(format, args...) }
func Warnf(format string, args ...any)  { Default().Warnf(format, args...) }
func Errorf(format string, args ...any) { Default().Errorf(format, args...) }
