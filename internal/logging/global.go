package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitGlobalLogger initializes the global logger instance on stdout, or stderr when output is "stderr"
func InitGlobalLogger(level LogLevel, format, output string) *Logger {
	var out io.Writer = os.Stdout
	if output == "stderr" {
		out = os.Stderr
	}

	var logger *Logger
	if format == "json" {
		logger = NewLogger(level, out)
	} else {
		logger = NewLogger(level, zerolog.ConsoleWriter{Out: out})
	}

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	return logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()
	if logger != nil {
		return logger
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(InfoLevel, os.Stdout)
	}
	return globalLogger
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	GetGlobalLogger().logger.Debug().Msg(fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	GetGlobalLogger().logger.Info().Msg(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	GetGlobalLogger().logger.Warn().Msg(fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	GetGlobalLogger().logger.Error().Msg(fmt.Sprintf(format, args...))
}

// WithContext creates a logger with trace context
func WithContext(ctx context.Context) *zerolog.Logger {
	return GetGlobalLogger().WithContext(ctx)
}

// WithModule creates a logger with module field
func WithModule(module string) *zerolog.Logger {
	logger := GetGlobalLogger().logger.With().Str("module", module).Logger()
	return &logger
}

