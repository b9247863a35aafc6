package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Logger holds the zerolog logger instance
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new logger instance with the specified log level
func NewLogger(logLevel LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	level, err := zerolog.ParseLevel(string(logLevel))
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{logger: logger}
}

// WithContext adds trace and span ids when the context carries a span
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logCtx := l.logger.With()

	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		logCtx = logCtx.Str("trace_id", spanCtx.TraceID().String())
		logCtx = logCtx.Str("span_id", spanCtx.SpanID().String())
	}

	contextual := logCtx.Logger()
	return &contextual
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// LogSyncRun emits one line summarising a finished sync run
func (l *Logger) LogSyncRun(result models.SyncResult) {
	var event *zerolog.Event
	switch {
	case result.Success:
		event = l.logger.Info()
	case result.Status == models.StatusBusy || result.Status == models.StatusSkipped:
		event = l.logger.Info()
	case result.Status == models.StatusException:
		event = l.logger.Error()
	default:
		event = l.logger.Warn()
	}

	event.
		Str("run_id", result.RunID).
		Str("reason", result.Reason).
		Str("status", result.Status).
		Bool("success", result.Success).
		Int("examined", result.Examined).
		Int("downloaded", result.Downloaded).
		Int("skipped", result.Skipped).
		Int64("duration_ms", result.Duration.Milliseconds()).
		Msg(result.Message)
}

// LogJobProcessing logs queued job processing information
func (l *Logger) LogJobProcessing(queue, jobType string, attempt int, duration time.Duration, success bool, errorMsg string) {
	event := l.logger.With().
		Str("queue", queue).
		Str("job_type", jobType).
		Int("attempt", attempt).
		Int64("duration_ms", duration.Milliseconds()).
		Bool("success", success).
		Logger()

	if success {
		event.Info().Msg("Job processed successfully")
	} else {
		event.Error().Str("error", errorMsg).Msg("Job processing failed")
	}
}

// LogCapacityCheck logs capacity check results
func (l *Logger) LogCapacityCheck(path string, usedPercent float64, threshold float64, status string) {
	l.logger.Info().
		Str("path", path).
		Float64("used_percent", usedPercent).
		Float64("threshold", threshold).
		Str("status", status).
		Msg("Capacity check performed")
}

// LogHTTPRequest logs HTTP request information
func (l *Logger) LogHTTPRequest(c *fiber.Ctx, duration time.Duration) {
	l.logger.Info().
		Str("ip", c.IP()).
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Int64("duration_ms", duration.Milliseconds()).
		Msg("HTTP request processed")
}

// FiberLoggerMiddleware creates a Fiber-compatible logging middleware
func (l *Logger) FiberLoggerMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		l.LogHTTPRequest(c, time.Since(start))
		return err
	}
}
