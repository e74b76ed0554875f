package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/taskhawk/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry is a log line under construction. Entries are not safe for
// concurrent use; create one per log call.
type LogEntry struct {
	logger    *Logger
	TraceID   string
	TaskName  string
	MessageID string
	Queue     string
	Fields    map[string]any
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      zerolog.Logger
}

// New creates a new structured logger for the given service. Output is JSON
// on stdout in production and a console writer on stderr otherwise.
func New(service string) *Logger {
	var w io.Writer = os.Stdout
	if os.Getenv("APP_ENV") != "production" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(service, w)
}

// NewWithWriter creates a JSON logger writing to w.
func NewWithWriter(service string, w io.Writer) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	if service != "" {
		zl = zl.With().Str("service", service).Logger()
	}
	return &Logger{service: service, zl: zl}
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		logger: l,
		Fields: make(map[string]any),
	}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithTask sets the task name for the log entry
func (e *LogEntry) WithTask(name string) *LogEntry {
	e.TaskName = name
	return e
}

// WithMessageID sets the message ID for the log entry
func (e *LogEntry) WithMessageID(id string) *LogEntry {
	e.MessageID = id
	return e
}

// WithQueue sets the queue name for the log entry
func (e *LogEntry) WithQueue(queue string) *LogEntry {
	e.Queue = queue
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.output(zerolog.DebugLevel, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.output(zerolog.DebugLevel, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.output(zerolog.InfoLevel, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.output(zerolog.InfoLevel, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.output(zerolog.WarnLevel, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.output(zerolog.WarnLevel, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.output(zerolog.ErrorLevel, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.output(zerolog.ErrorLevel, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.output(zerolog.FatalLevel, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) output(level zerolog.Level, message string) {
	// WithLevel does not exit on fatal; Fatal handles the exit itself.
	ev := e.logger.zl.WithLevel(level)
	if ev == nil {
		return
	}
	if e.TraceID != "" {
		ev = ev.Str("trace_id", e.TraceID)
	}
	if e.TaskName != "" {
		ev = ev.Str("task", e.TaskName)
	}
	if e.MessageID != "" {
		ev = ev.Str("message_id", e.MessageID)
	}
	if e.Queue != "" {
		ev = ev.Str("queue", e.Queue)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(message)
}

// Global convenience functions

var defaultLogger = New("taskhawk")

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefault replaces the package-level logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}
