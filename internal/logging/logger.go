// Package logging provides the structured logger shared by the API, workers and services.
// It wraps charmbracelet/log and keeps a field-oriented API (WithField, WithFields, WithError).
package logging

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Logger provides structured logging capabilities
type Logger struct {
	base *log.Logger
}

// NewLogger creates a logger writing to stdout
func NewLogger(level LogLevel, format LogFormat) *Logger {
	return NewLoggerWithOutput(os.Stdout, level, format)
}

// NewLoggerWithOutput creates a logger writing to w
func NewLoggerWithOutput(w io.Writer, level LogLevel, format LogFormat) *Logger {
	formatter := log.JSONFormatter
	if format == FormatText {
		formatter = log.TextFormatter
	}

	base := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		TimeFunction:    func(t time.Time) time.Time { return t.UTC() },
		Level:           toCharmLevel(level),
		Formatter:       formatter,
	})

	return &Logger{base: base}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{base: l.base.With(key, value)}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	keyvals := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		keyvals = append(keyvals, k, fields[k])
	}
	return &Logger{base: l.base.With(keyvals...)}
}

// WithError adds an error to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Component returns a logger tagged with a component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{base: l.base.WithPrefix(name)}
}

func (l *Logger) Debug(message string) { l.base.Debug(message) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.base.Debugf(format, args...) }

func (l *Logger) Info(message string) { l.base.Info(message) }

func (l *Logger) Infof(format string, args ...interface{}) { l.base.Infof(format, args...) }

func (l *Logger) Warn(message string) { l.base.Warn(message) }

func (l *Logger) Warnf(format string, args ...interface{}) { l.base.Warnf(format, args...) }

func (l *Logger) Error(message string) { l.base.Error(message) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.base.Errorf(format, args...) }

// ErrorWithErr logs an error message with an error object
func (l *Logger) ErrorWithErr(message string, err error) {
	l.WithError(err).Error(message)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) { l.base.Fatal(message) }

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) { l.base.Fatalf(format, args...) }

// SetOutput sets the output writer for the logger
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.base.SetLevel(toCharmLevel(level))
}

func toCharmLevel(level LogLevel) log.Level {
	switch level {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	case LevelFatal:
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(level LogLevel, format LogFormat) {
	globalLogger = NewLogger(level, format)
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo, FormatJSON)
	}
	return globalLogger
}

type loggerKey struct{}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext retrieves a logger from the context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return GetGlobalLogger()
}

// Info logs an info message using the global logger
func Info(message string) {
	GetGlobalLogger().Info(message)
}

// Infof logs a formatted info message using the global logger
func Infof(format string, args ...interface{}) {
	GetGlobalLogger().Infof(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(message string) {
	GetGlobalLogger().Warn(message)
}

// Error logs an error message using the global logger
func Error(message string) {
	GetGlobalLogger().Error(message)
}

// Fatal logs a fatal message and exits using the global logger
func Fatal(message string) {
	GetGlobalLogger().Fatal(message)
}

// Fatalf logs a formatted fatal message and exits using the global logger
func Fatalf(format string, args ...interface{}) {
	GetGlobalLogger().Fatalf(format, args...)
}

// WithField adds a field to the global logger
func WithField(key string, value interface{}) *Logger {
	return GetGlobalLogger().WithField(key, value)
}

// WithFields adds multiple fields to the global logger
func WithFields(fields map[string]interface{}) *Logger {
	return GetGlobalLogger().WithFields(fields)
}

// WithError adds an error to the global logger
func WithError(err error) *Logger {
	return GetGlobalLogger().WithError(err)
}

// Component returns a global logger tagged with a component name
func Component(name string) *Logger {
	return GetGlobalLogger().Component(name)
}

// ParseLogLevel parses a string into a LogLevel, defaulting to info
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// ParseLogFormat parses a string into a LogFormat, defaulting to json
func ParseLogFormat(format string) LogFormat {
	if strings.ToLower(format) == "text" {
		return FormatText
	}
	return FormatJSON
}
