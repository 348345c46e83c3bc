// Package logging provides structured logging functionality using Go's slog package.
// It supports both text and JSON output formats, configurable log levels,
// and component-scoped loggers for the scanlink client.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// File permissions for directories and log files.
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config holds logging configuration.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level"`
	Format    LogFormat `yaml:"format" json:"format"`
	Output    string    `yaml:"output" json:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Format:    FormatText,
		Output:    "stderr",
		AddSource: false,
	}
}

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
	config Config
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = os.Stderr
	case "discard":
		return NewDiscard(), nil
	default:
		// Assume it's a file path
		if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	return NewWithWriter(cfg, writer), nil
}

// NewWithWriter creates a logger that writes to w regardless of cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// FromSlog wraps an injected *slog.Logger so the helpers below can be used on it.
func FromSlog(l *slog.Logger) *Logger {
	if l == nil {
		return Default()
	}
	return &Logger{Logger: l, config: DefaultConfig()}
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// NewDiscard creates a logger that drops everything. Useful in tests.
func NewDiscard() *Logger {
	return NewWithWriter(Config{Level: LevelError}, io.Discard)
}

// ParseLevel maps a configured level to a slog level, defaulting to info.
func ParseLevel(level LogLevel) slog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithSessionID adds the client session identity to the logger.
func (l *Logger) WithSessionID(id string) *Logger {
	return l.WithFields("session_id", id)
}

// WithScanID adds a scan ID field to the logger.
func (l *Logger) WithScanID(scanID string) *Logger {
	return l.WithFields("scan_id", scanID)
}

// WithAction adds a protocol action field to the logger.
func (l *Logger) WithAction(action string) *Logger {
	return l.WithFields("action", action)
}

// WithGeneration adds the connection generation to the logger.
func (l *Logger) WithGeneration(generation uint64) *Logger {
	return l.WithFields("generation", generation)
}

// WithError adds an error field to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err)
}

// InfoConnection logs connection lifecycle information.
func (l *Logger) InfoConnection(msg, url string, fields ...any) {
	allFields := append([]any{"component", "connection", "url", url}, fields...)
	l.Info(msg, allFields...)
}

// ErrorConnection logs connection lifecycle errors.
func (l *Logger) ErrorConnection(msg, url string, err error, fields ...any) {
	allFields := append([]any{"component", "connection", "url", url, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoScan logs scan-related information.
func (l *Logger) InfoScan(msg, scanID string, fields ...any) {
	allFields := append([]any{"scan_id", scanID}, fields...)
	l.Info(msg, allFields...)
}

// ErrorScan logs scan-related errors.
func (l *Logger) ErrorScan(msg, scanID string, err error, fields ...any) {
	allFields := append([]any{"scan_id", scanID, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// Global logger instance - can be replaced for testing.
var defaultLogger = NewDefault()

// SetDefault sets the default logger instance.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the default logger instance.
func Default() *Logger {
	return defaultLogger
}

// Component returns a *slog.Logger from the default logger tagged with component.
// Packages use it when no logger was injected.
func Component(component string) *slog.Logger {
	return defaultLogger.WithComponent(component).Logger
}

// Debug logs at debug level using the default logger.
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Info logs at info level using the default logger.
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs at error level using the default logger.
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}
