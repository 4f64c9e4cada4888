package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel represents the logging verbosity level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory gates debug-level logging for one NVR subsystem
type DebugCategory string

const (
	DebugRTSP       DebugCategory = "rtsp"
	DebugMP4        DebugCategory = "mp4"
	DebugCatalog    DebugCategory = "catalog"
	DebugRecorder   DebugCategory = "recorder"
	DebugShutdown   DebugCategory = "shutdown"
	DebugSupervisor DebugCategory = "supervisor"
	DebugAll        DebugCategory = "all"
)

// Config holds logger configuration
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debugging
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a new logger configuration with defaults
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		OutputFile:        "",
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts LogLevel to slog.Level
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new Logger instance with the given configuration
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.ToSlogLevel()}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	case FormatText:
		handler = slog.NewTextHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
	}, nil
}

// EnableCategory enables a specific debug category
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugRTSP] = true
		c.EnabledCategories[DebugMP4] = true
		c.EnabledCategories[DebugCatalog] = true
		c.EnabledCategories[DebugRecorder] = true
		c.EnabledCategories[DebugShutdown] = true
		c.EnabledCategories[DebugSupervisor] = true
	} else {
		c.EnabledCategories[category] = true
	}
}

// IsCategoryEnabled checks if a debug category is enabled
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled checks if any debug category is enabled
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DebugRTSP logs RTSP session details if rtsp debugging is enabled
func (l *Logger) DebugRTSP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRTSP) {
		args = append([]any{"category", "rtsp"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugMP4 logs segment-writer details if mp4 debugging is enabled
func (l *Logger) DebugMP4(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugMP4) {
		args = append([]any{"category", "mp4"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugCatalog logs catalog transaction details if catalog debugging is enabled
func (l *Logger) DebugCatalog(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugCatalog) {
		args = append([]any{"category", "catalog"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRecorder logs per-stream worker details if recorder debugging is enabled
func (l *Logger) DebugRecorder(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRecorder) {
		args = append([]any{"category", "recorder"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugShutdown logs coordinator state transitions if shutdown debugging is enabled
func (l *Logger) DebugShutdown(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugShutdown) {
		args = append([]any{"category", "shutdown"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugSupervisor logs reconciliation details if supervisor debugging is enabled
func (l *Logger) DebugSupervisor(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugSupervisor) {
		args = append([]any{"category", "supervisor"}, args...)
		l.Debug(msg, args...)
	}
}

// WithContext returns a logger carrying context-derived attributes; currently a passthrough.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{Logger: l.Logger, config: l.config, file: l.file}
}

// With returns a new Logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config, file: l.file}
}

// SetDefault sets the global default logger
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating one if necessary
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		logger, err := New(cfg)
		if err != nil {
			logger = &Logger{Logger: slog.Default(), config: cfg}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// Debug logs at Debug level using the default logger
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at Info level using the default logger
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at Warn level using the default logger
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at Error level using the default logger
func Error(msg string, args ...any) { Default().Error(msg, args...) }
