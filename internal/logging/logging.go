// Package logging provides structured logging for Overseer using Go's slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	taskIDKey    contextKey = "task_id"
	componentKey contextKey = "component"
	projectKey   contextKey = "project"
	workerIDKey  contextKey = "worker_id"
)

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          `yaml:"level"`    // debug, info, warn, error
	Format   string          `yaml:"format"`   // json, text
	Output   string          `yaml:"output"`   // stdout, stderr, or file path
	Rotation *RotationConfig `yaml:"rotation"` // file rotation settings
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	MaxSize    string `yaml:"max_size"` // e.g. "100MB"
	MaxAge     string `yaml:"max_age"`  // e.g. "7d"
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	writer, err := newWriter(cfg)
	if err != nil {
		return err
	}

	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler)

	loggerMu.Lock()
	defaultLogger = logger
	loggerMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// Suppress redirects all logging to io.Discard. Used when the TUI dashboard
// owns the terminal.
func Suppress() {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	loggerMu.Lock()
	defaultLogger = discard
	loggerMu.Unlock()

	slog.SetDefault(discard)
}

// ParseLevel converts a string level to slog.Level. Unknown strings map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newWriter(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	default:
		return newRotatingWriter(cfg.Output, cfg.Rotation)
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithTask returns a logger with task context.
func WithTask(taskID string) *slog.Logger {
	return Logger().With(slog.String("task_id", taskID))
}

// WithProject returns a logger with project context.
func WithProject(projectID string) *slog.Logger {
	return Logger().With(slog.String("project", projectID))
}

// WithWorker returns a logger with worker context.
func WithWorker(workerID string) *slog.Logger {
	return Logger().With(slog.String("worker_id", workerID))
}

// WithContext returns a logger carrying fields stored in the context.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()

	if v, ok := ctx.Value(taskIDKey).(string); ok {
		logger = logger.With(slog.String("task_id", v))
	}
	if v, ok := ctx.Value(componentKey).(string); ok {
		logger = logger.With(slog.String("component", v))
	}
	if v, ok := ctx.Value(projectKey).(string); ok {
		logger = logger.With(slog.String("project", v))
	}
	if v, ok := ctx.Value(workerIDKey).(string); ok {
		logger = logger.With(slog.String("worker_id", v))
	}

	return logger
}

// ContextWithTaskID adds a task ID to the context.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// ContextWithComponent adds a component name to the context.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// ContextWithProject adds a project ID to the context.
func ContextWithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey, projectID)
}

// ContextWithWorker adds a worker ID to the context.
func ContextWithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level using the global logger.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level using the global logger.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
