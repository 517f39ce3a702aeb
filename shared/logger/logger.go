package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config controls output format and verbosity for a Logger.
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout or stderr
	EnableSource bool   // annotate records with source location
	TimeFormat   string // timestamp layout, console format only

	// writer overrides Output when set. Tests use it to capture records.
	writer io.Writer
}

// Logger is a thin wrapper around slog.Logger so call sites share one type.
type Logger struct {
	*slog.Logger
}

// New builds a logger from config. Unknown formats fall back to JSON,
// which is what the services run with in deployment anyway.
func New(config *Config) (*Logger, error) {
	level := parseLevel(config.Level)
	writer := config.writer
	if writer == nil {
		writer = resolveWriter(config.Output)
	}

	var handler slog.Handler
	if config.Format == "console" || config.Format == "" {
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		handler = tint.NewHandler(writer, &tint.Options{
			Level:      level,
			AddSource:  config.EnableSource,
			TimeFormat: timeFormat,
		})
	} else {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level:     level,
			AddSource: config.EnableSource,
		})
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// NewDefault returns a console logger at info level, for use before
// config has been loaded.
func NewDefault() *Logger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	})

	return &Logger{Logger: slog.New(handler)}
}

func resolveWriter(output string) io.Writer {
	if output == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// parseLevel maps a config string to a slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithGroup returns a logger that nests subsequent attributes under name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// WithAttrs returns a logger carrying the given attributes on every record.
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return &Logger{Logger: l.Logger.With(args...)}
}

// With returns a logger carrying the given key-value pairs on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}
