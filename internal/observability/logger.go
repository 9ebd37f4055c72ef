package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is the structured sink behind every component logger. Call sites
// normally go through logging.Logger, which formats printf-style messages
// and forwards them here.
type Logger struct {
	handler slog.Handler
}

// LogConfig is the log section of the service config.
type LogConfig struct {
	Level  string    `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string    `mapstructure:"format" yaml:"format"` // json, text
	Output io.Writer `mapstructure:"-" yaml:"-"`
}

var defaultLogger atomic.Pointer[Logger]

// ParseLevel maps a config value onto a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewLogger builds a text or json logger writing to cfg.Output (stdout when
// unset).
func NewLogger(cfg LogConfig) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return &Logger{handler: slog.NewJSONHandler(out, opts)}
	}
	return &Logger{handler: slog.NewTextHandler(out, opts)}
}

// Default returns the process logger. Before SetDefault it is an info-level
// text logger on stdout.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultLogger.CompareAndSwap(nil, NewLogger(LogConfig{}))
	return defaultLogger.Load()
}

// SetDefault replaces the process logger. nil is ignored.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// With returns a logger that adds attrs to every record.
func (l *Logger) With(attrs ...any) *Logger {
	return &Logger{handler: slog.New(l.handler).With(attrs...).Handler()}
}

// Enabled reports whether records at level are written.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.handler.Enabled(context.Background(), level)
}

// Log writes msg at level with key/value attrs.
func (l *Logger) Log(level slog.Level, msg string, attrs ...any) {
	slog.New(l.handler).Log(context.Background(), level, msg, attrs...)
}

func (l *Logger) Debug(msg string, attrs ...any) { l.Log(slog.LevelDebug, msg, attrs...) }
func (l *Logger) Info(msg string, attrs ...any)  { l.Log(slog.LevelInfo, msg, attrs...) }
func (l *Logger) Warn(msg string, attrs ...any)  { l.Log(slog.LevelWarn, msg, attrs...) }
func (l *Logger) Error(msg string, attrs ...any) { l.Log(slog.LevelError, msg, attrs...) }

// SanitizeAPIKey masks a credential for logs and config dumps.
func SanitizeAPIKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "***"
	default:
		return key[:4] + "..." + key[len(key)-4:]
	}
}
