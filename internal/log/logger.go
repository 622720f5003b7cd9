package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Extra levels accepted by --log-level beyond the slog defaults.
const (
	LevelVerbose  = slog.Level(-8)
	LevelCritical = slog.Level(12)
)

var (
	once   sync.Once
	logger *slog.Logger
	output io.WriteCloser
)

// Options controls the global logger.
type Options struct {
	Level  string // critical | error | warning | info | debug | verbose
	Format string // json | text
	File   string // append to this file instead of stdout
}

// ParseLevel maps a level name to a slog level.
// logic: unknown names fall back to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "VERBOSE":
		return LevelVerbose
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the global logger. Only the first call has an effect.
func Setup(opts Options) error {
	var err error
	once.Do(func() {
		var w io.Writer = os.Stdout
		if opts.File != "" {
			f, openErr := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if openErr != nil {
				err = fmt.Errorf("open log file: %w", openErr)
				w = os.Stdout
			} else {
				output = f
				w = f
			}
		}
		logger = slog.New(newHandler(w, opts))
		slog.SetDefault(logger)
	})
	return err
}

// SetupLevel is shorthand for Setup with only a level, used by tests.
func SetupLevel(level string) {
	_ = Setup(Options{Level: level})
}

func newHandler(w io.Writer, opts Options) slog.Handler {
	handlerOpts := &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey {
				return a
			}
			switch a.Value.Any().(slog.Level) {
			case LevelVerbose:
				a.Value = slog.StringValue("VERBOSE")
			case LevelCritical:
				a.Value = slog.StringValue("CRITICAL")
			}
			return a
		},
	}
	if strings.EqualFold(opts.Format, "text") {
		return slog.NewTextHandler(w, handlerOpts)
	}
	return slog.NewJSONHandler(w, handlerOpts)
}

// Close releases the log file, if any.
func Close() error {
	if output == nil {
		return nil
	}
	err := output.Close()
	output = nil
	return err
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		SetupLevel("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithConn returns a logger with the conn_id field set.
func WithConn(id string) *slog.Logger {
	return Get().With(slog.String("conn_id", id))
}

// WithCorrelation returns a logger scoped to one command of one connection.
func WithCorrelation(connID, correlationID string) *slog.Logger {
	return Get().With(slog.String("conn_id", connID), slog.String("correlation_id", correlationID))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
