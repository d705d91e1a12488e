package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger and remembers which component it belongs to.
type Logger struct {
	*slog.Logger
	base      *slog.Logger
	component string
}

// Config holds logger configuration
type Config struct {
	Level     slog.Level
	Format    string // "text" or "json"
	Component string
	Output    io.Writer
	Handler   slog.Handler
}

// DefaultConfig returns sensible defaults for logging
func DefaultConfig() Config {
	return Config{
		Level:     slog.LevelInfo,
		Format:    "text",
		Component: ComponentApp,
		Output:    os.Stdout,
	}
}

// New creates a logger. An explicit Handler wins over Format and Output.
func New(config Config) *Logger {
	handler := config.Handler
	if handler == nil {
		out := config.Output
		if out == nil {
			out = os.Stdout
		}
		opts := &slog.HandlerOptions{Level: config.Level}
		if strings.EqualFold(config.Format, "json") {
			handler = slog.NewJSONHandler(out, opts)
		} else {
			handler = slog.NewTextHandler(out, opts)
		}
	}

	base := slog.New(handler)
	l := base
	if config.Component != "" {
		l = base.With(FieldComponent, config.Component)
	}
	return &Logger{Logger: l, base: base, component: config.Component}
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// With returns a new logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), base: l.base, component: l.component}
}

// WithComponent returns a logger tagged with component instead of the
// parent's component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.base.With(FieldComponent, component),
		base:      l.base,
		component: component,
	}
}

// WithUser tags every record with the user id.
func (l *Logger) WithUser(userID string) *Logger {
	return l.With(FieldUserID, userID)
}

// LogError logs err with its operation and any extra fields.
func (l *Logger) LogError(ctx context.Context, msg string, err error, operation string, fields LogFields) {
	if fields == nil {
		fields = NewFields()
	}
	l.ErrorContext(ctx, msg, fields.WithError(err).WithOperation(operation).ToSlice()...)
}

// SetDefault sets the default logger for the application
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}

// Component returns the logger's component name
func (l *Logger) Component() string {
	return l.component
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: slog.LevelError + 1})
}
