package logging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than on slog directly so tests
// can pass Nop() or a recording fake.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var defaultSlog atomic.Pointer[slog.Logger]

// SetDefault replaces the process-wide slog logger used by component loggers.
func SetDefault(logger *slog.Logger) {
	if logger == nil {
		return
	}
	defaultSlog.Store(logger)
}

func base() *slog.Logger {
	if logger := defaultSlog.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

// componentLogger resolves the default slog logger on every call so loggers
// created at package init pick up configuration applied later in main.
type componentLogger struct {
	component string
	attrs     []any
}

func (l *componentLogger) emit(level slog.Level, format string, args ...any) {
	logger := base()
	if l.component != "" {
		logger = logger.With("component", l.component)
	}
	if len(l.attrs) > 0 {
		logger = logger.With(l.attrs...)
	}
	logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *componentLogger) Debug(format string, args ...any) { l.emit(slog.LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.emit(slog.LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.emit(slog.LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.emit(slog.LevelError, format, args...) }

// With returns a logger that tags every line with the given key/value pairs.
// Loggers that are not component loggers are returned unchanged.
func With(logger Logger, kv ...any) Logger {
	if IsNil(logger) {
		return Nop()
	}
	cl, ok := logger.(*componentLogger)
	if !ok || len(kv) == 0 {
		return logger
	}
	attrs := make([]any, 0, len(cl.attrs)+len(kv))
	attrs = append(attrs, cl.attrs...)
	attrs = append(attrs, kv...)
	return &componentLogger{component: cl.component, attrs: attrs}
}

type slogPrintfLogger struct {
	logger *slog.Logger
}

// FromSlog wraps a slog logger and preserves printf-style call sites by
// formatting the message before emitting it.
func FromSlog(logger *slog.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	if component != "" {
		logger = logger.With("component", component)
	}
	return &slogPrintfLogger{logger: logger}
}

func (l *slogPrintfLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogPrintfLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogPrintfLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogPrintfLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
