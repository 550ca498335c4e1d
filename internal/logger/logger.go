// Package logger is the process-wide logging front for the trading loop.
// It wraps slog with printf-style helpers so call sites stay one-liners,
// and keeps the level adjustable at runtime for config hot reload.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

const timeLayout = "2006-01-02 15:04:05.000"

var (
	levelVar slog.LevelVar
	current  atomic.Pointer[slog.Logger]
)

func init() {
	current.Store(build(os.Stdout))
}

func build(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level: &levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(timeLayout))
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetOutput rebuilds the process logger on w. Safe to call while other
// goroutines are logging; in-flight records go to the old writer.
func SetOutput(w io.Writer) {
	current.Store(build(w))
}

// ParseLevel maps a config level string to a slog level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// SetLevel takes effect immediately for all outstanding loggers.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

func Debugf(format string, v ...any) {
	current.Load().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	current.Load().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	current.Load().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	current.Load().Error(fmt.Sprintf(format, v...))
}
