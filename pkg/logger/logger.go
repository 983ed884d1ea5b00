// Package logger provides the structured logging surface used across the
// gateway. It wraps a swappable *slog.Logger behind a package-level
// singleton so call sites never thread a logger through every constructor.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Initialize swaps in a production zap-backed handler, or a plain text
// handler when unstructuredLogs is true (useful for local development where
// JSON lines are hard to read).
func Initialize(unstructuredLogs bool, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	if unstructuredLogs {
		current.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	}

	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := cfg.Build()
	if err != nil {
		return err
	}
	current.Store(slog.New(zapslog.NewHandler(zl.Core())))
	return nil
}

// Load returns the active logger. Safe for concurrent use.
func Load() *slog.Logger { return current.Load() }

// Store replaces the active logger. Exposed mainly for tests that want to
// capture log output or install a no-op logger.
func Store(l *slog.Logger) { current.Store(l) }

func Debugf(format string, args ...any) { Load().Debug(sprintf(format, args...)) }
func Infof(format string, args ...any)  { Load().Info(sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Load().Warn(sprintf(format, args...)) }
func Errorf(format string, args ...any) { Load().Error(sprintf(format, args...)) }

func Debug(msg string, args ...any) { Load().Debug(msg, args...) }
func Info(msg string, args ...any)  { Load().Info(msg, args...) }
func Warn(msg string, args ...any)  { Load().Warn(msg, args...) }
func Error(msg string, args ...any) { Load().Error(msg, args...) }

// DebugContext/InfoContext etc. let callers attach span/trace-carrying
// context when one is available without forcing every call site to do so.
func DebugContext(ctx context.Context, msg string, args ...any) { Load().DebugContext(ctx, msg, args...) }
func InfoContext(ctx context.Context, msg string, args ...any)  { Load().InfoContext(ctx, msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { Load().WarnContext(ctx, msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { Load().ErrorContext(ctx, msg, args...) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
