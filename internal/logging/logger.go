// Package logging wraps log/slog with the console format and helpers the
// appwall components share.
package logging

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError

	// LevelAudit sits above every configurable level so audit records are
	// never filtered.
	LevelAudit = slog.LevelError + 1
)

var defaultLogger atomic.Pointer[Logger]

// Logger is a slog.Logger sharing one adjustable level with its children.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration.
type Config struct {
	Level  Level
	Output io.Writer // default os.Stderr
	JSON   bool
}

// New creates a Logger writing console lines, or JSON when cfg.JSON is set.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	lv := new(slog.LevelVar)
	lv.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler = NewConsoleHandler(out, opts)
	if cfg.JSON {
		h = slog.NewJSONHandler(out, opts)
	}
	return &Logger{Logger: slog.New(h), level: lv}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(Config{Level: LevelAudit + 1, Output: io.Discard})
}

// Default returns the process logger, an Info console logger unless
// SetDefault replaced it.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultLogger.CompareAndSwap(nil, New(Config{Level: LevelInfo}))
	return defaultLogger.Load()
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// ParseLevel converts a config string ("debug", "info", "warn", "error") to a Level.
// Unknown strings yield LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

func (l *Logger) SetLevel(level Level) { l.level.Set(level) }
func (l *Logger) GetLevel() Level      { return l.level.Level() }

// WithComponent scopes the logger to a component; the console handler shows
// it in the line header.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// With returns a logger with additional key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Audit records a rule mutation at LevelAudit. Details are emitted in key order.
func (l *Logger) Audit(action, resource string, details map[string]any) {
	args := make([]any, 0, 8+2*len(details))
	args = append(args,
		"audit", true,
		"action", action,
		"resource", resource,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
	for _, k := range slices.Sorted(maps.Keys(details)) {
		args = append(args, k, details[k])
	}
	l.Logger.Log(context.Background(), LevelAudit, "AUDIT", args...)
}
