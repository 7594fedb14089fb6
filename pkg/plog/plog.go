// Package plog wraps log/slog with the handlers used by homelab-backup.
//
// There are two ways to log. The package-level functions (Info, Warn, ...) write
// to a console logger and are meant for CLI bootstrap code that runs before a
// target is known. Everything that runs against a target receives an explicit
// *slog.Logger built with NewRunLogger, which writes to both the console and the
// target's log file.
package plog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// Log levels. NOTICE sits between DEBUG and INFO and is used for per-item
// actions (one line per deleted snapshot and the like).
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

var levelNames = map[slog.Level]string{
	LevelDebug:  "debug",
	LevelNotice: "notice",
	LevelInfo:   "info",
	LevelWarn:   "warn",
	LevelError:  "error",
}

var namesToLevel = util.InvertMap(levelNames)

// LevelFromString parses a level name. Unknown names map to INFO.
func LevelFromString(s string) slog.Level {
	if l, ok := namesToLevel[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return LevelInfo
}

// ParseLevel is the strict variant of LevelFromString used for config validation.
func ParseLevel(s string) (slog.Level, error) {
	if l, ok := namesToLevel[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q: must be 'debug', 'notice', 'info', 'warn' or 'error'", s)
}

// replaceLevelNames renders the custom NOTICE level by name instead of "INFO-2".
func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// NewLevelDispatchHandler writes records below WARN to stdout and the rest to stderr.
func NewLevelDispatchHandler(stdout, stderr io.Writer, level slog.Leveler) *LevelDispatchHandler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevelNames}
	return &LevelDispatchHandler{
		stdoutHandler: slog.NewTextHandler(stdout, opts),
		stderrHandler: slog.NewTextHandler(stderr, opts),
	}
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// fanoutHandler sends every record to all of its handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

// RunLoggerOptions configures the sinks of a run logger.
type RunLoggerOptions struct {
	// FilePath is the log file. Empty disables the file sink.
	FilePath string
	Level    slog.Level
	// Stdout and Stderr default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// RunLogger is a logger bound to one run, together with the file it appends to.
type RunLogger struct {
	*slog.Logger
	file *os.File
}

// Close closes the file sink, if any.
func (l *RunLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// NewRunLogger creates a logger that writes to the console and, when configured,
// appends to a log file. Parent directories of the log file are created.
func NewRunLogger(opts RunLoggerOptions) (*RunLogger, error) {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	handlers := []slog.Handler{NewLevelDispatchHandler(stdout, stderr, opts.Level)}

	var f *os.File
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(opts.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, util.UserWritableFilePerms)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.FilePath, err)
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{
			Level:       opts.Level,
			ReplaceAttr: replaceLevelNames,
		}))
	}

	return &RunLogger{
		Logger: slog.New(&fanoutHandler{handlers: handlers}),
		file:   f,
	}, nil
}

var (
	levelVar      = new(slog.LevelVar)
	defaultLogger *slog.Logger
)

func init() {
	levelVar.Set(LevelInfo)
	defaultLogger = slog.New(NewLevelDispatchHandler(os.Stdout, os.Stderr, levelVar))
}

// SetLevel sets the level of the package-level logger.
func SetLevel(l slog.Level) {
	levelVar.Set(l)
}

// Default returns the package-level console logger.
func Default() *slog.Logger {
	return defaultLogger
}

// Or returns l, or the package-level logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return defaultLogger
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Notice logs a per-item action message.
func Notice(msg string, args ...any) {
	defaultLogger.Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// NoticeTo logs a per-item action message to l, or to the package-level logger when l is nil.
func NoticeTo(l *slog.Logger, msg string, args ...any) {
	Or(l).Log(context.Background(), LevelNotice, msg, args...)
}
