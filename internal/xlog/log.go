// Package xlog is the daemon's logging compatibility layer. It wraps the
// standard library's log/slog the way the teacher's log package wraps its
// upstream logger: level constants with names familiar from the rest of the
// corpus, a colorized terminal handler for interactive use, and rotating
// file output for daemon mode. Every component takes a *Logger at
// construction; nothing here is a package-level global except the Root
// logger used by cmd/marketd before component construction.
package xlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12
)

var levelNames = map[slog.Level]string{
	LevelTrace: "trce",
	LevelDebug: "dbug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "eror",
	LevelCrit:  "crit",
}

// LevelString returns the 4-character name of a level, or the numeric value
// for anything outside the known set.
func LevelString(l slog.Level) string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("%d", l)
}

// LvlFromString parses one of trace/debug/info/warn/error/crit.
func LvlFromString(s string) (slog.Level, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "crit", "critical":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("xlog: unknown level %q", s)
	}
}

// Logger is a structured, contextual logger. Values attached with With are
// carried into every subsequent record, matching the chained-context style
// used throughout the reference corpus's component loggers.
type Logger struct {
	inner *slog.Logger
	level *slog.LevelVar
}

// New builds a Logger around the given handler at the given starting level.
func New(h slog.Handler, level slog.Level) *Logger {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return &Logger{inner: slog.New(h), level: lv}
}

// With returns a derived Logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...), level: l.level}
}

func (l *Logger) SetLevel(level slog.Level) { l.level.Set(level) }
func (l *Logger) Enabled(level slog.Level) bool { return level >= l.level.Level() }

func (l *Logger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Crit logs at the highest severity.
func (l *Logger) Crit(msg string, args ...any) { l.log(LevelCrit, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	l.inner.Log(context.Background(), level, msg, args...)
}

// terminalHandler renders colorized, human-readable lines, falling back to
// plain text when the writer isn't a real terminal.
type terminalHandler struct {
	w        io.Writer
	useColor bool
	level    *slog.LevelVar
	attrs    []slog.Attr
}

var levelColor = map[slog.Level]string{
	LevelTrace: "\x1b[90m",
	LevelDebug: "\x1b[36m",
	LevelInfo:  "\x1b[32m",
	LevelWarn:  "\x1b[33m",
	LevelError: "\x1b[31m",
	LevelCrit:  "\x1b[35m",
}

const colorReset = "\x1b[0m"

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	lvl := LevelString(r.Level)
	var line string
	if h.useColor {
		line = fmt.Sprintf("%s%-5s%s[%s] %s", levelColor[r.Level], lvl, colorReset,
			r.Time.Format("01-02|15:04:05.000"), r.Message)
	} else {
		line = fmt.Sprintf("%-5s[%s] %s", lvl, r.Time.Format("01-02|15:04:05.000"), r.Message)
	}
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler { return h }

// NewTerminalHandler returns a handler for interactive stderr/stdout use,
// colorized when the writer is detected as a real terminal.
func NewTerminalHandler(w io.Writer, level *slog.LevelVar) slog.Handler {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if useColor {
		w = colorable.NewColorable(w.(*os.File))
	}
	return &terminalHandler{w: w, useColor: useColor, level: level}
}

// NewRotatingFileHandler writes JSON records to a size/age-rotated file,
// for daemon (non-interactive) deployments.
func NewRotatingFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int, level *slog.LevelVar) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

var root = New(NewTerminalHandler(os.Stderr, func() *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(LevelInfo)
	return lv
}()), LevelInfo)

// Root returns the process-wide default logger. Components should prefer an
// injected *Logger; Root exists for cmd/marketd's bootstrap phase and for
// code paths that run before any component is constructed.
func Root() *Logger { return root }

// SetRoot replaces the process-wide default logger.
func SetRoot(l *Logger) { root = l }

// NewNop returns a logger that discards everything, for tests.
func NewNop() *Logger {
	return New(slog.NewTextHandler(io.Discard, nil), LevelCrit+1)
}
