package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	defaultLogger *slog.Logger
	level         = new(slog.LevelVar)
	once          sync.Once
)

// Init installs the process-wide logger. Calls after the first are no-ops.
func Init() {
	InitWriter(os.Stderr)
}

// InitWriter is Init with an explicit destination.
func InitWriter(out io.Writer) {
	once.Do(func() {
		defaultLogger = slog.New(NewHandler(out))
		slog.SetDefault(defaultLogger)
	})
}

// SetLevel changes the minimum level of the process-wide logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Handler writes one line per record with millisecond timestamps.
type Handler struct {
	out   io.Writer
	mu    *sync.Mutex
	attrs []slog.Attr
}

func NewHandler(out io.Writer) *Handler {
	return &Handler{out: out, mu: &sync.Mutex{}}
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

// Handle formats a record as:
// 2024-01-15 14:30:45.123 [INF] message key=value
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.Format("2006-01-02 15:04:05.000")

	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(h.out, "%s [%s] %s", ts, levelString(r.Level), r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value)
		return true
	})
	fmt.Fprintln(h.out)

	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{out: h.out, mu: h.mu, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return h
}

func levelString(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "DBG"
	case slog.LevelInfo:
		return "INF"
	case slog.LevelWarn:
		return "WRN"
	case slog.LevelError:
		return "ERR"
	default:
		return "???"
	}
}

func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
