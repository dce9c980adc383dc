package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
	level         = new(slog.LevelVar)
)

// Init installs the trustee log handler on stdout at INFO level.
func Init() {
	once.Do(func() {
		defaultLogger = slog.New(NewHandler(os.Stdout, level))
		slog.SetDefault(defaultLogger)
	})
}

// SetLevel changes the minimum level of the default handler.
// Accepted names are debug, info, warn and error.
func SetLevel(name string) error {
	l, err := ParseLevel(name)
	if err != nil {
		return err
	}

	level.Set(l)

	return nil
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "dbg":
		return slog.LevelDebug, nil
	case "", "info", "inf":
		return slog.LevelInfo, nil
	case "warn", "warning", "wrn":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Handler writes one line per record:
// 2026-01-15 14:30:45.123 [INF] message key=value
type Handler struct {
	out    io.Writer    // out receives formatted lines
	mu     *sync.Mutex  // mu serializes writes, shared with derived handlers
	min    slog.Leveler // min is the lowest level written
	attrs  []slog.Attr  // attrs are prepended by With
	prefix string       // prefix is the dotted group path
}

// NewHandler creates a handler writing to out. A nil leveler logs everything.
func NewHandler(out io.Writer, min slog.Leveler) *Handler {
	if min == nil {
		min = slog.LevelDebug
	}

	return &Handler{out: out, mu: &sync.Mutex{}, min: min}
}

// Enabled reports whether records at l are written.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.min.Level()
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(r.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(levelString(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}

	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.WriteString(h.out, b.String())

	return err
}

// WithAttrs returns a handler that always writes attrs.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)

	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}

	return &next
}

// WithGroup returns a handler that qualifies keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := *h
	next.prefix = h.prefix + name + "."

	return &next
}

// writeAttr appends " key=value", flattening groups.
func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", ga)
		}
		return
	}

	fmt.Fprintf(b, " %s%s=%v", prefix, a.Key, a.Value)
}

// levelString returns a short string for the log level.
func levelString(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INF"
	case l < slog.LevelError:
		return "WRN"
	default:
		return "ERR"
	}
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Component returns a logger tagged with the owning component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
