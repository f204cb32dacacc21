package stepflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Logger is the logging contract shared across packages.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// FmtLogger is the fallback logger used when no external logger is
// configured: one timestamped line per entry, key-sorted k=v fields
// appended at the end.
type FmtLogger struct {
	out    io.Writer
	ctx    context.Context
	fields []logField
}

type logField struct {
	key string
	val any
}

// NewFmtLogger constructs a fallback logger writing to stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out, ctx: context.Background()}
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.emit("TRACE", msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.emit("DEBUG", msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.emit("INFO", msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.emit("WARN", msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.emit("ERROR", msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.emit("FATAL", msg, args) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	cp := l.clone()
	if ctx != nil {
		cp.ctx = ctx
	}
	return cp
}

// WithFields returns a copy carrying the extra fields. Later values win on
// key collision; fields stay sorted by key.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := l.clone()
	for k, v := range fields {
		cp.setField(k, v)
	}
	sort.Slice(cp.fields, func(i, j int) bool { return cp.fields[i].key < cp.fields[j].key })
	return cp
}

func (l *FmtLogger) clone() *FmtLogger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	cp := &FmtLogger{out: l.out, ctx: l.ctx}
	cp.fields = append(cp.fields, l.fields...)
	return cp
}

func (l *FmtLogger) setField(key string, val any) {
	for i := range l.fields {
		if l.fields[i].key == key {
			l.fields[i].val = val
			return
		}
	}
	l.fields = append(l.fields, logField{key: key, val: val})
}

func (l *FmtLogger) emit(level, msg string, args []any) {
	if l == nil {
		l = NewFmtLogger(nil)
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s %s", level, strings.TrimSpace(msg))
	for _, f := range l.fields {
		fmt.Fprintf(&b, " %s=%v", f.key, f.val)
	}
	fmt.Fprintln(l.out, b.String())
}

// NormalizeLogger returns a usable logger, falling back to FmtLogger.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches fields when the logger supports them.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
