package log

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"time"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO ",
	LevelWarn:  "WARN ",
	LevelError: "ERROR",
	LevelCrit:  "CRIT ",
}

// LevelAlignedString returns the 5-character name of l.
func LevelAlignedString(l slog.Level) string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown level"
}

// Logger writes module-tagged key/value records to a slog.Handler.
type Logger interface {
	With(kv ...any) Logger
	Write(level slog.Level, module string, msg string, kv ...any)
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Handler() slog.Handler { return l.inner.Handler() }

func (l *logger) With(kv ...any) Logger { return &logger{l.inner.With(kv...)} }

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

// Write emits one record. The source position is the caller of the package
// level helper, two frames above this one.
func (l *logger) Write(level slog.Level, module string, msg string, kv ...any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if module != "" {
		r.AddAttrs(slog.String("mod", module))
	}
	r.Add(kv...)
	_ = l.inner.Handler().Handle(context.Background(), r)
}
