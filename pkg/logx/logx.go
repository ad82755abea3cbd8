// Package logx defines the Logger interface used throughout the database core and a
// default implementation backed by zerolog. The interface mirrors the teacher's
// pkg/core.Logger shape (Debug/Info/Warn/Error/With) so call sites read identically
// regardless of backing implementation.
package logx

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger is the logging contract used by every component: storage backends, the
// statistics engine, the HNSW index's persistence bridge, and the orchestrator.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

// zlogger adapts a zerolog.Logger to the Logger interface.
type zlogger struct {
	l zerolog.Logger
}

// New creates a Logger writing to w. When w is a terminal (as reported by
// github.com/mattn/go-isatty), output is rendered with zerolog's human-readable
// console writer; otherwise structured JSON is emitted, which is what a production
// log collector expects.
func New(w io.Writer, minLevel zerolog.Level) Logger {
	out := w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	l := zerolog.New(out).Level(minLevel).With().Timestamp().Logger()
	return &zlogger{l: l}
}

// NewStd creates a Logger writing to stdout at the given minimum level.
func NewStd(minLevel zerolog.Level) Logger {
	return New(os.Stdout, minLevel)
}

func (z *zlogger) event(level zerolog.Level) *zerolog.Event {
	switch level {
	case zerolog.DebugLevel:
		return z.l.Debug()
	case zerolog.WarnLevel:
		return z.l.Warn()
	case zerolog.ErrorLevel:
		return z.l.Error()
	default:
		return z.l.Info()
	}
}

func (z *zlogger) log(level zerolog.Level, msg string, keyvals ...any) {
	ev := z.event(level)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
}

func (z *zlogger) Debug(msg string, keyvals ...any) { z.log(zerolog.DebugLevel, msg, keyvals...) }
func (z *zlogger) Info(msg string, keyvals ...any)  { z.log(zerolog.InfoLevel, msg, keyvals...) }
func (z *zlogger) Warn(msg string, keyvals ...any)  { z.log(zerolog.WarnLevel, msg, keyvals...) }
func (z *zlogger) Error(msg string, keyvals ...any) { z.log(zerolog.ErrorLevel, msg, keyvals...) }

func (z *zlogger) With(keyvals ...any) Logger {
	ctx := z.l.With()
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, keyvals[i+1])
	}
	return &zlogger{l: ctx.Logger()}
}

// nop discards every message; used when callers pass no logger.
type nop struct{}

func (nop) Debug(string, ...any)    {}
func (nop) Info(string, ...any)     {}
func (nop) Warn(string, ...any)     {}
func (nop) Error(string, ...any)    {}
func (n nop) With(...any) Logger    { return n }

// Nop returns a Logger that discards everything.
func Nop() Logger { return nop{} }
