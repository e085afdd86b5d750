package logger

import (
	"context"
	"log/slog"
	"strings"
)

// NewSlogHandler adapts l for code that logs through slog or, via
// slog.NewLogLogger, the standard log package. A nil Logger yields nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogHandler{log: l}
}

type slogHandler struct {
	log *Logger
	// group is the dotted key prefix opened by WithGroup.
	group string
	// preset holds the attrs added by WithAttrs, already rendered.
	preset string
}

func levelFromSlog(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.enabled(levelFromSlog(level))
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.preset)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	h.log.log(levelFromSlog(r.Level), "%s", strings.TrimPrefix(b.String(), " "))
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.preset)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	return &slogHandler{log: h.log, group: h.group, preset: b.String()}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{log: h.log, group: h.group + name + ".", preset: h.preset}
}

// writeAttr renders a as " key=value", flattening groups into dotted keys.
func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, nested := range a.Value.Group() {
			writeAttr(b, group, nested)
		}
		return
	}

	key := a.Key
	if key == "" {
		key = "attr"
	}
	b.WriteByte(' ')
	b.WriteString(group)
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}
