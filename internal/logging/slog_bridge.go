package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// Slog returns an *slog.Logger backed by the global zerolog logger.
// Used for libraries that speak log/slog, notably the suture event hook.
func Slog() *slog.Logger {
	return slog.New(&slogHandler{logger: Logger()})
}

type slogHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	group  string
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return mapLevel(level) >= h.logger.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, rec slog.Record) error {
	ev := h.logger.WithLevel(mapLevel(rec.Level))
	for _, attr := range h.attrs {
		ev = appendAttr(ev, h.group, attr)
	}
	rec.Attrs(func(attr slog.Attr) bool {
		ev = appendAttr(ev, h.group, attr)
		return true
	})
	ev.Msg(rec.Message)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &slogHandler{logger: h.logger, attrs: merged, group: h.group}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	prefix := name
	if h.group != "" {
		prefix = h.group + "." + name
	}
	return &slogHandler{logger: h.logger, attrs: h.attrs, group: prefix}
}

func appendAttr(ev *zerolog.Event, group string, attr slog.Attr) *zerolog.Event {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	return ev.Interface(key, attr.Value.Any())
}

func mapLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
