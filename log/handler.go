// handler.go adapts LogFormatter implementations to the slog.Handler
// interface so the agent binary can switch between JSON, plain-text and
// colored output with a flag.
package log

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// FormatHandler is a slog.Handler that renders records through a
// LogFormatter. Writes are serialized so the handler is safe for
// concurrent use.
type FormatHandler struct {
	mu        sync.Mutex
	out       io.Writer
	formatter LogFormatter
	level     slog.Level
	attrs     []slog.Attr
}

// NewFormatHandler creates a FormatHandler writing formatted entries to out.
// A nil formatter defaults to TextFormatter.
func NewFormatHandler(out io.Writer, formatter LogFormatter, level slog.Level) *FormatHandler {
	if formatter == nil {
		formatter = &TextFormatter{}
	}
	return &FormatHandler{out: out, formatter: formatter, level: level}
}

// Enabled reports whether the handler emits records at the given level.
func (h *FormatHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle renders the record through the formatter and writes one line.
func (h *FormatHandler) Handle(_ context.Context, rec slog.Record) error {
	entry := LogEntry{
		Timestamp: rec.Time,
		Level:     levelFromSlog(rec.Level),
		Message:   rec.Message,
		Fields:    make(map[string]interface{}, rec.NumAttrs()+len(h.attrs)),
	}
	for _, a := range h.attrs {
		entry.Fields[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		entry.Fields[a.Key] = a.Value.Any()
		return true
	})

	line := h.formatter.Format(entry)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line+"\n")
	return err
}

// WithAttrs returns a handler that includes the given attributes on every
// record.
func (h *FormatHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &FormatHandler{out: h.out, formatter: h.formatter, level: h.level, attrs: merged}
}

// WithGroup is accepted but groups are flattened; the formatter output has
// no nested structure.
func (h *FormatHandler) WithGroup(string) slog.Handler {
	return h
}

// levelFromSlog maps slog levels onto the formatter's LogLevel scale.
func levelFromSlog(l slog.Level) LogLevel {
	switch {
	case l < slog.LevelInfo:
		return DEBUG
	case l < slog.LevelWarn:
		return INFO
	case l < slog.LevelError:
		return WARN
	default:
		return ERROR
	}
}
