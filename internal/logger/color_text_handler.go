package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

// ColorTextHandler is a slog text handler that starts each line with a
// colored level tag. The tag is written raw, ahead of the text handler's
// output, so the terminal sees the escape codes unquoted.
type ColorTextHandler struct {
	inner slog.Handler
	out   *colorSink
}

// colorSink is shared by a handler and everything derived from it through
// WithAttrs and WithGroup, so lines from all of them stay whole.
type colorSink struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func (s *colorSink) Write(p []byte) (int, error) { return s.buf.Write(p) }

// NewColorTextHandler drops the time attribute when showTime is false. The
// plain level attribute is always dropped in favor of the colored tag.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	if !showTime && replace == nil {
		replace = dropTime
	}
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			return slog.Attr{}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}
	sink := &colorSink{w: w}
	return &ColorTextHandler{inner: slog.NewTextHandler(sink, &o), out: sink}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()

	h.out.buf.Reset()
	h.out.buf.WriteString(levelColor(r.Level) + r.Level.String() + colorReset + " ")
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	_, err := h.out.w.Write(h.out.buf.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), out: h.out}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}
