package logging

import (
	"context"
	"errors"
	"log/slog"
)

// AttrsFunc returns live attributes. It is called once for every record that is logged.
type AttrsFunc func() []slog.Attr

// SessionGroup is the group holding the attributes of an AttrsFunc.
const SessionGroup = "session"

// Fanout sends each record to every output enabled for its level.
// A failing output does not stop the others; their errors are joined.
type Fanout struct {
	outputs []slog.Handler
}

// NewFanout creates a Fanout over the non-nil outputs.
func NewFanout(outputs ...slog.Handler) *Fanout {
	f := &Fanout{outputs: make([]slog.Handler, 0, len(outputs))}
	for _, h := range outputs {
		if h != nil {
			f.outputs = append(f.outputs, h)
		}
	}
	return f
}

func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.outputs {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *Fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.outputs {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *Fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *Fanout) derive(fn func(slog.Handler) slog.Handler) *Fanout {
	out := make([]slog.Handler, len(f.outputs))
	for i, h := range f.outputs {
		out[i] = fn(h)
	}
	return &Fanout{outputs: out}
}

// sessionHandler adds the current session state to each record under SessionGroup.
type sessionHandler struct {
	next  slog.Handler
	attrs AttrsFunc
}

func newSessionHandler(next slog.Handler, attrs AttrsFunc) slog.Handler {
	if attrs == nil {
		return next
	}
	return &sessionHandler{next: next, attrs: attrs}
}

func (h *sessionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *sessionHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := h.attrs(); len(attrs) > 0 {
		args := make([]any, len(attrs))
		for i, a := range attrs {
			args[i] = a
		}
		r.AddAttrs(slog.Group(SessionGroup, args...))
	}
	return h.next.Handle(ctx, r)
}

func (h *sessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sessionHandler{next: h.next.WithAttrs(attrs), attrs: h.attrs}
}

func (h *sessionHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &sessionHandler{next: h.next.WithGroup(name), attrs: h.attrs}
}
