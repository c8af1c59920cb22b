package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// ContextProvider returns attributes computed at log time, such as the
// active job and its frame count.
type ContextProvider func() []slog.Attr

// Fanout returns a handler that writes every record to each non-nil handler.
// A single handler is returned as is.
func Fanout(handlers ...slog.Handler) slog.Handler {
	sinks := slices.DeleteFunc(slices.Clone(handlers), func(h slog.Handler) bool { return h == nil })
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &fanoutHandler{sinks: sinks}
}

type fanoutHandler struct {
	sinks []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(f.sinks, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

// Handle keeps writing after a failing sink and reports all failures.
func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.sinks {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *fanoutHandler) derive(fn func(slog.Handler) slog.Handler) *fanoutHandler {
	sinks := make([]slog.Handler, len(f.sinks))
	for i, h := range f.sinks {
		sinks[i] = fn(h)
	}
	return &fanoutHandler{sinks: sinks}
}

// jobHandler appends the provider's attributes to records that pass the
// level check. The provider is not called for filtered records.
type jobHandler struct {
	next     slog.Handler
	provider ContextProvider
}

// WithJobContext wraps next so every record carries provider's attributes.
func WithJobContext(next slog.Handler, provider ContextProvider) slog.Handler {
	if provider == nil {
		return next
	}
	return &jobHandler{next: next, provider: provider}
}

func (h *jobHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *jobHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := h.provider(); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, r)
}

func (h *jobHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &jobHandler{next: h.next.WithAttrs(attrs), provider: h.provider}
}

func (h *jobHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &jobHandler{next: h.next.WithGroup(name), provider: h.provider}
}
