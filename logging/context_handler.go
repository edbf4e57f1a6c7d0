package logging

import (
	"context"
	"log/slog"
)

// AttrsFunc extracts log attributes from a context. It returns nil when the
// context carries nothing of interest.
type AttrsFunc func(ctx context.Context) []slog.Attr

// ContextHandler wraps an slog.Handler and adds the attributes found in the
// context of each record. Context attributes are always top level, also for
// loggers derived with WithGroup.
type ContextHandler struct {
	base       slog.Handler
	underlying slog.Handler
	// derive replays the WithAttrs and WithGroup calls made since base.
	derive  []func(slog.Handler) slog.Handler
	grouped bool
	attrs   AttrsFunc
}

// NewContextHandler creates a ContextHandler.
func NewContextHandler(underlying slog.Handler, attrs AttrsFunc) *ContextHandler {
	return &ContextHandler{base: underlying, underlying: underlying, attrs: attrs}
}

// Enabled reports whether the underlying handler handles records at level.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.underlying.Enabled(ctx, level)
}

// Handle adds the context attributes and passes the record on.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		return h.underlying.Handle(ctx, r)
	}
	attrs := h.attrs(ctx)
	if len(attrs) == 0 {
		return h.underlying.Handle(ctx, r)
	}
	if !h.grouped {
		r = r.Clone()
		r.AddAttrs(attrs...)
		return h.underlying.Handle(ctx, r)
	}

	// Record attrs would land in the open group, so attach the context
	// attrs below it.
	handler := h.base.WithAttrs(attrs)
	for _, d := range h.derive {
		handler = d(handler)
	}
	return handler.Handle(ctx, r)
}

// WithAttrs must return a ContextHandler so that loggers derived with .With()
// keep the context attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(u slog.Handler) slog.Handler { return u.WithAttrs(attrs) }, false)
}

// WithGroup returns a ContextHandler for the group.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(u slog.Handler) slog.Handler { return u.WithGroup(name) }, true)
}

func (h *ContextHandler) with(d func(slog.Handler) slog.Handler, group bool) *ContextHandler {
	derive := make([]func(slog.Handler) slog.Handler, len(h.derive), len(h.derive)+1)
	copy(derive, h.derive)
	return &ContextHandler{
		base:       h.base,
		underlying: d(h.underlying),
		derive:     append(derive, d),
		grouped:    h.grouped || group,
		attrs:      h.attrs,
	}
}
