package logging

import (
	"context"
	"log/slog"
	"strings"
)

// IDFunc returns the id of the activity a context belongs to, or "".
type IDFunc func(ctx context.Context) string

// CapturingHandler wraps an slog.Handler and copies every record logged with
// an activity context into a LogCollector, whatever its level. Records are
// still passed to the underlying handler when it is enabled for them.
type CapturingHandler struct {
	underlying slog.Handler
	collector  *LogCollector
	activityID IDFunc
	attrs      []slog.Attr
	groups     []string
}

// NewCapturingHandler creates a CapturingHandler.
func NewCapturingHandler(underlying slog.Handler, collector *LogCollector, activityID IDFunc) *CapturingHandler {
	return &CapturingHandler{
		underlying: underlying,
		collector:  collector,
		activityID: activityID,
	}
}

// CaptureLogger returns a logger that writes through base and captures the
// records of activity contexts into collector.
func CaptureLogger(base *slog.Logger, collector *LogCollector, activityID IDFunc) *slog.Logger {
	return slog.New(NewCapturingHandler(base.Handler(), collector, activityID))
}

// Enabled reports true for every level inside an activity context.
func (h *CapturingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if ctx != nil && h.activityID(ctx) != "" {
		return true
	}
	return h.underlying.Enabled(ctx, level)
}

// Handle captures the record and passes it on.
func (h *CapturingHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if id := h.activityID(ctx); id != "" {
			h.collector.Add(id, h.entry(r))
		}
	}
	if !h.underlying.Enabled(ctx, r.Level) {
		return nil
	}
	return h.underlying.Handle(ctx, r)
}

func (h *CapturingHandler) entry(r slog.Record) LogEntry {
	entry := LogEntry{
		Time:    r.Time,
		Level:   strings.ToLower(r.Level.String()),
		Message: r.Message,
	}
	if len(h.attrs)+r.NumAttrs() == 0 {
		return entry
	}

	entry.Attributes = make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		entry.Attributes[a.Key] = resolveValue(a.Value)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attributes[prefix+a.Key] = resolveValue(a.Value)
		return true
	})
	return entry
}

// WithAttrs must return a CapturingHandler so that loggers derived with
// .With() keep capturing.
func (h *CapturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	merged := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}

	return &CapturingHandler{
		underlying: h.underlying.WithAttrs(attrs),
		collector:  h.collector,
		activityID: h.activityID,
		attrs:      merged,
		groups:     h.groups,
	}
}

// WithGroup returns a CapturingHandler whose captured keys are qualified by
// the group name.
func (h *CapturingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, len(h.groups), len(h.groups)+1)
	copy(groups, h.groups)

	return &CapturingHandler{
		underlying: h.underlying.WithGroup(name),
		collector:  h.collector,
		activityID: h.activityID,
		attrs:      h.attrs,
		groups:     append(groups, name),
	}
}

// resolveValue converts a slog.Value to a JSON friendly value.
func resolveValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	case slog.KindGroup:
		group := make(map[string]any, len(v.Group()))
		for _, a := range v.Group() {
			group[a.Key] = resolveValue(a.Value)
		}
		return group
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	}
}
