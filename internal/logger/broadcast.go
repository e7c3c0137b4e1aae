package logger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sink 接收转发的日志记录，实现方不能阻塞
type Sink interface {
	PublishLog(t time.Time, level string, message string, attrs map[string]any)
}

// SinkFunc 函数适配器
type SinkFunc func(t time.Time, level string, message string, attrs map[string]any)

// PublishLog 实现 Sink
func (f SinkFunc) PublishLog(t time.Time, level string, message string, attrs map[string]any) {
	f(t, level, message, attrs)
}

// BroadcastHandler 包装一个 slog.Handler，把达到级别的记录转发给 Sink
type BroadcastHandler struct {
	next  slog.Handler
	sink  Sink
	level slog.Level
	base  map[string]any
	group string
}

// NewBroadcastHandler 创建转发 handler
func NewBroadcastHandler(next slog.Handler, sink Sink, level slog.Level) *BroadcastHandler {
	return &BroadcastHandler{next: next, sink: sink, level: level}
}

// Enabled 实现 slog.Handler
func (h *BroadcastHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || (h.sink != nil && level >= h.level)
}

// Handle 实现 slog.Handler
func (h *BroadcastHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.sink != nil && r.Level >= h.level {
		attrs := make(map[string]any, len(h.base)+r.NumAttrs())
		for k, v := range h.base {
			attrs[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			putAttr(attrs, h.group, a)
			return true
		})
		h.sink.PublishLog(r.Time, r.Level.String(), r.Message, attrs)
	}

	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

// WithAttrs 实现 slog.Handler
func (h *BroadcastHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.base = make(map[string]any, len(h.base)+len(attrs))
	for k, v := range h.base {
		clone.base[k] = v
	}
	for _, a := range attrs {
		putAttr(clone.base, h.group, a)
	}
	return &clone
}

// WithGroup 实现 slog.Handler
func (h *BroadcastHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	if name != "" {
		if clone.group != "" {
			clone.group += "." + name
		} else {
			clone.group = name
		}
	}
	return &clone
}

// putAttr 只保留字符串、数值和布尔值，其余类型转为字符串
func putAttr(dst map[string]any, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := a.Key
	if group != "" {
		key = group + "." + key
	}

	switch a.Value.Kind() {
	case slog.KindGroup:
		for _, ga := range a.Value.Group() {
			putAttr(dst, key, ga)
		}
	case slog.KindString:
		dst[key] = a.Value.String()
	case slog.KindInt64:
		dst[key] = a.Value.Int64()
	case slog.KindUint64:
		dst[key] = a.Value.Uint64()
	case slog.KindFloat64:
		dst[key] = a.Value.Float64()
	case slog.KindBool:
		dst[key] = a.Value.Bool()
	case slog.KindDuration:
		dst[key] = a.Value.Duration().String()
	case slog.KindTime:
		dst[key] = a.Value.Time().Format(time.RFC3339Nano)
	default:
		dst[key] = fmt.Sprint(a.Value.Any())
	}
}
