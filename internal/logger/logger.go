package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options 日志器构造参数
type Options struct {
	Level  string
	Format string
	Output io.Writer

	// Sink 非空时，级别不低于 SinkLevel 的记录同时转发给它
	Sink      Sink
	SinkLevel slog.Level
}

// Build 构造日志器，返回的 LevelVar 可用于运行时调整级别
func Build(opts Options) (*slog.Logger, *slog.LevelVar) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	lvl := &slog.LevelVar{}
	lvl.Set(ParseLevel(opts.Level))
	hopts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if strings.ToLower(opts.Format) == "text" {
		h = slog.NewTextHandler(out, hopts)
	} else {
		h = slog.NewJSONHandler(out, hopts)
	}
	if opts.Sink != nil {
		h = NewBroadcastHandler(h, opts.Sink, opts.SinkLevel)
	}
	return slog.New(h), lvl
}
