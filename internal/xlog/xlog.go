// Package xlog builds the daemon's base *slog.Logger from configuration.
// Every collector, the writer, and the watchdog then call logger.With
// ("module", name) on top of it (internal/collector.NewCore already does
// this), so xlog's only job is producing that shared base handler: a level
// filter honoring general.log_level (console) and general.log_level_file
// (the log file, opened in append mode).
package xlog

import (
	"context"
	"log/slog"
	"os"

	"github.com/megware/xbatd/internal/config"
)

// Level maps a config.LogLevel onto slog's level scale.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarning:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the daemon's base logger. Console output goes to stderr at
// general.log_level; when logPath is non-empty, a second handler also
// writes every record at general.log_level_file to that file, the two
// sinks independently levelled. The returned close func flushes and
// releases the log file, a no-op when logPath is empty.
func New(cfg config.General, logPath string) (*slog.Logger, func() error, error) {
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: Level(cfg.LogLevel)}),
	}
	closeFile := func() error { return nil }

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: Level(cfg.LogLevelFile)}))
		closeFile = f.Close
	}

	return slog.New(newFanout(handlers)), closeFile, nil
}

// fanout forwards every record to each wrapped handler, letting the
// console and file sinks run at different verbosities without duplicating
// slog's own per-handler filtering logic at every call site.
type fanout struct {
	handlers []slog.Handler
}

func newFanout(handlers []slog.Handler) fanout {
	return fanout{handlers: handlers}
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return newFanout(next)
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return newFanout(next)
}
