package ummapio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with ummapio-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithMapping adds the base address of a mapping to the logger.
func (l *Logger) WithMapping(addr uintptr) *Logger {
	return &Logger{
		Logger: l.Logger.With("mapping", fmt.Sprintf("%#x", addr)),
	}
}

// WithSegment adds a segment index to the logger.
func (l *Logger) WithSegment(idx int) *Logger {
	return &Logger{
		Logger: l.Logger.With("segment", idx),
	}
}

// WithPolicy adds a policy name to the logger.
func (l *Logger) WithPolicy(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("policy", name),
	}
}

// LogMap logs the creation of a mapping.
func (l *Logger) LogMap(ctx context.Context, addr uintptr, size, segmentSize int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "map failed",
			"size", size,
			"segment_size", segmentSize,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "mapped",
			"mapping", fmt.Sprintf("%#x", addr),
			"size", FormatSize(size),
			"segment_size", FormatSize(segmentSize),
		)
	}
}

// LogUnmap logs the release of a mapping.
func (l *Logger) LogUnmap(ctx context.Context, addr uintptr, sync bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "unmap failed",
			"mapping", fmt.Sprintf("%#x", addr),
			"sync", sync,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "unmapped",
			"mapping", fmt.Sprintf("%#x", addr),
			"sync", sync,
		)
	}
}

// LogFlush logs an explicit flush.
func (l *Logger) LogFlush(ctx context.Context, addr uintptr, size int64, evict bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"addr", fmt.Sprintf("%#x", addr),
			"size", size,
			"evict", evict,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "flush completed",
			"addr", fmt.Sprintf("%#x", addr),
			"size", size,
			"evict", evict,
		)
	}
}

// LogEvict logs an eviction requested outside the fault path.
func (l *Logger) LogEvict(ctx context.Context, segment int, err error) {
	if err != nil {
		l.WarnContext(ctx, "evict failed",
			"segment", segment,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "evicted",
			"segment", segment,
		)
	}
}

// LogFault logs a fault that reached the handler.
func (l *Logger) LogFault(ctx context.Context, addr uintptr, write bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "fault unresolved",
			"addr", fmt.Sprintf("%#x", addr),
			"write", write,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "fault resolved",
			"addr", fmt.Sprintf("%#x", addr),
			"write", write,
		)
	}
}

// LogQuotaUpdate logs a quota rebalance.
func (l *Logger) LogQuotaUpdate(ctx context.Context, policies int, d time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "quota update failed",
			"policies", policies,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "quota updated",
			"policies", policies,
			"duration", d,
		)
	}
}

// LogCow logs a copy-on-write driver swap.
func (l *Logger) LogCow(ctx context.Context, addr uintptr, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "copy-on-write failed",
			"mapping", fmt.Sprintf("%#x", addr),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "copy-on-write completed",
			"mapping", fmt.Sprintf("%#x", addr),
			"duration", d,
		)
	}
}

// LogSwitch logs a driver switch.
func (l *Logger) LogSwitch(ctx context.Context, addr uintptr, action CleanAction, err error) {
	if err != nil {
		l.ErrorContext(ctx, "switch failed",
			"mapping", fmt.Sprintf("%#x", addr),
			"action", action.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "switch completed",
			"mapping", fmt.Sprintf("%#x", addr),
			"action", action.String(),
		)
	}
}
