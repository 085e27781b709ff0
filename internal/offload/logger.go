package offload

import (
	"context"
	"log/slog"
	"time"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

// EventLogger provides structured logging for offload lifecycle events
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates a new offload event logger
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventLogger{
		logger: logger.With("component", "offload"),
	}
}

// Logger returns the underlying slog logger
func (l *EventLogger) Logger() *slog.Logger {
	return l.logger
}

// LogDriverStarted logs a successful driver library startup
func (l *EventLogger) LogDriverStarted(ctx context.Context, processName string) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "Accelerator driver started",
		slog.String("event", "driver_start"),
		slog.String("process_name", processName),
		slog.Time("timestamp", time.Now()),
	)
}

// LogDriverStopped logs driver library shutdown
func (l *EventLogger) LogDriverStopped(ctx context.Context, err error) {
	level := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("event", "driver_stop"),
		slog.Time("timestamp", time.Now()),
	}
	if err != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(ctx, level, "Accelerator driver stopped", attrs...)
}

// LogHandleStarted logs an instance that finished initialization
func (l *EventLogger) LogHandleStarted(ctx context.Context, section string, index int, info driver.InstanceInfo) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "Accelerator instance started",
		slog.String("event", "handle_start"),
		slog.String("section", section),
		slog.Int("instance", index),
		slog.Int("instance_id", info.ID),
		slog.String("part_name", info.PartName),
		slog.Int("numa_node", info.NUMANode),
		slog.Time("timestamp", time.Now()),
	)
}

// LogHandleDraining logs a handle leaving the selection rotation
func (l *EventLogger) LogHandleDraining(ctx context.Context, section string, index int, reason DrainReason, outstanding int) {
	level := slog.LevelInfo
	if reason != ReasonSectionDrain {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "Accelerator instance draining",
		slog.String("event", "handle_draining"),
		slog.String("section", section),
		slog.Int("instance", index),
		slog.String("reason", string(reason)),
		slog.Int("outstanding", outstanding),
		slog.Time("timestamp", time.Now()),
	)
}

// LogHandleStopped logs a stopped handle
func (l *EventLogger) LogHandleStopped(ctx context.Context, section string, index int, abandoned int, err error) {
	attrs := []slog.Attr{
		slog.String("event", "handle_stop"),
		slog.String("section", section),
		slog.Int("instance", index),
		slog.Int("abandoned_operations", abandoned),
		slog.Time("timestamp", time.Now()),
	}
	level := slog.LevelInfo
	if abandoned > 0 {
		level = slog.LevelWarn
	}
	if err != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(ctx, level, "Accelerator instance stopped", attrs...)
}

// LogPollFailure logs a failed poll; the loop keeps running
func (l *EventLogger) LogPollFailure(ctx context.Context, section string, index int, failures int, err error) {
	l.logger.LogAttrs(ctx, slog.LevelError, "Accelerator poll failed",
		slog.String("event", "poll_failure"),
		slog.String("section", section),
		slog.Int("instance", index),
		slog.Int("failures_in_window", failures),
		slog.String("status", driver.StatusOf(err).String()),
		slog.String("error", err.Error()),
		slog.Time("timestamp", time.Now()),
	)
}

// LogConnectionBound logs a connection registering on a handle
func (l *EventLogger) LogConnectionBound(ctx context.Context, connID, section string, index int) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "Connection bound to accelerator",
		slog.String("event", "connection_bind"),
		slog.String("connection_id", connID),
		slog.String("section", section),
		slog.Int("instance", index),
	)
}

// LogConnectionReleased logs a connection giving its handle back
func (l *EventLogger) LogConnectionReleased(ctx context.Context, connID string, index int, deferred bool) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "Connection released accelerator",
		slog.String("event", "connection_release"),
		slog.String("connection_id", connID),
		slog.Int("instance", index),
		slog.Bool("deferred", deferred),
	)
}

// LogOperationFailure logs a private-key operation that failed
func (l *EventLogger) LogOperationFailure(ctx context.Context, connID string, kind driver.OpKind, alg driver.Algorithm, err error) {
	l.logger.LogAttrs(ctx, severityLevel(GetErrorSeverity(err)), "Private key operation failed",
		slog.String("event", "operation_failure"),
		slog.String("connection_id", connID),
		slog.String("operation", kind.String()),
		slog.String("algorithm", alg.String()),
		slog.String("error", err.Error()),
		slog.Time("timestamp", time.Now()),
	)
}

func severityLevel(s ErrorSeverity) slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
