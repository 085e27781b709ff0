package offload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	metricsInst    *MetricsCollector
)

// MetricsCollector records offload metrics through the global MeterProvider.
// A nil collector is valid and records nothing.
type MetricsCollector struct {
	operationsTotal     metric.Int64Counter
	operationDuration   metric.Float64Histogram
	submissionsRejected metric.Int64Counter
	pollFailures        metric.Int64Counter
	handleDrains        metric.Int64Counter
	bindingsActive      metric.Int64UpDownCounter
	bindFailures        metric.Int64Counter

	logger *slog.Logger
}

// GetMetricsCollector returns the singleton offload metrics collector
func GetMetricsCollector(logger *slog.Logger) (*MetricsCollector, error) {
	metricsOnce.Do(func() {
		metricsInst, metricsInitErr = newMetricsCollector(logger)
	})
	return metricsInst, metricsInitErr
}

// ResetMetricsForTest drops the cached instruments so tests can bind them to
// a fresh MeterProvider. Test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	metricsInst = nil
}

func newMetricsCollector(logger *slog.Logger) (*MetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("proxy.offload")
	c := &MetricsCollector{logger: logger}

	var err error
	c.operationsTotal, err = meter.Int64Counter(
		"offload_operations_total",
		metric.WithDescription("Total number of private key operations completed by the accelerator"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	c.operationDuration, err = meter.Float64Histogram(
		"offload_operation_duration_seconds",
		metric.WithDescription("Time from submission to collected result"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.submissionsRejected, err = meter.Int64Counter(
		"offload_submissions_rejected_total",
		metric.WithDescription("Total number of operations rejected before reaching the accelerator"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	c.pollFailures, err = meter.Int64Counter(
		"offload_poll_failures_total",
		metric.WithDescription("Total number of failed accelerator polls"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, err
	}

	c.handleDrains, err = meter.Int64Counter(
		"offload_handle_drains_total",
		metric.WithDescription("Total number of accelerator instances moved to draining"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	c.bindingsActive, err = meter.Int64UpDownCounter(
		"offload_bindings_active",
		metric.WithDescription("Number of connections currently bound to an accelerator instance"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	c.bindFailures, err = meter.Int64Counter(
		"offload_bind_failures_total",
		metric.WithDescription("Total number of connections that could not be bound to an instance"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordOperation records a collected operation result
func (c *MetricsCollector) RecordOperation(ctx context.Context, kind driver.OpKind, alg driver.Algorithm, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", kind.String()),
		attribute.String("algorithm", alg.String()),
		attribute.String("outcome", outcome),
	}
	c.operationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSubmissionRejected records an operation that never reached hardware
func (c *MetricsCollector) RecordSubmissionRejected(ctx context.Context, kind driver.OpKind, reason string) {
	if c == nil {
		return
	}
	c.submissionsRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", kind.String()),
		attribute.String("reason", reason),
	))
	c.logger.Debug("Offload submission rejected", "operation", kind.String(), "reason", reason)
}

// RecordPollFailure records a failed poll on an instance
func (c *MetricsCollector) RecordPollFailure(ctx context.Context, section string, index int, status driver.Status) {
	if c == nil {
		return
	}
	c.pollFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("section", section),
		attribute.Int("instance", index),
		attribute.String("status", status.String()),
	))
}

// RecordHandleDrain records an instance leaving the rotation
func (c *MetricsCollector) RecordHandleDrain(ctx context.Context, section string, reason DrainReason) {
	if c == nil {
		return
	}
	c.handleDrains.Add(ctx, 1, metric.WithAttributes(
		attribute.String("section", section),
		attribute.String("reason", string(reason)),
	))
}

// RecordBind records a connection binding
func (c *MetricsCollector) RecordBind(ctx context.Context, section string) {
	if c == nil {
		return
	}
	c.bindingsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("section", section)))
}

// RecordRelease records a connection releasing its binding
func (c *MetricsCollector) RecordRelease(ctx context.Context, section string) {
	if c == nil {
		return
	}
	c.bindingsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("section", section)))
}

// RecordBindFailure records a connection that found no usable instance
func (c *MetricsCollector) RecordBindFailure(ctx context.Context, section string) {
	if c == nil {
		return
	}
	c.bindFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("section", section)))
}
