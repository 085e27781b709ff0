package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// KeyMode says who performed a handshake's private key operation.
type KeyMode string

const (
	KeyModeHardware KeyMode = "hardware"
	KeyModeSoftware KeyMode = "software"
	// KeyModeNone is used when the handshake ended before any key operation.
	KeyModeNone KeyMode = "none"
)

// HandshakeOutcome classifies how a handshake ended.
type HandshakeOutcome string

const (
	HandshakeSuccess  HandshakeOutcome = "success"
	HandshakeFailure  HandshakeOutcome = "failure"
	HandshakeRejected HandshakeOutcome = "rejected"
	HandshakeTimeout  HandshakeOutcome = "timeout"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	handshakeCounter     metric.Int64Counter
	fallbackCounter      metric.Int64Counter
	handshakeLatencyHist metric.Float64Histogram
)

// HandshakeMetrics captures the fields needed to record TLS handshake metrics.
type HandshakeMetrics struct {
	Section    string
	Mode       KeyMode
	Outcome    HandshakeOutcome
	TLSVersion string
	Duration   time.Duration
	// Fallback is set when the hardware path was unavailable.
	Fallback bool
}

// RecordHandshakeMetrics emits counters and histograms that describe TLS
// handshakes served by the terminator.
func RecordHandshakeMetrics(ctx context.Context, m HandshakeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("offload.section", m.Section),
		attribute.String("offload.mode", string(m.Mode)),
		attribute.String("tls.handshake.outcome", string(m.Outcome)),
	}
	if m.TLSVersion != "" {
		attrs = append(attrs, attribute.String("tls.protocol.version", m.TLSVersion))
	}

	handshakeCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		handshakeLatencyHist.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if m.Fallback {
		fallbackCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("offload.section", m.Section),
			attribute.String("offload.mode", string(m.Mode)),
		))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("proxy.tls")

		handshakeCounter, metricsInitErr = meter.Int64Counter(
			"proxy.tls.handshakes_total",
			metric.WithDescription("TLS handshakes partitioned by key mode and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		fallbackCounter, metricsInitErr = meter.Int64Counter(
			"proxy.tls.offload_fallbacks_total",
			metric.WithDescription("Handshakes that could not use an accelerator"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		handshakeLatencyHist, metricsInitErr = meter.Float64Histogram(
			"proxy.tls.handshake.duration_ms",
			metric.WithDescription("Observed TLS handshake latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordKeyOperation attaches a private key operation event to the span.
func RecordKeyOperation(span trace.Span, kind, algorithm string, mode KeyMode, instance int, err error) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("offload.operation", kind),
		attribute.String("offload.algorithm", algorithm),
		attribute.String("offload.mode", string(mode)),
	}
	if instance >= 0 {
		attrs = append(attrs, attribute.Int("offload.instance", instance))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("offload.error", err.Error()))
	}

	span.AddEvent("offload.key_operation", trace.WithAttributes(attrs...))
}
