package telemetry

import (
	"crypto/tls"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordHandshakeState annotates the span with the negotiated TLS parameters.
func RecordHandshakeState(span trace.Span, state tls.ConnectionState) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("tls.protocol.version", tls.VersionName(state.Version)),
		attribute.String("tls.cipher", tls.CipherSuiteName(state.CipherSuite)),
		attribute.Bool("tls.resumed", state.DidResume),
	)
	if state.ServerName != "" {
		span.SetAttributes(attribute.String("tls.server.name", state.ServerName))
	}
	if state.NegotiatedProtocol != "" {
		span.SetAttributes(attribute.String("tls.alpn", state.NegotiatedProtocol))
	}
}

// RecordHandshakeResult sets the key mode and final status on the span.
func RecordHandshakeResult(span trace.Span, mode KeyMode, outcome HandshakeOutcome, err error) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("offload.mode", string(mode)),
		attribute.String("tls.handshake.outcome", string(outcome)),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecordFallback marks a handshake that could not use an accelerator.
func RecordFallback(span trace.Span, reason string) {
	if !span.IsRecording() {
		return
	}
	span.AddEvent("offload.fallback", trace.WithAttributes(attribute.String("offload.fallback.reason", reason)))
}
