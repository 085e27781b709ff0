// Package telemetry wires OpenTelemetry exporters and meters for the key
// offload daemon.
//
// It centralises trace provider setup, applies service resource attributes,
// and offers helpers that attach handshake and offload metadata to spans so
// operators can tell which handshakes were served by an accelerator and which
// fell back to software.
package telemetry
