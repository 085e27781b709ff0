package offload

import (
	"context"
	"log/slog"
	"time"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

// Result is the outcome reported to the TLS engine for a key operation.
type Result int

const (
	ResultSuccess Result = iota
	ResultRetry
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// PrivateKeyMethod is the asynchronous private-key contract of the TLS
// engine. Sign and Decrypt only submit work and report ResultRetry; the
// engine calls Complete until it reports something other than ResultRetry.
type PrivateKeyMethod interface {
	Sign(conn *Connection, alg driver.Algorithm, digest []byte) (Result, error)
	Decrypt(conn *Connection, ciphertext []byte) (Result, error)
	Complete(conn *Connection) ([]byte, Result, error)
}

// DefaultMaxOutput fits an RSA-8192 signature.
const DefaultMaxOutput = 1024

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	Logger    *slog.Logger
	MaxOutput int
}

// Provider implements PrivateKeyMethod on top of bound Connections.
type Provider struct {
	events    *EventLogger
	metrics   *MetricsCollector
	maxOutput int
}

var _ PrivateKeyMethod = (*Provider)(nil)

// NewProvider creates a provider.
func NewProvider(opts ProviderOptions) *Provider {
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	events := NewEventLogger(opts.Logger)
	metrics, err := GetMetricsCollector(events.Logger())
	if err != nil {
		metrics = nil
	}
	return &Provider{
		events:    events,
		metrics:   metrics,
		maxOutput: opts.MaxOutput,
	}
}

// Sign submits a signature over digest.
func (p *Provider) Sign(conn *Connection, alg driver.Algorithm, digest []byte) (Result, error) {
	return p.submit(conn, driver.OpSign, alg, digest)
}

// Decrypt submits an RSA PKCS#1 v1.5 decryption of ciphertext.
func (p *Provider) Decrypt(conn *Connection, ciphertext []byte) (Result, error) {
	return p.submit(conn, driver.OpDecrypt, driver.AlgorithmRSAPKCS1v15Decrypt, ciphertext)
}

func (p *Provider) submit(conn *Connection, kind driver.OpKind, alg driver.Algorithm, input []byte) (Result, error) {
	ctx := context.Background()

	if !alg.Supports(kind) {
		p.metrics.RecordSubmissionRejected(ctx, kind, "unsupported_algorithm")
		return ResultFailure, NewUnsupportedAlgorithmError(kind.String(), alg)
	}

	op := &PendingOperation{
		Kind:      kind,
		Algorithm: alg,
		Input:     append([]byte(nil), input...),
		MaxOutput: p.maxOutput,
	}
	if err := conn.open(op); err != nil {
		p.metrics.RecordSubmissionRejected(ctx, kind, string(ErrorTypeOperationInProgress))
		return ResultFailure, err
	}

	req := &driver.Request{
		Kind:      kind,
		Algorithm: alg,
		Key:       conn.key,
		Input:     op.Input,
		MaxOutput: op.MaxOutput,
		Done:      conn.completion(op),
	}
	if err := conn.handle.submit(req); err != nil {
		conn.discard(op)
		reason := driver.StatusOf(err).String()
		p.metrics.RecordSubmissionRejected(ctx, kind, reason)
		failure := NewOperationFailure(kind.String(), "submission rejected", err).
			WithContext("instance", conn.handle.index)
		p.events.LogOperationFailure(ctx, conn.ID(), kind, alg, failure)
		return ResultFailure, failure
	}
	return ResultRetry, nil
}

// Complete reports the outstanding operation's result. It never blocks:
// ResultRetry means the hardware has not answered yet.
func (p *Provider) Complete(conn *Connection) ([]byte, Result, error) {
	ctx := context.Background()

	op, result, timedOut := conn.collect(conn.section.completionTimeout)
	if op == nil {
		return nil, ResultFailure, NewOperationFailure("complete", "no outstanding operation", nil).
			WithContext("connection", conn.ID())
	}

	switch result {
	case resultAbsent:
		return nil, ResultRetry, nil
	case resultSuccess:
		if len(op.output) > op.MaxOutput {
			err := NewOperationFailure(op.Kind.String(), "output exceeds capacity", nil).
				WithContext("output_len", len(op.output)).
				WithContext("max_output", op.MaxOutput)
			p.metrics.RecordOperation(ctx, op.Kind, op.Algorithm, "failure", time.Since(op.submitted))
			p.events.LogOperationFailure(ctx, conn.ID(), op.Kind, op.Algorithm, err)
			return nil, ResultFailure, err
		}
		p.metrics.RecordOperation(ctx, op.Kind, op.Algorithm, "success", time.Since(op.submitted))
		return op.output, ResultSuccess, nil
	default:
		var err *Error
		if timedOut {
			err = NewOperationFailure(op.Kind.String(), "accelerator did not respond", nil).
				WithContext("timeout", conn.section.completionTimeout.String())
			p.metrics.RecordOperation(ctx, op.Kind, op.Algorithm, "timeout", time.Since(op.submitted))
		} else {
			err = NewOperationFailure(op.Kind.String(), "accelerator reported an error", driver.Check("complete", op.status))
			p.metrics.RecordOperation(ctx, op.Kind, op.Algorithm, "failure", time.Since(op.submitted))
		}
		err.WithContext("instance", conn.handle.index)
		p.events.LogOperationFailure(ctx, conn.ID(), op.Kind, op.Algorithm, err)
		return nil, ResultFailure, err
	}
}
