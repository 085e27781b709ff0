package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"
)

// TLSLogger provides structured logging for TLS events
type TLSLogger struct {
	logger *slog.Logger
}

// NewTLSLogger creates a new TLS logger
func NewTLSLogger(logger *slog.Logger) *TLSLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &TLSLogger{
		logger: logger.With("component", "tls"),
	}
}

// LogHandshakeSuccess logs a successful TLS handshake
func (l *TLSLogger) LogHandshakeSuccess(ctx context.Context, remoteAddr string, state tls.ConnectionState, mode string, duration time.Duration) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS handshake completed successfully",
		slog.String("event", "handshake_success"),
		slog.String("remote_addr", remoteAddr),
		slog.String("tls_version", tls.VersionName(state.Version)),
		slog.String("cipher_suite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("server_name", state.ServerName),
		slog.String("key_mode", mode),
		slog.Bool("resumed", state.DidResume),
		slog.Duration("handshake_duration", duration),
	)
}

// LogHandshakeFailure logs a failed TLS handshake
func (l *TLSLogger) LogHandshakeFailure(ctx context.Context, remoteAddr string, err *TLSError, duration time.Duration) {
	level := slog.LevelError
	if err.Type == ErrorTypeHandshakeTimeout || err.Type == ErrorTypeHandshakeFailure {
		level = slog.LevelWarn
	}

	l.logger.LogAttrs(ctx, level, "TLS handshake failed",
		slog.String("event", "handshake_failure"),
		slog.String("remote_addr", remoteAddr),
		slog.String("error_type", string(err.Type)),
		slog.String("error", err.Error()),
		slog.Duration("handshake_duration", duration),
	)
}

// LogFallback logs a handshake whose key operation could not use an accelerator.
func (l *TLSLogger) LogFallback(ctx context.Context, remoteAddr, fallback string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "Private key offload unavailable",
		slog.String("event", "offload_fallback"),
		slog.String("remote_addr", remoteAddr),
		slog.String("fallback", fallback),
		slog.String("error", err.Error()),
	)
}

// LogCertificateLoad logs certificate loading events
func (l *TLSLogger) LogCertificateLoad(ctx context.Context, certFile, keyFile string, leaf *x509.Certificate, err error) {
	if err != nil {
		l.logger.LogAttrs(ctx, slog.LevelError, "Certificate loading failed",
			slog.String("event", "certificate_load"),
			slog.String("cert_file", certFile),
			slog.String("key_file", keyFile),
			slog.String("error", err.Error()),
		)
		return
	}

	attrs := []slog.Attr{
		slog.String("event", "certificate_load"),
		slog.String("cert_file", certFile),
		slog.String("key_file", keyFile),
	}
	if leaf != nil {
		attrs = append(attrs,
			slog.String("subject", leaf.Subject.String()),
			slog.Any("dns_names", leaf.DNSNames),
			slog.String("public_key_algorithm", leaf.PublicKeyAlgorithm.String()),
			slog.Time("not_after", leaf.NotAfter),
		)
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "Certificate loaded successfully", attrs...)
}

// LogServeStart logs the terminator starting to accept on a listener.
func (l *TLSLogger) LogServeStart(ctx context.Context, address string, offload bool, fallback string) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "Accepting TLS connections",
		slog.String("event", "serve_start"),
		slog.String("address", address),
		slog.Bool("offload", offload),
		slog.String("fallback", fallback),
	)
}

// Logger returns the underlying slog logger.
func (l *TLSLogger) Logger() *slog.Logger {
	return l.logger
}
