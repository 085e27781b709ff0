package tls

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-keyoffload/internal/offload"
	"github.com/polisai/polis-keyoffload/pkg/telemetry"
)

const defaultHandshakeTimeout = 10 * time.Second

// secureCipherSuites are the TLS 1.2 suites offered; TLS 1.3 suites are
// chosen by crypto/tls. All use ECDHE, so the accelerator only signs.
var secureCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// Handler serves a connection after its handshake completed.
type Handler interface {
	ServeTLS(ctx context.Context, conn *tls.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *tls.Conn)

// ServeTLS calls f(ctx, conn).
func (f HandlerFunc) ServeTLS(ctx context.Context, conn *tls.Conn) { f(ctx, conn) }

// TerminatorConfig configures a Terminator. Method and Section are either
// both set, enabling offload, or both nil.
type TerminatorConfig struct {
	KeyPair          *KeyPair
	Method           offload.PrivateKeyMethod
	Section          *offload.Section
	Fallback         Fallback
	MinVersion       uint16
	HandshakeTimeout time.Duration
	NextProtos       []string
	Logger           *slog.Logger
}

// Terminator accepts TLS connections and performs each handshake with a
// private key whose operations run on the accelerator. The binding to a
// hardware instance lives only as long as the handshake.
type Terminator struct {
	cfg    TerminatorConfig
	base   *tls.Config
	logger *TLSLogger
	tracer trace.Tracer

	wg     sync.WaitGroup
	active atomic.Int64
}

// NewTerminator validates cfg and builds a terminator.
func NewTerminator(cfg TerminatorConfig) (*Terminator, error) {
	if cfg.KeyPair == nil {
		return nil, NewServerStartupError("no key pair", errors.New("key pair is required"))
	}
	if (cfg.Method == nil) != (cfg.Section == nil) {
		return nil, NewServerStartupError("incomplete offload configuration",
			errors.New("method and section must be set together"))
	}
	fallback, err := ParseFallback(string(cfg.Fallback))
	if err != nil {
		return nil, NewServerStartupError("invalid fallback", err)
	}
	cfg.Fallback = fallback
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	// Per-connection configs are clones of base, so they share its ticket key.
	var ticketKey [32]byte
	if _, err := rand.Read(ticketKey[:]); err != nil {
		return nil, NewServerStartupError("session ticket key", err)
	}
	base := &tls.Config{
		MinVersion:   cfg.MinVersion,
		CipherSuites: secureCipherSuites,
		NextProtos:   cfg.NextProtos,
	}
	base.SetSessionTicketKeys([][32]byte{ticketKey})

	return &Terminator{
		cfg:    cfg,
		base:   base,
		logger: NewTLSLogger(cfg.Logger),
		tracer: otel.Tracer("github.com/polisai/polis-keyoffload/internal/tls"),
	}, nil
}

// Active returns the number of connections being handled.
func (t *Terminator) Active() int64 {
	return t.active.Load()
}

// Serve accepts connections on l until ctx is done or l is closed, then
// waits for the connections it started. Cancelling ctx closes l and every
// open connection.
func (t *Terminator) Serve(ctx context.Context, l net.Listener, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer t.wg.Wait()

	t.logger.LogServeStart(ctx, l.Addr().String(), t.cfg.Section != nil, string(t.cfg.Fallback))

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			acceptErr := NewListenerAcceptError(l.Addr().String(), err)
			t.logger.Logger().Error("Failed to accept connection", "error", acceptErr, "retry_in", tempDelay)

			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConnection(ctx, conn, h)
		}()
	}
}

func (t *Terminator) handleConnection(ctx context.Context, conn net.Conn, h Handler) {
	defer conn.Close()

	t.active.Add(1)
	defer t.active.Add(-1)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	tlsConn, err := t.handshake(ctx, conn)
	if err != nil {
		return
	}
	h.ServeTLS(ctx, tlsConn)
}

// handshake runs the TLS handshake on conn. The accelerator binding is
// released before it returns, whatever the outcome.
func (t *Terminator) handshake(ctx context.Context, conn net.Conn) (*tls.Conn, error) {
	start := time.Now()
	remoteAddr := conn.RemoteAddr().String()

	hsCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	sectionName := ""
	if t.cfg.Section != nil {
		sectionName = t.cfg.Section.Name()
	}

	hsCtx, span := t.tracer.Start(hsCtx, "tls.handshake",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("net.peer.address", remoteAddr),
			attribute.String("offload.section", sectionName),
		),
	)
	defer span.End()

	key := t.newKey(hsCtx, span, remoteAddr)
	defer key.Close()

	tlsConn := tls.Server(conn, t.serverConfig(key))
	hsErr := tlsConn.HandshakeContext(hsCtx)
	duration := time.Since(start)
	mode := key.Mode()

	if hsErr != nil {
		var tlsErr *TLSError
		outcome := telemetry.HandshakeFailure
		switch {
		case key.Rejected():
			tlsErr = NewHandshakeRejectedError(remoteAddr, hsErr)
			outcome = telemetry.HandshakeRejected
		case errors.Is(hsCtx.Err(), context.DeadlineExceeded):
			tlsErr = NewHandshakeTimeoutError(remoteAddr, t.cfg.HandshakeTimeout.String())
			outcome = telemetry.HandshakeTimeout
		default:
			tlsErr = NewHandshakeFailureError(remoteAddr, hsErr)
		}

		t.logger.LogHandshakeFailure(ctx, remoteAddr, tlsErr, duration)
		telemetry.RecordHandshakeResult(span, mode, outcome, tlsErr)
		telemetry.RecordHandshakeMetrics(ctx, telemetry.HandshakeMetrics{
			Section:  sectionName,
			Mode:     mode,
			Outcome:  outcome,
			Duration: duration,
			Fallback: key.FellBack(),
		})
		return nil, tlsErr
	}

	state := tlsConn.ConnectionState()
	telemetry.RecordHandshakeState(span, state)
	telemetry.RecordHandshakeResult(span, mode, telemetry.HandshakeSuccess, nil)
	telemetry.RecordHandshakeMetrics(ctx, telemetry.HandshakeMetrics{
		Section:    sectionName,
		Mode:       mode,
		Outcome:    telemetry.HandshakeSuccess,
		TLSVersion: tls.VersionName(state.Version),
		Duration:   duration,
		Fallback:   key.FellBack(),
	})
	t.logger.LogHandshakeSuccess(ctx, remoteAddr, state, string(mode), duration)

	return tlsConn, nil
}

func (t *Terminator) newKey(ctx context.Context, span trace.Span, remoteAddr string) *handshakeKey {
	key := &handshakeKey{
		pair:     t.cfg.KeyPair,
		fallback: t.cfg.Fallback,
		span:     span,
		onFall: func(err error) {
			t.logger.LogFallback(ctx, remoteAddr, string(t.cfg.Fallback), err)
		},
	}
	if t.cfg.Section != nil {
		key.session = offload.NewSessionKey(ctx, t.cfg.Method, t.cfg.Section, t.cfg.KeyPair.KeyDER, t.cfg.KeyPair.Public())
	}
	return key
}

func (t *Terminator) serverConfig(key *handshakeKey) *tls.Config {
	cfg := t.base.Clone()
	cfg.Certificates = []tls.Certificate{{
		Certificate: t.cfg.KeyPair.Chain,
		PrivateKey:  key.privateKey(),
		Leaf:        t.cfg.KeyPair.Leaf,
	}}
	return cfg
}
