package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-keyoffload/internal/offload"
	"github.com/polisai/polis-keyoffload/internal/offload/driver"
	"github.com/polisai/polis-keyoffload/pkg/telemetry"
)

// Fallback decides what a handshake does when no accelerator can take its
// private key operation.
type Fallback string

const (
	// FallbackSoftware signs with the in-memory key.
	FallbackSoftware Fallback = "software"
	// FallbackReject fails the handshake.
	FallbackReject Fallback = "reject"
)

// ParseFallback validates a fallback name. Empty means software.
func ParseFallback(s string) (Fallback, error) {
	switch Fallback(s) {
	case "", FallbackSoftware:
		return FallbackSoftware, nil
	case FallbackReject:
		return FallbackReject, nil
	default:
		return "", fmt.Errorf("unknown fallback %q", s)
	}
}

// errRejected is returned to crypto/tls when fallback is reject.
var errRejected = errors.New("tls: private key offload unavailable")

// handshakeKey is the private key of one handshake. It sends key operations
// to the accelerator through session and switches to the software signer
// when the accelerator is unavailable and fallback allows it.
type handshakeKey struct {
	pair     *KeyPair
	session  *offload.SessionKey
	fallback Fallback
	span     trace.Span
	onFall   func(error)

	mu       sync.Mutex
	software bool
	mode     telemetry.KeyMode
	fellBack bool
	rejected bool
}

var (
	_ crypto.Signer    = (*handshakeKey)(nil)
	_ crypto.Decrypter = (*handshakeKey)(nil)
)

func (k *handshakeKey) Public() crypto.PublicKey {
	return k.pair.Public()
}

func (k *handshakeKey) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	alg := signAlgorithmName(k.pair.Public(), opts)

	if k.useHardware() {
		sig, err := k.session.Sign(random, digest, opts)
		if err == nil {
			k.recordOp("sign", alg, telemetry.KeyModeHardware, nil)
			return sig, nil
		}
		if !hardwareUnavailable(err) {
			k.recordOp("sign", alg, telemetry.KeyModeHardware, err)
			return nil, err
		}
		if ferr := k.fallBack(err); ferr != nil {
			return nil, ferr
		}
	}

	sig, err := k.pair.Signer.Sign(random, digest, opts)
	k.recordOp("sign", alg, telemetry.KeyModeSoftware, err)
	return sig, err
}

func (k *handshakeKey) Decrypt(random io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	if k.useHardware() {
		out, err := k.session.Decrypt(random, msg, opts)
		if err == nil {
			k.recordOp("decrypt", driver.AlgorithmRSAPKCS1v15Decrypt.String(), telemetry.KeyModeHardware, nil)
			return out, nil
		}
		if !hardwareUnavailable(err) {
			k.recordOp("decrypt", driver.AlgorithmRSAPKCS1v15Decrypt.String(), telemetry.KeyModeHardware, err)
			return nil, err
		}
		if ferr := k.fallBack(err); ferr != nil {
			return nil, ferr
		}
	}

	dec, ok := k.pair.Signer.(crypto.Decrypter)
	if !ok {
		return nil, fmt.Errorf("tls: %T cannot decrypt", k.pair.Signer)
	}
	out, err := dec.Decrypt(random, msg, opts)
	k.recordOp("decrypt", driver.AlgorithmRSAPKCS1v15Decrypt.String(), telemetry.KeyModeSoftware, err)
	return out, err
}

// privateKey returns the key to place in tls.Certificate. Non-RSA keys are
// exposed as signers only.
func (k *handshakeKey) privateKey() crypto.Signer {
	return offload.SignerFor(k, k.pair.Public())
}

// Close releases the accelerator binding, if any.
func (k *handshakeKey) Close() error {
	if k.session == nil {
		return nil
	}
	return k.session.Close()
}

// Mode reports who performed the key operations so far.
func (k *handshakeKey) Mode() telemetry.KeyMode {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.mode == "" {
		return telemetry.KeyModeNone
	}
	return k.mode
}

// FellBack reports whether the accelerator was unavailable.
func (k *handshakeKey) FellBack() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.fellBack
}

// Rejected reports whether the handshake was refused for lack of hardware.
func (k *handshakeKey) Rejected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rejected
}

func (k *handshakeKey) useHardware() bool {
	if k.session == nil {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.software
}

func (k *handshakeKey) fallBack(cause error) error {
	k.mu.Lock()
	k.fellBack = true
	if k.fallback == FallbackReject {
		k.rejected = true
		k.mu.Unlock()
		telemetry.RecordFallback(k.span, "rejected")
		if k.onFall != nil {
			k.onFall(cause)
		}
		return fmt.Errorf("%w: %w", errRejected, cause)
	}
	k.software = true
	k.mu.Unlock()

	telemetry.RecordFallback(k.span, "software")
	if k.onFall != nil {
		k.onFall(cause)
	}
	return nil
}

func (k *handshakeKey) recordOp(kind, alg string, mode telemetry.KeyMode, err error) {
	if err == nil {
		k.mu.Lock()
		k.mode = mode
		k.mu.Unlock()
	}

	instance := -1
	if mode == telemetry.KeyModeHardware && k.session.Bound() {
		if conn, cerr := k.session.Connection(); cerr == nil {
			instance = conn.Handle().Index()
		}
	}
	telemetry.RecordKeyOperation(k.span, kind, alg, mode, instance, err)
}

func hardwareUnavailable(err error) bool {
	return errors.Is(err, offload.ErrNoHardwareAvailable) || errors.Is(err, offload.ErrManagerClosed)
}

func signAlgorithmName(public crypto.PublicKey, opts crypto.SignerOpts) string {
	_, isECDSA := public.(*ecdsa.PublicKey)
	_, isPSS := opts.(*rsa.PSSOptions)
	alg, err := driver.SignAlgorithm(opts.HashFunc(), isECDSA, isPSS)
	if err != nil {
		return "unknown"
	}
	return alg.String()
}
