package offload

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

// SessionKey adapts a PrivateKeyMethod to crypto.Signer and
// crypto.Decrypter for one TLS session. The connection is bound lazily on
// the first key operation; Close releases it.
type SessionKey struct {
	method  PrivateKeyMethod
	section *Section
	key     []byte
	public  crypto.PublicKey
	ctx     context.Context

	mu     sync.Mutex
	conn   *Connection
	closed bool
}

var (
	_ crypto.Signer    = (*SessionKey)(nil)
	_ crypto.Decrypter = (*SessionKey)(nil)
)

// NewSessionKey creates a session key over the PKCS#8 DER key and its public
// half. Waits for results end when ctx does.
func NewSessionKey(ctx context.Context, method PrivateKeyMethod, section *Section, keyDER []byte, public crypto.PublicKey) *SessionKey {
	return &SessionKey{
		method:  method,
		section: section,
		key:     keyDER,
		public:  public,
		ctx:     ctx,
	}
}

// Public returns the public key.
func (k *SessionKey) Public() crypto.PublicKey {
	return k.public
}

// SignerFor returns s in the form crypto/tls accepts as a certificate key:
// unchanged when public is an RSA key, otherwise wrapped so that only Public
// and Sign are visible. crypto/tls refuses a crypto.Decrypter whose public
// key is not RSA.
func SignerFor(s crypto.Signer, public crypto.PublicKey) crypto.Signer {
	if _, ok := public.(*rsa.PublicKey); ok {
		return s
	}
	return signOnly{s}
}

type signOnly struct{ crypto.Signer }

// Bound reports whether a connection has been bound.
func (k *SessionKey) Bound() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.conn != nil
}

// Connection returns the bound connection, binding one if needed.
func (k *SessionKey) Connection() (*Connection, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, errors.New("offload: session key is closed")
	}
	if k.conn != nil {
		return k.conn, nil
	}
	conn, err := Bind(k.section, k.key)
	if err != nil {
		return nil, err
	}
	k.conn = conn
	return conn, nil
}

// Close unbinds the connection if one was bound. It is safe to call more
// than once.
func (k *SessionKey) Close() error {
	k.mu.Lock()
	conn := k.conn
	wasClosed := k.closed
	k.closed = true
	k.conn = nil
	k.mu.Unlock()

	if conn != nil && !wasClosed {
		conn.Unbind()
	}
	return nil
}

// Sign signs digest on the accelerator.
func (k *SessionKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	_, isECDSA := k.public.(*ecdsa.PublicKey)
	_, isRSA := k.public.(*rsa.PublicKey)
	if !isECDSA && !isRSA {
		return nil, fmt.Errorf("offload: unsupported public key type %T", k.public)
	}
	_, pss := opts.(*rsa.PSSOptions)
	alg, err := driver.SignAlgorithm(opts.HashFunc(), isECDSA, pss)
	if err != nil {
		return nil, err
	}

	conn, err := k.Connection()
	if err != nil {
		return nil, err
	}
	if _, err := k.method.Sign(conn, alg, digest); err != nil {
		return nil, err
	}
	return k.await(conn)
}

// Decrypt performs an RSA PKCS#1 v1.5 decryption on the accelerator. With
// a SessionKeyLen set, a failed decryption yields random key material of
// that length instead of an error, as rsa.PrivateKey.Decrypt does.
func (k *SessionKey) Decrypt(random io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	if _, ok := k.public.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("offload: decrypt requires an rsa key, got %T", k.public)
	}
	sessionKeyLen := 0
	switch o := opts.(type) {
	case nil:
	case *rsa.PKCS1v15DecryptOptions:
		sessionKeyLen = o.SessionKeyLen
	default:
		return nil, fmt.Errorf("offload: unsupported decrypter options %T", opts)
	}

	conn, err := k.Connection()
	if err != nil {
		return nil, err
	}
	if _, err := k.method.Decrypt(conn, msg); err != nil {
		return nil, err
	}
	out, err := k.await(conn)
	if sessionKeyLen > 0 && (err != nil || len(out) != sessionKeyLen) {
		if err != nil && !errors.Is(err, ErrOperationFailure) {
			return nil, err
		}
		if random == nil {
			random = rand.Reader
		}
		masked := make([]byte, sessionKeyLen)
		if _, rerr := io.ReadFull(random, masked); rerr != nil {
			return nil, rerr
		}
		return masked, nil
	}
	return out, err
}

// await calls Complete each time the connection signals a resolution until
// the result is final.
func (k *SessionKey) await(conn *Connection) ([]byte, error) {
	timeout := k.section.completionTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		out, result, err := k.method.Complete(conn)
		switch result {
		case ResultSuccess:
			return out, nil
		case ResultFailure:
			return nil, err
		}

		select {
		case <-conn.Done():
		case <-timer.C:
			// Complete reports the timeout itself once the operation is
			// older than the completion timeout.
			timer.Reset(timeout / 10)
		case <-k.ctx.Done():
			return nil, k.ctx.Err()
		}
	}
}
