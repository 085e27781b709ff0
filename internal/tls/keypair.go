package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"time"
)

// KeyPair is a certificate chain and its private key in the forms the
// terminator needs: PKCS#8 DER for the accelerator and a software signer for
// the fallback path.
type KeyPair struct {
	Chain  [][]byte
	Leaf   *x509.Certificate
	KeyDER []byte
	Signer crypto.Signer
}

// Public returns the leaf's public key.
func (kp *KeyPair) Public() crypto.PublicKey {
	return kp.Signer.Public()
}

// LoadKeyPair reads PEM encoded certificate and key files.
func LoadKeyPair(certFile, keyFile string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(filepath.Clean(certFile))
	if err != nil {
		return nil, NewCertificateLoadError(certFile, keyFile, err)
	}
	keyPEM, err := os.ReadFile(filepath.Clean(keyFile))
	if err != nil {
		return nil, NewCertificateLoadError(certFile, keyFile, err)
	}

	kp, err := ParseKeyPair(certPEM, keyPEM)
	if err != nil {
		if tlsErr, ok := err.(*TLSError); ok {
			return nil, tlsErr.WithContext("cert_file", certFile).WithContext("key_file", keyFile)
		}
		return nil, err
	}
	return kp, nil
}

// ParseKeyPair parses a PEM certificate chain and a PKCS#1, PKCS#8 or SEC1
// private key. Only RSA and ECDSA keys can be offloaded.
func ParseKeyPair(certPEM, keyPEM []byte) (*KeyPair, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, NewCertificateParsingError("invalid key pair", err)
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, NewCertificateParsingError("invalid leaf certificate", err)
		}
	}

	var signer crypto.Signer
	switch key := cert.PrivateKey.(type) {
	case *rsa.PrivateKey:
		signer = key
	case *ecdsa.PrivateKey:
		signer = key
	default:
		return nil, NewCertificateValidationError("unsupported private key type", nil).
			WithContext("key_type", keyTypeName(cert.PrivateKey)).
			WithSuggestion("Use an RSA or ECDSA key")
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, NewCertificateParsingError("cannot encode private key as PKCS#8", err)
	}

	if err := validateValidity(leaf, time.Now()); err != nil {
		return nil, err
	}

	return &KeyPair{
		Chain:  cert.Certificate,
		Leaf:   leaf,
		KeyDER: keyDER,
		Signer: signer,
	}, nil
}

func validateValidity(leaf *x509.Certificate, now time.Time) error {
	subject := leaf.Subject.String()
	if now.After(leaf.NotAfter) {
		return NewCertificateExpiredError(subject, leaf.NotAfter.Format(time.RFC3339))
	}
	if now.Before(leaf.NotBefore) {
		return NewCertificateNotYetValidError(subject, leaf.NotBefore.Format(time.RFC3339))
	}
	return nil
}

func keyTypeName(key crypto.PrivateKey) string {
	switch key.(type) {
	case nil:
		return "none"
	case *rsa.PrivateKey:
		return "rsa"
	case *ecdsa.PrivateKey:
		return "ecdsa"
	default:
		return "other"
	}
}
