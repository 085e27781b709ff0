package driver

import (
	"crypto"
	"fmt"
)

// Algorithm identifies a private-key operation. Signing algorithms use the
// TLS SignatureScheme code points.
type Algorithm uint16

const (
	AlgorithmRSAPKCS1SHA1       Algorithm = 0x0201
	AlgorithmRSAPKCS1SHA256     Algorithm = 0x0401
	AlgorithmRSAPKCS1SHA384     Algorithm = 0x0501
	AlgorithmRSAPKCS1SHA512     Algorithm = 0x0601
	AlgorithmECDSASHA1          Algorithm = 0x0203
	AlgorithmECDSAP256SHA256    Algorithm = 0x0403
	AlgorithmECDSAP384SHA384    Algorithm = 0x0503
	AlgorithmECDSAP521SHA512    Algorithm = 0x0603
	AlgorithmRSAPSSRSAESHA256   Algorithm = 0x0804
	AlgorithmRSAPSSRSAESHA384   Algorithm = 0x0805
	AlgorithmRSAPSSRSAESHA512   Algorithm = 0x0806
	AlgorithmRSAPKCS1v15Decrypt Algorithm = 0xfe01
)

var algorithmNames = map[Algorithm]string{
	AlgorithmRSAPKCS1SHA1:       "rsa_pkcs1_sha1",
	AlgorithmRSAPKCS1SHA256:     "rsa_pkcs1_sha256",
	AlgorithmRSAPKCS1SHA384:     "rsa_pkcs1_sha384",
	AlgorithmRSAPKCS1SHA512:     "rsa_pkcs1_sha512",
	AlgorithmECDSASHA1:          "ecdsa_sha1",
	AlgorithmECDSAP256SHA256:    "ecdsa_secp256r1_sha256",
	AlgorithmECDSAP384SHA384:    "ecdsa_secp384r1_sha384",
	AlgorithmECDSAP521SHA512:    "ecdsa_secp521r1_sha512",
	AlgorithmRSAPSSRSAESHA256:   "rsa_pss_rsae_sha256",
	AlgorithmRSAPSSRSAESHA384:   "rsa_pss_rsae_sha384",
	AlgorithmRSAPSSRSAESHA512:   "rsa_pss_rsae_sha512",
	AlgorithmRSAPKCS1v15Decrypt: "rsa_pkcs1_decrypt",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("algorithm(0x%04x)", uint16(a))
}

// Hash returns the digest the algorithm signs over, or 0 for decryption.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case AlgorithmRSAPKCS1SHA1, AlgorithmECDSASHA1:
		return crypto.SHA1
	case AlgorithmRSAPKCS1SHA256, AlgorithmECDSAP256SHA256, AlgorithmRSAPSSRSAESHA256:
		return crypto.SHA256
	case AlgorithmRSAPKCS1SHA384, AlgorithmECDSAP384SHA384, AlgorithmRSAPSSRSAESHA384:
		return crypto.SHA384
	case AlgorithmRSAPKCS1SHA512, AlgorithmECDSAP521SHA512, AlgorithmRSAPSSRSAESHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

// IsPSS reports whether a is an RSASSA-PSS scheme.
func (a Algorithm) IsPSS() bool {
	return a >= AlgorithmRSAPSSRSAESHA256 && a <= AlgorithmRSAPSSRSAESHA512
}

// IsECDSA reports whether a is an ECDSA scheme.
func (a Algorithm) IsECDSA() bool {
	switch a {
	case AlgorithmECDSASHA1, AlgorithmECDSAP256SHA256, AlgorithmECDSAP384SHA384, AlgorithmECDSAP521SHA512:
		return true
	default:
		return false
	}
}

// Supports reports whether a is valid for an operation of the given kind.
func (a Algorithm) Supports(kind OpKind) bool {
	switch kind {
	case OpSign:
		return a != AlgorithmRSAPKCS1v15Decrypt && a.Hash() != 0
	case OpDecrypt:
		return a == AlgorithmRSAPKCS1v15Decrypt
	default:
		return false
	}
}

// SignAlgorithm picks the algorithm for a signature over a digest made with
// hash. ecdsa selects the key family; pss selects RSASSA-PSS padding.
func SignAlgorithm(hash crypto.Hash, ecdsa, pss bool) (Algorithm, error) {
	var candidates []Algorithm
	switch {
	case ecdsa:
		candidates = []Algorithm{AlgorithmECDSASHA1, AlgorithmECDSAP256SHA256, AlgorithmECDSAP384SHA384, AlgorithmECDSAP521SHA512}
	case pss:
		candidates = []Algorithm{AlgorithmRSAPSSRSAESHA256, AlgorithmRSAPSSRSAESHA384, AlgorithmRSAPSSRSAESHA512}
	default:
		candidates = []Algorithm{AlgorithmRSAPKCS1SHA1, AlgorithmRSAPKCS1SHA256, AlgorithmRSAPKCS1SHA384, AlgorithmRSAPKCS1SHA512}
	}
	for _, alg := range candidates {
		if alg.Hash() == hash {
			return alg, nil
		}
	}
	return 0, fmt.Errorf("driver: no signing algorithm for hash %v (ecdsa=%t pss=%t)", hash, ecdsa, pss)
}
