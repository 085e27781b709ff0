package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	normalized := strings.TrimSpace(version)
	switch TLSVersion(normalized) {
	case TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	case "1.0", "1.1":
		return "", fmt.Errorf("TLS version %q is deprecated and insecure", version)
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// Uint16 returns the crypto/tls constant for the version.
func (v TLSVersion) Uint16() uint16 {
	if v == TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// ListenerConfig configures the TLS listener whose private key operations
// are offloaded. An empty cert/key pair makes the daemon use an ephemeral
// self-signed certificate.
type ListenerConfig struct {
	Address          string   `yaml:"address" json:"address"`
	CertFile         string   `yaml:"cert_file" json:"cert_file"`
	KeyFile          string   `yaml:"key_file" json:"key_file"`
	MinVersion       string   `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// Validate performs validation of listener configuration
func (c *ListenerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return NewConfigMissingError("address")
	}

	certSet := strings.TrimSpace(c.CertFile) != ""
	keySet := strings.TrimSpace(c.KeyFile) != ""
	if certSet && !keySet {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to a valid TLS private key file").
			WithSuggestion("Ensure the private key file is in PEM format and matches the certificate")
	}
	if keySet && !certSet {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a valid TLS certificate file").
			WithSuggestion("Ensure the certificate file is in PEM format")
	}

	version, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use TLS 1.2 or 1.3")
	}
	c.MinVersion = string(version)

	if c.HandshakeTimeout.Duration < 0 {
		return NewConfigValidationError("handshake_timeout", c.HandshakeTimeout.String(), "must not be negative")
	}
	return nil
}

// HasKeyPair reports whether a certificate and key were configured.
func (c *ListenerConfig) HasKeyPair() bool {
	return strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) != ""
}
