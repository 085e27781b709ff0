package tls

import (
	"fmt"
	"sort"
	"strings"
)

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Certificate errors
	ErrorTypeCertificateLoad        TLSErrorType = "certificate_load"
	ErrorTypeCertificateValidation  TLSErrorType = "certificate_validation"
	ErrorTypeCertificateParsing     TLSErrorType = "certificate_parsing"
	ErrorTypeCertificateExpired     TLSErrorType = "certificate_expired"
	ErrorTypeCertificateNotYetValid TLSErrorType = "certificate_not_yet_valid"

	// TLS handshake errors
	ErrorTypeHandshakeFailure  TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout  TLSErrorType = "handshake_timeout"
	ErrorTypeHandshakeRejected TLSErrorType = "handshake_rejected"

	// Server operation errors
	ErrorTypeServerStartup  TLSErrorType = "server_startup"
	ErrorTypeListenerAccept TLSErrorType = "listener_accept"
)

// TLSError represents a structured TLS error with context
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", string(e.Type), e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns a detailed error message with suggestions
func (e *TLSError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Certificate error constructors
func NewCertificateLoadError(certFile, keyFile string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateLoad, "failed to load certificate", cause).
		WithContext("cert_file", certFile).
		WithContext("key_file", keyFile).
		WithSuggestion("Verify that the certificate and key files exist and are readable").
		WithSuggestion("Ensure the certificate and private key match")
}

func NewCertificateParsingError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateParsing, fmt.Sprintf("certificate parsing failed: %s", reason), cause).
		WithSuggestion("Ensure the certificate and key are PEM encoded")
}

func NewCertificateValidationError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateValidation, fmt.Sprintf("certificate validation failed: %s", reason), cause).
		WithContext("validation_reason", reason)
}

func NewCertificateExpiredError(subject string, expiredAt string) *TLSError {
	return NewTLSError(ErrorTypeCertificateExpired, "certificate has expired").
		WithContext("subject", subject).
		WithContext("expired_at", expiredAt).
		WithSuggestion("Renew the expired certificate")
}

func NewCertificateNotYetValidError(subject string, validFrom string) *TLSError {
	return NewTLSError(ErrorTypeCertificateNotYetValid, "certificate is not yet valid").
		WithContext("subject", subject).
		WithContext("valid_from", validFrom).
		WithSuggestion("Check the system clock is correct")
}

// TLS handshake error constructors
func NewHandshakeFailureError(remoteAddr string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeFailure, "TLS handshake failed", cause).
		WithContext("remote_addr", remoteAddr)
}

func NewHandshakeTimeoutError(remoteAddr string, timeout string) *TLSError {
	return NewTLSError(ErrorTypeHandshakeTimeout, "TLS handshake timed out").
		WithContext("remote_addr", remoteAddr).
		WithContext("timeout", timeout).
		WithSuggestion("Consider increasing the handshake timeout")
}

// NewHandshakeRejectedError reports a handshake refused because no
// accelerator could take the key operation and software fallback is off.
func NewHandshakeRejectedError(remoteAddr string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeRejected, "TLS handshake rejected: no hardware available", cause).
		WithContext("remote_addr", remoteAddr).
		WithSuggestion("Set offload.fallback to software to serve handshakes without an accelerator")
}

// Server operation error constructors
func NewServerStartupError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeServerStartup, fmt.Sprintf("TLS terminator startup failed: %s", reason), cause).
		WithContext("startup_failure_reason", reason)
}

func NewListenerAcceptError(address string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeListenerAccept, fmt.Sprintf("failed to accept on %s", address), cause).
		WithContext("address", address)
}
