package tls

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLSError_Error(t *testing.T) {
	tests := []struct {
		name     string
		tlsError *TLSError
		expected string
	}{
		{
			name: "basic error",
			tlsError: &TLSError{
				Type:    ErrorTypeCertificateLoad,
				Message: "failed to load certificate",
			},
			expected: "[certificate_load] failed to load certificate",
		},
		{
			name: "error with context",
			tlsError: &TLSError{
				Type:    ErrorTypeCertificateLoad,
				Message: "failed to load certificate",
				Context: map[string]interface{}{
					"cert_file": "/path/to/cert.pem",
					"key_file":  "/path/to/key.pem",
				},
			},
			expected: "[certificate_load] failed to load certificate | context: cert_file=/path/to/cert.pem, key_file=/path/to/key.pem",
		},
		{
			name: "error with cause",
			tlsError: &TLSError{
				Type:    ErrorTypeCertificateLoad,
				Message: "failed to load certificate",
				Cause:   fmt.Errorf("file not found"),
			},
			expected: "[certificate_load] failed to load certificate | cause: file not found",
		},
		{
			name: "error with context and cause",
			tlsError: &TLSError{
				Type:    ErrorTypeCertificateLoad,
				Message: "failed to load certificate",
				Context: map[string]interface{}{
					"cert_file": "/path/to/cert.pem",
				},
				Cause: fmt.Errorf("permission denied"),
			},
			expected: "[certificate_load] failed to load certificate | context: cert_file=/path/to/cert.pem | cause: permission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.tlsError.Error())
		})
	}
}

func TestTLSError_WithContext(t *testing.T) {
	err := NewTLSError(ErrorTypeCertificateLoad, "test error")

	result := err.WithContext("key", "value")

	assert.Same(t, err, result) // Should return same instance
	assert.Equal(t, "value", err.Context["key"])
}

func TestTLSError_WithSuggestion(t *testing.T) {
	err := NewTLSError(ErrorTypeCertificateLoad, "test error")

	result := err.WithSuggestion("Check file permissions")

	assert.Same(t, err, result) // Should return same instance
	assert.Len(t, err.Suggestions, 1)
	assert.Equal(t, "Check file permissions", err.Suggestions[0])
}

func TestTLSError_GetDetailedMessage(t *testing.T) {
	err := NewTLSError(ErrorTypeCertificateLoad, "test error").
		WithSuggestion("First suggestion").
		WithSuggestion("Second suggestion")

	result := err.GetDetailedMessage()

	assert.Contains(t, result, "test error")
	assert.Contains(t, result, "Suggestions:")
	assert.Contains(t, result, "1. First suggestion")
	assert.Contains(t, result, "2. Second suggestion")
}

func TestTLSError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := NewTLSErrorWithCause(ErrorTypeCertificateLoad, "test error", cause)

	result := err.Unwrap()

	assert.Equal(t, cause, result)
}

func TestNewCertificateLoadError(t *testing.T) {
	cause := fmt.Errorf("permission denied")
	err := NewCertificateLoadError("/cert.pem", "/key.pem", cause)

	assert.Equal(t, ErrorTypeCertificateLoad, err.Type)
	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, "/cert.pem", err.Context["cert_file"])
	assert.Equal(t, "/key.pem", err.Context["key_file"])
	assert.NotEmpty(t, err.Suggestions)
}

func TestNewHandshakeErrors(t *testing.T) {
	cause := fmt.Errorf("remote error: tls: bad certificate")

	failure := NewHandshakeFailureError("10.0.0.1:4242", cause)
	assert.Equal(t, ErrorTypeHandshakeFailure, failure.Type)
	assert.Equal(t, "10.0.0.1:4242", failure.Context["remote_addr"])
	assert.ErrorIs(t, failure, cause)

	timeout := NewHandshakeTimeoutError("10.0.0.1:4242", "10s")
	assert.Equal(t, ErrorTypeHandshakeTimeout, timeout.Type)
	assert.Equal(t, "10s", timeout.Context["timeout"])

	rejected := NewHandshakeRejectedError("10.0.0.1:4242", errRejected)
	assert.Equal(t, ErrorTypeHandshakeRejected, rejected.Type)
	assert.ErrorIs(t, rejected, errRejected)
	assert.NotEmpty(t, rejected.Suggestions)
}
