package config

import (
	"crypto/tls"
	"errors"
	"testing"
)

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TLSVersion
		wantErr  bool
	}{
		{
			name:     "empty string defaults to TLS 1.2",
			input:    "",
			expected: TLSVersion12,
		},
		{
			name:     "valid TLS 1.2",
			input:    "1.2",
			expected: TLSVersion12,
		},
		{
			name:     "valid TLS 1.3",
			input:    " 1.3 ",
			expected: TLSVersion13,
		},
		{
			name:    "deprecated TLS 1.0",
			input:   "1.0",
			wantErr: true,
		},
		{
			name:    "invalid version",
			input:   "2.0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseTLSVersion(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseTLSVersion() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("ParseTLSVersion() unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("ParseTLSVersion() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestTLSVersionUint16(t *testing.T) {
	if got := TLSVersion13.Uint16(); got != tls.VersionTLS13 {
		t.Errorf("TLSVersion13.Uint16() = %x", got)
	}
	if got := TLSVersion12.Uint16(); got != tls.VersionTLS12 {
		t.Errorf("TLSVersion12.Uint16() = %x", got)
	}
}

func TestListenerConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  ListenerConfig
		wantErr string
	}{
		{
			name:   "address only uses an ephemeral certificate",
			config: ListenerConfig{Address: ":8443"},
		},
		{
			name: "cert and key",
			config: ListenerConfig{
				Address:  ":8443",
				CertFile: "/path/to/cert.pem",
				KeyFile:  "/path/to/key.pem",
			},
		},
		{
			name:    "missing address",
			config:  ListenerConfig{},
			wantErr: "address",
		},
		{
			name: "cert without key",
			config: ListenerConfig{
				Address:  ":8443",
				CertFile: "/path/to/cert.pem",
			},
			wantErr: "key_file",
		},
		{
			name: "key without cert",
			config: ListenerConfig{
				Address: ":8443",
				KeyFile: "/path/to/key.pem",
			},
			wantErr: "cert_file",
		},
		{
			name: "invalid min version",
			config: ListenerConfig{
				Address:    ":8443",
				MinVersion: "invalid",
			},
			wantErr: "min_version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ListenerConfig.Validate() unexpected error: %v", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("ListenerConfig.Validate() = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.wantErr {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.wantErr)
			}
		})
	}
}

func TestListenerConfigHasKeyPair(t *testing.T) {
	cfg := ListenerConfig{Address: ":8443"}
	if cfg.HasKeyPair() {
		t.Error("expected no key pair")
	}
	cfg.CertFile, cfg.KeyFile = "c.pem", "k.pem"
	if !cfg.HasKeyPair() {
		t.Error("expected key pair")
	}
}
