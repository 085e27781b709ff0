package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Admin.Address != ":19090" {
		t.Errorf("Expected admin address ':19090', got %q", cfg.Admin.Address)
	}
	if !cfg.Offload.Enabled {
		t.Error("Expected offload to be enabled by default")
	}
	if cfg.Offload.Driver != DriverSoftware {
		t.Errorf("Expected software driver, got %q", cfg.Offload.Driver)
	}
	if cfg.Offload.PollDelay.Duration != time.Millisecond {
		t.Errorf("Expected 1ms poll delay, got %v", cfg.Offload.PollDelay)
	}
	if cfg.Offload.FailurePolicy.MaxFailures != 16 {
		t.Errorf("Expected max_failures 16, got %d", cfg.Offload.FailurePolicy.MaxFailures)
	}
	if cfg.Listener.MinVersion != "1.2" {
		t.Errorf("Expected min_version 1.2, got %q", cfg.Listener.MinVersion)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
admin:
  address: ":9901"
  enable_pprof: true
listener:
  address: ":10443"
  cert_file: "/etc/certs/server.pem"
  key_file: "/etc/certs/server.key"
  min_version: "1.3"
  handshake_timeout: "3s"
offload:
  enabled: true
  driver: SOFTWARE
  section: edge
  poll_delay: "250us"
  poll_quota: 32
  drain_timeout: "2s"
  completion_timeout: "750ms"
  failure_policy:
    max_failures: 4
    window: "10s"
  fallback: reject
  software_instances: 2
logging:
  level: DEBUG
  format: text
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Admin.Address != ":9901" || !cfg.Admin.EnablePprof {
		t.Errorf("Unexpected admin config: %+v", cfg.Admin)
	}
	if cfg.Listener.HandshakeTimeout.Duration != 3*time.Second {
		t.Errorf("Expected handshake timeout 3s, got %v", cfg.Listener.HandshakeTimeout)
	}
	if cfg.Listener.MinVersion != "1.3" {
		t.Errorf("Expected min_version 1.3, got %q", cfg.Listener.MinVersion)
	}

	off := cfg.Offload
	if off.Driver != DriverSoftware {
		t.Errorf("Expected driver to be normalized, got %q", off.Driver)
	}
	if off.Section != "edge" {
		t.Errorf("Expected section 'edge', got %q", off.Section)
	}
	if off.PollDelay.Duration != 250*time.Microsecond {
		t.Errorf("Expected poll delay 250us, got %v", off.PollDelay)
	}
	if off.PollQuota != 32 {
		t.Errorf("Expected poll quota 32, got %d", off.PollQuota)
	}
	if off.CompletionTimeout.Duration != 750*time.Millisecond {
		t.Errorf("Expected completion timeout 750ms, got %v", off.CompletionTimeout)
	}
	if off.FailurePolicy.MaxFailures != 4 || off.FailurePolicy.Window.Duration != 10*time.Second {
		t.Errorf("Unexpected failure policy: %+v", off.FailurePolicy)
	}
	if off.Fallback != FallbackReject {
		t.Errorf("Expected reject fallback, got %q", off.Fallback)
	}
	// Untouched fields keep their defaults.
	if off.SoftwareQueueDepth != 64 {
		t.Errorf("Expected default queue depth 64, got %d", off.SoftwareQueueDepth)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Expected normalized logging config, got %+v", cfg.Logging)
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Unexpected telemetry config: %+v", cfg.Telemetry)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		expectedErr string
	}{
		{
			name:        "unknown field",
			content:     "offload:\n  pol_delay: 1ms\n",
			expectedErr: "failed to parse config file",
		},
		{
			name:        "bad duration",
			content:     "offload:\n  poll_delay: soon\n",
			expectedErr: "parse duration",
		},
		{
			name:        "unknown driver",
			content:     "offload:\n  driver: fpga\n",
			expectedErr: "unknown offload driver",
		},
		{
			name:        "unknown fallback",
			content:     "offload:\n  fallback: maybe\n",
			expectedErr: "unknown fallback mode",
		},
		{
			name:        "negative poll delay",
			content:     "offload:\n  poll_delay: -1ms\n",
			expectedErr: "poll_delay",
		},
		{
			name:        "zero poll delay",
			content:     "offload:\n  poll_delay: 0s\n",
			expectedErr: "poll_delay",
		},
		{
			name:        "failure policy without window",
			content:     "offload:\n  failure_policy:\n    max_failures: 3\n    window: 0s\n",
			expectedErr: "failure_policy.window",
		},
		{
			name:        "software driver without instances",
			content:     "offload:\n  software_instances: 0\n",
			expectedErr: "software driver needs at least one instance",
		},
		{
			name:        "invalid log level",
			content:     "logging:\n  level: loud\n",
			expectedErr: "invalid log level",
		},
		{
			name:        "admin conflicts with listener",
			content:     "admin:\n  address: \":8443\"\n",
			expectedErr: "admin address conflicts with listener address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("Expected read error, got %v", err)
	}
}

func TestNoneDriverSkipsSoftwareChecks(t *testing.T) {
	cfg, err := Load(writeConfig(t, "offload:\n  driver: none\n  software_instances: 0\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Offload.Driver != DriverNone {
		t.Errorf("Expected none driver, got %q", cfg.Offload.Driver)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OFFLOAD_ADMIN_ADDR", ":29090")
	t.Setenv("OFFLOAD_LISTEN_ADDR", ":9443")
	t.Setenv("OFFLOAD_CERT_FILE", "/env/cert.pem")
	t.Setenv("OFFLOAD_KEY_FILE", "/env/key.pem")
	t.Setenv("OFFLOAD_ENABLED", "false")
	t.Setenv("OFFLOAD_POLL_DELAY", "5ms")
	t.Setenv("OFFLOAD_FALLBACK", "reject")
	t.Setenv("OFFLOAD_SOFTWARE_INSTANCES", "8")
	t.Setenv("OFFLOAD_LOG_LEVEL", "warn")
	t.Setenv("OFFLOAD_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OFFLOAD_OTLP_INSECURE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Admin.Address != ":29090" {
		t.Errorf("Expected admin address from environment, got %q", cfg.Admin.Address)
	}
	if cfg.Listener.Address != ":9443" || !cfg.Listener.HasKeyPair() {
		t.Errorf("Unexpected listener config: %+v", cfg.Listener)
	}
	if cfg.Offload.Enabled {
		t.Error("Expected offload to be disabled from environment")
	}
	if cfg.Offload.PollDelay.Duration != 5*time.Millisecond {
		t.Errorf("Expected poll delay 5ms, got %v", cfg.Offload.PollDelay)
	}
	if cfg.Offload.Fallback != FallbackReject {
		t.Errorf("Expected reject fallback, got %q", cfg.Offload.Fallback)
	}
	if cfg.Offload.SoftwareInstances != 8 {
		t.Errorf("Expected 8 software instances, got %d", cfg.Offload.SoftwareInstances)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn, got %q", cfg.Logging.Level)
	}
	if cfg.Telemetry.OTLPEndpoint != "collector:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Unexpected telemetry config: %+v", cfg.Telemetry)
	}
}

func TestEnvironmentOverrideErrors(t *testing.T) {
	t.Setenv("OFFLOAD_POLL_DELAY", "often")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "OFFLOAD_POLL_DELAY") {
		t.Fatalf("Expected poll delay override error, got %v", err)
	}
}

func TestDurationMarshal(t *testing.T) {
	d := Duration{Duration: 1500 * time.Millisecond}

	y, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML: %v", err)
	}
	if y != "1.5s" {
		t.Errorf("MarshalYAML() = %v", y)
	}

	j, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(j) != `"1.5s"` {
		t.Errorf("MarshalJSON() = %s", j)
	}
}
