// Package config provides configuration structures and loading logic for the
// key offload daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the daemon.
type Config struct {
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Listener  ListenerConfig  `yaml:"listener" json:"listener"`
	Offload   OffloadConfig   `yaml:"offload" json:"offload"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// AdminConfig holds configuration for the admin HTTP server.
type AdminConfig struct {
	Address     string `yaml:"address" json:"address"`
	EnablePprof bool   `yaml:"enable_pprof" json:"enable_pprof"`
}

// OffloadConfig configures the private key offload engine.
type OffloadConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Driver selects the accelerator backend: "software" or "none".
	Driver      string `yaml:"driver" json:"driver"`
	ProcessName string `yaml:"process_name" json:"process_name"`
	Section     string `yaml:"section" json:"section"`

	PollDelay         Duration `yaml:"poll_delay" json:"poll_delay"`
	PollQuota         uint32   `yaml:"poll_quota" json:"poll_quota"`
	DrainTimeout      Duration `yaml:"drain_timeout" json:"drain_timeout"`
	CompletionTimeout Duration `yaml:"completion_timeout" json:"completion_timeout"`

	FailurePolicy FailurePolicyConfig `yaml:"failure_policy" json:"failure_policy"`

	// Fallback decides what a handshake does when no hardware is left:
	// "software" signs with the in-memory key, "reject" fails the handshake.
	Fallback string `yaml:"fallback" json:"fallback"`

	SoftwareInstances  int `yaml:"software_instances" json:"software_instances"`
	SoftwareQueueDepth int `yaml:"software_queue_depth" json:"software_queue_depth"`
}

// FailurePolicyConfig bounds how many poll failures a handle tolerates.
type FailurePolicyConfig struct {
	MaxFailures int      `yaml:"max_failures" json:"max_failures"`
	Window      Duration `yaml:"window" json:"window"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" json:"insecure"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// Offload drivers.
const (
	DriverSoftware = "software"
	DriverNone     = "none"
)

// Handshake fallbacks.
const (
	FallbackSoftware = "software"
	FallbackReject   = "reject"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Admin: AdminConfig{
			Address: ":19090",
		},
		Listener: ListenerConfig{
			Address:          ":8443",
			MinVersion:       string(TLSVersion12),
			HandshakeTimeout: Duration{Duration: 10 * time.Second},
		},
		Offload: OffloadConfig{
			Enabled:           true,
			Driver:            DriverSoftware,
			ProcessName:       "SSL",
			Section:           "default",
			PollDelay:         Duration{Duration: time.Millisecond},
			DrainTimeout:      Duration{Duration: 5 * time.Second},
			CompletionTimeout: Duration{Duration: 5 * time.Second},
			FailurePolicy: FailurePolicyConfig{
				MaxFailures: 16,
				Window:      Duration{Duration: time.Minute},
			},
			Fallback:           FallbackSoftware,
			SoftwareInstances:  4,
			SoftwareQueueDepth: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-keyoffload",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown fields are rejected.
func Parse(data []byte, cfg *Config) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("OFFLOAD_ADMIN_ADDR"); val != "" {
		cfg.Admin.Address = val
	}
	if val := os.Getenv("OFFLOAD_ENABLE_PPROF"); val == "true" {
		cfg.Admin.EnablePprof = true
	}

	if val := os.Getenv("OFFLOAD_LISTEN_ADDR"); val != "" {
		cfg.Listener.Address = val
	}
	if val := os.Getenv("OFFLOAD_CERT_FILE"); val != "" {
		cfg.Listener.CertFile = val
	}
	if val := os.Getenv("OFFLOAD_KEY_FILE"); val != "" {
		cfg.Listener.KeyFile = val
	}

	if val := os.Getenv("OFFLOAD_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("OFFLOAD_ENABLED: %w", err)
		}
		cfg.Offload.Enabled = enabled
	}
	if val := os.Getenv("OFFLOAD_DRIVER"); val != "" {
		cfg.Offload.Driver = val
	}
	if val := os.Getenv("OFFLOAD_POLL_DELAY"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("OFFLOAD_POLL_DELAY: %w", err)
		}
		cfg.Offload.PollDelay = Duration{Duration: d}
	}
	if val := os.Getenv("OFFLOAD_FALLBACK"); val != "" {
		cfg.Offload.Fallback = val
	}
	if val := os.Getenv("OFFLOAD_SOFTWARE_INSTANCES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("OFFLOAD_SOFTWARE_INSTANCES: %w", err)
		}
		cfg.Offload.SoftwareInstances = n
	}

	if val := os.Getenv("OFFLOAD_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("OFFLOAD_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("OFFLOAD_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("OFFLOAD_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin configuration: %w", err)
	}

	if err := c.Listener.Validate(); err != nil {
		return fmt.Errorf("listener configuration: %w", err)
	}

	if err := c.Offload.Validate(); err != nil {
		return fmt.Errorf("offload configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if c.Admin.Address == c.Listener.Address {
		return NewConfigValidationError("admin.address", c.Admin.Address,
			"admin address conflicts with listener address")
	}

	return nil
}

// Validate performs validation of admin configuration.
func (c *AdminConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":19090"
	}
	return nil
}

// Validate performs validation of offload configuration.
func (c *OffloadConfig) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = DriverSoftware
	case DriverSoftware, DriverNone:
	default:
		return NewConfigValidationError("driver", c.Driver, "unknown offload driver").
			WithSuggestion("Use one of: software, none")
	}

	c.Fallback = strings.ToLower(strings.TrimSpace(c.Fallback))
	switch c.Fallback {
	case "":
		c.Fallback = FallbackSoftware
	case FallbackSoftware, FallbackReject:
	default:
		return NewConfigValidationError("fallback", c.Fallback, "unknown fallback mode").
			WithSuggestion("Use one of: software, reject")
	}

	if strings.TrimSpace(c.ProcessName) == "" {
		c.ProcessName = "SSL"
	}
	if strings.TrimSpace(c.Section) == "" {
		c.Section = "default"
	}

	if c.PollDelay.Duration <= 0 {
		return NewConfigValidationError("poll_delay", c.PollDelay.String(), "must be positive").
			WithSuggestion("A busy instance is polled back to back without a delay; use at least 1us")
	}
	if c.DrainTimeout.Duration < 0 {
		return NewConfigValidationError("drain_timeout", c.DrainTimeout.String(), "must not be negative")
	}
	if c.CompletionTimeout.Duration < 0 {
		return NewConfigValidationError("completion_timeout", c.CompletionTimeout.String(), "must not be negative")
	}

	if c.FailurePolicy.MaxFailures < 0 {
		return NewConfigValidationError("failure_policy.max_failures", c.FailurePolicy.MaxFailures,
			"must not be negative").
			WithSuggestion("Use 0 to disable draining on poll failures")
	}
	if c.FailurePolicy.MaxFailures > 0 && c.FailurePolicy.Window.Duration <= 0 {
		return NewConfigValidationError("failure_policy.window", c.FailurePolicy.Window.String(),
			"window must be positive when max_failures is set")
	}

	if c.Driver == DriverSoftware {
		if c.SoftwareInstances <= 0 {
			return NewConfigValidationError("software_instances", c.SoftwareInstances,
				"software driver needs at least one instance")
		}
		if c.SoftwareQueueDepth < 0 {
			return NewConfigValidationError("software_queue_depth", c.SoftwareQueueDepth,
				"must not be negative")
		}
	}

	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text", "console":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text, console", c.Format)
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-keyoffload"
	}
	return nil
}

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// MarshalJSON renders the duration as a string for config dumps.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.Duration.String())), nil
}
