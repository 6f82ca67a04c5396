// Package config loads and validates the machinist daemon configuration
// from a YAML file, applying defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/machinist/machinist/pkg/agent"
	"github.com/machinist/machinist/pkg/policy"
	"github.com/machinist/machinist/pkg/reconciler"
	"github.com/machinist/machinist/pkg/stores"
	"github.com/machinist/machinist/pkg/telemetry"
	"github.com/machinist/machinist/pkg/terraform"
)

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Listen is the bind address, e.g. "127.0.0.1:8080".
	Listen string `yaml:"listen" validate:"required"`

	// ReadTimeout and WriteTimeout bound request handling. WriteTimeout
	// must stay generous; log streaming holds response bodies open.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UnmarshalYAML accepts Go duration strings for the timeout fields; yaml.v3
// does not decode them into time.Duration natively. Fields absent from the
// document keep their current values.
func (c *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Listen          string `yaml:"listen"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	}{
		Listen:          c.Listen,
		ReadTimeout:     c.ReadTimeout.String(),
		WriteTimeout:    c.WriteTimeout.String(),
		ShutdownTimeout: c.ShutdownTimeout.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Listen = raw.Listen
	for _, field := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"read_timeout", raw.ReadTimeout, &c.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &c.WriteTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
	} {
		d, err := time.ParseDuration(field.src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
		*field.dst = d
	}
	return nil
}

// VaultConfig locates the credential vault master key.
type VaultConfig struct {
	// KeyFile is a file holding the hex-encoded 32-byte master key.
	KeyFile string `yaml:"key_file" validate:"required"`
}

// ApprovalConfig tunes the deployment approval gate.
type ApprovalConfig struct {
	// Timeout bounds how long a deployment waits in awaiting_approval.
	Timeout time.Duration `yaml:"timeout"`
}

// UnmarshalYAML accepts Go duration strings for timeout.
func (c *ApprovalConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Timeout string `yaml:"timeout"`
	}{
		Timeout: c.Timeout.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	timeout, err := time.ParseDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("invalid approval timeout: %w", err)
	}
	c.Timeout = timeout
	return nil
}

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Database  stores.Config     `yaml:"database"`
	Terraform terraform.Config  `yaml:"terraform"`
	Vault     VaultConfig       `yaml:"vault"`
	Policy    policy.Config     `yaml:"policy"`
	Agent     agent.Config      `yaml:"agent"`
	Approval  ApprovalConfig    `yaml:"approval"`
	Reconcile reconciler.Config `yaml:"reconcile"`

	Logging telemetry.LoggingConfig `yaml:"logging"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`
}

// Default returns the configuration used when a field is left unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: stores.Config{
			Path: "machinist.db",
		},
		Terraform: terraform.Config{
			Binary:  "terraform",
			BaseDir: "workspaces",
		},
		Vault: VaultConfig{
			KeyFile: "machinist.key",
		},
		Policy: policy.Config{
			MaxAutoApproveChanges: 3,
		},
		Agent: agent.Config{
			Port:        22,
			DialTimeout: 15 * time.Second,
		},
		Approval: ApprovalConfig{
			Timeout: time.Hour,
		},
		Reconcile: reconciler.DefaultConfig(),
		Logging:   telemetry.DefaultLoggingConfig(),
		Metrics:   telemetry.DefaultMetricsConfig(),
		Tracing:   telemetry.DefaultTracingConfig(),
	}
}

// Load reads the configuration file at path, overlays it onto the
// defaults, and validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Approval.Timeout < 0 {
		return fmt.Errorf("invalid configuration: approval timeout must not be negative")
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("invalid configuration: reconcile interval must not be negative")
	}
	return nil
}
