// Package config loads the pipeline configuration from yaml or json5
// files, with $include merging and ${ENV} expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for aegis.
type Config struct {
	Rules       RulesConfig       `yaml:"rules"`
	Validator   ValidatorConfig   `yaml:"validator"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Output      OutputConfig      `yaml:"output"`
	Audit       AuditConfig       `yaml:"audit"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// RulesConfig locates the permission rules file.
type RulesConfig struct {
	// Path to the rules file. Empty means no file; the engine runs
	// with an empty rule list and the default action.
	Path string `yaml:"path"`

	// DefaultAction applies when no rule matches: allow, deny, ask.
	DefaultAction string `yaml:"default_action"`

	// WatchReload enables hot reload when the rules file changes.
	WatchReload bool `yaml:"watch_reload"`
}

type ValidatorConfig struct {
	// MaxCommandLength caps the raw command size in bytes.
	MaxCommandLength int `yaml:"max_command_length"`
}

type ApprovalConfig struct {
	// Timeout after which a pending request is treated as denied.
	Timeout time.Duration `yaml:"timeout"`
}

// SandboxConfig mirrors the executor's container limits.
type SandboxConfig struct {
	Image          string        `yaml:"image"`
	Timeout        time.Duration `yaml:"timeout"`
	CPUs           float64       `yaml:"cpus"`
	MemoryMB       int           `yaml:"memory_mb"`
	PidsLimit      int           `yaml:"pids_limit"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	NetworkEnabled bool          `yaml:"network_enabled"`
	AllowedMounts  []string      `yaml:"allowed_mounts"`
}

type OutputConfig struct {
	// MaxBytes caps filtered output per stream. Zero means the
	// default cap, negative means unlimited.
	MaxBytes int `yaml:"max_bytes"`

	// ExtraPatterns are additional redaction regexes keyed by label.
	ExtraPatterns map[string]string `yaml:"extra_patterns"`
}

type AuditConfig struct {
	// Path to the audit log database.
	Path string `yaml:"path"`
}

type CredentialsConfig struct {
	// Path to the credential store database.
	Path string `yaml:"path"`

	// DisableEnvFallback turns off AEGIS_SECRET_* lookup for names
	// missing from the store.
	DisableEnvFallback bool `yaml:"disable_env_fallback"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TracingConfig struct {
	// Endpoint is the OTLP collector address. Empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file, resolving $include
// directives and expanding environment variables, then applies
// defaults and validates.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := strictDecode(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Rules.DefaultAction == "" {
		cfg.Rules.DefaultAction = "ask"
	}
	if cfg.Validator.MaxCommandLength == 0 {
		cfg.Validator.MaxCommandLength = 10000
	}
	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = 5 * time.Minute
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "alpine:latest"
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 60 * time.Second
	}
	if cfg.Sandbox.CPUs == 0 {
		cfg.Sandbox.CPUs = 1.0
	}
	if cfg.Sandbox.MemoryMB == 0 {
		cfg.Sandbox.MemoryMB = 512
	}
	if cfg.Sandbox.PidsLimit == 0 {
		cfg.Sandbox.PidsLimit = 100
	}
	if cfg.Sandbox.MaxConcurrent == 0 {
		cfg.Sandbox.MaxConcurrent = 4
	}
	if cfg.Output.MaxBytes == 0 {
		cfg.Output.MaxBytes = 64 * 1024
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "aegis-audit.db"
	}
	if cfg.Credentials.Path == "" {
		cfg.Credentials.Path = "aegis-credentials.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Rules.DefaultAction {
	case "allow", "deny", "ask":
	default:
		return fmt.Errorf("rules.default_action must be allow, deny, or ask, got %q", c.Rules.DefaultAction)
	}
	if c.Validator.MaxCommandLength < 0 {
		return fmt.Errorf("validator.max_command_length must be positive")
	}
	if c.Approval.Timeout < 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	if c.Sandbox.Timeout < 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if c.Sandbox.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must be positive")
	}
	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be at least 1")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
	}
	return nil
}
