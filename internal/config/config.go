// Package config loads gateway configuration from YAML or JSON5 files with
// $include composition and environment expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Workspace string                   `yaml:"workspace"`
	Gateway   GatewayConfig            `yaml:"gateway"`
	Providers ProvidersConfig          `yaml:"providers"`
	Tools     ToolsConfig              `yaml:"tools"`
	Adapters  map[string]AdapterConfig `yaml:"adapters"`
	Logging   LoggingConfig            `yaml:"logging"`
}

// GatewayConfig covers the HTTP listener.
type GatewayConfig struct {
	Listen          string `yaml:"listen"`
	ApprovalTimeout string `yaml:"approvalTimeout"`
}

// ApprovalTimeoutDuration parses the approval timeout; zero means default.
func (g GatewayConfig) ApprovalTimeoutDuration() (time.Duration, error) {
	if g.ApprovalTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(g.ApprovalTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid approvalTimeout: %w", err)
	}
	return d, nil
}

// ProvidersConfig names the default scheme and the provider profiles.
type ProvidersConfig struct {
	DefaultScheme string                   `yaml:"defaultScheme"`
	Profiles      map[string]ProfileConfig `yaml:"profiles"`
}

// ProfileConfig is one named upstream credential set. Scheme selects the
// backend kind; Command/Args apply to codex-oauth profiles only.
type ProfileConfig struct {
	Scheme  string   `yaml:"scheme"`
	BaseURL string   `yaml:"baseURL"`
	APIKey  string   `yaml:"apiKey"`
	Model   string   `yaml:"model"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ToolsConfig covers the native tools.
type ToolsConfig struct {
	Exec ExecConfig `yaml:"exec"`
	Web  WebConfig  `yaml:"web"`
}

// ExecConfig describes the MCP tool host and the exec safety policy.
type ExecConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	WorkDir        string            `yaml:"workDir"`
	TimeoutMs      int               `yaml:"timeoutMs"`
	MaxOutputBytes int               `yaml:"maxOutputBytes"`
	Allowlist      []AllowRule       `yaml:"allowlist"`
	AllowlistFile  string            `yaml:"allowlistFile"`
}

// Timeout clamps the per-call timeout to at most one hour.
func (e ExecConfig) Timeout() time.Duration {
	ms := e.TimeoutMs
	if ms <= 0 {
		ms = 60_000
	}
	d := time.Duration(ms) * time.Millisecond
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// AllowRule matches exec invocations exempt from approval in safe mode.
// Exactly one of MatchPrefix or MatchExact is set; Args, when present,
// constrains the argument list.
type AllowRule struct {
	MatchPrefix string   `yaml:"matchPrefix,omitempty"`
	MatchExact  string   `yaml:"matchExact,omitempty"`
	Args        []string `yaml:"args,omitempty"`
}

// WebConfig describes the web-search provider.
type WebConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"apiKey"`
	MaxResults int    `yaml:"maxResults"`
}

// AdapterConfig is one loopback chat adapter.
type AdapterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Key     string `yaml:"key"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with baked-in defaults applied.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Gateway:   GatewayConfig{Listen: "127.0.0.1:8787"},
		Providers: ProvidersConfig{DefaultScheme: "openai-compat"},
		Tools: ToolsConfig{
			Exec: ExecConfig{TimeoutMs: 60_000, MaxOutputBytes: 256 * 1024},
			Web:  WebConfig{MaxResults: 8},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Gateway.Listen == "" {
		return fmt.Errorf("gateway.listen is required")
	}
	if _, err := c.Gateway.ApprovalTimeoutDuration(); err != nil {
		return err
	}
	switch c.Providers.DefaultScheme {
	case "", "openai-compat", "anthropic", "codex-oauth":
	default:
		return fmt.Errorf("providers.defaultScheme %q is not a known scheme", c.Providers.DefaultScheme)
	}
	for name, p := range c.Providers.Profiles {
		switch p.Scheme {
		case "openai-compat", "anthropic":
			if p.APIKey == "" {
				return fmt.Errorf("profile %q: apiKey is required for scheme %s", name, p.Scheme)
			}
		case "codex-oauth":
			if p.Command == "" {
				return fmt.Errorf("profile %q: command is required for scheme codex-oauth", name)
			}
		default:
			return fmt.Errorf("profile %q: unknown scheme %q", name, p.Scheme)
		}
		if p.Model == "" {
			return fmt.Errorf("profile %q: model is required", name)
		}
	}
	for _, rule := range c.Tools.Exec.Allowlist {
		if err := validateRule(rule); err != nil {
			return err
		}
	}
	for name, a := range c.Adapters {
		if a.Enabled && a.Port == 0 {
			return fmt.Errorf("adapter %q: port is required when enabled", name)
		}
	}
	return nil
}

func validateRule(rule AllowRule) error {
	if (rule.MatchPrefix == "") == (rule.MatchExact == "") {
		return fmt.Errorf("allowlist rule must set exactly one of matchPrefix or matchExact")
	}
	return nil
}
